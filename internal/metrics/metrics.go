// Package metrics exposes Prometheus collectors for the grid cache. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gridcache"

// Metrics groups the collectors recorded by the loader, the ledger and the
// draft buffer.
type Metrics struct {
	fetches       *prometheus.CounterVec
	fetchRows     prometheus.Counter
	fetchDuration prometheus.Histogram
	coalesced     prometheus.Counter
	inFlight      prometheus.Gauge
	mutations     *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	drafts        prometheus.Gauge
	modeSwitches  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetches_total",
			Help: "Range and page fetches by kind and result.",
		}, []string{"kind", "result"}),
		fetchRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetched_rows_total",
			Help: "Rows returned by successful fetches.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "fetch_duration_seconds",
			Help:    "Latency of data service fetches.",
			Buckets: prometheus.DefBuckets,
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetches_coalesced_total",
			Help: "Fetches skipped because the range was already loaded or in flight.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ranges_in_flight",
			Help: "Ranges currently being fetched.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mutations_total",
			Help: "Optimistic mutations by operation and outcome.",
		}, []string{"op", "result"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "draft_flushes_total",
			Help: "Draft flush attempts by result.",
		}, []string{"result"}),
		drafts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "drafts_buffered",
			Help: "Drafts waiting to be written.",
		}),
		modeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mode_switches_total",
			Help: "Mode selector transitions by target mode.",
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.fetchRows, m.fetchDuration, m.coalesced,
			m.inFlight, m.mutations, m.flushes, m.drafts, m.modeSwitches)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Fetch records one completed fetch of the given kind ("range" or "page").
func (m *Metrics) Fetch(kind string, rows int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(kind, result(err)).Inc()
	m.fetchDuration.Observe(took.Seconds())
	if err == nil {
		m.fetchRows.Add(float64(rows))
	}
}

// Coalesced records a fetch that was not issued.
func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// InFlight adjusts the in-flight range gauge.
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}

// Mutation records a settled mutation.
func (m *Metrics) Mutation(op string, err error) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result(err)).Inc()
}

// Flush records a draft flush attempt. Skipped flushes (pending target,
// nothing to write) use result "skipped".
func (m *Metrics) Flush(res string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(res).Inc()
}

// FlushResult maps a flush error to its label.
func FlushResult(err error) string {
	return result(err)
}

// Drafts sets the number of buffered drafts.
func (m *Metrics) Drafts(n int) {
	if m == nil {
		return
	}
	m.drafts.Set(float64(n))
}

// ModeSwitch records a transition into mode.
func (m *Metrics) ModeSwitch(mode string) {
	if m == nil {
		return
	}
	m.modeSwitches.WithLabelValues(mode).Inc()
}
