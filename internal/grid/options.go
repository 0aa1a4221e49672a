package grid

import (
	"log/slog"
	"time"

	"github.com/mesh-intelligence/gridcache/internal/metrics"
)

// DefaultCapacity is the number of rows a sparse view keeps cached before
// trimming rows far from the viewport.
const DefaultCapacity = 2000

// Options tunes a View. Zero fields take the defaults of the component they
// configure.
type Options struct {
	// SmallTableThreshold is the row count at or below which the whole table
	// is listed instead of loaded sparsely. Negative disables it.
	SmallTableThreshold int

	MaxWindow   int
	MergeGap    int
	PageSize    int
	StaleAfter  time.Duration
	RetryBudget int

	Debounce        time.Duration
	EditLockTimeout time.Duration

	Multiplier        float64
	VelocityThreshold float64
	FastDelay         time.Duration
	SlowDelay         time.Duration

	// Capacity bounds the cached rows in sparse mode. Negative disables
	// trimming.
	Capacity int

	Listener Listener
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (o *Options) withDefaults() {
	if o.Capacity == 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Listener == nil {
		o.Listener = Funcs{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
