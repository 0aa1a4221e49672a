// Package loader fetches rows for demanded order windows and merges them into
// the grid cache. Each window is split into the runs of orders that are
// neither cached nor already in flight, and those runs are fetched
// concurrently. Listing mode uses Lister instead.
// See docs/ARCHITECTURE.md § Sparse Window Loader.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/gridcache/internal/cache"
	"github.com/mesh-intelligence/gridcache/internal/metrics"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Source is the slice of the data service the loader reads from.
type Source interface {
	LoadRange(ctx context.Context, tableID string, r types.Range, columnIDs []string) (types.RangeResult, error)
	ListRanked(ctx context.Context, req types.ListRequest) (types.Page, error)
}

// Defaults for Options fields left zero.
const (
	DefaultMaxWindow   = 500
	DefaultMergeGap    = 8
	DefaultStaleAfter  = 10 * time.Second
	DefaultRetryBudget = 3
	DefaultPageSize    = 100
)

// Options configures a Loader.
type Options struct {
	// MaxWindow is the widest window EnsureLoaded accepts.
	MaxWindow int
	// MergeGap is the largest run of cached orders between two missing runs
	// for which the runs are fetched as one range. Negative disables merging.
	MergeGap int
	// StaleAfter bounds how long a queued cell update may wait for its
	// range to land.
	StaleAfter time.Duration
	// RetryBudget is the number of consecutive failures of one range after
	// which the failure is reported through OnError.
	RetryBudget int
	PageSize    int

	// OnRestore is called with the requested start after a load whose
	// caller asked for a viewport restore, unless a newer load superseded it.
	OnRestore func(anchor int)
	// OnMerged is called after any fetch merges data.
	OnMerged func()
	// OnError receives fetch failures that exhausted the retry budget.
	OnError func(error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (o *Options) withDefaults() {
	if o.MaxWindow <= 0 {
		o.MaxWindow = DefaultMaxWindow
	}
	switch {
	case o.MergeGap == 0:
		o.MergeGap = DefaultMergeGap
	case o.MergeGap < 0:
		o.MergeGap = 0
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// flight is one range being fetched. token distinguishes a guard from a
// newer guard for the same key registered after Invalidate.
type flight struct {
	r     types.Range
	token uint64
}

type queuedUpdate struct {
	cell types.Cell
	at   time.Time
}

// Loader owns the in-flight range set and the load epoch for one table.
type Loader struct {
	tableID string
	src     Source
	cache   *cache.Cache
	opts    Options

	mu       sync.Mutex
	inflight map[string]flight
	token    uint64
	epoch    uint64
	queued   map[string][]queuedUpdate
	failures map[string]int
	columns  []string
}

// New returns a Loader that fetches tableID from src into c.
func New(tableID string, src Source, c *cache.Cache, opts Options) *Loader {
	opts.withDefaults()
	return &Loader{
		tableID:  tableID,
		src:      src,
		cache:    c,
		opts:     opts,
		inflight: make(map[string]flight),
		queued:   make(map[string][]queuedUpdate),
		failures: make(map[string]int),
	}
}

// SetColumns limits fetched cells to the given columns. Empty means all.
func (l *Loader) SetColumns(ids []string) {
	l.mu.Lock()
	l.columns = append([]string(nil), ids...)
	l.mu.Unlock()
}

// MaxWindow returns the widest window EnsureLoaded accepts.
func (l *Loader) MaxWindow() int { return l.opts.MaxWindow }

// Epoch returns the current load epoch.
func (l *Loader) Epoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// EnsureLoaded makes the orders in [start, end] available in the cache. The
// window is clamped to the table; a window wider than MaxWindow is rejected
// with ErrWindowTooWide. Only runs of missing orders are fetched; a window
// whose orders are all cached or in flight issues no fetch. Two runs split
// by at most MergeGap cached orders are fetched as one range, so those cached
// orders are read again (set MergeGap to a negative value to fetch exactly
// the missing orders). Orders covered by an in-flight fetch are never
// requested twice. On failure the failed ranges are released and nothing
// from them is merged.
func (l *Loader) EnsureLoaded(ctx context.Context, start, end int, restore bool) error {
	total := l.cache.Total()
	r, ok := types.Range{Start: start, End: end}.Clamp(0, total-1)
	if !ok {
		return nil
	}
	if r.Len() > l.opts.MaxWindow {
		return fmt.Errorf("loading rows %s: %w (max %d)", r, types.ErrWindowTooWide, l.opts.MaxWindow)
	}

	l.mu.Lock()
	runs := l.missingLocked(r)
	l.epoch++
	epoch := l.epoch
	if len(runs) == 0 {
		l.mu.Unlock()
		l.opts.Metrics.Coalesced()
		l.opts.Logger.Debug("window already loaded", "range", r.String())
		if restore && l.opts.OnRestore != nil {
			l.opts.OnRestore(start)
		}
		return nil
	}
	flights := make([]flight, len(runs))
	for i, run := range runs {
		l.token++
		flights[i] = flight{r: run, token: l.token}
		l.inflight[run.Key()] = flights[i]
	}
	columns := l.columns
	l.mu.Unlock()
	l.opts.Metrics.InFlight(len(flights))

	gen, _ := l.cache.Generation()

	var g errgroup.Group
	for _, f := range flights {
		g.Go(func() error { return l.fetch(ctx, f, gen, columns) })
	}
	err := g.Wait()

	if l.opts.OnMerged != nil {
		l.opts.OnMerged()
	}
	if err != nil {
		return err
	}
	if restore {
		l.mu.Lock()
		current := epoch == l.epoch
		l.mu.Unlock()
		if current && l.opts.OnRestore != nil {
			l.opts.OnRestore(start)
		} else if !current {
			l.opts.Logger.Debug("viewport restore superseded", "range", r.String())
		}
	}
	return nil
}

// fetch loads one run. The deferred release runs on every path, so a failed
// fetch never leaves its range guarded.
func (l *Loader) fetch(ctx context.Context, f flight, gen uint64, columns []string) error {
	key := f.r.Key()
	defer l.release(key, f.token)

	began := l.opts.Now()
	res, err := l.src.LoadRange(ctx, l.tableID, f.r, columns)
	l.opts.Metrics.Fetch("range", len(res.Rows), l.opts.Now().Sub(began), err)
	if err != nil {
		l.recordFailure(key, err)
		return fmt.Errorf("loading rows %s: %w", f.r, err)
	}

	st := l.cache.Merge(cache.Batch{
		Rows:    res.Rows,
		Cells:   res.Cells,
		Gen:     gen,
		Total:   res.TotalCount,
		Counted: res.Counted,
	})
	l.opts.Logger.Debug("merged range", "range", f.r.String(),
		"placed", st.Placed, "updated", st.Updated, "skipped", st.Skipped, "cells", st.Cells)

	l.mu.Lock()
	delete(l.failures, key)
	queued := l.queued[key]
	delete(l.queued, key)
	l.mu.Unlock()
	l.replay(queued)
	return nil
}

func (l *Loader) release(key string, token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.inflight[key]; ok && f.token == token {
		delete(l.inflight, key)
		l.opts.Metrics.InFlight(-1)
	}
}

func (l *Loader) recordFailure(key string, err error) {
	l.mu.Lock()
	l.failures[key]++
	n := l.failures[key]
	// Updates queued behind a failed range have nothing to land on.
	delete(l.queued, key)
	l.mu.Unlock()

	l.opts.Logger.Debug("range fetch failed", "range", key, "failures", n, "error", err)
	if n == l.opts.RetryBudget {
		l.opts.Logger.Warn("range fetch keeps failing", "range", key, "error", err)
		if l.opts.OnError != nil {
			l.opts.OnError(fmt.Errorf("loading rows %s: %w: %w", key, types.ErrRetryBudget, err))
		}
	}
}

func (l *Loader) replay(updates []queuedUpdate) {
	now := l.opts.Now()
	for _, u := range updates {
		if now.Sub(u.at) > l.opts.StaleAfter {
			l.opts.Logger.Debug("discarding stale cell update", "row", u.cell.RowID, "column", u.cell.ColumnID)
			continue
		}
		l.cache.PutCell(u.cell)
	}
}

// ApplyCellUpdate stores a confirmed cell value for the row at order. If the
// order lies inside a range being fetched, the update is queued and applied
// after that range merges, so the fetch cannot overwrite it with an older
// value. Queued updates older than StaleAfter are dropped at replay.
func (l *Loader) ApplyCellUpdate(order int, cell types.Cell) {
	l.mu.Lock()
	for key, f := range l.inflight {
		if f.r.Contains(order) {
			l.queued[key] = append(l.queued[key], queuedUpdate{cell: cell, at: l.opts.Now()})
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()
	l.cache.PutCell(cell)
}

// Missing returns the runs of orders in r that are neither cached nor in
// flight, merged across small cached gaps.
func (l *Loader) Missing(r types.Range) []types.Range {
	r, ok := r.Clamp(0, l.cache.Total()-1)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.missingLocked(r)
}

type status uint8

const (
	statusMissing status = iota
	statusCached
	statusInFlight
)

func (l *Loader) missingLocked(r types.Range) []types.Range {
	st := make([]status, r.Len())
	for i := range st {
		order := r.Start + i
		if l.cache.Has(order) {
			st[i] = statusCached
			continue
		}
		for _, f := range l.inflight {
			if f.r.Contains(order) {
				st[i] = statusInFlight
				break
			}
		}
	}

	var runs []types.Range
	for i := 0; i < len(st); {
		if st[i] != statusMissing {
			i++
			continue
		}
		j := i
		for j+1 < len(st) && st[j+1] == statusMissing {
			j++
		}
		run := types.Range{Start: r.Start + i, End: r.Start + j}

		// Absorb a following run when only a short stretch of cached
		// orders separates them; never refetch in-flight orders.
		if n := len(runs); n > 0 {
			prev := runs[n-1]
			gap := run.Start - prev.End - 1
			if gap <= l.opts.MergeGap && allCached(st, prev.End+1-r.Start, run.Start-r.Start) {
				runs[n-1].End = run.End
				i = j + 1
				continue
			}
		}
		runs = append(runs, run)
		i = j + 1
	}
	return runs
}

func allCached(st []status, from, to int) bool {
	for i := from; i < to; i++ {
		if st[i] != statusCached {
			return false
		}
	}
	return true
}

// InFlight returns the ranges currently being fetched.
func (l *Loader) InFlight() []types.Range {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Range, 0, len(l.inflight))
	for _, f := range l.inflight {
		out = append(out, f.r)
	}
	return out
}

// Invalidate forgets every in-flight range and advances the load epoch, as
// on a mode switch. Fetches already running still merge their results, but
// they can no longer release newer guards or restore the viewport.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	n := len(l.inflight)
	clear(l.inflight)
	l.epoch++
	l.mu.Unlock()
	l.opts.Metrics.InFlight(-n)
}
