// Package grid is the per-table view a rendering layer talks to. It ties the
// cache, the loaders, the draft buffer and the mutation ledger together and
// turns viewport reports into loads.
// See docs/ARCHITECTURE.md § Grid Cache.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mesh-intelligence/gridcache/internal/cache"
	"github.com/mesh-intelligence/gridcache/internal/drafts"
	"github.com/mesh-intelligence/gridcache/internal/identity"
	"github.com/mesh-intelligence/gridcache/internal/ledger"
	"github.com/mesh-intelligence/gridcache/internal/loader"
	"github.com/mesh-intelligence/gridcache/internal/mode"
	"github.com/mesh-intelligence/gridcache/internal/prefetch"
	"github.com/mesh-intelligence/gridcache/internal/view"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// RowState tells the renderer how to draw a row.
type RowState int

const (
	// Placeholder rows are not loaded yet.
	Placeholder RowState = iota
	Loaded
	// Optimistic rows exist locally and await confirmation.
	Optimistic
)

func (s RowState) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Optimistic:
		return "optimistic"
	default:
		return "placeholder"
	}
}

func stateOf(rec types.Record) RowState {
	if rec.Pending {
		return Optimistic
	}
	return Loaded
}

// Stats is a snapshot of a view's bookkeeping, for status lines and logs.
type Stats struct {
	Mode        mode.Mode
	Rows        int
	Cached      int
	InFlight    int
	Drafts      int
	Pending     int
	Approximate bool
}

// View is the client-side state of one open table.
type View struct {
	svc     types.DataService
	tableID string
	opts    Options
	log     *slog.Logger

	ids      *identity.Map
	cache    *cache.Cache
	drafts   *drafts.Buffer
	loader   *loader.Loader
	lister   *loader.Lister
	ledger   *ledger.Ledger
	selector *mode.Selector
	prefetch *prefetch.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	table    types.Table
	visible  types.Range
	reported bool
	keep     types.Range
	extended *time.Timer
	sort     []types.SortRule
	filter   []types.FilterRule
	query    string
	// derived is the client-side ordering shown until the first ranked page
	// for the current rules arrives.
	derived *view.Result
	// hidden holds rows deleted locally that a ranked listing may still
	// contain; created holds rows added since the listing was fetched.
	hidden  map[string]bool
	created map[string]bool
	// display caches displayRows. It is rebuilt when the cache generation
	// moves or displayVer is bumped by a change to its other inputs.
	display    []types.Record
	displayGen uint64
	displayVer uint64
	closed     bool
}

// Open describes tableID and returns a view over it. No rows are loaded
// until the first viewport report, except for tables small enough to be
// listed whole.
func Open(ctx context.Context, svc types.DataService, tableID string, opts Options) (*View, error) {
	opts.withDefaults()
	info, err := svc.Describe(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("describing table %s: %w", tableID, err)
	}

	bg, cancel := context.WithCancel(context.Background())
	ids := identity.New()
	v := &View{
		svc:      svc,
		tableID:  tableID,
		opts:     opts,
		log:      opts.Logger.With("table", tableID),
		ids:      ids,
		cache:    cache.New(ids),
		selector: mode.NewSelector(opts.SmallTableThreshold, opts.Logger, opts.Metrics),
		ctx:      bg,
		cancel:   cancel,
		table:    info.Table,
		hidden:   make(map[string]bool),
		created:  make(map[string]bool),
	}
	v.prefetch = prefetch.New(prefetch.Options{
		Multiplier:        opts.Multiplier,
		VelocityThreshold: opts.VelocityThreshold,
		FastDelay:         opts.FastDelay,
		SlowDelay:         opts.SlowDelay,
		MaxWindow:         opts.MaxWindow,
	})
	v.drafts = drafts.New(ids, svc, drafts.Options{
		Debounce:    opts.Debounce,
		LockTimeout: opts.EditLockTimeout,
		RetryBudget: opts.RetryBudget,
		OnWritten:   v.cellWritten,
		OnError:     v.report,
		Logger:      v.log,
		Metrics:     opts.Metrics,
	})
	v.cache.SetLockFunc(v.drafts.Locked)

	lopts := loader.Options{
		MaxWindow:   opts.MaxWindow,
		MergeGap:    opts.MergeGap,
		StaleAfter:  opts.StaleAfter,
		RetryBudget: opts.RetryBudget,
		PageSize:    opts.PageSize,
		OnRestore:   opts.Listener.RestoreViewport,
		OnMerged:    v.merged,
		OnError:     v.report,
		Logger:      v.log,
		Metrics:     opts.Metrics,
	}
	v.loader = loader.New(tableID, svc, v.cache, lopts)
	v.lister = loader.NewLister(tableID, svc, v.cache, lopts)
	v.ledger = ledger.New(tableID, svc, ids, v.cache, v.drafts, ledger.Options{
		Settled:     v.settled,
		OnError:     v.report,
		RowRemoved:  v.hide,
		RowRestored: v.unhide,
		RowDeleted:  v.rowDeleted,
		RowAdded:    v.rowAdded,
		Logger:      v.log,
		Metrics:     opts.Metrics,
	})

	v.cache.Reset(info)
	v.applyRules()
	return v, nil
}

// Table returns the table the view was opened on.
func (v *View) Table() types.Table {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.table
}

// Columns returns the columns in display order, pending ones included.
func (v *View) Columns() []types.Column {
	return v.cache.Columns()
}

// Mode returns the current fetch strategy.
func (v *View) Mode() mode.Mode {
	return v.selector.Mode()
}

// Mutations returns the ledger for row and column changes.
func (v *View) Mutations() *ledger.Ledger {
	return v.ledger
}

// Approximate reports whether the rows shown are a client-side ordering of
// a partial row set, pending the server's ranked listing.
func (v *View) Approximate() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.derived != nil && v.derived.Approximate
}

// Stats returns a snapshot of the view's bookkeeping.
func (v *View) Stats() Stats {
	return Stats{
		Mode:        v.selector.Mode(),
		Rows:        v.RowCount(),
		Cached:      v.cache.Len(),
		InFlight:    len(v.loader.InFlight()),
		Drafts:      v.drafts.Len(),
		Pending:     v.ledger.Pending(),
		Approximate: v.Approximate(),
	}
}

// ReportVisibleRange tells the view which rows [first, last] are on screen
// at atMs (milliseconds). It never blocks: visible gaps are fetched at once,
// the surrounding belt after a delay that depends on scroll speed. A newer
// report cancels the belt load of the previous one if it has not started.
func (v *View) ReportVisibleRange(first, last int, atMs int64) {
	v.prefetch.Observe(first, last, atMs)
	v.mu.Lock()
	v.visible = types.Range{Start: first, End: last}
	v.reported = true
	v.mu.Unlock()
	v.schedule()
}

func (v *View) schedule() {
	v.mu.Lock()
	if v.closed || !v.reported {
		v.mu.Unlock()
		return
	}
	vis := v.visible
	v.mu.Unlock()

	if v.selector.Mode() == mode.Listing {
		plan := v.prefetch.Plan(vis, 0, mode.Listing, nil, v.lister.Len(), v.lister.Done())
		if plan.NextPage {
			v.goLoad(v.nextPage)
		}
		return
	}

	plan := v.prefetch.Plan(vis, v.cache.Total(), mode.Sparse, v.loader.Missing, 0, false)
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.keep = plan.Window
	if v.extended != nil {
		v.extended.Stop()
		v.extended = nil
	}
	if len(plan.Extended) > 0 {
		win := plan.Window
		v.extended = time.AfterFunc(plan.Delay, func() {
			v.goLoad(func(ctx context.Context) error {
				return v.loader.EnsureLoaded(ctx, win.Start, win.End, false)
			})
		})
	}
	v.mu.Unlock()

	if len(plan.Viewport) > 0 {
		r := plan.Visible
		v.goLoad(func(ctx context.Context) error {
			return v.loader.EnsureLoaded(ctx, r.Start, r.End, false)
		})
	}
}

// goLoad runs fn in the background. Failures are logged here; the loader
// reports the ones that exhausted their retries to the listener.
func (v *View) goLoad(fn func(ctx context.Context) error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.wg.Add(1)
	v.mu.Unlock()
	go func() {
		defer v.wg.Done()
		if err := fn(v.ctx); err != nil && v.ctx.Err() == nil {
			v.log.Debug("background load failed", "error", err)
		}
	}()
}

func (v *View) nextPage(ctx context.Context) error {
	n, err := v.lister.NextPage(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		v.schedule()
	}
	return nil
}

func (v *View) merged() {
	v.mu.Lock()
	if v.derived != nil {
		if _, ok := v.lister.Total(); ok {
			v.derived = nil
		}
	}
	v.invalidateLocked()
	keep := v.keep
	v.mu.Unlock()

	if v.opts.Capacity > 0 && v.selector.Mode() == mode.Sparse {
		if n := v.cache.Trim(keep, v.opts.Capacity); n > 0 {
			v.log.Debug("trimmed cached rows", "rows", n, "keep", keep.String())
		}
	}
	v.opts.Listener.Changed()
}

func (v *View) cellWritten(cell types.Cell) {
	row, ok := v.cache.Row(cell.RowID)
	if !ok {
		return
	}
	v.loader.ApplyCellUpdate(row.Order, cell)
	v.opts.Listener.Changed()
}

func (v *View) report(err error) {
	v.opts.Listener.Error(err)
}

func (v *View) settled(m *ledger.Mutation) {
	err := m.Wait(context.Background())
	switch m.Op {
	case ledger.OpCreateRow, ledger.OpInsertAbove, ledger.OpInsertBelow:
		if err == nil {
			v.mu.Lock()
			v.created[m.ID] = true
			v.invalidateLocked()
			v.mu.Unlock()
		}
	}
	v.opts.Listener.Changed()
	v.schedule()
}

func (v *View) rowDeleted(serverID string, order int) {
	v.lister.Remove(serverID, order)
	v.mu.Lock()
	v.invalidateLocked()
	v.mu.Unlock()
}

func (v *View) rowAdded(serverID string) {
	if row, ok := v.cache.Row(serverID); ok {
		v.lister.Inserted(row.Order)
	}
}

func (v *View) invalidateLocked() {
	v.display = nil
	v.displayVer++
}

func (v *View) hide(rowID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hidden[v.ids.Stable(identity.Row, rowID)] = true
	if server, ok := v.ids.Server(identity.Row, rowID); ok {
		v.hidden[server] = true
	}
	v.invalidateLocked()
}

func (v *View) unhide(rowID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.hidden, v.ids.Stable(identity.Row, rowID))
	if server, ok := v.ids.Server(identity.Row, rowID); ok {
		delete(v.hidden, server)
	}
	v.invalidateLocked()
}

// rankedView reports whether rows are shown in ranked order rather than by
// their position in the table.
func (v *View) rankedView() bool {
	return v.selector.Mode() == mode.Listing && v.lister.Ranked()
}

// displayRows is the ranked row list: the listing (or the derived view
// until it arrives) without locally deleted rows, followed by rows created
// since it was fetched. The result is shared and must not be modified.
func (v *View) displayRows() []types.Record {
	gen, _ := v.cache.Generation()
	v.mu.Lock()
	if v.display != nil && v.displayGen == gen {
		rows := v.display
		v.mu.Unlock()
		return rows
	}
	ver := v.displayVer
	derived := v.derived
	hidden := maps.Clone(v.hidden)
	created := maps.Clone(v.created)
	v.mu.Unlock()

	var base []types.Record
	if derived != nil {
		base = derived.Rows
	} else {
		base = v.lister.Rows()
	}
	out := make([]types.Record, 0, len(base))
	listed := make(map[string]bool, len(base))
	for _, r := range base {
		key := v.ids.Stable(identity.Row, r.ID)
		listed[key] = true
		if hidden[key] || hidden[r.ID] {
			continue
		}
		out = append(out, r)
	}
	for _, r := range v.cache.Rows() {
		key := v.ids.Stable(identity.Row, r.ID)
		if listed[key] || hidden[key] {
			continue
		}
		if r.Pending || created[key] {
			out = append(out, r)
		}
	}

	v.mu.Lock()
	if v.displayVer == ver {
		v.display, v.displayGen = out, gen
	}
	v.mu.Unlock()
	return out
}

// RowCount returns the number of rows the renderer should lay out.
func (v *View) RowCount() int {
	if !v.rankedView() {
		return v.cache.Total()
	}
	rows := v.displayRows()
	v.mu.Lock()
	derived := v.derived != nil
	v.mu.Unlock()
	total, ok := v.lister.Total()
	if derived || !ok {
		return len(rows)
	}
	return max(len(rows), total+len(rows)-v.lister.Len())
}

// GetRowAt returns the row shown at index. Rows not loaded yet come back as
// placeholders carrying only their index.
func (v *View) GetRowAt(index int) (types.Record, RowState) {
	placeholder := types.Record{TableID: v.tableID, Order: index}
	if v.rankedView() {
		rows := v.displayRows()
		if index < 0 || index >= len(rows) {
			return placeholder, Placeholder
		}
		rec := rows[index]
		if cur, ok := v.cache.Row(rec.ID); ok {
			rec = cur
		}
		return rec, stateOf(rec)
	}
	rec, ok := v.cache.RowAt(index)
	if !ok {
		return placeholder, Placeholder
	}
	return rec, stateOf(rec)
}

// GetCellDisplayValue returns what the cell shows: the unsaved draft if
// any, else the cached value, else "".
func (v *View) GetCellDisplayValue(rowID, columnID string) string {
	if val, ok := v.drafts.Get(rowID, columnID); ok {
		return val.String()
	}
	return v.cache.Text(rowID, columnID)
}

// SetCellDraft records user input for a cell, coerced to the column type.
// The draft is written after the debounce delay once the row and column
// both exist on the server.
func (v *View) SetCellDraft(rowID, columnID, input string) error {
	if v.isClosed() {
		return types.ErrClosed
	}
	col, ok := v.cache.Column(columnID)
	if !ok {
		return fmt.Errorf("column %s: %w", columnID, types.ErrNotFound)
	}
	v.drafts.Set(rowID, columnID, types.Coerce(col.Type, input))
	v.opts.Listener.Changed()
	return nil
}

// BeginEdit marks a cell as being edited so loads do not overwrite it.
func (v *View) BeginEdit(rowID, columnID string) {
	v.drafts.BeginEdit(rowID, columnID)
}

// CommitDraft ends the edit and writes the draft now.
func (v *View) CommitDraft(ctx context.Context, rowID, columnID string) error {
	err := v.drafts.Commit(ctx, rowID, columnID)
	v.opts.Listener.Changed()
	return err
}

// CancelDraft drops the draft so the stored value shows again.
func (v *View) CancelDraft(rowID, columnID string) {
	v.drafts.EndEdit(rowID, columnID)
	if v.drafts.Cancel(rowID, columnID) {
		v.opts.Listener.Changed()
	}
}

// Rules returns the active sort rules, filter rules and query.
func (v *View) Rules() ([]types.SortRule, []types.FilterRule, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.sort), slices.Clone(v.filter), v.query
}

// SetRules replaces the sort and filter rules. Until the server's ranked
// rows arrive the view shows the cached rows sorted and filtered locally.
func (v *View) SetRules(sort []types.SortRule, filter []types.FilterRule) {
	v.mu.Lock()
	v.sort = slices.Clone(sort)
	v.filter = slices.Clone(filter)
	v.mu.Unlock()
	v.applyRules()
}

// SetQuery sets the free-text query that narrows the rows shown.
func (v *View) SetQuery(q string) {
	v.mu.Lock()
	v.query = q
	v.mu.Unlock()
	v.applyRules()
}

func (v *View) applyRules() {
	v.mu.Lock()
	in := mode.Inputs{
		RowCount: v.cache.Total(),
		Sort:     slices.Clone(v.sort),
		Filter:   slices.Clone(v.filter),
		Query:    v.query,
	}
	v.mu.Unlock()

	t := v.selector.Update(in)
	if !t.Switched && !t.RulesChanged {
		return
	}
	if t.Switched {
		v.loader.Invalidate()
	}
	v.lister.Reset(in.Sort, in.Filter, in.Query)

	var derived *view.Result
	if t.To == mode.Listing && in.Ranked() {
		res := v.derive(in)
		derived = &res
	}
	v.mu.Lock()
	v.derived = derived
	clear(v.created)
	v.invalidateLocked()
	vis, reported := v.visible, v.reported
	v.mu.Unlock()

	switch {
	case t.To == mode.Listing:
		v.goLoad(v.nextPage)
	case reported:
		r := v.capped(vis)
		v.goLoad(func(ctx context.Context) error {
			return v.loader.EnsureLoaded(ctx, r.Start, r.End, true)
		})
	}
	v.opts.Listener.Changed()
}

func (v *View) derive(in mode.Inputs) view.Result {
	cols := v.cache.Columns()
	rows := view.Search(v.cache.Rows(), v.cache.Text, cols, in.Query)
	return view.Apply(rows, v.cache.Text, cols, in.Sort, in.Filter, v.cache.Len() >= v.cache.Total())
}

func (v *View) capped(r types.Range) types.Range {
	if limit := v.loader.MaxWindow(); r.Len() > limit {
		r.End = r.Start + limit - 1
	}
	return r
}

// JumpToMatch searches the table for query and brings the n-th hit into
// view (wrapping around), loading the rows around it first. The hit is
// delivered to the listener through ScrollTo and returned.
func (v *View) JumpToMatch(ctx context.Context, query string, n int) (types.SearchHit, error) {
	if v.isClosed() {
		return types.SearchHit{}, types.ErrClosed
	}
	v.mu.Lock()
	req := types.SearchRequest{
		TableID: v.tableID,
		Query:   query,
		Sort:    slices.Clone(v.sort),
		Filter:  slices.Clone(v.filter),
	}
	vis, reported := v.visible, v.reported
	v.mu.Unlock()

	hits, err := v.svc.Search(ctx, req)
	if err != nil {
		return types.SearchHit{}, fmt.Errorf("searching %q: %w", query, err)
	}
	if len(hits) == 0 {
		return types.SearchHit{}, fmt.Errorf("searching %q: %w", query, types.ErrNotFound)
	}
	hit := hits[((n%len(hits))+len(hits))%len(hits)]
	if hit.Type == types.HitField || hit.RowOrder < 0 {
		v.opts.Listener.ScrollTo(-1, hit.ColumnOrder)
		return hit, nil
	}

	height := 1
	if reported {
		height = v.capped(vis).Len()
	}
	start := max(0, hit.RowOrder-height/2)
	if err := v.Load(ctx, start, start+height-1); err != nil {
		return hit, err
	}
	v.opts.Listener.ScrollTo(hit.RowOrder, hit.ColumnOrder)
	return hit, nil
}

// Load fetches display rows [first, last] and returns once they are cached.
// It is the blocking counterpart of ReportVisibleRange for callers that have
// no viewport, such as batch tools. Sparse windows are capped at MaxWindow.
func (v *View) Load(ctx context.Context, first, last int) error {
	if v.isClosed() {
		return types.ErrClosed
	}
	if v.selector.Mode() == mode.Listing {
		// Pages are not fetched while a row insert or delete is in flight.
		if err := v.ledger.Wait(ctx); err != nil {
			return err
		}
		for v.lister.Len() <= last && !v.lister.Done() {
			before := v.lister.Len()
			if _, err := v.lister.NextPage(ctx); err != nil {
				return err
			}
			if v.lister.Len() == before {
				break
			}
		}
		return nil
	}
	r := v.capped(types.Range{Start: max(0, first), End: last})
	return v.loader.EnsureLoaded(ctx, r.Start, r.End, false)
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Wait blocks until mutations, draft writes and loads started so far have
// finished.
func (v *View) Wait() {
	_ = v.ledger.Wait(context.Background())
	v.drafts.Wait()
	v.wg.Wait()
}

// Close waits for outstanding mutations, writes every flushable draft and
// stops background work. Drafts on rows or columns that never got a server
// id are lost. The view cannot be used afterwards.
func (v *View) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	if v.extended != nil {
		v.extended.Stop()
	}
	v.mu.Unlock()

	var errs []error
	if err := v.ledger.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for mutations: %w", err))
	}
	if err := v.drafts.FlushAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing drafts: %w", err))
	}
	v.drafts.Stop()
	v.ledger.Close()
	v.cancel()
	v.wg.Wait()
	if n := v.drafts.Len(); n > 0 {
		v.log.Warn("closing with unsaved drafts", "drafts", n)
	}
	return errors.Join(errs...)
}
