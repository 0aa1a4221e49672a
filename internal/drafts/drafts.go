// Package drafts buffers uncommitted cell edits under stable identity keys and
// writes them to the data service after a quiet period.
// See docs/ARCHITECTURE.md § Draft Edit Buffer.
package drafts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/gridcache/internal/identity"
	"github.com/mesh-intelligence/gridcache/internal/metrics"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Writer is the slice of the data service the buffer writes through.
type Writer interface {
	UpsertCell(ctx context.Context, rowID, columnID string, value types.CellValue) (string, error)
	FindCell(ctx context.Context, rowID, columnID string) (types.Cell, error)
}

// Defaults for Options fields left zero.
const (
	DefaultDebounce    = 500 * time.Millisecond
	DefaultLockTimeout = 30 * time.Second
	DefaultRetryBudget = 3
	DefaultKnownCells  = 4096
	flushParallelism   = 8
)

// Options configures a Buffer.
type Options struct {
	Debounce    time.Duration
	LockTimeout time.Duration

	// RetryBudget is the number of consecutive failed writes for one cell
	// after which the failure is reported through OnError.
	RetryBudget int

	// KnownCells bounds the cache of cells known to exist on the server.
	KnownCells int

	// OnWritten receives each value the server accepted.
	OnWritten func(types.Cell)
	// OnError receives terminal write failures.
	OnError func(error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now is the clock used for edit-lock expiry.
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.KnownCells <= 0 {
		o.KnownCells = DefaultKnownCells
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type draft struct {
	value    types.CellValue
	version  uint64
	timer    *time.Timer
	flushing bool
	failures int
}

// Buffer holds drafts keyed by identity.Key. Safe for concurrent use.
type Buffer struct {
	opts Options
	ids  *identity.Map
	svc  Writer

	mu      sync.Mutex
	entries map[identity.Key]*draft
	locks   map[identity.Key]time.Time // edit session deadlines
	stopped bool

	// known maps cells that exist on the server to their ids.
	known *lru.Cache[identity.Key, string]

	wg sync.WaitGroup
}

// New returns an empty Buffer.
func New(ids *identity.Map, svc Writer, opts Options) *Buffer {
	opts.withDefaults()
	known, err := lru.New[identity.Key, string](opts.KnownCells)
	if err != nil {
		panic(fmt.Sprintf("drafts: lru: %v", err))
	}
	return &Buffer{
		opts:    opts,
		ids:     ids,
		svc:     svc,
		entries: make(map[identity.Key]*draft),
		locks:   make(map[identity.Key]time.Time),
		known:   known,
	}
}

// Set records a draft for (rowID, columnID) and restarts its debounce
// timer. Either id may be local or server.
func (b *Buffer) Set(rowID, columnID string, value types.CellValue) {
	key := b.ids.CellKey(rowID, columnID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	d, ok := b.entries[key]
	if !ok {
		d = &draft{}
		b.entries[key] = d
	}
	d.value = value
	d.version++
	b.armLocked(key, d)
	b.opts.Metrics.Drafts(len(b.entries))
}

func (b *Buffer) armLocked(key identity.Key, d *draft) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(b.opts.Debounce, func() {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		b.wg.Add(1)
		b.mu.Unlock()
		defer b.wg.Done()
		// Timer-driven failures are retried on the next cycle.
		_ = b.FlushOne(context.Background(), key)
	})
}

// Get returns the draft for (rowID, columnID), if any.
func (b *Buffer) Get(rowID, columnID string) (types.CellValue, bool) {
	key := b.ids.CellKey(rowID, columnID)
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.entries[key]
	if !ok {
		return types.CellValue{}, false
	}
	return d.value, true
}

// Len returns the number of buffered drafts.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// FlushOne writes the draft at key. It does nothing while the row or column
// is pending, or while another flush of the same key is running. The draft
// is cleared only if it did not change while the write was in flight; on
// failure it is kept and rescheduled.
func (b *Buffer) FlushOne(ctx context.Context, key identity.Key) error {
	rowID, rowOK := b.ids.Server(identity.Row, key.Row)
	colID, colOK := b.ids.Server(identity.Column, key.Column)

	b.mu.Lock()
	d, ok := b.entries[key]
	if !ok || d.flushing || !rowOK || !colOK {
		b.mu.Unlock()
		if ok {
			b.opts.Metrics.Flush("skipped")
		}
		return nil
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.flushing = true
	version, value := d.version, d.value
	b.mu.Unlock()

	cellID, err := b.write(ctx, key, rowID, colID, value)
	b.opts.Metrics.Flush(metrics.FlushResult(err))
	if err == nil && b.opts.OnWritten != nil {
		// Publish before clearing so the cell never shows the old value.
		b.opts.OnWritten(types.Cell{ID: cellID, RowID: rowID, ColumnID: colID, Value: value})
	}

	b.mu.Lock()
	d.flushing = false
	if err != nil {
		d.failures++
		terminal := d.failures == b.opts.RetryBudget
		if !b.stopped && b.entries[key] == d {
			b.armLocked(key, d)
		}
		b.mu.Unlock()

		b.opts.Logger.Debug("draft write failed", "row", rowID, "column", colID, "error", err)
		if terminal {
			b.opts.Logger.Warn("draft write failed repeatedly", "row", rowID, "column", colID, "error", err)
			if b.opts.OnError != nil {
				b.opts.OnError(fmt.Errorf("writing cell %s/%s: %w: %w", rowID, colID, types.ErrRetryBudget, err))
			}
		}
		return err
	}

	b.known.Add(key, cellID)
	if b.entries[key] == d {
		if d.version == version {
			delete(b.entries, key)
		} else if !b.stopped {
			// Edited during the write: the newer value still needs a write.
			d.failures = 0
			b.armLocked(key, d)
		}
	}
	b.opts.Metrics.Drafts(len(b.entries))
	b.mu.Unlock()
	return nil
}

// write performs the update-or-create for one cell. When the cell's
// existence is unknown locally the server is asked first, and a write that
// would not change the stored value is skipped.
func (b *Buffer) write(ctx context.Context, key identity.Key, rowID, colID string, value types.CellValue) (string, error) {
	if _, known := b.known.Get(key); !known {
		cell, err := b.svc.FindCell(ctx, rowID, colID)
		switch {
		case err == nil:
			if cell.Value == value {
				return cell.ID, nil
			}
		case errors.Is(err, types.ErrNotFound):
		default:
			return "", fmt.Errorf("finding cell: %w", err)
		}
	}
	id, err := b.svc.UpsertCell(ctx, rowID, colID, value)
	if err != nil {
		return "", fmt.Errorf("upserting cell: %w", err)
	}
	return id, nil
}

// FlushRow writes the drafts of a row whose columns are all confirmed. It is
// called once the row itself has been confirmed.
func (b *Buffer) FlushRow(ctx context.Context, rowID string) error {
	row := b.ids.Stable(identity.Row, rowID)
	return b.flushMatching(ctx, func(k identity.Key) bool {
		return k.Row == row && !b.ids.IsPending(identity.Column, k.Column)
	})
}

// FlushColumn writes the drafts of a column whose rows are confirmed.
func (b *Buffer) FlushColumn(ctx context.Context, columnID string) error {
	col := b.ids.Stable(identity.Column, columnID)
	return b.flushMatching(ctx, func(k identity.Key) bool {
		return k.Column == col && !b.ids.IsPending(identity.Row, k.Row)
	})
}

func (b *Buffer) flushMatching(ctx context.Context, match func(identity.Key) bool) error {
	var errs []error
	for _, key := range b.keys() {
		if !match(key) {
			continue
		}
		if err := b.FlushOne(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Buffer) keys() []identity.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]identity.Key, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	return keys
}

// FlushAll drains every flushable draft concurrently and waits for the
// writes to finish. Drafts on pending rows or columns stay buffered.
func (b *Buffer) FlushAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(flushParallelism)
	for _, key := range b.keys() {
		g.Go(func() error {
			if err := b.FlushOne(ctx, key); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Cancel drops the draft at (rowID, columnID) and ends its edit session so
// the stored value shows again.
func (b *Buffer) Cancel(rowID, columnID string) bool {
	key := b.ids.CellKey(rowID, columnID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locks, key)
	d, ok := b.entries[key]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(b.entries, key)
	b.opts.Metrics.Drafts(len(b.entries))
	return true
}

// Commit ends the edit session and writes the draft immediately.
func (b *Buffer) Commit(ctx context.Context, rowID, columnID string) error {
	b.EndEdit(rowID, columnID)
	return b.FlushOne(ctx, b.ids.CellKey(rowID, columnID))
}

// BeginEdit opens an edit session on a cell. Until it ends or times out,
// fetched values do not replace the cell.
func (b *Buffer) BeginEdit(rowID, columnID string) {
	key := b.ids.CellKey(rowID, columnID)
	b.mu.Lock()
	b.locks[key] = b.opts.Now().Add(b.opts.LockTimeout)
	b.mu.Unlock()
}

// EndEdit closes the edit session on a cell.
func (b *Buffer) EndEdit(rowID, columnID string) {
	key := b.ids.CellKey(rowID, columnID)
	b.mu.Lock()
	delete(b.locks, key)
	b.mu.Unlock()
}

// Locked reports whether key is under a live edit session. Expired sessions
// are released.
func (b *Buffer) Locked(key identity.Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	deadline, ok := b.locks[key]
	if !ok {
		return false
	}
	if !b.opts.Now().Before(deadline) {
		delete(b.locks, key)
		b.opts.Logger.Debug("edit lock expired", "row", key.Row, "column", key.Column)
		return false
	}
	return true
}

// Snapshot holds purged drafts for Restore.
type Snapshot struct {
	entries map[identity.Key]types.CellValue
}

// Len returns the number of drafts held.
func (s Snapshot) Len() int { return len(s.entries) }

// PurgeRow removes every draft on a row.
func (b *Buffer) PurgeRow(rowID string) Snapshot {
	row := b.ids.Stable(identity.Row, rowID)
	return b.purge(func(k identity.Key) bool { return k.Row == row })
}

// PurgeColumn removes every draft on a column.
func (b *Buffer) PurgeColumn(columnID string) Snapshot {
	col := b.ids.Stable(identity.Column, columnID)
	return b.purge(func(k identity.Key) bool { return k.Column == col })
}

func (b *Buffer) purge(match func(identity.Key) bool) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{entries: make(map[identity.Key]types.CellValue)}
	for k, d := range b.entries {
		if !match(k) {
			continue
		}
		if d.timer != nil {
			d.timer.Stop()
		}
		snap.entries[k] = d.value
		delete(b.entries, k)
	}
	for k := range b.locks {
		if match(k) {
			delete(b.locks, k)
		}
	}
	b.opts.Metrics.Drafts(len(b.entries))
	return snap
}

// Restore puts purged drafts back and rearms their timers. Drafts set since
// the purge win.
func (b *Buffer) Restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	for k, v := range snap.entries {
		if _, ok := b.entries[k]; ok {
			continue
		}
		d := &draft{value: v, version: 1}
		b.entries[k] = d
		b.armLocked(k, d)
	}
	b.opts.Metrics.Drafts(len(b.entries))
}

// Stop cancels every debounce timer and waits for timer-driven writes to
// finish. Buffered drafts are kept; call FlushAll first to drain them.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	for _, d := range b.entries {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Wait blocks until timer-driven writes that have started are finished.
func (b *Buffer) Wait() {
	b.wg.Wait()
}
