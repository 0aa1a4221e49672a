// Package ledger applies row and column mutations to the local cache at once
// and reconciles them with the data service in the background: confirmed
// entities take their server ids, failed ones are reverted exactly.
// See docs/ARCHITECTURE.md § Mutation Ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mesh-intelligence/gridcache/internal/cache"
	"github.com/mesh-intelligence/gridcache/internal/drafts"
	"github.com/mesh-intelligence/gridcache/internal/identity"
	"github.com/mesh-intelligence/gridcache/internal/metrics"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Service is the slice of the data service the ledger writes through.
type Service interface {
	CreateRow(ctx context.Context, tableID, clientID string) (types.RowRef, error)
	InsertRowAbove(ctx context.Context, tableID, targetID, clientID string) (types.RowRef, error)
	InsertRowBelow(ctx context.Context, tableID, targetID, clientID string) (types.RowRef, error)
	DeleteRow(ctx context.Context, tableID, rowID string) error
	CreateColumn(ctx context.Context, tableID, name string, typ types.ColumnType, clientID string) (types.ColumnRef, error)
	RenameColumn(ctx context.Context, columnID, name string) error
	DeleteColumn(ctx context.Context, columnID string) error
}

// Drafts is the slice of the draft buffer the ledger drives.
type Drafts interface {
	FlushRow(ctx context.Context, rowID string) error
	FlushColumn(ctx context.Context, columnID string) error
	PurgeRow(rowID string) drafts.Snapshot
	PurgeColumn(columnID string) drafts.Snapshot
	Restore(drafts.Snapshot)
}

// Options configures a Ledger.
type Options struct {
	// Settled is called after every mutation settles, successful or not.
	Settled func(m *Mutation)
	// OnError receives every rollback.
	OnError func(error)
	// RowRemoved and RowRestored observe a row leaving the cache on delete
	// and coming back on rollback.
	RowRemoved  func(rowID string)
	RowRestored func(rowID string)
	// RowDeleted and RowAdded run once the server has removed or placed a
	// row, before loads waiting on the row change resume.
	RowDeleted func(serverID string, order int)
	RowAdded   func(serverID string)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Ledger runs optimistic mutations for one table.
type Ledger struct {
	tableID string
	svc     Service
	ids     *identity.Map
	cache   *cache.Cache
	drafts  Drafts
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	// creations maps the local id of every locally created entity to its
	// create mutation, so dependent mutations can wait for it.
	creations map[string]*Mutation
}

// New returns a Ledger for tableID.
func New(tableID string, svc Service, ids *identity.Map, c *cache.Cache, d Drafts, opts Options) *Ledger {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ledger{
		tableID:   tableID,
		svc:       svc,
		ids:       ids,
		cache:     c,
		drafts:    d,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		creations: make(map[string]*Mutation),
	}
}

// settle runs call in the background. On failure undo reverts the local
// change; on success confirm records the server side.
func (l *Ledger) settle(m *Mutation, structural bool, call func(ctx context.Context) (string, error), confirm func(serverID string), undo func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		serverID, err := call(l.ctx)
		if err != nil {
			undo()
		} else if confirm != nil {
			confirm(serverID)
		}
		if structural {
			l.cache.EndStructural()
		}
		if err != nil {
			err = fmt.Errorf("%s %s: %w: %w", m.Op, m.ID, types.ErrRolledBack, err)
			l.opts.Logger.Warn("mutation rolled back", "op", string(m.Op), "id", m.ID, "error", err)
			if l.opts.OnError != nil {
				l.opts.OnError(err)
			}
		}
		l.opts.Metrics.Mutation(string(m.Op), err)
		m.finish(serverID, err)
		if l.opts.Settled != nil {
			l.opts.Settled(m)
		}
	}()
}

func failed(op Op, id string, err error) *Mutation {
	m := newMutation(op, id)
	m.finish("", fmt.Errorf("%s %s: %w", op, id, err))
	return m
}

// errCreationFailed marks a dependency whose creation was rolled back.
var errCreationFailed = errors.New("target creation failed")

// await blocks until a locally created entity is confirmed, then returns its
// server id. Entities loaded from the server resolve immediately.
func (l *Ledger) await(ctx context.Context, kind identity.Kind, id string) (string, error) {
	stable := l.ids.Stable(kind, id)
	l.mu.Lock()
	create := l.creations[stable]
	l.mu.Unlock()
	if create != nil {
		if err := create.Wait(ctx); err != nil {
			return "", errCreationFailed
		}
	}
	serverID, ok := l.ids.Server(kind, stable)
	if !ok {
		return "", types.ErrPendingEntity
	}
	return serverID, nil
}

func (l *Ledger) track(m *Mutation) {
	l.mu.Lock()
	l.creations[m.ID] = m
	l.mu.Unlock()
}

// CreateRow appends an empty row.
func (l *Ledger) CreateRow() *Mutation {
	return l.insertRow(OpCreateRow, "", l.cache.Total())
}

// InsertRowAbove inserts an empty row at the target's order.
func (l *Ledger) InsertRowAbove(targetID string) *Mutation {
	target, ok := l.cache.Row(targetID)
	if !ok {
		return failed(OpInsertAbove, targetID, types.ErrNotFound)
	}
	return l.insertRow(OpInsertAbove, targetID, target.Order)
}

// InsertRowBelow inserts an empty row at the target's order + 1.
func (l *Ledger) InsertRowBelow(targetID string) *Mutation {
	target, ok := l.cache.Row(targetID)
	if !ok {
		return failed(OpInsertBelow, targetID, types.ErrNotFound)
	}
	return l.insertRow(OpInsertBelow, targetID, target.Order+1)
}

func (l *Ledger) insertRow(op Op, targetID string, order int) *Mutation {
	local := identity.NewLocalID()
	l.ids.Register(identity.Row, local)
	l.cache.BeginStructural()
	l.cache.InsertRow(types.Record{ID: local, TableID: l.tableID, Order: order})

	m := newMutation(op, local)
	l.track(m)
	l.settle(m, true,
		func(ctx context.Context) (string, error) {
			var ref types.RowRef
			var err error
			switch op {
			case OpCreateRow:
				ref, err = l.svc.CreateRow(ctx, l.tableID, local)
			default:
				target, werr := l.await(ctx, identity.Row, targetID)
				if werr != nil {
					return "", werr
				}
				if op == OpInsertAbove {
					ref, err = l.svc.InsertRowAbove(ctx, l.tableID, target, local)
				} else {
					ref, err = l.svc.InsertRowBelow(ctx, l.tableID, target, local)
				}
			}
			return ref.ID, err
		},
		func(serverID string) {
			l.ids.Confirm(identity.Row, local, serverID)
			l.cache.ConfirmRow(local, serverID)
			if l.opts.RowAdded != nil {
				l.opts.RowAdded(serverID)
			}
			if err := l.drafts.FlushRow(l.ctx, local); err != nil {
				l.opts.Logger.Debug("flushing drafts of confirmed row", "row", serverID, "error", err)
			}
		},
		func() {
			l.cache.RemoveRow(local)
			l.drafts.PurgeRow(local)
			l.ids.Forget(identity.Row, local)
		},
	)
	return m
}

// DeleteRow removes a row. If the row is still being created, the delete
// waits for it; a row whose creation fails needs no backend delete.
func (l *Ledger) DeleteRow(rowID string) *Mutation {
	snap, ok := l.cache.RemoveRow(rowID)
	if !ok {
		return failed(OpDeleteRow, rowID, types.ErrNotFound)
	}
	l.cache.BeginStructural()
	draftSnap := l.drafts.PurgeRow(rowID)
	if l.opts.RowRemoved != nil {
		l.opts.RowRemoved(rowID)
	}

	m := newMutation(OpDeleteRow, rowID)
	l.settle(m, true,
		func(ctx context.Context) (string, error) {
			serverID, err := l.await(ctx, identity.Row, rowID)
			if errors.Is(err, errCreationFailed) {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			return serverID, l.svc.DeleteRow(ctx, l.tableID, serverID)
		},
		func(serverID string) {
			l.ids.Forget(identity.Row, rowID)
			if serverID != "" && l.opts.RowDeleted != nil {
				l.opts.RowDeleted(serverID, snap.Row.Order)
			}
		},
		func() {
			l.cache.RestoreRow(snap)
			l.drafts.Restore(draftSnap)
			if l.opts.RowRestored != nil {
				l.opts.RowRestored(rowID)
			}
		},
	)
	return m
}

// CreateColumn appends a column.
func (l *Ledger) CreateColumn(name string, typ types.ColumnType) *Mutation {
	name = strings.TrimSpace(name)
	if name == "" {
		return failed(OpCreateColumn, "", types.ErrInvalidName)
	}
	if !typ.Valid() {
		return failed(OpCreateColumn, name, types.ErrInvalidData)
	}
	local := identity.NewLocalID()
	l.ids.Register(identity.Column, local)
	l.cache.InsertColumn(types.Column{ID: local, TableID: l.tableID, Name: name, Type: typ})

	m := newMutation(OpCreateColumn, local)
	l.track(m)
	l.settle(m, false,
		func(ctx context.Context) (string, error) {
			ref, err := l.svc.CreateColumn(ctx, l.tableID, name, typ, local)
			if err != nil {
				return "", err
			}
			l.ids.Confirm(identity.Column, local, ref.ID)
			l.cache.ConfirmColumn(local, ref)
			return ref.ID, nil
		},
		func(serverID string) {
			if err := l.drafts.FlushColumn(l.ctx, local); err != nil {
				l.opts.Logger.Debug("flushing drafts of confirmed column", "column", serverID, "error", err)
			}
		},
		func() {
			l.cache.RemoveColumn(local)
			l.drafts.PurgeColumn(local)
			l.ids.Forget(identity.Column, local)
		},
	)
	return m
}

// RenameColumn changes a column's name.
func (l *Ledger) RenameColumn(columnID, name string) *Mutation {
	name = strings.TrimSpace(name)
	if name == "" {
		return failed(OpRenameColumn, columnID, types.ErrInvalidName)
	}
	old, ok := l.cache.RenameColumn(columnID, name)
	if !ok {
		return failed(OpRenameColumn, columnID, types.ErrNotFound)
	}

	m := newMutation(OpRenameColumn, columnID)
	l.settle(m, false,
		func(ctx context.Context) (string, error) {
			serverID, err := l.await(ctx, identity.Column, columnID)
			if err != nil {
				return "", err
			}
			return serverID, l.svc.RenameColumn(ctx, serverID, name)
		},
		nil,
		func() { l.cache.RenameColumn(columnID, old) },
	)
	return m
}

// DeleteColumn removes a column and its cells.
func (l *Ledger) DeleteColumn(columnID string) *Mutation {
	snap, ok := l.cache.RemoveColumn(columnID)
	if !ok {
		return failed(OpDeleteColumn, columnID, types.ErrNotFound)
	}
	draftSnap := l.drafts.PurgeColumn(columnID)

	m := newMutation(OpDeleteColumn, columnID)
	l.settle(m, false,
		func(ctx context.Context) (string, error) {
			serverID, err := l.await(ctx, identity.Column, columnID)
			if errors.Is(err, errCreationFailed) {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			return serverID, l.svc.DeleteColumn(ctx, serverID)
		},
		func(string) { l.ids.Forget(identity.Column, columnID) },
		func() {
			l.cache.RestoreColumn(snap)
			l.drafts.Restore(draftSnap)
		},
	)
	return m
}

// Pending returns the number of rows and columns awaiting confirmation.
func (l *Ledger) Pending() int {
	return len(l.ids.Pending(identity.Row)) + len(l.ids.Pending(identity.Column))
}

// Wait blocks until every mutation issued so far has settled or ctx ends.
func (l *Ledger) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels backend calls still running and waits for them to settle.
// Cancelled calls roll back like any other failure.
func (l *Ledger) Close() {
	l.cancel()
	l.wg.Wait()
}
