package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/gridcache/internal/cache"
	"github.com/mesh-intelligence/gridcache/internal/drafts"
	"github.com/mesh-intelligence/gridcache/internal/identity"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// fakeService keeps an ordered list of row ids and a column list, the way a
// real backend would after each call.
type fakeService struct {
	mu      sync.Mutex
	rows    []string
	columns []string
	names   map[string]string
	cells   map[[2]string]types.CellValue
	writes  [][2]string
	fail    map[Op]error
	gate    chan struct{}
	nextID  int
}

func newFakeService(rows int) *fakeService {
	f := &fakeService{
		names: map[string]string{"c1": "Name"},
		cells: make(map[[2]string]types.CellValue),
		fail:  make(map[Op]error),
	}
	f.columns = []string{"c1"}
	for i := 0; i < rows; i++ {
		f.rows = append(f.rows, fmt.Sprintf("r%d", i))
	}
	return f
}

func (f *fakeService) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-srv%d", prefix, f.nextID)
}

func (f *fakeService) wait() {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (f *fakeService) failure(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[op]
}

func (f *fakeService) insertAt(i int) types.RowRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("row")
	f.rows = slices.Insert(f.rows, i, id)
	return types.RowRef{ID: id, Order: i}
}

func (f *fakeService) indexOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Index(f.rows, id)
}

func (f *fakeService) CreateRow(ctx context.Context, tableID, clientID string) (types.RowRef, error) {
	f.wait()
	if err := f.failure(OpCreateRow); err != nil {
		return types.RowRef{}, err
	}
	f.mu.Lock()
	n := len(f.rows)
	f.mu.Unlock()
	return f.insertAt(n), nil
}

func (f *fakeService) InsertRowAbove(ctx context.Context, tableID, targetID, clientID string) (types.RowRef, error) {
	if err := f.failure(OpInsertAbove); err != nil {
		return types.RowRef{}, err
	}
	i := f.indexOf(targetID)
	if i < 0 {
		return types.RowRef{}, types.ErrNotFound
	}
	return f.insertAt(i), nil
}

func (f *fakeService) InsertRowBelow(ctx context.Context, tableID, targetID, clientID string) (types.RowRef, error) {
	if err := f.failure(OpInsertBelow); err != nil {
		return types.RowRef{}, err
	}
	i := f.indexOf(targetID)
	if i < 0 {
		return types.RowRef{}, types.ErrNotFound
	}
	return f.insertAt(i + 1), nil
}

func (f *fakeService) DeleteRow(ctx context.Context, tableID, rowID string) error {
	if err := f.failure(OpDeleteRow); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.Index(f.rows, rowID)
	if i < 0 {
		return types.ErrNotFound
	}
	f.rows = slices.Delete(f.rows, i, i+1)
	return nil
}

func (f *fakeService) CreateColumn(ctx context.Context, tableID, name string, typ types.ColumnType, clientID string) (types.ColumnRef, error) {
	f.wait()
	if err := f.failure(OpCreateColumn); err != nil {
		return types.ColumnRef{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("col")
	f.columns = append(f.columns, id)
	f.names[id] = name
	return types.ColumnRef{ID: id, Order: len(f.columns) - 1, Width: 150}, nil
}

func (f *fakeService) RenameColumn(ctx context.Context, columnID, name string) error {
	if err := f.failure(OpRenameColumn); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[columnID] = name
	return nil
}

func (f *fakeService) DeleteColumn(ctx context.Context, columnID string) error {
	if err := f.failure(OpDeleteColumn); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columns = slices.DeleteFunc(f.columns, func(id string) bool { return id == columnID })
	return nil
}

func (f *fakeService) UpsertCell(ctx context.Context, rowID, columnID string, value types.CellValue) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells[[2]string{rowID, columnID}] = value
	f.writes = append(f.writes, [2]string{rowID, columnID})
	return "cell-" + rowID + "-" + columnID, nil
}

func (f *fakeService) FindCell(ctx context.Context, rowID, columnID string) (types.Cell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cells[[2]string{rowID, columnID}]
	if !ok {
		return types.Cell{}, types.ErrNotFound
	}
	return types.Cell{ID: "cell-" + rowID + "-" + columnID, RowID: rowID, ColumnID: columnID, Value: v}, nil
}

type harness struct {
	svc    *fakeService
	ids    *identity.Map
	cache  *cache.Cache
	drafts *drafts.Buffer
	ledger *Ledger
	errs   []error
	errMu  sync.Mutex
}

// newHarness builds a ledger over a fully loaded table of n rows.
func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	h := &harness{svc: newFakeService(n), ids: identity.New()}
	h.cache = cache.New(h.ids)
	h.cache.Reset(types.TableInfo{
		Columns:  []types.Column{{ID: "c1", Name: "Name", Type: types.ColumnText}},
		RowCount: n,
	})
	gen, _ := h.cache.Generation()
	var b cache.Batch
	b.Gen = gen
	for i, id := range h.svc.rows {
		b.Rows = append(b.Rows, types.Record{ID: id, Order: i})
		b.Cells = append(b.Cells, types.Cell{ID: "x" + id, RowID: id, ColumnID: "c1", Value: types.TextValue(id)})
	}
	h.cache.Merge(b)

	h.drafts = drafts.New(h.ids, h.svc, drafts.Options{Debounce: time.Hour})
	h.ledger = New("t1", h.svc, h.ids, h.cache, h.drafts, Options{OnError: func(err error) {
		h.errMu.Lock()
		h.errs = append(h.errs, err)
		h.errMu.Unlock()
	}})
	t.Cleanup(func() {
		h.ledger.Close()
		h.drafts.Stop()
	})
	return h
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.ledger.Wait(ctx))
}

// rowIDs returns the cached row ids by order, resolved to server ids.
func (h *harness) rowIDs() []string {
	var out []string
	for _, r := range h.cache.Rows() {
		out = append(out, r.ID)
	}
	return out
}

func assertDense(t *testing.T, rows []types.Record) {
	t.Helper()
	for i, r := range rows {
		require.Equal(t, i, r.Order, "row %s", r.ID)
	}
}

func TestDeleteRow_ShiftsAndDecrements(t *testing.T) {
	h := newHarness(t, 100)

	m := h.ledger.DeleteRow("r42")
	// The local change is visible before the backend call settles.
	assert.Equal(t, 99, h.cache.Total())
	row, ok := h.cache.RowAt(42)
	require.True(t, ok)
	assert.Equal(t, "r43", row.ID)

	require.NoError(t, m.Wait(context.Background()))
	assertDense(t, h.cache.Rows())
	assert.Equal(t, h.svc.rows, h.rowIDs())
}

func TestInsertRowAbove_TakesTargetOrder(t *testing.T) {
	h := newHarness(t, 100)
	target, _ := h.cache.RowAt(10)

	m := h.ledger.InsertRowAbove(target.ID)
	assert.Equal(t, 101, h.cache.Total())
	row, _ := h.cache.RowAt(10)
	assert.Equal(t, m.ID, row.ID)
	assert.True(t, row.Pending)
	row, _ = h.cache.RowAt(11)
	assert.Equal(t, "r10", row.ID)
	row, _ = h.cache.RowAt(100)
	assert.Equal(t, "r99", row.ID)

	require.NoError(t, m.Wait(context.Background()))
	row, _ = h.cache.RowAt(10)
	assert.Equal(t, m.ServerID(), row.ID)
	assert.False(t, row.Pending)
	assert.False(t, h.ids.IsPending(identity.Row, m.ID))
	assert.Equal(t, h.svc.rows, h.rowIDs())
}

func TestInsertRowBelow_TakesNextOrder(t *testing.T) {
	h := newHarness(t, 5)
	m := h.ledger.InsertRowBelow("r4")
	row, _ := h.cache.RowAt(5)
	assert.Equal(t, m.ID, row.ID)
	require.NoError(t, m.Wait(context.Background()))
	assert.Equal(t, h.svc.rows, h.rowIDs())
}

func TestCreateRow_RollbackRestoresCount(t *testing.T) {
	h := newHarness(t, 3)
	h.svc.fail[OpCreateRow] = errors.New("quota exceeded")

	m := h.ledger.CreateRow()
	assert.Equal(t, 4, h.cache.Total())
	cell, ok := h.cache.Cell(m.ID, "c1")
	require.True(t, ok, "empty cells synthesized for existing columns")
	assert.True(t, cell.Optimistic)

	err := m.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrRolledBack)
	assert.Equal(t, 3, h.cache.Total())
	_, ok = h.cache.Row(m.ID)
	assert.False(t, ok)
	assert.False(t, h.ids.IsPending(identity.Row, m.ID))
	h.errMu.Lock()
	assert.Len(t, h.errs, 1)
	h.errMu.Unlock()
}

func TestRowHooks_RunBeforeLayoutSettles(t *testing.T) {
	h := newHarness(t, 50)
	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		_, busy := h.cache.Generation()
		mu.Lock()
		events = append(events, fmt.Sprintf("%s busy=%t", ev, busy))
		mu.Unlock()
	}
	h.ledger.opts.RowDeleted = func(serverID string, order int) { record(fmt.Sprintf("deleted %s@%d", serverID, order)) }
	h.ledger.opts.RowAdded = func(serverID string) { record("added " + serverID) }

	require.NoError(t, h.ledger.DeleteRow("r42").Wait(context.Background()))
	m := h.ledger.InsertRowAbove("r7")
	require.NoError(t, m.Wait(context.Background()))

	h.svc.fail[OpDeleteRow] = errors.New("locked")
	assert.Error(t, h.ledger.DeleteRow("r3").Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"deleted r42@42 busy=true",
		"added " + m.ServerID() + " busy=true",
	}, events, "hooks run while the row change still counts as in flight, and not on rollback")
}

func TestDeleteRow_RollbackRestoresRowCellsAndDrafts(t *testing.T) {
	h := newHarness(t, 10)
	h.svc.fail[OpDeleteRow] = errors.New("locked")
	h.drafts.Set("r5", "c1", types.TextValue("unsaved"))

	m := h.ledger.DeleteRow("r5")
	_, ok := h.drafts.Get("r5", "c1")
	assert.False(t, ok)

	assert.ErrorIs(t, m.Wait(context.Background()), types.ErrRolledBack)
	row, _ := h.cache.RowAt(5)
	assert.Equal(t, "r5", row.ID)
	assert.Equal(t, 10, h.cache.Total())
	assert.Equal(t, "r5", h.cache.Text("r5", "c1"))
	v, ok := h.drafts.Get("r5", "c1")
	require.True(t, ok)
	assert.Equal(t, "unsaved", v.String())
	assertDense(t, h.cache.Rows())
}

func TestDraftOnPendingRow_FlushedOnceToServerID(t *testing.T) {
	h := newHarness(t, 2)
	h.svc.gate = make(chan struct{})

	m := h.ledger.CreateRow()
	h.drafts.Set(m.ID, "c1", types.TextValue("early"))

	// While the row is pending nothing reaches the backend.
	require.NoError(t, h.drafts.FlushAll(context.Background()))
	h.svc.mu.Lock()
	assert.Empty(t, h.svc.writes)
	h.svc.mu.Unlock()

	close(h.svc.gate)
	require.NoError(t, m.Wait(context.Background()))
	h.settle(t)

	v, ok := h.drafts.Get(m.ServerID(), "c1")
	assert.False(t, ok, "draft drained after confirmation: %v", v)

	h.svc.mu.Lock()
	defer h.svc.mu.Unlock()
	require.Len(t, h.svc.writes, 1)
	assert.Equal(t, [2]string{m.ServerID(), "c1"}, h.svc.writes[0])
	assert.False(t, strings.HasPrefix(h.svc.writes[0][0], "tmp-"))
	assert.Equal(t, "early", h.svc.cells[h.svc.writes[0]].String())
}

func TestInsertBelowPendingRow_WaitsForCreation(t *testing.T) {
	h := newHarness(t, 2)
	h.svc.gate = make(chan struct{})

	created := h.ledger.CreateRow()
	below := h.ledger.InsertRowBelow(created.ID)
	row, _ := h.cache.RowAt(3)
	assert.Equal(t, below.ID, row.ID)

	close(h.svc.gate)
	require.NoError(t, below.Wait(context.Background()))
	h.settle(t)
	assert.Equal(t, h.svc.rows, h.rowIDs())
}

func TestInsertBelowPendingRow_RollsBackWhenCreationFails(t *testing.T) {
	h := newHarness(t, 2)
	h.svc.gate = make(chan struct{})
	h.svc.fail[OpCreateRow] = errors.New("boom")

	created := h.ledger.CreateRow()
	below := h.ledger.InsertRowBelow(created.ID)
	assert.Equal(t, 4, h.cache.Total())

	close(h.svc.gate)
	assert.ErrorIs(t, below.Wait(context.Background()), types.ErrRolledBack)
	h.settle(t)
	assert.Equal(t, 2, h.cache.Total())
	assert.Equal(t, []string{"r0", "r1"}, h.rowIDs())
}

func TestDeletePendingRow_WhoseCreationFails(t *testing.T) {
	h := newHarness(t, 2)
	h.svc.gate = make(chan struct{})
	h.svc.fail[OpCreateRow] = errors.New("boom")

	created := h.ledger.CreateRow()
	del := h.ledger.DeleteRow(created.ID)
	assert.Equal(t, 2, h.cache.Total())

	close(h.svc.gate)
	require.NoError(t, del.Wait(context.Background()))
	h.settle(t)
	assert.Equal(t, 2, h.cache.Total())
	assert.Equal(t, []string{"r0", "r1"}, h.rowIDs())
}

func TestOrderDensityAfterMixedSequence(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()

	var ms []*Mutation
	ms = append(ms, h.ledger.CreateRow())
	ms = append(ms, h.ledger.InsertRowAbove("r0"))
	ms = append(ms, h.ledger.DeleteRow("r7"))
	ms = append(ms, h.ledger.InsertRowBelow("r19"))
	ms = append(ms, h.ledger.DeleteRow("r3"))
	ms = append(ms, h.ledger.InsertRowAbove("r10"))
	for _, m := range ms {
		require.NoError(t, m.Wait(ctx))
	}
	h.settle(t)

	rows := h.cache.Rows()
	assert.Len(t, rows, 22)
	assert.Equal(t, 22, h.cache.Total())
	assertDense(t, rows)
	assert.Equal(t, h.svc.rows, h.rowIDs())
}

func TestColumns_CreateRenameDelete(t *testing.T) {
	h := newHarness(t, 3)
	h.svc.gate = make(chan struct{})
	ctx := context.Background()

	m := h.ledger.CreateColumn("Price", types.ColumnNumber)
	col, ok := h.cache.Column(m.ID)
	require.True(t, ok)
	assert.True(t, col.Pending)

	h.drafts.Set("r1", m.ID, types.NumberValue(9.5))
	close(h.svc.gate)
	require.NoError(t, m.Wait(ctx))
	h.settle(t)

	col, ok = h.cache.Column(m.ServerID())
	require.True(t, ok)
	assert.False(t, col.Pending)
	assert.Equal(t, 150, col.Width)
	assert.Equal(t, 0, h.drafts.Len(), "column drafts flushed on confirmation")

	require.NoError(t, h.ledger.RenameColumn(m.ID, "Cost").Wait(ctx))
	assert.Equal(t, "Cost", h.svc.names[m.ServerID()])

	require.NoError(t, h.ledger.DeleteColumn(m.ServerID()).Wait(ctx))
	assert.Len(t, h.cache.Columns(), 1)
	assert.Equal(t, []string{"c1"}, h.svc.columns)
}

func TestRenameColumn_RollbackRestoresName(t *testing.T) {
	h := newHarness(t, 1)
	h.svc.fail[OpRenameColumn] = errors.New("denied")

	m := h.ledger.RenameColumn("c1", "Title")
	col, _ := h.cache.Column("c1")
	assert.Equal(t, "Title", col.Name)

	assert.ErrorIs(t, m.Wait(context.Background()), types.ErrRolledBack)
	col, _ = h.cache.Column("c1")
	assert.Equal(t, "Name", col.Name)
}

func TestValidation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	assert.ErrorIs(t, h.ledger.CreateColumn("  ", types.ColumnText).Wait(ctx), types.ErrInvalidName)
	assert.ErrorIs(t, h.ledger.CreateColumn("x", "DATE").Wait(ctx), types.ErrInvalidData)
	assert.ErrorIs(t, h.ledger.DeleteRow("nope").Wait(ctx), types.ErrNotFound)
	assert.ErrorIs(t, h.ledger.InsertRowAbove("nope").Wait(ctx), types.ErrNotFound)
	assert.Equal(t, 1, h.cache.Total())
}
