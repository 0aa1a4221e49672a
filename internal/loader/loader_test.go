package loader

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/gridcache/internal/cache"
	"github.com/mesh-intelligence/gridcache/internal/identity"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// fakeSource serves a table of n rows named r<order> with one text column.
type fakeSource struct {
	n int

	mu      sync.Mutex
	ranges  []types.Range
	pages   []string
	fail    error
	gate    chan struct{}
	started chan types.Range

	// gates, when set, gives call i (zero-based) its own gate.
	gates []chan struct{}
	calls int
}

func newFakeSource(n int) *fakeSource {
	return &fakeSource{n: n}
}

func (f *fakeSource) LoadRange(ctx context.Context, tableID string, r types.Range, columnIDs []string) (types.RangeResult, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, r)
	gate, started, fail := f.gate, f.started, f.fail
	if f.calls < len(f.gates) {
		gate = f.gates[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	if started != nil {
		started <- r
	}
	if gate != nil {
		<-gate
	}
	if fail != nil {
		return types.RangeResult{}, fail
	}
	res := types.RangeResult{TotalCount: f.n, Counted: true}
	for o := max(r.Start, 0); o <= r.End && o < f.n; o++ {
		id := "r" + strconv.Itoa(o)
		res.Rows = append(res.Rows, types.Record{ID: id, TableID: tableID, Order: o})
		res.Cells = append(res.Cells, types.Cell{ID: "x" + id, RowID: id, ColumnID: "c1", Value: types.TextValue("v" + id)})
	}
	return res, nil
}

func (f *fakeSource) ListRanked(ctx context.Context, req types.ListRequest) (types.Page, error) {
	f.mu.Lock()
	f.pages = append(f.pages, req.Cursor)
	gate, started, fail := f.gate, f.started, f.fail
	f.mu.Unlock()

	if started != nil {
		started <- types.Range{}
	}
	if gate != nil {
		<-gate
	}
	if fail != nil {
		return types.Page{}, fail
	}
	offset := 0
	if req.Cursor != "" {
		offset, _ = strconv.Atoi(req.Cursor)
	}
	page := types.Page{TotalCount: f.n}
	// Ranked requests list rows in reverse order.
	for i := offset; i < offset+req.Limit && i < f.n; i++ {
		o := i
		if req.Ranked() {
			o = f.n - 1 - i
		}
		id := "r" + strconv.Itoa(o)
		page.Rows = append(page.Rows, types.Record{ID: id, Order: o})
		page.Cells = append(page.Cells, types.Cell{ID: "x" + id, RowID: id, ColumnID: "c1", Value: types.TextValue("v" + id)})
	}
	if offset+req.Limit < f.n {
		page.NextCursor = strconv.Itoa(offset + req.Limit)
	}
	return page, nil
}

func (f *fakeSource) Ranges() []types.Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]types.Range(nil), f.ranges...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func newTestLoader(t *testing.T, src *fakeSource, opts Options) (*Loader, *cache.Cache) {
	t.Helper()
	c := cache.New(identity.New())
	c.Reset(types.TableInfo{
		Table:    types.Table{ID: "t1"},
		Columns:  []types.Column{{ID: "c1", Name: "A", Type: types.ColumnText}},
		RowCount: src.n,
	})
	return New("t1", src, c, opts), c
}

func TestEnsureLoaded_Idempotent(t *testing.T) {
	src := newFakeSource(100_000)
	l, c := newTestLoader(t, src, Options{})
	ctx := context.Background()

	require.NoError(t, l.EnsureLoaded(ctx, 500, 530, false))
	require.NoError(t, l.EnsureLoaded(ctx, 500, 530, false))

	assert.Equal(t, []types.Range{{Start: 500, End: 530}}, src.Ranges())
	assert.Equal(t, "vr515", c.Text("r515", "c1"))
}

func TestEnsureLoaded_ClampsToTable(t *testing.T) {
	src := newFakeSource(3)
	l, _ := newTestLoader(t, src, Options{})

	require.NoError(t, l.EnsureLoaded(context.Background(), -10, 5, false))
	assert.Equal(t, []types.Range{{Start: 0, End: 2}}, src.Ranges())

	require.NoError(t, l.EnsureLoaded(context.Background(), 10, 20, false))
	assert.Len(t, src.Ranges(), 1, "window past the end is a no-op")
}

func TestEnsureLoaded_RejectsWideWindow(t *testing.T) {
	src := newFakeSource(10_000)
	l, _ := newTestLoader(t, src, Options{MaxWindow: 100})

	err := l.EnsureLoaded(context.Background(), 0, 100, false)
	assert.ErrorIs(t, err, types.ErrWindowTooWide)
	assert.Empty(t, src.Ranges())

	require.NoError(t, l.EnsureLoaded(context.Background(), 0, 99, false))
}

func TestEnsureLoaded_OverlappingConcurrentCallsFetchOnce(t *testing.T) {
	src := newFakeSource(1000)
	src.gate = make(chan struct{})
	src.started = make(chan types.Range, 4)
	l, _ := newTestLoader(t, src, Options{})
	ctx := context.Background()

	first := make(chan error)
	go func() { first <- l.EnsureLoaded(ctx, 0, 99, false) }()
	<-src.started

	second := make(chan error)
	go func() { second <- l.EnsureLoaded(ctx, 50, 149, false) }()
	<-src.started

	// A third call fully covered by in-flight ranges issues nothing.
	third := make(chan error)
	go func() { third <- l.EnsureLoaded(ctx, 20, 140, false) }()
	require.NoError(t, <-third)

	close(src.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.Equal(t, []types.Range{{Start: 0, End: 99}, {Start: 100, End: 149}}, src.Ranges())
	assert.Empty(t, l.InFlight())
}

func TestEnsureLoaded_FailureReleasesRange(t *testing.T) {
	src := newFakeSource(100)
	src.fail = errors.New("network down")
	var reported []error
	l, c := newTestLoader(t, src, Options{RetryBudget: 2, OnError: func(err error) { reported = append(reported, err) }})
	ctx := context.Background()

	assert.Error(t, l.EnsureLoaded(ctx, 0, 9, false))
	assert.Empty(t, l.InFlight())
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, reported)

	assert.Error(t, l.EnsureLoaded(ctx, 0, 9, false))
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], types.ErrRetryBudget)

	src.mu.Lock()
	src.fail = nil
	src.mu.Unlock()
	require.NoError(t, l.EnsureLoaded(ctx, 0, 9, false))
	assert.Equal(t, 10, c.Len())
	assert.Len(t, src.Ranges(), 3)
}

func TestEnsureLoaded_MergesAcrossSmallCachedGaps(t *testing.T) {
	tests := []struct {
		name     string
		mergeGap int
		want     []types.Range
	}{
		{"gap absorbed", 8, []types.Range{{Start: 0, End: 20}}},
		{"gap kept", -1, []types.Range{{Start: 0, End: 4}, {Start: 8, End: 20}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(100)
			l, _ := newTestLoader(t, src, Options{MergeGap: tt.mergeGap})
			ctx := context.Background()
			require.NoError(t, l.EnsureLoaded(ctx, 5, 7, false))

			src.mu.Lock()
			src.ranges = nil
			src.mu.Unlock()
			require.NoError(t, l.EnsureLoaded(ctx, 0, 20, false))
			assert.Equal(t, tt.want, src.Ranges())
		})
	}
}

func TestMissing(t *testing.T) {
	src := newFakeSource(50)
	l, _ := newTestLoader(t, src, Options{MergeGap: -1})
	require.NoError(t, l.EnsureLoaded(context.Background(), 10, 19, false))

	assert.Equal(t, []types.Range{{Start: 0, End: 9}, {Start: 20, End: 49}}, l.Missing(types.Range{Start: 0, End: 100}))
	assert.Empty(t, l.Missing(types.Range{Start: 10, End: 19}))
}

func TestEnsureLoaded_StaleRestoreSuppressed(t *testing.T) {
	src := newFakeSource(1000)
	src.gate = make(chan struct{})
	src.started = make(chan types.Range, 4)
	var restores []int
	var mu sync.Mutex
	l, _ := newTestLoader(t, src, Options{OnRestore: func(anchor int) {
		mu.Lock()
		restores = append(restores, anchor)
		mu.Unlock()
	}})
	ctx := context.Background()

	older := make(chan error)
	go func() { older <- l.EnsureLoaded(ctx, 0, 9, true) }()
	<-src.started
	newer := make(chan error)
	go func() { newer <- l.EnsureLoaded(ctx, 500, 509, true) }()
	<-src.started

	close(src.gate)
	require.NoError(t, <-older)
	require.NoError(t, <-newer)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{500}, restores)
}

func TestInvalidate_OldFetchCannotReleaseNewGuard(t *testing.T) {
	src := newFakeSource(100)
	src.gates = []chan struct{}{make(chan struct{}), make(chan struct{})}
	src.started = make(chan types.Range, 4)
	l, _ := newTestLoader(t, src, Options{})
	ctx := context.Background()

	old := make(chan error)
	go func() { old <- l.EnsureLoaded(ctx, 0, 9, false) }()
	<-src.started

	l.Invalidate()
	assert.Empty(t, l.InFlight())

	fresh := make(chan error)
	go func() { fresh <- l.EnsureLoaded(ctx, 0, 9, false) }()
	<-src.started
	assert.Len(t, l.InFlight(), 1)

	// Let only the old fetch finish; the new guard must survive it.
	close(src.gates[0])
	require.NoError(t, <-old)
	assert.Len(t, l.InFlight(), 1)

	close(src.gates[1])
	require.NoError(t, <-fresh)
	assert.Empty(t, l.InFlight())
}

func TestApplyCellUpdate_QueuedBehindInFlightRange(t *testing.T) {
	src := newFakeSource(100)
	src.gate = make(chan struct{})
	src.started = make(chan types.Range, 2)
	now := time.Unix(100, 0)
	var clock sync.Mutex
	l, c := newTestLoader(t, src, Options{
		StaleAfter: 5 * time.Second,
		Now: func() time.Time {
			clock.Lock()
			defer clock.Unlock()
			return now
		},
	})

	done := make(chan error)
	go func() { done <- l.EnsureLoaded(context.Background(), 0, 9, false) }()
	<-src.started

	l.ApplyCellUpdate(3, types.Cell{ID: "xr3", RowID: "r3", ColumnID: "c1", Value: types.TextValue("fresh")})
	l.ApplyCellUpdate(50, types.Cell{ID: "xr50", RowID: "r50", ColumnID: "c1", Value: types.TextValue("direct")})
	assert.Equal(t, "direct", c.Text("r50", "c1"))

	close(src.gate)
	require.NoError(t, <-done)
	assert.Equal(t, "fresh", c.Text("r3", "c1"), "queued update wins over the fetched value")
}

func TestApplyCellUpdate_StaleQueuedUpdateDiscarded(t *testing.T) {
	src := newFakeSource(100)
	src.gate = make(chan struct{})
	src.started = make(chan types.Range, 2)
	now := time.Unix(100, 0)
	var clock sync.Mutex
	l, c := newTestLoader(t, src, Options{
		StaleAfter: 5 * time.Second,
		Now: func() time.Time {
			clock.Lock()
			defer clock.Unlock()
			return now
		},
	})

	done := make(chan error)
	go func() { done <- l.EnsureLoaded(context.Background(), 0, 9, false) }()
	<-src.started
	l.ApplyCellUpdate(3, types.Cell{ID: "xr3", RowID: "r3", ColumnID: "c1", Value: types.TextValue("old edit")})

	clock.Lock()
	now = now.Add(time.Minute)
	clock.Unlock()
	close(src.gate)
	require.NoError(t, <-done)
	assert.Equal(t, "vr3", c.Text("r3", "c1"))
}

func TestScenario_ViewportWithBelts(t *testing.T) {
	src := newFakeSource(100_000)
	l, _ := newTestLoader(t, src, Options{MaxWindow: 500})
	ctx := context.Background()

	// Viewport [500,530] with a 3x belt on each side.
	behind, ahead := 93, 93
	start, end := 500-behind, 530+ahead
	require.NoError(t, l.EnsureLoaded(ctx, start, end, false))
	require.NoError(t, l.EnsureLoaded(ctx, start, end, false))

	assert.Equal(t, []types.Range{{Start: 407, End: 623}}, src.Ranges())
}
