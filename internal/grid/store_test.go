package grid

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/gridcache/internal/mode"
	"github.com/mesh-intelligence/gridcache/internal/store"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// TestView_OverSQLStore drives a view against the SQLite data service.
func TestView_OverSQLStore(t *testing.T) {
	if testing.Short() {
		t.Skip("seeds 1500 rows")
	}
	ctx := context.Background()
	st := store.New()
	require.NoError(t, st.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { st.Detach() })

	info, err := st.CreateTable(ctx, "people", []store.ColumnSpec{
		{Name: "name", Type: types.ColumnText},
		{Name: "qty", Type: types.ColumnNumber},
	})
	require.NoError(t, err)
	_, err = st.Seed(ctx, info.Table.ID, 1500, rand.New(rand.NewPCG(7, 7)))
	require.NoError(t, err)
	name := info.Columns[0].ID

	v, err := Open(ctx, st, info.Table.ID, Options{})
	require.NoError(t, err)
	defer v.Close(ctx)
	assert.Equal(t, mode.Sparse, v.Mode())
	assert.Equal(t, 1500, v.RowCount())

	require.NoError(t, v.Load(ctx, 700, 719))
	row, state := v.GetRowAt(710)
	require.Equal(t, Loaded, state)
	stored, err := st.FindCell(ctx, row.ID, name)
	require.NoError(t, err)
	assert.Equal(t, stored.Value.String(), v.GetCellDisplayValue(row.ID, name))

	require.NoError(t, v.SetCellDraft(row.ID, name, "edited"))
	require.NoError(t, v.CommitDraft(ctx, row.ID, name))
	stored, err = st.FindCell(ctx, row.ID, name)
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Value.Text)

	require.NoError(t, v.Load(ctx, 0, 19))
	target, _ := v.GetRowAt(10)
	m := v.Mutations().InsertRowAbove(target.ID)
	require.NoError(t, m.Wait(ctx))

	got, err := st.Describe(ctx, info.Table.ID)
	require.NoError(t, err)
	assert.Equal(t, 1501, got.RowCount)
	res, err := st.LoadRange(ctx, info.Table.ID, types.Range{Start: 10, End: 11}, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, m.ServerID(), res.Rows[0].ID)
	assert.Equal(t, target.ID, res.Rows[1].ID)
	assert.Equal(t, 1501, v.RowCount())
}
