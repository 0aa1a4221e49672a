package cache

import (
	"github.com/mesh-intelligence/gridcache/internal/identity"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Batch is one fetched result ready to merge.
type Batch struct {
	Rows  []types.Record
	Cells []types.Cell

	// Gen is the layout generation captured when the fetch was issued.
	Gen uint64

	// Total is applied as the new row count when Counted is set and the
	// batch is current.
	Total   int
	Counted bool
}

// MergeStats summarizes what a merge did.
type MergeStats struct {
	Placed  int // new rows placed by order
	Updated int // rows already cached
	Skipped int // rows not placed
	Cells   int // cells written
}

// Merge folds a fetched batch into the cache. For the value shown at any
// address the precedence is draft > optimistic > server-confirmed matching
// id > synthesized empty; drafts live outside the cache, and the rules
// below enforce the rest:
//
//   - A row already cached (by stable key) keeps its position.
//   - An unknown row is placed at its order only if the batch is current
//     (same generation, no structural change in flight). A free slot takes
//     it; a slot held by a pending row keeps the pending row; a slot held by
//     another confirmed row is handed to the fetched row.
//   - Cells of rows that were not kept or placed are dropped.
//   - A cell replaces the cached one unless the cached cell is optimistic
//     with a different id, or the cell is under an edit session.
//
// Merging the same batches in any order yields the same cached state for
// optimistic entries.
func (c *Cache) Merge(b Batch) MergeStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var st MergeStats
	current := b.Gen == c.gen && c.structural == 0
	accepted := make(map[string]bool, len(b.Rows))

	for _, in := range b.Rows {
		key := c.ids.Stable(identity.Row, in.ID)
		if row, ok := c.rows[key]; ok {
			if !row.Pending {
				row.ID = in.ID
			}
			accepted[key] = true
			st.Updated++
			continue
		}
		if !current {
			st.Skipped++
			continue
		}
		if occupant, ok := c.byOrder[in.Order]; ok {
			if c.rows[occupant].Pending {
				st.Skipped++
				continue
			}
			c.dropRowLocked(occupant)
		}
		row := in
		row.Pending = false
		c.rows[key] = &row
		c.byOrder[row.Order] = key
		accepted[key] = true
		st.Placed++
	}

	st.Cells = c.mergeCellsLocked(b.Cells, func(rowKey string) bool { return accepted[rowKey] })

	if current && b.Counted {
		pending := 0
		for _, row := range c.rows {
			if row.Pending {
				pending++
			}
		}
		c.total = b.Total + pending
		for order, key := range c.byOrder {
			if order >= c.total && !c.rows[key].Pending {
				c.dropRowLocked(key)
			}
		}
	}
	return st
}

// MergeCells applies fetched cells regardless of whether their rows are
// placed, as for ranked pages whose rows are addressed by rank rather than
// order. The cell rules of Merge still apply.
func (c *Cache) MergeCells(cells []types.Cell) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergeCellsLocked(cells, nil)
}

func (c *Cache) mergeCellsLocked(cells []types.Cell, accept func(rowKey string) bool) int {
	n := 0
	for _, in := range cells {
		key := c.ids.CellKey(in.RowID, in.ColumnID)
		if accept != nil && !accept(key.Row) {
			continue
		}
		if c.locked != nil && c.locked(key) {
			continue
		}
		if cur, ok := c.cells[key]; ok && cur.Optimistic && cur.ID != in.ID {
			continue
		}
		in.Optimistic = false
		c.putCellLocked(key, in)
		n++
	}
	return n
}
