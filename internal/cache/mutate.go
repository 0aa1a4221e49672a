package cache

import (
	"slices"

	"github.com/mesh-intelligence/gridcache/internal/identity"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// RowSnapshot captures a removed row so it can be put back exactly.
type RowSnapshot struct {
	Row   types.Record
	Cells []types.Cell
}

// ColumnSnapshot captures a removed column and its cells.
type ColumnSnapshot struct {
	Column types.Column
	Cells  []types.Cell
}

// shiftLocked moves every cached row at or after from by delta and rebuilds
// the order index.
func (c *Cache) shiftLocked(from, delta int) {
	clear(c.byOrder)
	for key, row := range c.rows {
		if row.Order >= from {
			row.Order += delta
		}
		c.byOrder[row.Order] = key
	}
}

// InsertRow splices a pending row in at row.Order. Cached rows at or after
// that order shift down by one, empty optimistic cells are synthesized for
// every column, and the count grows by one.
func (c *Cache) InsertRow(row types.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if row.Order < 0 {
		row.Order = 0
	}
	if row.Order > c.total {
		row.Order = c.total
	}
	c.shiftLocked(row.Order, 1)

	row.Pending = true
	key := c.ids.Stable(identity.Row, row.ID)
	c.rows[key] = &row
	c.byOrder[row.Order] = key
	for _, col := range c.columns {
		ck := identity.Key{Row: key, Column: c.ids.Stable(identity.Column, col.ID)}
		c.cells[ck] = types.Cell{RowID: row.ID, ColumnID: col.ID, Value: types.TextValue(""), Optimistic: true}
	}
	c.total++
	c.gen++
}

// RemoveRow deletes a cached row and its cells, closes the order gap and
// decrements the count, never below zero.
func (c *Cache) RemoveRow(id string) (RowSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.ids.Stable(identity.Row, id)
	row, ok := c.rows[key]
	if !ok {
		return RowSnapshot{}, false
	}
	snap := RowSnapshot{Row: *row}
	for k, cell := range c.cells {
		if k.Row == key {
			snap.Cells = append(snap.Cells, cell)
		}
	}
	c.dropRowLocked(key)
	c.shiftLocked(snap.Row.Order+1, -1)
	if c.total > 0 {
		c.total--
	}
	c.gen++
	return snap, true
}

// RestoreRow reverses RemoveRow.
func (c *Cache) RestoreRow(snap RowSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.ids.Stable(identity.Row, snap.Row.ID)
	if _, ok := c.rows[key]; ok {
		return
	}
	c.shiftLocked(snap.Row.Order, 1)
	row := snap.Row
	c.rows[key] = &row
	c.byOrder[row.Order] = key
	for _, cell := range snap.Cells {
		c.cells[c.ids.CellKey(cell.RowID, cell.ColumnID)] = cell
	}
	c.total++
	c.gen++
}

// ConfirmRow swaps a pending row's local id for its server id. The stable
// key is unchanged, so cells and drafts stay where they are.
func (c *Cache) ConfirmRow(localID, serverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.ids.Stable(identity.Row, localID)
	row, ok := c.rows[key]
	if !ok {
		return false
	}
	row.ID = serverID
	row.Pending = false
	for k, cell := range c.cells {
		if k.Row != key {
			continue
		}
		cell.RowID = serverID
		if cell.Optimistic && !c.ids.IsPending(identity.Column, k.Column) {
			cell.Optimistic = false
		}
		c.cells[k] = cell
	}
	return true
}

// InsertColumn appends a pending column after the last column.
func (c *Cache) InsertColumn(col types.Column) types.Column {
	c.mu.Lock()
	defer c.mu.Unlock()

	col.Order = len(c.columns)
	if col.Width == 0 {
		col.Width = types.DefaultColumnWidth
	}
	col.Pending = true
	c.columns = append(c.columns, col)
	return col
}

// RemoveColumn deletes a column and its cached cells and closes the order
// gap.
func (c *Cache) RemoveColumn(id string) (ColumnSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.columnIndexLocked(id)
	if i < 0 {
		return ColumnSnapshot{}, false
	}
	snap := ColumnSnapshot{Column: c.columns[i]}
	key := c.ids.Stable(identity.Column, id)
	for k, cell := range c.cells {
		if k.Column == key {
			snap.Cells = append(snap.Cells, cell)
			delete(c.cells, k)
		}
	}
	c.columns = slices.Delete(c.columns, i, i+1)
	for j := range c.columns {
		if c.columns[j].Order > snap.Column.Order {
			c.columns[j].Order--
		}
	}
	return snap, true
}

// RestoreColumn reverses RemoveColumn.
func (c *Cache) RestoreColumn(snap ColumnSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.columnIndexLocked(snap.Column.ID) >= 0 {
		return
	}
	for j := range c.columns {
		if c.columns[j].Order >= snap.Column.Order {
			c.columns[j].Order++
		}
	}
	c.columns = append(c.columns, snap.Column)
	slices.SortStableFunc(c.columns, func(a, b types.Column) int { return a.Order - b.Order })
	for _, cell := range snap.Cells {
		c.cells[c.ids.CellKey(cell.RowID, cell.ColumnID)] = cell
	}
}

// ConfirmColumn swaps a pending column's local id for the server's.
func (c *Cache) ConfirmColumn(localID string, ref types.ColumnRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.columnIndexLocked(localID)
	if i < 0 {
		return false
	}
	c.columns[i].ID = ref.ID
	c.columns[i].Pending = false
	if ref.Width > 0 {
		c.columns[i].Width = ref.Width
	}
	key := c.ids.Stable(identity.Column, localID)
	for k, cell := range c.cells {
		if k.Column != key {
			continue
		}
		cell.ColumnID = ref.ID
		if cell.Optimistic && !c.ids.IsPending(identity.Row, k.Row) {
			cell.Optimistic = false
		}
		c.cells[k] = cell
	}
	return true
}

// RenameColumn sets a column's name and returns the previous one.
func (c *Cache) RenameColumn(id, name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.columnIndexLocked(id)
	if i < 0 {
		return "", false
	}
	old := c.columns[i].Name
	c.columns[i].Name = name
	return old, true
}
