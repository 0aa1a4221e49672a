// Package cache holds the loaded slice of one table: columns, the rows whose
// orders have been fetched or created locally, and their cells. Rows and
// cells are keyed by stable identity keys so a local to server id swap never
// moves an entry.
// See docs/ARCHITECTURE.md § Grid Cache.
package cache

import (
	"slices"
	"sync"

	"github.com/mesh-intelligence/gridcache/internal/identity"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// LockFunc reports whether a cell is under an edit session. Merges never
// replace a locked cell.
type LockFunc func(identity.Key) bool

// Cache is the row, column and cell state for one table view. It is safe for
// concurrent use.
type Cache struct {
	mu  sync.RWMutex
	ids *identity.Map

	rows    map[string]*types.Record // stable row key -> row
	byOrder map[int]string           // order -> stable row key
	columns []types.Column           // sorted by Order
	cells   map[identity.Key]types.Cell
	total   int

	// gen advances on every structural change (insert, delete, and their
	// completion). A fetch captured under an older gen must not place rows
	// by order.
	gen        uint64
	structural int

	locked LockFunc
}

// New returns an empty cache resolving ids through ids.
func New(ids *identity.Map) *Cache {
	return &Cache{
		ids:     ids,
		rows:    make(map[string]*types.Record),
		byOrder: make(map[int]string),
		cells:   make(map[identity.Key]types.Cell),
	}
}

// SetLockFunc installs the edit-lock check consulted by Merge.
func (c *Cache) SetLockFunc(fn LockFunc) {
	c.mu.Lock()
	c.locked = fn
	c.mu.Unlock()
}

// Reset seeds the cache from a table description, dropping loaded rows and
// cells but keeping pending rows.
func (c *Cache) Reset(info types.TableInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cols := slices.Clone(info.Columns)
	for _, col := range c.columns {
		if col.Pending {
			cols = append(cols, col)
		}
	}
	slices.SortStableFunc(cols, func(a, b types.Column) int { return a.Order - b.Order })
	c.columns = cols

	pending := 0
	for key, row := range c.rows {
		if row.Pending {
			pending++
			continue
		}
		c.dropRowLocked(key)
	}
	c.total = info.RowCount + pending
	c.gen++
}

// Total returns the current row count, including optimistic rows.
func (c *Cache) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// Generation returns the current layout generation and whether a structural
// change is in flight.
func (c *Cache) Generation() (gen uint64, busy bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen, c.structural > 0
}

// BeginStructural marks a structural backend call as in flight.
func (c *Cache) BeginStructural() {
	c.mu.Lock()
	c.structural++
	c.gen++
	c.mu.Unlock()
}

// EndStructural marks a structural backend call as settled.
func (c *Cache) EndStructural() {
	c.mu.Lock()
	if c.structural > 0 {
		c.structural--
	}
	c.gen++
	c.mu.Unlock()
}

// Columns returns the columns in display order.
func (c *Cache) Columns() []types.Column {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.columns)
}

// Column returns the column with the given id, local or server.
func (c *Cache) Column(id string) (types.Column, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.columnIndexLocked(id)
	if i < 0 {
		return types.Column{}, false
	}
	return c.columns[i], true
}

func (c *Cache) columnIndexLocked(id string) int {
	key := c.ids.Stable(identity.Column, id)
	for i, col := range c.columns {
		if c.ids.Stable(identity.Column, col.ID) == key {
			return i
		}
	}
	return -1
}

// RowAt returns the row cached at order.
func (c *Cache) RowAt(order int) (types.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byOrder[order]
	if !ok {
		return types.Record{}, false
	}
	return *c.rows[key], true
}

// Row returns the cached row with the given id, local or server.
func (c *Cache) Row(id string) (types.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[c.ids.Stable(identity.Row, id)]
	if !ok {
		return types.Record{}, false
	}
	return *row, true
}

// Has reports whether a row is cached at order.
func (c *Cache) Has(order int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byOrder[order]
	return ok
}

// Rows returns every cached row sorted by order.
func (c *Cache) Rows() []types.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Record, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b types.Record) int { return a.Order - b.Order })
	return out
}

// Len returns the number of cached rows.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Cell returns the cached cell at (rowID, columnID).
func (c *Cache) Cell(rowID, columnID string) (types.Cell, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cell, ok := c.cells[c.ids.CellKey(rowID, columnID)]
	return cell, ok
}

// Text returns the display text of the cached cell, or "" when absent.
func (c *Cache) Text(rowID, columnID string) string {
	cell, _ := c.Cell(rowID, columnID)
	return cell.Value.String()
}

// PutCell stores a value the server confirmed for this client's own write.
// Unlike Merge it ignores edit sessions.
func (c *Cache) PutCell(cell types.Cell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell.Optimistic = false
	c.putCellLocked(c.ids.CellKey(cell.RowID, cell.ColumnID), cell)
}

// SetCellID records the backend handle of the cell at (rowID, columnID).
func (c *Cache) SetCellID(rowID, columnID, cellID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.ids.CellKey(rowID, columnID)
	cell, ok := c.cells[key]
	if !ok {
		cell = types.Cell{RowID: rowID, ColumnID: columnID}
	}
	cell.ID = cellID
	cell.Optimistic = false
	c.cells[key] = cell
}

func (c *Cache) putCellLocked(key identity.Key, cell types.Cell) {
	if row, ok := c.rows[key.Row]; ok {
		cell.RowID = row.ID
	}
	c.cells[key] = cell
}

func (c *Cache) dropRowLocked(key string) {
	row, ok := c.rows[key]
	if !ok {
		return
	}
	if c.byOrder[row.Order] == key {
		delete(c.byOrder, row.Order)
	}
	delete(c.rows, key)
	for k := range c.cells {
		if k.Row == key {
			delete(c.cells, k)
		}
	}
}

// Trim drops confirmed rows outside keep once more than capacity rows are
// cached. Pending rows are never dropped. Returns the number removed.
func (c *Cache) Trim(keep types.Range, capacity int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if capacity <= 0 || len(c.rows) <= capacity {
		return 0
	}
	type candidate struct {
		key   string
		order int
	}
	var far []candidate
	for key, row := range c.rows {
		if !row.Pending && !keep.Contains(row.Order) {
			far = append(far, candidate{key, row.Order})
		}
	}
	// Evict the rows farthest from keep first.
	dist := func(o int) int {
		if o < keep.Start {
			return keep.Start - o
		}
		return o - keep.End
	}
	slices.SortFunc(far, func(a, b candidate) int { return dist(b.order) - dist(a.order) })

	removed := 0
	for _, cand := range far {
		if len(c.rows) <= capacity {
			break
		}
		c.dropRowLocked(cand.key)
		removed++
	}
	return removed
}
