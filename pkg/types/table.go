package types

import (
	"context"
	"errors"
)

// DataService is the contract between the grid cache and the system that
// stores tables. The cache never issues SQL; it only calls these methods.
// Implementations must be safe for concurrent use.
type DataService interface {
	// Describe returns the table, its columns ordered by Order, and the
	// current row count.
	Describe(ctx context.Context, tableID string) (TableInfo, error)

	// ListRanked returns one page of rows in ranked order (sort, filter and
	// query applied). An empty NextCursor means the listing is exhausted.
	ListRanked(ctx context.Context, req ListRequest) (Page, error)

	// LoadRange returns the rows whose order lies in r, and their cells for
	// the given columns (all columns when columnIDs is empty). Orders with no
	// row are simply absent from the result.
	LoadRange(ctx context.Context, tableID string, r Range, columnIDs []string) (RangeResult, error)

	// CreateRow appends a row. clientID, when set, makes the call idempotent:
	// a retry with the same clientID returns the row created the first time.
	CreateRow(ctx context.Context, tableID, clientID string) (RowRef, error)

	// InsertRowAbove places a row at the target's order, shifting the target
	// and every later row down by one.
	InsertRowAbove(ctx context.Context, tableID, targetID, clientID string) (RowRef, error)

	// InsertRowBelow places a row at the target's order + 1.
	InsertRowBelow(ctx context.Context, tableID, targetID, clientID string) (RowRef, error)

	// DeleteRow removes a row and its cells, closing the order gap.
	DeleteRow(ctx context.Context, tableID, rowID string) error

	// CreateColumn appends a column.
	CreateColumn(ctx context.Context, tableID, name string, typ ColumnType, clientID string) (ColumnRef, error)

	// RenameColumn changes a column's display name.
	RenameColumn(ctx context.Context, columnID, name string) error

	// DeleteColumn removes a column and its cells, closing the order gap.
	DeleteColumn(ctx context.Context, columnID string) error

	// UpsertCell writes the value at (rowID, columnID), creating the cell if
	// none exists. Returns the cell ID.
	UpsertCell(ctx context.Context, rowID, columnID string, value CellValue) (string, error)

	// FindCell returns the cell at (rowID, columnID) or ErrNotFound.
	FindCell(ctx context.Context, rowID, columnID string) (Cell, error)

	// Search returns matches for a free-text query. Row orders are reported
	// in the ranked space defined by the request's rules.
	Search(ctx context.Context, req SearchRequest) ([]SearchHit, error)
}

// TableInfo is the result of DataService.Describe.
type TableInfo struct {
	Table    Table    `json:"table"`
	Columns  []Column `json:"columns"`
	RowCount int      `json:"row_count"`
}

// ListRequest asks for one ranked page.
type ListRequest struct {
	TableID string       `json:"table_id"`
	Limit   int          `json:"limit"`
	// Cursor is the decimal rank offset of the first row wanted; empty means
	// the start. Clients adjust it when rows before it are added or deleted.
	Cursor  string       `json:"cursor,omitempty"`
	Sort    []SortRule   `json:"sort,omitempty"`
	Filter  []FilterRule `json:"filter,omitempty"`
	Query   string       `json:"query,omitempty"`
}

// Ranked reports whether the request changes row order or membership.
func (r ListRequest) Ranked() bool {
	return len(r.Sort) > 0 || len(r.Filter) > 0 || r.Query != ""
}

// Page is one page of a ranked listing. Rows appear in rank order.
type Page struct {
	Columns    []Column `json:"columns"`
	Rows       []Record `json:"rows"`
	Cells      []Cell   `json:"cells"`
	TotalCount int      `json:"total_count"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// RangeResult is the result of DataService.LoadRange.
type RangeResult struct {
	Rows  []Record `json:"rows"`
	Cells []Cell   `json:"cells"`

	// TotalCount is the table's row count when Counted is true.
	TotalCount int  `json:"total_count,omitempty"`
	Counted    bool `json:"counted,omitempty"`
}

// RowRef identifies a row created by the backend.
type RowRef struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// ColumnRef identifies a column created by the backend.
type ColumnRef struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
	Width int    `json:"width"`
}

// SearchRequest is a free-text search within one table.
type SearchRequest struct {
	TableID string       `json:"table_id"`
	Query   string       `json:"query"`
	Sort    []SortRule   `json:"sort,omitempty"`
	Filter  []FilterRule `json:"filter,omitempty"`
}

// HitType distinguishes header matches from cell matches.
type HitType string

// Search hit types.
const (
	HitField HitType = "field"
	HitCell  HitType = "cell"
)

// SearchHit locates one match. Field hits carry RowOrder -1 and no RowID.
type SearchHit struct {
	Type        HitType `json:"type"`
	RowOrder    int     `json:"row_order"`
	ColumnOrder int     `json:"column_order"`
	RowID       string  `json:"row_id,omitempty"`
	ColumnID    string  `json:"column_id"`
}

// Data service errors.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrInvalidID     = errors.New("invalid entity ID")
	ErrInvalidData   = errors.New("invalid entity data")
	ErrInvalidName   = errors.New("invalid name")
	ErrDuplicateName = errors.New("name already in use")
)

// Cache errors.
var (
	ErrWindowTooWide = errors.New("requested window exceeds maximum")
	ErrPendingEntity = errors.New("entity is not confirmed")
	ErrRolledBack    = errors.New("optimistic change rolled back")
	ErrRetryBudget   = errors.New("retry budget exhausted")
	ErrClosed        = errors.New("view is closed")
)
