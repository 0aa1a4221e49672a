// Grid entities: tables, columns, records and cells.
// See docs/ARCHITECTURE.md § Data Model.
package types

import (
	"strconv"
	"strings"
	"time"
)

// ColumnType determines how a column's cells are coerced and compared.
type ColumnType string

// Column types.
const (
	ColumnText   ColumnType = "TEXT"
	ColumnNumber ColumnType = "NUMBER"
)

// Valid reports whether t is a recognized column type.
func (t ColumnType) Valid() bool {
	return t == ColumnText || t == ColumnNumber
}

// ParseColumnType maps a case-insensitive name to a ColumnType.
// Returns ErrInvalidData for unknown names.
func ParseColumnType(s string) (ColumnType, error) {
	t := ColumnType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ErrInvalidData
	}
	return t, nil
}

// Table is a named grid.
type Table struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Column is a typed, ordered field of a table. Order is unique within a table.
type Column struct {
	ID      string     `json:"id"`
	TableID string     `json:"table_id"`
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	Order   int        `json:"order"`
	Width   int        `json:"width"`

	// Pending is true while the column exists only locally.
	Pending bool `json:"-"`
}

// DefaultColumnWidth is used when a column is created without a width.
const DefaultColumnWidth = 200

// Record is a table row. Order is the dense zero-based rank of the row within
// its table and the address used for sparse loading.
type Record struct {
	ID      string `json:"id"`
	TableID string `json:"table_id"`
	Order   int    `json:"order"`

	// Pending is true while the record exists only locally.
	Pending bool `json:"-"`
}

// ValueKind tags the payload held by a CellValue.
type ValueKind string

// Value kinds. The zero kind is an empty cell.
const (
	ValueEmpty  ValueKind = ""
	ValueText   ValueKind = "text"
	ValueNumber ValueKind = "number"
)

// CellValue is a tagged union holding either a text or a numeric payload.
type CellValue struct {
	Kind   ValueKind `json:"kind,omitempty"`
	Text   string    `json:"text,omitempty"`
	Number float64   `json:"number,omitempty"`
}

// TextValue returns a text CellValue.
func TextValue(s string) CellValue {
	return CellValue{Kind: ValueText, Text: s}
}

// NumberValue returns a numeric CellValue.
func NumberValue(f float64) CellValue {
	return CellValue{Kind: ValueNumber, Number: f}
}

// IsEmpty reports whether the value carries no payload.
func (v CellValue) IsEmpty() bool {
	switch v.Kind {
	case ValueNumber:
		return false
	case ValueText:
		return v.Text == ""
	default:
		return true
	}
}

// String renders the value the way the grid displays it.
func (v CellValue) String() string {
	switch v.Kind {
	case ValueText:
		return v.Text
	case ValueNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	default:
		return ""
	}
}

// Coerce converts user input into a CellValue for a column of type t.
// Number columns store parseable input as numbers and anything else as text,
// so no input is rejected. Empty input yields an empty text value.
func Coerce(t ColumnType, input string) CellValue {
	if input == "" {
		return TextValue("")
	}
	if t == ColumnNumber {
		if f, err := strconv.ParseFloat(strings.TrimSpace(input), 64); err == nil {
			return NumberValue(f)
		}
	}
	return TextValue(input)
}

// Cell holds the value at (RowID, ColumnID). The address, not ID, identifies
// a cell; ID is the backend's handle and may be empty for cells that have
// never been persisted.
type Cell struct {
	ID       string    `json:"id,omitempty"`
	RowID    string    `json:"row_id"`
	ColumnID string    `json:"column_id"`
	Value    CellValue `json:"value"`

	// Optimistic marks a cell synthesized locally for a pending row or column.
	Optimistic bool `json:"-"`
}
