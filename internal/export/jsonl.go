package export

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/mesh-intelligence/gridcache/internal/store"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// JSONL layout: one "table" line describing the columns, then one "row" line
// per row with values listed in column order.
const (
	kindTable = "table"
	kindRow   = "row"
)

type jsonlColumn struct {
	Name  string           `json:"name"`
	Type  types.ColumnType `json:"type"`
	Width int              `json:"width,omitempty"`
}

type jsonlLine struct {
	Kind    string            `json:"kind"`
	Table   string            `json:"table,omitempty"`
	Columns []jsonlColumn     `json:"columns,omitempty"`
	Order   int               `json:"order,omitempty"`
	Values  []types.CellValue `json:"values,omitempty"`
}

// ErrNoHeader is returned when a JSONL stream has no table line.
var ErrNoHeader = errors.New("jsonl: missing table line")

// WriteJSONL writes d as JSONL.
func WriteJSONL(w io.Writer, d store.Dump) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	header := jsonlLine{Kind: kindTable, Table: d.Info.Table.Name}
	index := make(map[string]int, len(d.Info.Columns))
	for i, c := range d.Info.Columns {
		header.Columns = append(header.Columns, jsonlColumn{Name: c.Name, Type: c.Type, Width: c.Width})
		index[c.ID] = i
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("writing table line: %w", err)
	}

	values := make(map[string][]types.CellValue, len(d.Rows))
	for _, c := range d.Cells {
		i, ok := index[c.ColumnID]
		if !ok {
			continue
		}
		vs := values[c.RowID]
		if vs == nil {
			vs = make([]types.CellValue, len(d.Info.Columns))
			values[c.RowID] = vs
		}
		vs[i] = c.Value
	}
	for i, r := range d.Rows {
		if err := enc.Encode(jsonlLine{Kind: kindRow, Order: i, Values: values[r.ID]}); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing jsonl: %w", err)
	}
	return nil
}

// ReadJSONL parses a JSONL export into a dump with placeholder ids, ready for
// store.Restore. Blank and malformed lines are skipped and counted. Rows are
// kept in file order.
func ReadJSONL(r io.Reader) (store.Dump, int, error) {
	var d store.Dump
	skipped := 0
	haveHeader := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec jsonlLine
		if !json.Valid(line) || json.Unmarshal(line, &rec) != nil {
			skipped++
			continue
		}

		switch {
		case rec.Kind == kindTable && !haveHeader:
			haveHeader = true
			d.Info.Table.Name = rec.Table
			for i, c := range rec.Columns {
				typ := c.Type
				if !typ.Valid() {
					typ = types.ColumnText
				}
				d.Info.Columns = append(d.Info.Columns, types.Column{
					ID:    "c" + strconv.Itoa(i),
					Name:  c.Name,
					Type:  typ,
					Order: i,
					Width: c.Width,
				})
			}
		case rec.Kind == kindRow && haveHeader:
			rowID := "r" + strconv.Itoa(len(d.Rows))
			d.Rows = append(d.Rows, types.Record{ID: rowID, Order: len(d.Rows)})
			for i, v := range rec.Values {
				if i >= len(d.Info.Columns) || v.IsEmpty() {
					continue
				}
				d.Cells = append(d.Cells, types.Cell{RowID: rowID, ColumnID: d.Info.Columns[i].ID, Value: v})
			}
		default:
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return store.Dump{}, skipped, fmt.Errorf("scanning jsonl: %w", err)
	}
	if !haveHeader {
		return store.Dump{}, skipped, ErrNoHeader
	}
	d.Info.RowCount = len(d.Rows)
	return d, skipped, nil
}
