package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mesh-intelligence/gridcache/internal/store"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// pixelsPerChar converts grid column widths to Excel character widths.
const pixelsPerChar = 7

// SheetName turns a table name into a valid worksheet name.
func SheetName(table string) string {
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(table))
	name = strings.Trim(name, "'")
	if r := []rune(name); len(r) > 31 {
		name = string(r[:31])
	}
	if name == "" {
		return "Sheet1"
	}
	return name
}

// WriteXLSX writes d as a single-sheet workbook: a bold header row with the
// column names, then one row per table row. Number cells stay numeric.
func WriteXLSX(w io.Writer, d store.Dump) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := SheetName(d.Info.Table.Name)
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return fmt.Errorf("naming sheet: %w", err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("opening sheet: %w", err)
	}

	index := make(map[string]int, len(d.Info.Columns))
	header := make([]any, len(d.Info.Columns))
	for i, c := range d.Info.Columns {
		index[c.ID] = i
		header[i] = excelize.Cell{StyleID: bold, Value: c.Name}
		if c.Width > 0 {
			if err := sw.SetColWidth(i+1, i+1, float64(c.Width)/pixelsPerChar); err != nil {
				return fmt.Errorf("sizing column %s: %w", c.Name, err)
			}
		}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	values := make(map[string][]any, len(d.Rows))
	for _, c := range d.Cells {
		i, ok := index[c.ColumnID]
		if !ok {
			continue
		}
		vs := values[c.RowID]
		if vs == nil {
			vs = make([]any, len(d.Info.Columns))
			values[c.RowID] = vs
		}
		vs[i] = cellValue(c.Value)
	}
	for i, r := range d.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := values[r.ID]
		if row == nil {
			row = make([]any, len(d.Info.Columns))
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flushing sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func cellValue(v types.CellValue) any {
	switch v.Kind {
	case types.ValueNumber:
		return v.Number
	case types.ValueText:
		return v.Text
	default:
		return nil
	}
}
