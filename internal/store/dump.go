package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Dump is a whole table: its description, its rows in order and every stored
// cell. Export and import move tables through it.
type Dump struct {
	Info  types.TableInfo
	Rows  []types.Record
	Cells []types.Cell
}

// Dump reads a whole table.
func (s *Store) Dump(ctx context.Context, tableID string) (Dump, error) {
	d, err := s.loadTable(ctx, tableID)
	if err != nil {
		return Dump{}, err
	}
	out := Dump{Info: d.info, Rows: d.rows}
	for _, r := range d.rows {
		out.Cells = append(out.Cells, d.rowCells(r.ID)...)
	}
	return out, nil
}

// Restore creates a new table called name from dump. Every entity gets a
// fresh id; rows keep their relative order. Cells whose row or column is not
// part of the dump are skipped. Nothing is written if any step fails.
func (s *Store) Restore(ctx context.Context, name string, dump Dump) (types.TableInfo, error) {
	specs := make([]ColumnSpec, len(dump.Info.Columns))
	for i, c := range dump.Info.Columns {
		specs[i] = ColumnSpec{Name: c.Name, Type: c.Type}
	}
	if name = strings.TrimSpace(name); name == "" {
		name = dump.Info.Table.Name
	}
	if name == "" {
		return types.TableInfo{}, types.ErrInvalidName
	}

	var info types.TableInfo
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if info, err = s.createTable(ctx, tx, name, specs); err != nil {
			return err
		}

		columns := make(map[string]string, len(dump.Info.Columns))
		for i, c := range dump.Info.Columns {
			columns[c.ID] = info.Columns[i].ID
		}
		rows := make(map[string]string, len(dump.Rows))
		for i, r := range dump.Rows {
			id := newID()
			rows[r.ID] = id
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO grid_records (record_id, table_id, ordinal, client_id)
				VALUES (?, ?, ?, NULL)`), id, info.Table.ID, i); err != nil {
				return fmt.Errorf("inserting row: %w", err)
			}
		}
		for _, c := range dump.Cells {
			rowID, okRow := rows[c.RowID]
			colID, okCol := columns[c.ColumnID]
			if !okRow || !okCol || c.Value.IsEmpty() {
				continue
			}
			kind, text, num := encodeValue(c.Value)
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO grid_cells (cell_id, record_id, column_id, value_kind, text_value, number_value)
				VALUES (?, ?, ?, ?, ?, ?)`), newID(), rowID, colID, kind, text, num); err != nil {
				return fmt.Errorf("inserting cell: %w", err)
			}
		}
		info.RowCount = len(dump.Rows)
		return nil
	})
	if err != nil {
		return types.TableInfo{}, fmt.Errorf("restoring table %q: %w", name, err)
	}
	return info, nil
}
