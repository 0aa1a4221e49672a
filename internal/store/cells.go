package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/gridcache/pkg/types"
)

const cellColumns = `c.cell_id, c.record_id, c.column_id, c.value_kind, c.text_value, c.number_value`

// UpsertCell writes value at (rowID, columnID), creating the cell if needed.
func (s *Store) UpsertCell(ctx context.Context, rowID, columnID string, value types.CellValue) (string, error) {
	var cellID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rowTable, err := s.ownerTable(ctx, tx, `SELECT table_id FROM grid_records WHERE record_id = ?`, "row", rowID)
		if err != nil {
			return err
		}
		colTable, err := s.ownerTable(ctx, tx, `SELECT table_id FROM grid_columns WHERE column_id = ?`, "column", columnID)
		if err != nil {
			return err
		}
		if rowTable != colTable {
			return fmt.Errorf("row %s and column %s belong to different tables: %w", rowID, columnID, types.ErrInvalidData)
		}

		kind, text, num := encodeValue(value)
		err = tx.QueryRowContext(ctx, s.q(`SELECT cell_id FROM grid_cells WHERE record_id = ? AND column_id = ?`),
			rowID, columnID).Scan(&cellID)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, s.q(`UPDATE grid_cells SET value_kind = ?, text_value = ?, number_value = ?
				WHERE cell_id = ?`), kind, text, num, cellID)
		case errors.Is(err, sql.ErrNoRows):
			cellID = newID()
			_, err = tx.ExecContext(ctx, s.q(`INSERT INTO grid_cells (cell_id, record_id, column_id, value_kind, text_value, number_value)
				VALUES (?, ?, ?, ?, ?, ?)`), cellID, rowID, columnID, kind, text, num)
		}
		if err != nil {
			return fmt.Errorf("writing cell: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return cellID, nil
}

func (s *Store) ownerTable(ctx context.Context, q querier, query, kind, id string) (string, error) {
	var tableID string
	err := q.QueryRowContext(ctx, s.q(query), id).Scan(&tableID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s %s: %w", kind, id, types.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	return tableID, nil
}

// FindCell returns the cell at (rowID, columnID) or ErrNotFound.
func (s *Store) FindCell(ctx context.Context, rowID, columnID string) (types.Cell, error) {
	db, err := s.conn()
	if err != nil {
		return types.Cell{}, err
	}
	row := db.QueryRowContext(ctx, s.q(`SELECT `+cellColumns+` FROM grid_cells c
		WHERE c.record_id = ? AND c.column_id = ?`), rowID, columnID)
	cell, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Cell{}, fmt.Errorf("cell %s/%s: %w", rowID, columnID, types.ErrNotFound)
	}
	if err != nil {
		return types.Cell{}, fmt.Errorf("reading cell %s/%s: %w", rowID, columnID, err)
	}
	return cell, nil
}

// cellsInRange returns the cells of the rows with order in r.
func (s *Store) cellsInRange(ctx context.Context, q querier, tableID string, r types.Range, columnIDs []string) ([]types.Cell, error) {
	query := `SELECT ` + cellColumns + ` FROM grid_cells c
		JOIN grid_records r ON r.record_id = c.record_id
		WHERE r.table_id = ? AND r.ordinal >= ? AND r.ordinal <= ?`
	args := []any{tableID, r.Start, r.End}
	if len(columnIDs) > 0 {
		query += ` AND c.column_id IN (` + placeholders(len(columnIDs)) + `)`
		for _, id := range columnIDs {
			args = append(args, id)
		}
	}
	return s.queryCells(ctx, q, query, args...)
}

func (s *Store) queryCells(ctx context.Context, q querier, query string, args ...any) ([]types.Cell, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying cells: %w", err)
	}
	defer rows.Close()

	var out []types.Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cell: %w", err)
		}
		out = append(out, cell)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCell(sc scanner) (types.Cell, error) {
	var cell types.Cell
	var kind string
	var text sql.NullString
	var num sql.NullFloat64
	if err := sc.Scan(&cell.ID, &cell.RowID, &cell.ColumnID, &kind, &text, &num); err != nil {
		return types.Cell{}, err
	}
	cell.Value = decodeValue(kind, text, num)
	return cell, nil
}

func encodeValue(v types.CellValue) (kind string, text sql.NullString, num sql.NullFloat64) {
	switch v.Kind {
	case types.ValueText:
		return string(v.Kind), sql.NullString{String: v.Text, Valid: true}, num
	case types.ValueNumber:
		return string(v.Kind), text, sql.NullFloat64{Float64: v.Number, Valid: true}
	default:
		return "", text, num
	}
}

func decodeValue(kind string, text sql.NullString, num sql.NullFloat64) types.CellValue {
	switch types.ValueKind(kind) {
	case types.ValueText:
		return types.TextValue(text.String)
	case types.ValueNumber:
		return types.NumberValue(num.Float64)
	default:
		return types.CellValue{}
	}
}
