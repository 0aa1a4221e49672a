package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// LoadRange returns the rows with order in r and their cells, limited to
// columnIDs when given. The row count is reported with every window.
func (s *Store) LoadRange(ctx context.Context, tableID string, r types.Range, columnIDs []string) (types.RangeResult, error) {
	var res types.RangeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.tableExists(ctx, tx, tableID); err != nil {
			return err
		}
		n, err := s.rowCount(ctx, tx, tableID)
		if err != nil {
			return err
		}
		res.TotalCount, res.Counted = n, true
		if r.Empty() {
			return nil
		}
		if res.Rows, err = s.records(ctx, tx, tableID, r); err != nil {
			return err
		}
		if len(res.Rows) == 0 {
			return nil
		}
		res.Cells, err = s.cellsInRange(ctx, tx, tableID, r, columnIDs)
		return err
	})
	if err != nil {
		return types.RangeResult{}, fmt.Errorf("loading rows %s: %w", r, err)
	}
	return res, nil
}

func (s *Store) records(ctx context.Context, q querier, tableID string, r types.Range) ([]types.Record, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT record_id, ordinal FROM grid_records
		WHERE table_id = ? AND ordinal >= ? AND ordinal <= ? ORDER BY ordinal`), tableID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("querying rows: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec := types.Record{TableID: tableID}
		if err := rows.Scan(&rec.ID, &rec.Order); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) recordOrdinal(ctx context.Context, q querier, tableID, rowID string) (int, error) {
	var ord int
	err := q.QueryRowContext(ctx, s.q(`SELECT ordinal FROM grid_records WHERE record_id = ? AND table_id = ?`),
		rowID, tableID).Scan(&ord)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("row %s: %w", rowID, types.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading row %s: %w", rowID, err)
	}
	return ord, nil
}

// CreateRow appends an empty row.
func (s *Store) CreateRow(ctx context.Context, tableID, clientID string) (types.RowRef, error) {
	return s.insertRow(ctx, tableID, clientID, func(tx *sql.Tx) (int, error) {
		return s.rowCount(ctx, tx, tableID)
	})
}

// InsertRowAbove inserts an empty row at the target's order.
func (s *Store) InsertRowAbove(ctx context.Context, tableID, targetID, clientID string) (types.RowRef, error) {
	return s.insertRow(ctx, tableID, clientID, func(tx *sql.Tx) (int, error) {
		return s.recordOrdinal(ctx, tx, tableID, targetID)
	})
}

// InsertRowBelow inserts an empty row right after the target.
func (s *Store) InsertRowBelow(ctx context.Context, tableID, targetID, clientID string) (types.RowRef, error) {
	return s.insertRow(ctx, tableID, clientID, func(tx *sql.Tx) (int, error) {
		ord, err := s.recordOrdinal(ctx, tx, tableID, targetID)
		return ord + 1, err
	})
}

// insertRow places a new row at the order position returns, shifting the
// rows at and after it. A clientID seen before returns the earlier row.
func (s *Store) insertRow(ctx context.Context, tableID, clientID string, position func(tx *sql.Tx) (int, error)) (types.RowRef, error) {
	var ref types.RowRef
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.tableExists(ctx, tx, tableID); err != nil {
			return err
		}
		if clientID != "" {
			err := tx.QueryRowContext(ctx, s.q(`SELECT record_id, ordinal FROM grid_records
				WHERE table_id = ? AND client_id = ?`), tableID, clientID).Scan(&ref.ID, &ref.Order)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("checking client id: %w", err)
			}
		}

		order, err := position(tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE grid_records SET ordinal = ordinal + 1
			WHERE table_id = ? AND ordinal >= ?`), tableID, order); err != nil {
			return fmt.Errorf("shifting rows: %w", err)
		}
		ref = types.RowRef{ID: newID(), Order: order}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO grid_records (record_id, table_id, ordinal, client_id)
			VALUES (?, ?, ?, ?)`), ref.ID, tableID, ref.Order, nullString(clientID)); err != nil {
			return fmt.Errorf("inserting row: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.RowRef{}, err
	}
	return ref, nil
}

// DeleteRow removes a row and its cells and closes the gap it leaves.
func (s *Store) DeleteRow(ctx context.Context, tableID, rowID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ord, err := s.recordOrdinal(ctx, tx, tableID, rowID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM grid_cells WHERE record_id = ?`), rowID); err != nil {
			return fmt.Errorf("deleting cells: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM grid_records WHERE record_id = ?`), rowID); err != nil {
			return fmt.Errorf("deleting row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE grid_records SET ordinal = ordinal - 1
			WHERE table_id = ? AND ordinal > ?`), tableID, ord); err != nil {
			return fmt.Errorf("shifting rows: %w", err)
		}
		return nil
	})
}
