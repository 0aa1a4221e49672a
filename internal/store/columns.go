package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// CreateColumn appends a column. A clientID seen before returns the earlier
// column.
func (s *Store) CreateColumn(ctx context.Context, tableID, name string, typ types.ColumnType, clientID string) (types.ColumnRef, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.ColumnRef{}, types.ErrInvalidName
	}
	if !typ.Valid() {
		return types.ColumnRef{}, fmt.Errorf("column type %q: %w", typ, types.ErrInvalidData)
	}

	var ref types.ColumnRef
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.tableExists(ctx, tx, tableID); err != nil {
			return err
		}
		if clientID != "" {
			err := tx.QueryRowContext(ctx, s.q(`SELECT column_id, ordinal, width FROM grid_columns
				WHERE table_id = ? AND client_id = ?`), tableID, clientID).Scan(&ref.ID, &ref.Order, &ref.Width)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("checking client id: %w", err)
			}
		}

		var n int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM grid_columns WHERE table_id = ?`), tableID).Scan(&n); err != nil {
			return fmt.Errorf("counting columns: %w", err)
		}
		col := types.Column{ID: newID(), TableID: tableID, Name: name, Type: typ, Order: n, Width: types.DefaultColumnWidth}
		if err := s.insertColumn(ctx, tx, col, clientID); err != nil {
			return err
		}
		ref = types.ColumnRef{ID: col.ID, Order: col.Order, Width: col.Width}
		return nil
	})
	if err != nil {
		return types.ColumnRef{}, err
	}
	return ref, nil
}

// RenameColumn changes a column's name.
func (s *Store) RenameColumn(ctx context.Context, columnID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.ErrInvalidName
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, s.q(`UPDATE grid_columns SET name = ? WHERE column_id = ?`), name, columnID)
	if err != nil {
		return fmt.Errorf("renaming column %s: %w", columnID, err)
	}
	return requireAffected(res, "column", columnID)
}

// DeleteColumn removes a column and its cells and closes the gap it leaves.
func (s *Store) DeleteColumn(ctx context.Context, columnID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var tableID string
		var ord int
		err := tx.QueryRowContext(ctx, s.q(`SELECT table_id, ordinal FROM grid_columns WHERE column_id = ?`), columnID).
			Scan(&tableID, &ord)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("column %s: %w", columnID, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading column %s: %w", columnID, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM grid_cells WHERE column_id = ?`), columnID); err != nil {
			return fmt.Errorf("deleting cells: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM grid_columns WHERE column_id = ?`), columnID); err != nil {
			return fmt.Errorf("deleting column: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE grid_columns SET ordinal = ordinal - 1
			WHERE table_id = ? AND ordinal > ?`), tableID, ord); err != nil {
			return fmt.Errorf("shifting columns: %w", err)
		}
		return nil
	})
}
