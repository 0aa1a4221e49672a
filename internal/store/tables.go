package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// querier is the part of *sql.DB and *sql.Tx the helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ColumnSpec describes a column created together with its table.
type ColumnSpec struct {
	Name string
	Type types.ColumnType
}

// CreateTable creates an empty table with the given columns, in order.
// Returns ErrDuplicateName if a table with that name exists.
func (s *Store) CreateTable(ctx context.Context, name string, columns []ColumnSpec) (types.TableInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.TableInfo{}, types.ErrInvalidName
	}
	for _, c := range columns {
		if strings.TrimSpace(c.Name) == "" {
			return types.TableInfo{}, fmt.Errorf("column name: %w", types.ErrInvalidName)
		}
		if !c.Type.Valid() {
			return types.TableInfo{}, fmt.Errorf("column %s type %q: %w", c.Name, c.Type, types.ErrInvalidData)
		}
	}

	var info types.TableInfo
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		info, err = s.createTable(ctx, tx, name, columns)
		return err
	})
	if err != nil {
		return types.TableInfo{}, err
	}
	return info, nil
}

func (s *Store) createTable(ctx context.Context, q querier, name string, columns []ColumnSpec) (types.TableInfo, error) {
	info := types.TableInfo{Table: types.Table{ID: newID(), Name: name, CreatedAt: s.now().UTC()}}
	if err := s.insertTable(ctx, q, info.Table); err != nil {
		return info, err
	}
	for i, c := range columns {
		col := types.Column{
			ID:      newID(),
			TableID: info.Table.ID,
			Name:    strings.TrimSpace(c.Name),
			Type:    c.Type,
			Order:   i,
			Width:   types.DefaultColumnWidth,
		}
		if err := s.insertColumn(ctx, q, col, ""); err != nil {
			return info, err
		}
		info.Columns = append(info.Columns, col)
	}
	return info, nil
}

func (s *Store) insertTable(ctx context.Context, q querier, t types.Table) error {
	var n int
	if err := q.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM grid_tables WHERE name = ?`), t.Name).Scan(&n); err != nil {
		return fmt.Errorf("checking table name: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("table %q: %w", t.Name, types.ErrDuplicateName)
	}
	_, err := q.ExecContext(ctx, s.q(`INSERT INTO grid_tables (table_id, name, created_at) VALUES (?, ?, ?)`),
		t.ID, t.Name, t.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting table: %w", err)
	}
	return nil
}

func (s *Store) insertColumn(ctx context.Context, q querier, col types.Column, clientID string) error {
	_, err := q.ExecContext(ctx, s.q(`INSERT INTO grid_columns (column_id, table_id, name, col_type, ordinal, width, client_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		col.ID, col.TableID, col.Name, string(col.Type), col.Order, col.Width, nullString(clientID))
	if err != nil {
		return fmt.Errorf("inserting column: %w", err)
	}
	return nil
}

// ListTables describes every table, ordered by name.
func (s *Store) ListTables(ctx context.Context) ([]types.TableInfo, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT table_id FROM grid_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	out := make([]types.TableInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Describe(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// ResolveTable finds a table by id or, failing that, by name.
func (s *Store) ResolveTable(ctx context.Context, ref string) (types.Table, error) {
	db, err := s.conn()
	if err != nil {
		return types.Table{}, err
	}
	var t types.Table
	var created string
	err = db.QueryRowContext(ctx, s.q(`SELECT table_id, name, created_at FROM grid_tables
		WHERE table_id = ? OR name = ? ORDER BY CASE WHEN table_id = ? THEN 0 ELSE 1 END LIMIT 1`),
		ref, ref, ref).Scan(&t.ID, &t.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Table{}, fmt.Errorf("table %q: %w", ref, types.ErrNotFound)
	}
	if err != nil {
		return types.Table{}, fmt.Errorf("resolving table %q: %w", ref, err)
	}
	t.CreatedAt = parseTimestamp(created)
	return t, nil
}

// DropTable deletes a table with all its rows, columns and cells.
func (s *Store) DropTable(ctx context.Context, tableID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM grid_cells WHERE record_id IN
			(SELECT record_id FROM grid_records WHERE table_id = ?)`), tableID); err != nil {
			return fmt.Errorf("deleting cells: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM grid_records WHERE table_id = ?`), tableID); err != nil {
			return fmt.Errorf("deleting rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM grid_columns WHERE table_id = ?`), tableID); err != nil {
			return fmt.Errorf("deleting columns: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM grid_tables WHERE table_id = ?`), tableID)
		if err != nil {
			return fmt.Errorf("deleting table: %w", err)
		}
		return requireAffected(res, "table", tableID)
	})
}

// Describe returns the table, its columns in order and its row count.
func (s *Store) Describe(ctx context.Context, tableID string) (types.TableInfo, error) {
	var info types.TableInfo
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		info, err = s.describe(ctx, tx, tableID)
		return err
	})
	return info, err
}

func (s *Store) describe(ctx context.Context, q querier, tableID string) (types.TableInfo, error) {
	var info types.TableInfo
	var created string
	err := q.QueryRowContext(ctx, s.q(`SELECT table_id, name, created_at FROM grid_tables WHERE table_id = ?`), tableID).
		Scan(&info.Table.ID, &info.Table.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("table %s: %w", tableID, types.ErrNotFound)
	}
	if err != nil {
		return info, fmt.Errorf("reading table %s: %w", tableID, err)
	}
	info.Table.CreatedAt = parseTimestamp(created)

	if info.Columns, err = s.columns(ctx, q, tableID); err != nil {
		return info, err
	}
	if info.RowCount, err = s.rowCount(ctx, q, tableID); err != nil {
		return info, err
	}
	return info, nil
}

func (s *Store) columns(ctx context.Context, q querier, tableID string) ([]types.Column, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT column_id, name, col_type, ordinal, width
		FROM grid_columns WHERE table_id = ? ORDER BY ordinal`), tableID)
	if err != nil {
		return nil, fmt.Errorf("listing columns: %w", err)
	}
	defer rows.Close()

	var out []types.Column
	for rows.Next() {
		col := types.Column{TableID: tableID}
		var typ string
		if err := rows.Scan(&col.ID, &col.Name, &typ, &col.Order, &col.Width); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		col.Type = types.ColumnType(typ)
		out = append(out, col)
	}
	return out, rows.Err()
}

func (s *Store) rowCount(ctx context.Context, q querier, tableID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM grid_records WHERE table_id = ?`), tableID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows: %w", err)
	}
	return n, nil
}

func (s *Store) tableExists(ctx context.Context, q querier, tableID string) error {
	var n int
	if err := q.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM grid_tables WHERE table_id = ?`), tableID).Scan(&n); err != nil {
		return fmt.Errorf("reading table %s: %w", tableID, err)
	}
	if n == 0 {
		return fmt.Errorf("table %s: %w", tableID, types.ErrNotFound)
	}
	return nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, types.ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
