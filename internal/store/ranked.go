package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/gridcache/internal/view"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// tableData is a whole table read into memory for ranking.
type tableData struct {
	info  types.TableInfo
	rows  []types.Record
	cells map[[2]string]types.Cell
}

func (d *tableData) text(rowID, columnID string) string {
	return d.cells[[2]string{rowID, columnID}].Value.String()
}

func (d *tableData) rowCells(rowID string) []types.Cell {
	var out []types.Cell
	for _, c := range d.info.Columns {
		if cell, ok := d.cells[[2]string{rowID, c.ID}]; ok {
			out = append(out, cell)
		}
	}
	return out
}

// ranked applies query, filter and sort, in that order.
func (d *tableData) ranked(sort []types.SortRule, filter []types.FilterRule, query string) []types.Record {
	rows := view.Search(d.rows, d.text, d.info.Columns, query)
	return view.Apply(rows, d.text, d.info.Columns, sort, filter, true).Rows
}

func (s *Store) loadTable(ctx context.Context, tableID string) (*tableData, error) {
	d := &tableData{cells: make(map[[2]string]types.Cell)}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if d.info, err = s.describe(ctx, tx, tableID); err != nil {
			return err
		}
		all := types.Range{Start: 0, End: d.info.RowCount - 1}
		if all.Empty() {
			return nil
		}
		if d.rows, err = s.records(ctx, tx, tableID, all); err != nil {
			return err
		}
		cells, err := s.cellsInRange(ctx, tx, tableID, all, nil)
		if err != nil {
			return err
		}
		for _, c := range cells {
			d.cells[[2]string{c.RowID, c.ColumnID}] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListRanked returns one page of rows. Without rules the listing walks row
// order directly; with rules the table is ranked in memory. The cursor is the
// offset of the next page.
func (s *Store) ListRanked(ctx context.Context, req types.ListRequest) (types.Page, error) {
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return types.Page{}, fmt.Errorf("cursor %q: %w", req.Cursor, types.ErrInvalidData)
		}
		offset = n
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	if !req.Ranked() {
		return s.listOrdered(ctx, req.TableID, offset, limit)
	}

	d, err := s.loadTable(ctx, req.TableID)
	if err != nil {
		return types.Page{}, err
	}
	ranked := d.ranked(req.Sort, req.Filter, req.Query)
	page := types.Page{Columns: d.info.Columns, TotalCount: len(ranked)}
	if offset >= len(ranked) {
		return page, nil
	}
	end := min(offset+limit, len(ranked))
	for _, r := range ranked[offset:end] {
		page.Rows = append(page.Rows, r)
		page.Cells = append(page.Cells, d.rowCells(r.ID)...)
	}
	if end < len(ranked) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Store) listOrdered(ctx context.Context, tableID string, offset, limit int) (types.Page, error) {
	var page types.Page
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		info, err := s.describe(ctx, tx, tableID)
		if err != nil {
			return err
		}
		page.Columns, page.TotalCount = info.Columns, info.RowCount
		r := types.Range{Start: offset, End: min(offset+limit, info.RowCount) - 1}
		if r.Empty() {
			return nil
		}
		if page.Rows, err = s.records(ctx, tx, tableID, r); err != nil {
			return err
		}
		if page.Cells, err = s.cellsInRange(ctx, tx, tableID, r, nil); err != nil {
			return err
		}
		if r.End+1 < info.RowCount {
			page.NextCursor = strconv.Itoa(r.End + 1)
		}
		return nil
	})
	if err != nil {
		return types.Page{}, fmt.Errorf("listing table %s: %w", tableID, err)
	}
	return page, nil
}

// Search matches column names first, then cell text row by row in the order
// the request's rules define. Matching ignores case. A blank query has no
// hits.
func (s *Store) Search(ctx context.Context, req types.SearchRequest) ([]types.SearchHit, error) {
	q := strings.ToLower(strings.TrimSpace(req.Query))
	if q == "" {
		return nil, nil
	}
	d, err := s.loadTable(ctx, req.TableID)
	if err != nil {
		return nil, err
	}

	var hits []types.SearchHit
	for _, c := range d.info.Columns {
		if strings.Contains(strings.ToLower(c.Name), q) {
			hits = append(hits, types.SearchHit{Type: types.HitField, RowOrder: -1, ColumnOrder: c.Order, ColumnID: c.ID})
		}
	}
	for i, r := range d.ranked(req.Sort, req.Filter, "") {
		for _, c := range d.info.Columns {
			if strings.Contains(strings.ToLower(d.text(r.ID, c.ID)), q) {
				hits = append(hits, types.SearchHit{
					Type:        types.HitCell,
					RowOrder:    i,
					ColumnOrder: c.Order,
					RowID:       r.ID,
					ColumnID:    c.ID,
				})
			}
		}
	}
	return hits, nil
}
