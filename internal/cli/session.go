package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/grid"
	"github.com/mesh-intelligence/gridcache/internal/store"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// withView opens a grid view over the table named by ref and closes it after
// fn, flushing any drafts and waiting for mutations.
func (a *app) withView(cmd *cobra.Command, ref string, tune func(*grid.Options), fn func(ctx context.Context, v *grid.View) error) error {
	return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
		t, err := st.ResolveTable(ctx, ref)
		if err != nil {
			return err
		}
		opts := gridOptions(a.cfg)
		opts.Logger = a.log
		opts.Listener = grid.Funcs{
			OnError: func(err error) { a.log.Warn("background operation failed", "err", err) },
		}
		if tune != nil {
			tune(&opts)
		}
		v, err := grid.Open(ctx, st, t.ID, opts)
		if err != nil {
			return err
		}
		runErr := fn(ctx, v)
		return errors.Join(runErr, v.Close(ctx))
	})
}

// rowAt loads and returns the row displayed at index.
func rowAt(ctx context.Context, v *grid.View, index int) (types.Record, error) {
	if err := v.Load(ctx, index, index); err != nil {
		return types.Record{}, err
	}
	rec, state := v.GetRowAt(index)
	if state == grid.Placeholder {
		return types.Record{}, fmt.Errorf("row %d: %w", index, types.ErrNotFound)
	}
	return rec, nil
}

func parseIndex(s, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, usageError("%s %q: want a non-negative integer", what, s)
	}
	return n, nil
}

// ruleFlags are the --sort, --filter, --or and --query flags shared by
// commands that read rows in ranked order.
type ruleFlags struct {
	sort   []string
	filter []string
	or     bool
	query  string
}

func (r *ruleFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVar(&r.sort, "sort", nil, "sort as column[:asc|desc], repeatable")
	f.StringArrayVar(&r.filter, "filter", nil, "filter as column:operator[:value], repeatable")
	f.BoolVar(&r.or, "or", false, "match any filter instead of all")
	f.StringVar(&r.query, "query", "", "free-text query")
}

// rules resolves column references against cols.
func (r *ruleFlags) rules(cols []types.Column) ([]types.SortRule, []types.FilterRule, error) {
	var sorts []types.SortRule
	for _, s := range r.sort {
		ref, dir, _ := strings.Cut(s, ":")
		col, err := findColumn(cols, ref)
		if err != nil {
			return nil, nil, err
		}
		rule := types.SortRule{ColumnID: col.ID, Direction: types.SortAsc}
		switch strings.ToLower(dir) {
		case "", "asc":
		case "desc":
			rule.Direction = types.SortDesc
		default:
			return nil, nil, usageError("sort %q: direction must be asc or desc", s)
		}
		sorts = append(sorts, rule)
	}

	var filters []types.FilterRule
	for _, f := range r.filter {
		parts := strings.SplitN(f, ":", 3)
		if len(parts) < 2 {
			return nil, nil, usageError("filter %q: want column:operator[:value]", f)
		}
		col, err := findColumn(cols, parts[0])
		if err != nil {
			return nil, nil, err
		}
		rule := types.FilterRule{ColumnID: col.ID, Operator: types.FilterOperator(strings.ToLower(parts[1]))}
		if !rule.Operator.Valid() {
			return nil, nil, usageError("filter %q: unknown operator %q", f, parts[1])
		}
		if len(parts) == 3 {
			rule.Value = parts[2]
		}
		if r.or {
			rule.Connector = types.ConnectorOr
		}
		filters = append(filters, rule)
	}
	return sorts, filters, nil
}

// apply sets the rules on v. It reports whether any rule is active.
func (r *ruleFlags) apply(v *grid.View) (bool, error) {
	sorts, filters, err := r.rules(v.Columns())
	if err != nil {
		return false, err
	}
	if len(sorts) > 0 || len(filters) > 0 {
		v.SetRules(sorts, filters)
	}
	if r.query != "" {
		v.SetQuery(r.query)
	}
	return len(sorts) > 0 || len(filters) > 0 || r.query != "", nil
}
