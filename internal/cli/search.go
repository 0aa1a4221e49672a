package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/store"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

func newSearchCmd(a *app) *cobra.Command {
	var rules ruleFlags
	cmd := &cobra.Command{
		Use:   "search <table> <query>",
		Short: "Find column names and cells containing query",
		Long:  "Header matches come first. Cell matches report the row position under the given --sort and --filter rules.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				t, err := st.ResolveTable(ctx, args[0])
				if err != nil {
					return err
				}
				info, err := st.Describe(ctx, t.ID)
				if err != nil {
					return err
				}
				sorts, filters, err := rules.rules(info.Columns)
				if err != nil {
					return err
				}
				hits, err := st.Search(ctx, types.SearchRequest{TableID: t.ID, Query: args[1], Sort: sorts, Filter: filters})
				if err != nil {
					return err
				}
				names := make(map[string]string, len(info.Columns))
				for _, c := range info.Columns {
					names[c.ID] = c.Name
				}
				return a.emit(cmd.OutOrStdout(), hits, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "TYPE\tROW\tCOLUMN")
					for _, h := range hits {
						row := "-"
						if h.Type == types.HitCell {
							row = fmt.Sprint(h.RowOrder)
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Type, row, names[h.ColumnID])
					}
					tw.Flush()
					fmt.Fprintf(w, "%d matches\n", len(hits))
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&rules.sort, "sort", nil, "sort as column[:asc|desc], repeatable")
	f.StringArrayVar(&rules.filter, "filter", nil, "filter as column:operator[:value], repeatable")
	f.BoolVar(&rules.or, "or", false, "match any filter instead of all")
	return cmd
}
