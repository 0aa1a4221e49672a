package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/store"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

func newTableCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Create, list and drop tables",
	}
	cmd.AddCommand(newTableCreateCmd(a), newTableListCmd(a), newTableShowCmd(a), newTableDropCmd(a))
	return cmd
}

func newTableCreateCmd(a *app) *cobra.Command {
	var columns []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty table",
		Example: `  gridcache table create inventory --column sku:TEXT --column qty:NUMBER`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseColumnSpecs(columns)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				info, err := st.CreateTable(ctx, args[0], specs)
				if err != nil {
					return err
				}
				a.log.Debug("created table", "id", info.Table.ID, "columns", len(info.Columns))
				return a.emit(cmd.OutOrStdout(), info, func(w io.Writer) {
					fmt.Fprintf(w, "created table %s (%s)\n", info.Table.Name, info.Table.ID)
				})
			})
		},
	}
	cmd.Flags().StringArrayVar(&columns, "column", nil, "column as name[:TEXT|NUMBER], repeatable")
	return cmd
}

// parseColumnSpecs reads name[:TYPE] pairs. The type defaults to TEXT.
func parseColumnSpecs(raw []string) ([]store.ColumnSpec, error) {
	specs := make([]store.ColumnSpec, 0, len(raw))
	for _, r := range raw {
		name, typ, hasType := strings.Cut(r, ":")
		spec := store.ColumnSpec{Name: name, Type: types.ColumnText}
		if hasType {
			t, err := types.ParseColumnType(typ)
			if err != nil {
				return nil, usageError("column %q: %v", r, err)
			}
			spec.Type = t
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func newTableListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tables with their sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				tables, err := st.ListTables(ctx)
				if err != nil {
					return err
				}
				return a.emit(cmd.OutOrStdout(), tables, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "NAME\tID\tCOLUMNS\tROWS\tCREATED")
					for _, t := range tables {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.Table.Name, t.Table.ID,
							len(t.Columns), humanize.Comma(int64(t.RowCount)), humanize.Time(t.Table.CreatedAt))
					}
					tw.Flush()
				})
			})
		},
	}
}

func newTableShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <table>",
		Short: "Describe a table and its columns",
		Args:  cobra.ExactArgs(1),
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
				return a.emit(cmd.OutOrStdout(), info, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s), %s rows\n", info.Table.Name, info.Table.ID, humanize.Comma(int64(info.RowCount)))
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ORDER\tNAME\tTYPE\tWIDTH\tID")
					for _, c := range info.Columns {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", c.Order, c.Name, c.Type, c.Width, c.ID)
					}
					tw.Flush()
				})
			})
		},
	}
}

func newTableDropCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <table>",
		Short: "Delete a table with all its rows and cells",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				t, err := st.ResolveTable(ctx, args[0])
				if err != nil {
					return err
				}
				if err := st.DropTable(ctx, t.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped table %s\n", t.Name)
				return nil
			})
		},
	}
}
