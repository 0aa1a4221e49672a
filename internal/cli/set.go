package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/grid"
)

func newSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <table> <row> <column> <value>",
		Short: "Write one cell",
		Long:  "Write value into the cell at row order <row> and the named column. Number columns store text that does not parse as a number as text.",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1], "row")
			if err != nil {
				return err
			}
			return a.withView(cmd, args[0], nil, func(ctx context.Context, v *grid.View) error {
				rec, err := rowAt(ctx, v, index)
				if err != nil {
					return err
				}
				col, err := findColumn(v.Columns(), args[2])
				if err != nil {
					return err
				}
				v.BeginEdit(rec.ID, col.ID)
				if err := v.SetCellDraft(rec.ID, col.ID, args[3]); err != nil {
					v.CancelDraft(rec.ID, col.ID)
					return err
				}
				if err := v.CommitDraft(ctx, rec.ID, col.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "row %d %s = %s\n", index, col.Name, v.GetCellDisplayValue(rec.ID, col.ID))
				return nil
			})
		},
	}
}
