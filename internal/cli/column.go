package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/grid"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

func newColumnCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "column",
		Short: "Add, rename and delete columns",
	}

	var typeName string
	addCmd := &cobra.Command{
		Use:   "add <table> <name>",
		Short: "Append a column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := types.ParseColumnType(typeName)
			if err != nil {
				return usageError("type %q: %v", typeName, err)
			}
			return a.withView(cmd, args[0], nil, func(ctx context.Context, v *grid.View) error {
				return a.settle(ctx, cmd, v.Mutations().CreateColumn(args[1], typ))
			})
		},
	}
	addCmd.Flags().StringVar(&typeName, "type", string(types.ColumnText), "column type: TEXT or NUMBER")

	renameCmd := &cobra.Command{
		Use:   "rename <table> <column> <name>",
		Short: "Rename a column",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withView(cmd, args[0], nil, func(ctx context.Context, v *grid.View) error {
				col, err := findColumn(v.Columns(), args[1])
				if err != nil {
					return err
				}
				return a.settle(ctx, cmd, v.Mutations().RenameColumn(col.ID, args[2]))
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <table> <column>",
		Short: "Delete a column and its cells",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withView(cmd, args[0], nil, func(ctx context.Context, v *grid.View) error {
				col, err := findColumn(v.Columns(), args[1])
				if err != nil {
					return err
				}
				return a.settle(ctx, cmd, v.Mutations().DeleteColumn(col.ID))
			})
		},
	}

	cmd.AddCommand(addCmd, renameCmd, deleteCmd)
	return cmd
}
