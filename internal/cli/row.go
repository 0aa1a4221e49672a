package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/grid"
	"github.com/mesh-intelligence/gridcache/internal/ledger"
)

func newRowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "row",
		Short: "Append, insert and delete rows",
	}

	appendCmd := &cobra.Command{
		Use:   "append <table>",
		Short: "Append an empty row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withView(cmd, args[0], nil, func(ctx context.Context, v *grid.View) error {
				return a.settle(ctx, cmd, v.Mutations().CreateRow())
			})
		},
	}

	var below bool
	insertCmd := &cobra.Command{
		Use:   "insert <table> <row>",
		Short: "Insert an empty row above (or below) row order <row>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1], "row")
			if err != nil {
				return err
			}
			return a.withView(cmd, args[0], nil, func(ctx context.Context, v *grid.View) error {
				target, err := rowAt(ctx, v, index)
				if err != nil {
					return err
				}
				if below {
					return a.settle(ctx, cmd, v.Mutations().InsertRowBelow(target.ID))
				}
				return a.settle(ctx, cmd, v.Mutations().InsertRowAbove(target.ID))
			})
		},
	}
	insertCmd.Flags().BoolVar(&below, "below", false, "insert below the target row")

	deleteCmd := &cobra.Command{
		Use:   "delete <table> <row>",
		Short: "Delete the row at order <row>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1], "row")
			if err != nil {
				return err
			}
			return a.withView(cmd, args[0], nil, func(ctx context.Context, v *grid.View) error {
				target, err := rowAt(ctx, v, index)
				if err != nil {
					return err
				}
				return a.settle(ctx, cmd, v.Mutations().DeleteRow(target.ID))
			})
		},
	}

	cmd.AddCommand(appendCmd, insertCmd, deleteCmd)
	return cmd
}

// settle waits for m and reports its outcome.
func (a *app) settle(ctx context.Context, cmd *cobra.Command, m *ledger.Mutation) error {
	if err := m.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", m.Op, err)
	}
	id := m.ServerID()
	if id == "" {
		id = m.ID
	}
	a.log.Debug("mutation settled", "op", m.Op, "local", m.ID, "server", id)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.Op, id)
	return nil
}
