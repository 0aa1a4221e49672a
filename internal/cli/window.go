package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/grid"
)

// windowRow is one row of window output.
type windowRow struct {
	Index  int               `json:"index"`
	ID     string            `json:"id,omitempty"`
	Order  int               `json:"order"`
	State  string            `json:"state"`
	Values map[string]string `json:"values,omitempty"`
}

type windowResult struct {
	Table       string      `json:"table"`
	Mode        string      `json:"mode"`
	RowCount    int         `json:"row_count"`
	Approximate bool        `json:"approximate,omitempty"`
	Columns     []string    `json:"columns"`
	Rows        []windowRow `json:"rows"`
}

func newWindowCmd(a *app) *cobra.Command {
	var rules ruleFlags
	cmd := &cobra.Command{
		Use:   "window <table> <first> <last>",
		Short: "Print the rows shown at positions first through last",
		Long: `Open a grid view, load the requested positions and print them.

Without rules the positions are row orders. With --sort, --filter or --query
they index the ranked result.`,
		Example: `  gridcache window inventory 0 19
  gridcache window inventory 0 9 --sort qty:desc --filter name:contains:bolt`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			first, err := parseIndex(args[1], "first")
			if err != nil {
				return err
			}
			last, err := parseIndex(args[2], "last")
			if err != nil {
				return err
			}
			if last < first {
				return usageError("last %d is before first %d", last, first)
			}
			return a.withView(cmd, args[0], nil, func(ctx context.Context, v *grid.View) error {
				if _, err := rules.apply(v); err != nil {
					return err
				}
				if err := v.Load(ctx, first, last); err != nil {
					return err
				}
				res := collectWindow(v, first, last)
				return a.emit(cmd.OutOrStdout(), res, func(w io.Writer) { printWindow(w, res) })
			})
		},
	}
	rules.register(cmd)
	return cmd
}

func collectWindow(v *grid.View, first, last int) windowResult {
	cols := v.Columns()
	res := windowResult{
		Table:       v.Table().Name,
		Mode:        v.Mode().String(),
		RowCount:    v.RowCount(),
		Approximate: v.Approximate(),
	}
	for _, c := range cols {
		res.Columns = append(res.Columns, c.Name)
	}
	for i := first; i <= last && i < res.RowCount; i++ {
		rec, state := v.GetRowAt(i)
		row := windowRow{Index: i, Order: rec.Order, State: state.String()}
		if state != grid.Placeholder {
			row.ID = rec.ID
			row.Values = make(map[string]string, len(cols))
			for _, c := range cols {
				row.Values[c.Name] = v.GetCellDisplayValue(rec.ID, c.ID)
			}
		}
		res.Rows = append(res.Rows, row)
	}
	return res
}

func printWindow(w io.Writer, res windowResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\t%s\n", strings.Join(res.Columns, "\t"))
	for _, r := range res.Rows {
		cells := make([]string, len(res.Columns))
		for i, name := range res.Columns {
			if r.State == grid.Placeholder.String() {
				cells[i] = "…"
				continue
			}
			cells[i] = r.Values[name]
		}
		fmt.Fprintf(tw, "%d\t%s\n", r.Index, strings.Join(cells, "\t"))
	}
	tw.Flush()
	note := ""
	if res.Approximate {
		note = ", approximate"
	}
	fmt.Fprintf(w, "%d of %d rows (%s%s)\n", len(res.Rows), res.RowCount, res.Mode, note)
}
