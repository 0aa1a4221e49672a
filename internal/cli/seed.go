package cli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/store"
)

func newSeedCmd(a *app) *cobra.Command {
	var seed uint64
	cmd := &cobra.Command{
		Use:   "seed <table> <rows>",
		Short: "Append rows of generated data",
		Long:  "Append rows filled with random words and numbers. Use --seed for reproducible data.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseIndex(args[1], "rows")
			if err != nil {
				return err
			}
			var rng *rand.Rand
			if cmd.Flags().Changed("seed") {
				rng = rand.New(rand.NewPCG(seed, seed))
			}
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				t, err := st.ResolveTable(ctx, args[0])
				if err != nil {
					return err
				}
				start := time.Now()
				added, err := st.Seed(ctx, t.ID, n, rng)
				if err != nil {
					return err
				}
				a.log.Info("seeded table", "table", t.Name, "rows", added, "took", time.Since(start))
				fmt.Fprintf(cmd.OutOrStdout(), "added %s rows to %s\n", humanize.Comma(int64(added)), t.Name)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed")
	return cmd
}
