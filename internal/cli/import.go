package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/blob"
	"github.com/mesh-intelligence/gridcache/internal/export"
	"github.com/mesh-intelligence/gridcache/internal/store"
)

func newImportCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Create a table from a JSONL export",
		Long: `Create a new table from a JSONL export read from a file or an s3://bucket/key
object. Malformed lines are skipped and counted. The table keeps the exported
name unless --name is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				src, err := openSource(ctx, args[0], a)
				if err != nil {
					return err
				}
				defer src.Close()

				dump, skipped, err := export.ReadJSONL(src)
				if err != nil {
					return fmt.Errorf("reading %s: %w", args[0], err)
				}
				if skipped > 0 {
					a.log.Warn("skipped malformed lines", "source", args[0], "lines", skipped)
				}
				info, err := st.Restore(ctx, name, dump)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s rows into %s (%s), %d lines skipped\n",
					humanize.Comma(int64(info.RowCount)), info.Table.Name, info.Table.ID, skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the new table")
	return cmd
}

// openSource opens a local file, or an object when src is an s3:// URL.
func openSource(ctx context.Context, src string, a *app) (io.ReadCloser, error) {
	if !strings.HasPrefix(src, "s3://") {
		return os.Open(src)
	}
	bs, key, err := blob.Open(ctx, src, s3Config(a.cfg))
	if err != nil {
		return nil, err
	}
	r, err := bs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", src, err)
	}
	return r, nil
}
