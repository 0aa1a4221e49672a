package cli

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/blob"
	"github.com/mesh-intelligence/gridcache/internal/export"
	"github.com/mesh-intelligence/gridcache/internal/store"
)

func newExportCmd(a *app) *cobra.Command {
	var formatName, dest string
	cmd := &cobra.Command{
		Use:   "export <table>",
		Short: "Write a whole table as JSONL or XLSX",
		Long: `Write a whole table to a file, an s3://bucket/key object, or stdout (--to -).

The format defaults to the destination's extension, then to jsonl.`,
		Example: `  gridcache export inventory --to inventory.xlsx
  gridcache export inventory --to s3://backups/inventory.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				t, err := st.ResolveTable(ctx, args[0])
				if err != nil {
					return err
				}
				format, err := exportFormat(formatName, dest)
				if err != nil {
					return usageError("%v", err)
				}
				dump, err := st.Dump(ctx, t.ID)
				if err != nil {
					return err
				}

				if dest == "-" {
					return export.Write(cmd.OutOrStdout(), format, dump)
				}
				if dest == "" {
					dest = t.Name + "." + string(format)
				}
				var buf bytes.Buffer
				if err := export.Write(&buf, format, dump); err != nil {
					return err
				}
				bs, key, err := blob.Open(ctx, dest, s3Config(a.cfg))
				if err != nil {
					return err
				}
				info, err := bs.Put(ctx, key, &buf, format.ContentType())
				if err != nil {
					return err
				}
				a.log.Info("exported table", "table", t.Name, "driver", bs.Driver(), "key", info.Key, "etag", info.ETag)
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %s rows to %s (%s)\n",
					humanize.Comma(int64(len(dump.Rows))), dest, humanize.Bytes(uint64(info.Size)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formatName, "format", "", "jsonl or xlsx")
	cmd.Flags().StringVar(&dest, "to", "", "destination path, s3://bucket/key, or - for stdout (default <table>.<format>)")
	return cmd
}

// exportFormat picks the explicit format, else the destination extension,
// else jsonl.
func exportFormat(name, dest string) (export.Format, error) {
	if name != "" {
		return export.ParseFormat(name)
	}
	if ext := strings.TrimPrefix(filepath.Ext(dest), "."); ext != "" {
		if f, err := export.ParseFormat(ext); err == nil {
			return f, nil
		}
	}
	return export.FormatJSONL, nil
}
