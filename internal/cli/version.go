package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/pkg/gridcache"
)

const modulePath = "github.com/mesh-intelligence/gridcache"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gridcache version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "gridcache v%s\nmodule: %s\n", gridcache.Version, modulePath)
			return nil
		},
	}
}
