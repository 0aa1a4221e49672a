package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/paths"
	"github.com/mesh-intelligence/gridcache/internal/store"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize gridcache storage",
		Long:  "Create the configuration and data directories, write a default config.yaml, then initialize the storage backend.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInit(cmd)
		},
	}
}

func (a *app) runInit(cmd *cobra.Command) error {
	if err := os.MkdirAll(a.configDir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	config, err := a.backendConfig()
	if err != nil {
		return err
	}

	defaults := defaultConfig()
	defaults.Backend = config.Backend
	defaults.DSN = config.DSN
	if a.dataDir != "" {
		defaults.DataDir = config.DataDir
	}
	path := paths.ConfigFile(a.configDir)
	written, err := writeConfigIfMissing(path, defaults)
	if err != nil {
		return err
	}
	if written {
		a.log.Info("wrote config", "path", path)
	}

	st := store.New()
	if err := st.Attach(config); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	if err := st.Detach(); err != nil {
		return fmt.Errorf("finalize storage: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "gridcache initialized (%s backend, config %s)\n", config.Backend, path)
	return nil
}
