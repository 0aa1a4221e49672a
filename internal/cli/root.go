// Package cli implements the gridcache command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/gridcache/internal/paths"
	"github.com/mesh-intelligence/gridcache/internal/store"
	"github.com/mesh-intelligence/gridcache/pkg/gridcache"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// app carries global flag values and the loaded configuration to the
// subcommands of one root command.
type app struct {
	configDir string
	dataDir   string
	jsonMode  bool
	logLevel  string

	cfg *viper.Viper
	log *slog.Logger
}

// NewRootCmd creates the top-level "gridcache" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:     "gridcache",
		Short:   "Browse and edit very large tables through a sparse grid cache",
		Version: gridcache.Version,
		// Do not print usage on errors returned by subcommands.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configDir, "config-dir", "", "configuration directory (default: ./.gridcache or the user config dir)")
	pf.StringVar(&a.dataDir, "data-dir", "", "data directory (default: ./.gridcache-db)")
	pf.BoolVar(&a.jsonMode, "json", false, "output as JSON")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (default: warn)")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newTableCmd(a),
		newSeedCmd(a),
		newWindowCmd(a),
		newSetCmd(a),
		newRowCmd(a),
		newColumnCmd(a),
		newSearchCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newViewCmd(a),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gridcache:", err)
		return exitCode(err)
	}
	return exitSuccess
}

// exitCode maps errors caused by the input to exitUserError and everything
// else to exitSysError.
func exitCode(err error) int {
	for _, target := range []error{
		types.ErrNotFound,
		types.ErrInvalidID,
		types.ErrInvalidData,
		types.ErrInvalidName,
		types.ErrDuplicateName,
		types.ErrWindowTooWide,
		errUsage,
	} {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	return exitSysError
}

// errUsage marks malformed arguments.
var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// load resolves the config directory, reads config.yaml and sets up logging.
func (a *app) load(cmd *cobra.Command) error {
	dir, err := paths.ConfigDir(a.configDir)
	if err != nil {
		return fmt.Errorf("resolving config dir: %w", err)
	}
	a.configDir = dir
	if a.cfg, err = loadConfig(dir); err != nil {
		return err
	}

	level := a.logLevel
	if level == "" {
		level = a.cfg.GetString(cfgKeyLogLevel)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return usageError("log level %q", level)
	}
	a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
	return nil
}

// backendConfig builds the data service configuration. The data directory
// follows flag > config.yaml > environment > ./.gridcache-db.
func (a *app) backendConfig() (types.Config, error) {
	dataDir, err := paths.DataDir(a.dataDir, a.cfg.GetString(cfgKeyDataDir))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolving data dir: %w", err)
	}
	return types.Config{
		Backend: a.cfg.GetString(cfgKeyBackend),
		DataDir: dataDir,
		DSN:     a.cfg.GetString(cfgKeyDSN),
	}, nil
}

// withStore attaches the configured store for the duration of fn.
func (a *app) withStore(cmd *cobra.Command, fn func(ctx context.Context, st *store.Store) error) error {
	config, err := a.backendConfig()
	if err != nil {
		return err
	}
	st := store.New()
	if err := st.Attach(config); err != nil {
		return fmt.Errorf("attaching %s backend: %w", config.Backend, err)
	}
	defer st.Detach()
	return fn(cmd.Context(), st)
}

// emit prints v as indented JSON in --json mode and calls text otherwise.
func (a *app) emit(w io.Writer, v any, text func(w io.Writer)) error {
	if !a.jsonMode {
		text(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// findColumn resolves ref against column ids first, then names ignoring case.
func findColumn(cols []types.Column, ref string) (types.Column, error) {
	for _, c := range cols {
		if c.ID == ref {
			return c, nil
		}
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, ref) {
			return c, nil
		}
	}
	return types.Column{}, fmt.Errorf("column %q: %w", ref, types.ErrNotFound)
}
