package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/gridcache/internal/grid"
	"github.com/mesh-intelligence/gridcache/internal/metrics"
	"github.com/mesh-intelligence/gridcache/internal/tui"
)

func newViewCmd(a *app) *cobra.Command {
	var metricsAddr, logFile string
	cmd := &cobra.Command{
		Use:   "view <table>",
		Short: "Browse and edit a table in the terminal",
		Long: `Open an interactive grid over the table.

Keys: arrows or hjkl move, pgup/pgdown page, g/G jump to the ends,
enter edits the cell (enter saves, esc cancels), / searches and n/N step
through matches, s cycles the sort on the current column, a appends a row,
o/O insert below/above, d deletes the row, q quits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closeLog, err := viewLogger(logFile, a.log.Handler())
			if err != nil {
				return err
			}
			defer closeLog()
			a.log = log

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			m := metrics.New(reg)
			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, reg, log)
				defer stop()
			}

			bridge := tui.NewBridge()
			tune := func(o *grid.Options) {
				o.Listener = bridge
				o.Metrics = m
			}
			return a.withView(cmd, args[0], tune, func(ctx context.Context, v *grid.View) error {
				return tui.Run(ctx, v, bridge, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file while the viewer runs")
	return cmd
}

// viewLogger keeps log lines off the screen the viewer draws on.
func viewLogger(path string, h slog.Handler) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	level := slog.LevelInfo
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if h.Enabled(context.Background(), l) {
			level = l
			break
		}
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})), func() { f.Close() }, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
