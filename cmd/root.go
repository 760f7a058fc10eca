package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/gebin/importer-exporter/internal/config"
	"github.com/gebin/importer-exporter/internal/controller"
	"github.com/gebin/importer-exporter/internal/logger"
	"github.com/gebin/importer-exporter/internal/metrics"
)

var (
	configPath  string
	dialect     string
	dsn         string
	metricsAddr string

	cfg           config.Config
	metricsServer *http.Server
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to an HCL config file")
	rootCmd.PersistentFlags().StringVar(&dialect, "dialect", "", "Database dialect (sqlite|postgis)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Database file (sqlite) or connection URL (postgis)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
}

var rootCmd = &cobra.Command{
	Use:           "citydb",
	Short:         "Import and export 3D city models to and from a spatial database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath, ".env"); err != nil {
			return err
		}
		if cmd.Flags().Changed("dialect") {
			cfg.Dialect = dialect
		}
		if cmd.Flags().Changed("dsn") {
			cfg.DSN = dsn
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if metricsAddr != "" {
			startMetrics(metricsAddr)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return stopMetrics()
	},
}

func startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Error("metrics_server", "addr", addr, "err", err)
		}
	}()
	logger.L().Info("metrics_server", "addr", addr)
}

func stopMetrics() error {
	if metricsServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsServer.Shutdown(ctx)
}

func printSummary(w io.Writer, s *controller.Summary) {
	section := func(title string, counts map[string]int64) {
		if len(counts) == 0 {
			return
		}
		_, _ = fmt.Fprintf(w, "%s:\n", title)
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %-24s %d\n", k, counts[k])
		}
	}
	section("Features", s.Features)
	section("Geometries", s.Geometries)
	section("Resolved xlinks", s.XlinksResolved)
	section("Unresolved xlinks", s.XlinksDangling)
	if len(s.Warnings) > 0 {
		_, _ = fmt.Fprintf(w, "Warnings (%d):\n", len(s.Warnings))
		for _, msg := range s.Warnings {
			_, _ = fmt.Fprintf(w, "  %s\n", msg)
		}
	}
	_, _ = fmt.Fprintf(w, "Done in %v.\n", s.Duration.Round(time.Millisecond))
}

// Execute runs the root command. An interrupt cancels the running job.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
