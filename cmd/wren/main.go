package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wrenlabs/wren/pkg/config"
	"github.com/wrenlabs/wren/pkg/ipc"
	"github.com/wrenlabs/wren/pkg/log"
	"github.com/wrenlabs/wren/pkg/master"
	"github.com/wrenlabs/wren/pkg/metrics"
	"github.com/wrenlabs/wren/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wren",
	Short: "Wren - Service supervisor for a pool of worker processes",
	Long: `Wren runs user-provided service modules across a pool of worker
processes on a single host. It forks the workers, distributes configuration,
collects heartbeats, restarts workers that die or hang, performs rolling
restarts on SIGHUP, enforces per-worker heap ceilings, and aggregates
rate-limit counters across the pool.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Wren version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the supervisor",
	Long: `Start the wren master: resolve the configuration file, fork the
worker pool, and supervise it until SIGINT or SIGTERM.

SIGHUP reloads the configuration and cycles workers one at a time. The
master exits 0 on a clean shutdown and 1 when the configuration cannot be
resolved or the first worker exhausts its startup budget.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Errorf("Configuration failed", err)
			os.Exit(1)
		}

		// The config file's logging section wins over the CLI defaults.
		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel()),
			JSONOutput: cfg.LogJSON(),
		})

		metrics.SetVersion(Version)
		if cfg.Package.Name != "" {
			log.Logger.Info().
				Str("package", cfg.Package.Name).
				Str("version", cfg.Package.Version).
				Msg("Supervising")
		}

		sup := master.NewSupervisor(cfg, cfgPath)

		// Scrape endpoint: the master's own registry merged with every
		// worker's loopback endpoint.
		go serveMetrics(cfg.MetricsAddr(), sup)

		if err := sup.Start(context.Background()); err != nil {
			log.Errorf("Startup failed", err)
			os.Exit(1)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				sup.Reload()
				continue
			}
			break
		}

		sup.Shutdown()
		return nil
	},
}

// workerCmd is the hidden child-process entrypoint. The master re-executes
// this binary with it; fd 3 carries master frames in, fd 4 worker frames
// out, fd 5 the sticky handoff channel when enabled.
var workerCmd = &cobra.Command{
	Use:          "worker",
	Hidden:       true,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		workerID, err := strconv.Atoi(os.Getenv(master.EnvWorkerID))
		if err != nil {
			return fmt.Errorf("missing %s; the worker subcommand is forked by the master", master.EnvWorkerID)
		}

		fromMaster := os.NewFile(3, "master-in")
		toMaster := os.NewFile(4, "master-out")
		if fromMaster == nil || toMaster == nil {
			return fmt.Errorf("parent channel descriptors missing")
		}
		conn := ipc.NewConn(fromMaster, toMaster)

		var stickyFile *os.File
		if os.Getenv(master.EnvSticky) == "1" {
			stickyFile = os.NewFile(5, "sticky")
		}

		if err := worker.Run(context.Background(), conn, workerID, true, stickyFile); err != nil {
			if errors.Is(err, worker.ErrStartupTimeout) {
				// The master reaps the exit and retries the slot.
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			os.Exit(1)
		}
		return nil
	},
}

// serveMetrics exposes /metrics (federated across the pool), /health,
// /ready, and /live.
func serveMetrics(addr string, sup *master.Supervisor) {
	federator := metrics.NewFederator(sup)

	mux := http.NewServeMux()
	mux.Handle("/metrics", federator.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	metrics.SetComponentHealth("metrics", true, "serving")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server failed", err)
		metrics.SetComponentHealth("metrics", false, err.Error())
	}
}

func init() {
	startCmd.Flags().String("config", "config.yaml", "Path to the configuration file")
}
