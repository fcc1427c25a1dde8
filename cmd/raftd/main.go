// Command raftd hosts an Engine for one process: it loads the YAML
// topology/config file, starts every Shard this host is listed for,
// and serves Prometheus metrics plus health/readiness endpoints,
// with a cobra root command, persistent log flags, and
// signal-driven graceful shutdown.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/gondola/pkg/config"
	"github.com/cuemby/gondola/pkg/engine"
	"github.com/cuemby/gondola/pkg/log"
	"github.com/cuemby/gondola/pkg/metrics"
	"github.com/cuemby/gondola/pkg/raftnet"
	"github.com/spf13/cobra"
)

var (
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
	Use:     "raftd",
	Short:   "raftd hosts one process's replicas of a Raft replicated-log cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("raftd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("config", "gondola.yaml", "Path to the topology/settings YAML file")
	runCmd.Flags().Int("host-id", 0, "This process's hostId in the topology")
	runCmd.Flags().String("data-dir", "./data", "Directory for durable Raft log/vote storage")
	runCmd.Flags().String("metrics-addr", ":9090", "Address to serve /metrics, /healthz, /readyz on")
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start this process's Engine and serve until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		hostID, _ := cmd.Flags().GetInt("host-id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("raftd: load config: %w", err)
		}
		cfg.StartReload(5 * time.Second)
		defer cfg.StopReload()

		cfg.Watch("gondola.tracing.enabled", func(v string) { log.SetTracing(v == "true") })
		cfg.Watch("stack_trace_suppression", func(v string) { log.SetStackTraceSuppression(v != "false") })

		metrics.SetVersion(Version)

		topo := cfg.Topology()
		opts := engine.Options{HostID: hostID, DataDir: dataDir}
		if addr, err := topo.HostAddress(hostID); err == nil && addr != "" {
			opts.NetworkFactory = func() (raftnet.Network, error) {
				return raftnet.NewTCP(addr, topo.MemberAddress)
			}
		}

		eng := engine.New(cfg, hostID, opts)
		if err := eng.Start(topo); err != nil {
			return fmt.Errorf("raftd: start engine: %w", err)
		}
		metrics.RegisterComponent("engine", true, "started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("raftd: metrics server failed")
			}
		}()

		log.Logger.Info().Int("host", hostID).Str("metrics_addr", metricsAddr).Msg("raftd: running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("raftd: shutting down")
		_ = srv.Close()
		eng.Stop()
		return nil
	},
}
