package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-collector/internal/config"
	"github.com/rcourtman/pulse-collector/internal/discovery"
	"github.com/rcourtman/pulse-collector/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "pulse-collector",
	Short:   "Inventory and backup-health collector for Proxmox VE and PBS",
	Long:    `pulse-collector periodically discovers cluster topology, guest inventory and backup/verification state across configured Proxmox VE and Proxmox Backup Server endpoints, producing one aggregated snapshot per cycle.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runCollector()
	},
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print detailed version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pulse-collector %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCollector() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "collector",
	})

	log.Info().
		Str("version", Version).
		Int("pveInstances", len(cfg.PVEInstances)).
		Int("pbsInstances", len(cfg.PBSInstances)).
		Msg("Starting pulse-collector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mu sync.RWMutex
	engine := discovery.NewEngine(cfg, Version)

	// Config edits swap in a fresh engine between cycles; in-flight cycles
	// finish on the old one.
	if err := config.Watch(ctx, cfg.DataDir, func(next *config.Config) {
		mu.Lock()
		cfg = next
		engine = discovery.NewEngine(next, Version)
		mu.Unlock()
	}); err != nil {
		log.Warn().Err(err).Msg("Config watch unavailable, edits require a restart")
	}

	currentEngine := func() *discovery.Engine {
		mu.RLock()
		defer mu.RUnlock()
		return engine
	}

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			snapshot := currentEngine().LastSnapshot()
			if snapshot == nil {
				http.Error(w, "no discovery cycle completed yet", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(snapshot); err != nil {
				log.Debug().Err(err).Msg("Snapshot encode failed")
			}
		})
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		metricsServer = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsListen).Msg("Serving metrics and snapshot endpoints")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// First discovery immediately, then on the configured cadence.
	currentEngine().FetchDiscoveryData(ctx)

	discoveryTicker := time.NewTicker(cfg.DiscoveryInterval)
	metricsTicker := time.NewTicker(cfg.MetricsInterval)
	defer discoveryTicker.Stop()
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Metrics server shutdown failed")
				}
				cancel()
			}
			return

		case <-discoveryTicker.C:
			currentEngine().FetchDiscoveryData(ctx)

		case <-metricsTicker.C:
			currentEngine().FetchMetricsData(ctx)
		}
	}
}
