package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/api"
	"github.com/linuxmuster/lmn-authority/pkg/authority/changelog"
	"github.com/linuxmuster/lmn-authority/pkg/authority/devices"
	"github.com/linuxmuster/lmn-authority/pkg/authority/images"
	"github.com/linuxmuster/lmn-authority/pkg/authority/startconf"
	"github.com/linuxmuster/lmn-authority/pkg/authority/watcher"
	"github.com/linuxmuster/lmn-authority/pkg/metrics"
)

// Changelog compaction schedule. Entries older than a week are dropped,
// and the table is capped so the delta database cannot grow unbounded.
const (
	compactInterval   = 1 * time.Hour
	compactMaxAge     = 7 * 24 * time.Hour
	compactMaxEntries = 50000
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authority HTTP API server",
	Long: `Start the read-only HTTP API over devices.csv and the start.conf
directory.

The server loads both sources at startup, watches them for changes and
records every change in the SQLite changelog that backs the incremental
change feed.

Examples:
  # Start with defaults and environment overrides
  lmn-authority serve

  # Start with a config file
  lmn-authority serve --config /etc/lmn-authority/config.yaml

  # Override a single setting via environment
  LINBO_LOGGING_LEVEL=DEBUG lmn-authority serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting lmn-authority API",
		"version", Version,
		"devices_csv", cfg.Paths.DevicesCSV,
		"start_conf_dir", cfg.Paths.StartConfDir)

	// Load both filesystem sources. A missing or broken file is not fatal:
	// the server comes up degraded and the watcher picks the file up once
	// it appears.
	dev := devices.NewAdapter(cfg.Paths.DevicesCSV, cfg.School)
	if !dev.Load() {
		logger.Warn("devices.csv not loaded, serving empty host set",
			logger.KeyPath, cfg.Paths.DevicesCSV)
	}
	sc := startconf.NewAdapter(cfg.Paths.StartConfDir)
	if !sc.Load() {
		logger.Warn("start.conf directory not loaded, serving empty config set",
			logger.KeyPath, cfg.Paths.StartConfDir)
	}

	cl, err := changelog.Open(cfg.Paths.DeltaDB)
	if err != nil {
		return fmt.Errorf("failed to open changelog database: %w", err)
	}
	defer func() {
		if err := cl.Close(); err != nil {
			logger.Error("changelog close error", logger.KeyError, err)
		}
	}()
	cl.SetSnapshotProvider(func() changelog.EntitySnapshot {
		return changelog.EntitySnapshot{
			HostMACs:     dev.AllMACs(),
			StartConfIDs: sc.AllIDs(),
			ConfigIDs:    sc.AllIDs(),
		}
	})

	w := watcher.New(dev, sc, cl, watcher.Options{
		Debounce: time.Duration(cfg.Watcher.DebounceMS) * time.Millisecond,
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer w.Stop()

	var imageStore *images.Store
	if cfg.Paths.ImagesDir != "" {
		imageStore = images.NewStore(cfg.Paths.ImagesDir, images.DefaultCacheTTL)
		logger.Info("image store enabled", logger.KeyPath, cfg.Paths.ImagesDir)
	}

	var (
		registry *prometheus.Registry
		m        *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		m = metrics.New(registry)
		logger.Info("metrics enabled")
	}

	srv := api.NewServer(cfg, api.RouterDeps{
		Devices:   dev,
		StartConf: sc,
		Changelog: cl,
		Images:    imageStore,
		Metrics:   m,
		Registry:  registry,
		Version:   Version,
	})

	// Periodic changelog compaction keeps the delta database bounded.
	go func() {
		ticker := time.NewTicker(compactInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cl.Compact(compactMaxAge, compactMaxEntries); err != nil {
					logger.Warn("changelog compaction failed", logger.KeyError, err)
				}
			}
		}
	}()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("server is running",
		"port", srv.Port(),
		"hosts", dev.Len(),
		"configs", sc.Len())

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			return err
		}
		logger.Info("server stopped gracefully")
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			return err
		}
		logger.Info("server stopped")
	}
	return nil
}
