package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/metrics"
	"github.com/linuxmuster/lmn-authority/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the domain controller worker",
	Long: `Start the worker that consumes jobs from the Redis stream and runs
them against the domain controller.

The worker handles machine account password repair and batched host
provisioning (devices.csv merge, sophomorix import, AD and DNS
verification). It must run on the DC host where samba-tool and the
sophomorix tools are available.

Examples:
  # Start the worker
  lmn-authority worker

  # Start with a config file
  lmn-authority worker --config /etc/lmn-authority/config.yaml`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.NewRegistry())
	}

	logger.Info("starting lmn-authority worker",
		"version", Version,
		"redis", cfg.Redis.Addr(),
		"api_url", cfg.Worker.APIURL)

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.New(cfg, m).Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, stopping worker")
		cancel()
		if err := <-workerDone; err != nil && err != context.Canceled {
			return err
		}
		logger.Info("worker stopped")
	case err := <-workerDone:
		signal.Stop(sigChan)
		if err != nil && err != context.Canceled {
			return err
		}
		logger.Info("worker stopped")
	}
	return nil
}
