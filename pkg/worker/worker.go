// Package worker implements the DC-side job consumer: machine account
// repair and batched host provisioning, fed by a Redis stream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/config"
	"github.com/linuxmuster/lmn-authority/pkg/metrics"
)

const stuckCheckInterval = 5 * time.Minute

// Worker consumes jobs from the stream and dispatches them by type.
type Worker struct {
	cfg       *config.Config
	stream    *StreamClient
	api       *OpsClient
	macct     *MacctProcessor
	provision *ProvisionProcessor
	metrics   *metrics.Metrics
}

// New creates a worker from the config.
func New(cfg *config.Config, m *metrics.Metrics) *Worker {
	stream := NewStreamClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Worker.ConsumerName)
	api := NewOpsClient(cfg.Worker.APIURL, cfg.Worker.APIKey)
	runner := NewExecRunner()

	return &Worker{
		cfg:       cfg,
		stream:    stream,
		api:       api,
		macct:     NewMacctProcessor(cfg.Worker, api, stream, runner, m),
		provision: NewProvisionProcessor(cfg.Worker, api, stream, runner, m),
		metrics:   m,
	}
}

// Run is the main worker loop. It blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("starting DC worker",
		"consumer", w.cfg.Worker.ConsumerName,
		"redis", w.cfg.Redis.Addr(),
		"api", w.cfg.Worker.APIURL)

	if err := os.MkdirAll(w.cfg.Worker.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := w.stream.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis")

	if err := w.stream.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	defer w.stream.Close()

	lastStuckCheck := time.Now()
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return nil
		default:
		}

		if time.Since(lastStuckCheck) > stuckCheckInterval {
			w.processStuckJobs(ctx)
			lastStuckCheck = time.Now()
		}

		jobs, err := w.stream.ReadJobs(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("failed to read jobs", logger.KeyError, err)
			// Connection loss gets a longer backoff than a bad reply.
			backoff := 1 * time.Second
			var netErr net.Error
			if errors.As(err, &netErr) {
				backoff = 5 * time.Second
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}

		for _, job := range jobs {
			w.handle(ctx, job)
		}
	}
}

// handle dispatches one job and acknowledges it when the processor says
// so.
func (w *Worker) handle(ctx context.Context, job Job) {
	logger.Info("processing job",
		logger.KeyOperation, job.OperationID(),
		logger.KeyJobType, job.Type(),
		logger.KeyMessageID, job.ID)

	var ack bool
	switch job.Type() {
	case "macct_repair":
		ack = w.macct.Process(ctx, job)
	case "provision_host":
		ack = w.provision.Process(ctx, job)
	default:
		logger.Warn("unknown job type, skipping", logger.KeyJobType, job.Type())
		ack = true
	}

	if ack {
		w.stream.Ack(ctx, job.ID)
	}
}

// processStuckJobs claims jobs abandoned by dead consumers and replays
// them.
func (w *Worker) processStuckJobs(ctx context.Context) {
	stuck := w.stream.ClaimStuck(ctx)
	if len(stuck) == 0 {
		return
	}
	logger.Info("claimed stuck jobs", logger.KeyCount, len(stuck))
	for _, job := range stuck {
		w.handle(ctx, job)
	}
}
