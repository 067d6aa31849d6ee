package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/config"
	"github.com/linuxmuster/lmn-authority/pkg/metrics"
)

const repairTimeout = 5 * time.Minute

// deadLetter receives jobs that exhausted their retries.
type deadLetter interface {
	MoveToDLQ(ctx context.Context, job Job, lastError string)
}

// MacctProcessor repairs AD machine account passwords by running the
// repair script for a single host.
type MacctProcessor struct {
	cfg     config.WorkerConfig
	api     opsAPI
	dlq     deadLetter
	runner  Runner
	metrics *metrics.Metrics
}

// NewMacctProcessor creates a machine account repair processor.
func NewMacctProcessor(cfg config.WorkerConfig, api *OpsClient, dlq deadLetter, runner Runner, m *metrics.Metrics) *MacctProcessor {
	return &MacctProcessor{cfg: cfg, api: api, dlq: dlq, runner: runner, metrics: m}
}

// Process handles one macct_repair job. Always returns true: failed jobs
// are re-queued through the API instead of staying in the pending list,
// so the message itself is acknowledged either way.
func (p *MacctProcessor) Process(ctx context.Context, job Job) bool {
	operationID := job.OperationID()
	host := job.Fields["host"]
	school := job.Fields["school"]
	if school == "" {
		school = "default-school"
	}
	attempt, _ := strconv.Atoi(job.Fields["attempt"])

	logger.Info("processing macct job",
		logger.KeyOperation, operationID,
		logger.KeyHost, host,
		logger.KeyAttempt, attempt)

	p.api.UpdateStatus(ctx, operationID, StatusRunning, StatusUpdate{Attempt: &attempt})

	start := time.Now()
	result, err := p.executeRepair(ctx, host, school, operationID)
	if err == nil {
		p.api.UpdateStatus(ctx, operationID, StatusCompleted, StatusUpdate{Result: result})
		p.metrics.RecordJob("macct_repair", "completed", time.Since(start).Seconds())
		logger.Info("macct job completed", logger.KeyOperation, operationID)
		return true
	}

	if attempt >= p.cfg.MaxRetries {
		p.api.UpdateStatus(ctx, operationID, StatusFailed, StatusUpdate{
			Error: fmt.Sprintf("Max retries (%d) exceeded: %v", p.cfg.MaxRetries, err),
		})
		if p.dlq != nil {
			p.dlq.MoveToDLQ(ctx, job, err.Error())
		}
		p.metrics.RecordJob("macct_repair", "failed", time.Since(start).Seconds())
		logger.Error("macct job permanently failed", logger.KeyOperation, operationID, logger.KeyError, err)
		return true
	}

	next := attempt + 1
	p.api.UpdateStatus(ctx, operationID, StatusRetrying, StatusUpdate{
		Error:   err.Error(),
		Attempt: &next,
	})
	p.api.RetryJob(ctx, operationID)
	p.metrics.RecordJob("macct_repair", "retried", time.Since(start).Seconds())
	logger.Warn("macct job retry requested", logger.KeyOperation, operationID, logger.KeyAttempt, next)
	return true
}

// executeRepair runs the repair script for one host and classifies its
// output.
func (p *MacctProcessor) executeRepair(ctx context.Context, host, school, operationID string) (map[string]any, error) {
	script := p.cfg.RepairScript
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("repair script not found: %s", script)
	}

	logFile := filepath.Join(p.cfg.LogDir, operationID+".log")
	result := p.runner.Run(ctx, repairTimeout, "python3", script,
		"--only-hosts", host,
		"-s", school,
		"--log-file", logFile)

	if result.TimedOut {
		return nil, fmt.Errorf("script timed out after 5 minutes")
	}
	if result.Err != nil {
		return nil, result.Err
	}
	if result.ExitCode != 0 {
		if result.Stderr != "" {
			return nil, fmt.Errorf("%s", strings.TrimSpace(result.Stderr))
		}
		return nil, fmt.Errorf("script exited with code %d", result.ExitCode)
	}

	return parseRepairOutput(result.Stdout), nil
}

// parseRepairOutput extracts the interesting tokens from the repair
// script's stdout.
func parseRepairOutput(stdout string) map[string]any {
	lines := 0
	if stdout != "" {
		lines = len(strings.Split(strings.TrimRight(stdout, "\n"), "\n"))
	}
	data := map[string]any{
		"processed":    true,
		"stdout_lines": lines,
	}

	lower := strings.ToLower(stdout)
	if strings.Contains(stdout, "unicodePwd") {
		data["unicodePwd_updated"] = true
	}
	if strings.Contains(stdout, "pwdLastSet") {
		data["pwdLastSet_fixed"] = true
	}
	if strings.Contains(lower, "skipped") {
		data["skipped"] = true
	}
	if strings.Contains(lower, "no changes") {
		data["no_changes"] = true
	}
	return data
}
