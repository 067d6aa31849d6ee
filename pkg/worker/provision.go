package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/config"
	"github.com/linuxmuster/lmn-authority/pkg/metrics"
)

const importTimeout = 10 * time.Minute

// jobStream is the slice of StreamClient the provision processor needs.
type jobStream interface {
	DrainJobs(ctx context.Context, count int) ([]Job, error)
	Ack(ctx context.Context, msgID string)
	AckBatch(ctx context.Context, msgIDs []string)
}

// opsAPI is the slice of OpsClient the processors need.
type opsAPI interface {
	UpdateStatus(ctx context.Context, operationID, status string, update StatusUpdate) bool
	GetOperation(ctx context.Context, operationID string) (*Operation, error)
	RetryJob(ctx context.Context, operationID string) bool
}

// provisionJob is one validated job inside a batch.
type provisionJob struct {
	msgID       string
	operationID string
	opts        ProvisionOptions
}

// ProvisionProcessor applies host provisioning jobs in batches.
//
// One trigger job starts a batch: after a debounce window, all pending
// provision jobs for the same school are drained and applied as a single
// delta/merge/import cycle. linuxmuster-import-devices is expensive, so
// batching amortizes it over many hosts.
type ProvisionProcessor struct {
	cfg      config.WorkerConfig
	api      opsAPI
	stream   jobStream
	runner   Runner
	verifier *verifier
	metrics  *metrics.Metrics

	// sleep is replaceable for tests.
	sleep func(time.Duration)
}

// NewProvisionProcessor creates a provision processor.
func NewProvisionProcessor(cfg config.WorkerConfig, api *OpsClient, stream *StreamClient, runner Runner, m *metrics.Metrics) *ProvisionProcessor {
	return &ProvisionProcessor{
		cfg:      cfg,
		api:      api,
		stream:   stream,
		runner:   runner,
		verifier: newVerifier(cfg, runner),
		metrics:  m,
	}
}

// Process handles one provision_host trigger job. Returns true when the
// trigger message should be acknowledged.
func (p *ProvisionProcessor) Process(ctx context.Context, trigger Job) bool {
	operationID := trigger.OperationID()
	school := trigger.Fields["school"]
	if school == "" {
		school = "default-school"
	}

	logger.Info("starting provision batch",
		logger.KeySchool, school,
		logger.KeyOperation, operationID)

	lock, err := acquireProvisionLock(ctx, p.cfg.ProvisionLockFile)
	if err != nil {
		logger.Error("could not acquire provision lock", logger.KeyError, err)
		p.api.UpdateStatus(ctx, operationID, StatusFailed, StatusUpdate{
			Error: "Could not acquire provision lock",
		})
		return true
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release provision lock", logger.KeyError, err)
		}
	}()

	start := time.Now()
	ack := p.processBatch(ctx, trigger, school)
	p.metrics.RecordJob("provision_host", "completed", time.Since(start).Seconds())
	return ack
}

func (p *ProvisionProcessor) processBatch(ctx context.Context, trigger Job, school string) bool {
	// Fetch and validate the trigger job.
	triggerOp, err := p.api.GetOperation(ctx, trigger.OperationID())
	if err != nil {
		logger.Error("could not fetch trigger operation",
			logger.KeyOperation, trigger.OperationID(), logger.KeyError, err)
		return true
	}
	if err := validateHostname(triggerOp.Options.Hostname); err != nil {
		p.api.UpdateStatus(ctx, trigger.OperationID(), StatusFailed, StatusUpdate{Error: err.Error()})
		return true
	}

	batch := []provisionJob{{
		msgID:       trigger.ID,
		operationID: trigger.OperationID(),
		opts:        triggerOp.Options,
	}}
	allMsgIDs := []string{trigger.ID}

	// Debounce so bulk imports collapse into one batch.
	if p.cfg.ProvisionDebounceSec > 0 {
		debounce := time.Duration(p.cfg.ProvisionDebounceSec) * time.Second
		logger.Info("provision debounce", logger.KeyDuration, debounce)
		p.waitDebounce(debounce)
	}

	// Drain pending provision jobs for the same school. Jobs for other
	// schools or of other types stay unacknowledged for the next cycle.
	drained, err := p.stream.DrainJobs(ctx, p.cfg.ProvisionBatchSize)
	if err != nil {
		logger.Warn("drain failed, continuing with trigger only", logger.KeyError, err)
	}
	var deferred []Job
	for _, job := range drained {
		if job.Type() != "provision_host" || jobSchool(job) != school {
			deferred = append(deferred, job)
			continue
		}
		op, err := p.api.GetOperation(ctx, job.OperationID())
		if err != nil {
			logger.Warn("could not fetch operation, skipping",
				logger.KeyOperation, job.OperationID(), logger.KeyError, err)
			p.stream.Ack(ctx, job.ID)
			continue
		}
		if err := validateHostname(op.Options.Hostname); err != nil {
			p.api.UpdateStatus(ctx, job.OperationID(), StatusFailed, StatusUpdate{Error: err.Error()})
			p.stream.Ack(ctx, job.ID)
			continue
		}
		batch = append(batch, provisionJob{
			msgID:       job.ID,
			operationID: job.OperationID(),
			opts:        op.Options,
		})
		allMsgIDs = append(allMsgIDs, job.ID)
	}

	logger.Info("provision batch assembled",
		logger.KeyBatch, len(batch),
		"deferred", len(deferred))
	p.metrics.RecordProvisionBatch(len(batch))

	for _, job := range batch {
		p.api.UpdateStatus(ctx, job.operationID, StatusRunning, StatusUpdate{})
	}

	// Apply the delta for every job in order.
	deltaLines := readLines(p.cfg.DevicesCSVDelta, []string{deltaHeader})
	deleted := map[string]struct{}{}
	for _, job := range batch {
		deltaLines = applyDelta(deltaLines, deleted, job.opts)
	}

	// Merge with the master and check the merged view for conflicts.
	masterLines := readLines(p.cfg.DevicesCSVMaster, nil)
	merged := mergeDevices(masterLines, deltaLines, deleted)

	conflictFree := batch[:0:0]
	for _, job := range batch {
		if conflict := checkConflicts(job.opts, merged); conflict != "" {
			logger.Error("provision conflict",
				logger.KeyHost, job.opts.Hostname,
				logger.KeyError, conflict)
			p.api.UpdateStatus(ctx, job.operationID, StatusFailed, StatusUpdate{
				Error: "Conflict: " + conflict,
			})
			continue
		}
		conflictFree = append(conflictFree, job)
	}

	if len(conflictFree) == 0 {
		logger.Warn("all provision jobs failed conflict check")
		p.stream.AckBatch(ctx, allMsgIDs)
		p.processDeferred(ctx, deferred)
		return true
	}

	mergeStats := map[string]any{
		"total_master_lines": countDataLines(masterLines),
		"total_delta_lines":  countDataLines(deltaLines),
		"total_merged_lines": countDataLines(merged),
		"deleted_hosts":      deletedList(deleted),
		"batch_size":         len(conflictFree),
	}

	// Dry run short-circuits before any file is touched.
	if conflictFree[0].opts.DryRun {
		logger.Info("provision dry run, skipping write and import",
			"merged_lines", mergeStats["total_merged_lines"])
		for _, job := range conflictFree {
			p.api.UpdateStatus(ctx, job.operationID, StatusCompleted, StatusUpdate{
				Result: map[string]any{"dryRun": true, "mergeStats": mergeStats},
			})
		}
		p.stream.AckBatch(ctx, allMsgIDs)
		p.processDeferred(ctx, deferred)
		return true
	}

	if err := p.writeFiles(deltaLines, merged); err != nil {
		logger.Error("failed to write devices.csv", logger.KeyError, err)
		for _, job := range conflictFree {
			p.api.UpdateStatus(ctx, job.operationID, StatusFailed, StatusUpdate{
				Error: fmt.Sprintf("File write error: %v", err),
			})
		}
		p.stream.AckBatch(ctx, allMsgIDs)
		p.processDeferred(ctx, deferred)
		return true
	}

	// One import run covers the whole batch.
	importOut, err := p.runImport(ctx)
	if err != nil {
		logger.Error("import-devices failed", logger.KeyError, err)
		for _, job := range conflictFree {
			p.api.UpdateStatus(ctx, job.operationID, StatusFailed, StatusUpdate{
				Error: fmt.Sprintf("import-devices failed: %v", err),
			})
		}
		p.stream.AckBatch(ctx, allMsgIDs)
		p.processDeferred(ctx, deferred)
		return true
	}

	// Verify each host and report the final status.
	domain := p.verifier.resolveDomain(ctx)
	for _, job := range conflictFree {
		hostname := job.opts.Hostname
		action := job.opts.Action
		if action == "" {
			action = "create"
		}

		verify := p.verifier.verify(ctx, hostname, action, domain, job.opts)

		if action == "delete" && (verify.ADObjectExists || verify.DNSAExists) {
			p.verifier.cleanupDeletedHost(ctx, hostname, domain, job.opts)
			verify = p.verifier.verify(ctx, hostname, action, domain, job.opts)
		}

		result := map[string]any{
			"verify":       verify,
			"mergeStats":   mergeStats,
			"importOutput": truncate(importOut, 500),
		}

		var success bool
		if action == "delete" {
			success = !verify.ADObjectExists && !verify.DNSAExists
		} else {
			success = verify.ADObjectExists && verify.DNSAExists
		}

		if success {
			p.api.UpdateStatus(ctx, job.operationID, StatusCompleted, StatusUpdate{Result: result})
		} else {
			detail, _ := json.Marshal(verify)
			p.api.UpdateStatus(ctx, job.operationID, StatusFailed, StatusUpdate{
				Error:  "Verify failed: " + string(detail),
				Result: result,
			})
		}
	}

	p.stream.AckBatch(ctx, allMsgIDs)
	p.processDeferred(ctx, deferred)

	logger.Info("provision batch complete", logger.KeyBatch, len(conflictFree))
	return true
}

// processDeferred handles messages drained but not part of this batch.
// macct jobs stay unacknowledged so the main loop re-reads them; unknown
// types are dropped.
func (p *ProvisionProcessor) processDeferred(ctx context.Context, deferred []Job) {
	for _, job := range deferred {
		switch job.Type() {
		case "macct_repair", "provision_host":
			logger.Info("deferred job left pending", logger.KeyMessageID, job.ID, logger.KeyJobType, job.Type())
		default:
			logger.Warn("unknown deferred job type", logger.KeyJobType, job.Type())
			p.stream.Ack(ctx, job.ID)
		}
	}
}

// writeFiles persists the delta and atomically replaces the master.
func (p *ProvisionProcessor) writeFiles(deltaLines, merged []string) error {
	if err := writeLines(p.cfg.DevicesCSVDelta, deltaLines); err != nil {
		return fmt.Errorf("delta write: %w", err)
	}

	master := p.cfg.DevicesCSVMaster
	tmp := master + ".tmp"
	bak := master + ".bak"

	if err := writeLines(tmp, merged); err != nil {
		return fmt.Errorf("tmp write: %w", err)
	}

	if data, err := os.ReadFile(master); err == nil {
		if err := os.WriteFile(bak, data, 0o644); err != nil {
			logger.Warn("could not write backup", logger.KeyPath, bak, logger.KeyError, err)
		}
	}

	if err := os.Rename(tmp, master); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	logger.Info("wrote merged devices.csv", logger.KeyPath, master, logger.KeyCount, len(merged))
	return nil
}

// runImport executes linuxmuster-import-devices once for the batch.
func (p *ProvisionProcessor) runImport(ctx context.Context) (string, error) {
	script := p.cfg.ImportScript
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("script not found: %s", script)
	}

	logger.Info("running import script", logger.KeyPath, script)
	res := p.runner.Run(ctx, importTimeout, script)

	if res.TimedOut {
		return res.Stdout, fmt.Errorf("script timed out after 10 minutes")
	}
	if res.Err != nil {
		return res.Stdout, res.Err
	}
	if res.ExitCode != 0 {
		if res.Stderr != "" {
			return res.Stdout, fmt.Errorf("%s", res.Stderr)
		}
		return res.Stdout, fmt.Errorf("exit code %d", res.ExitCode)
	}
	return res.Stdout, nil
}

func (p *ProvisionProcessor) waitDebounce(d time.Duration) {
	if p.sleep != nil {
		p.sleep(d)
		return
	}
	time.Sleep(d)
}

func jobSchool(job Job) string {
	if school := job.Fields["school"]; school != "" {
		return school
	}
	return "default-school"
}

func deletedList(deleted map[string]struct{}) []string {
	list := make([]string, 0, len(deleted))
	for host := range deleted {
		list = append(list, host)
	}
	return list
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
