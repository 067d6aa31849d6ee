package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxmuster/lmn-authority/pkg/config"
)

func macctFixture(t *testing.T) (*MacctProcessor, *fakeOps, *fakeRunner, config.WorkerConfig) {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "repair_macct.py")
	require.NoError(t, os.WriteFile(script, []byte("# repair"), 0o755))

	cfg := config.WorkerConfig{
		RepairScript: script,
		LogDir:       dir,
		MaxRetries:   3,
	}
	ops := newFakeOps()
	runner := newFakeRunner()

	p := &MacctProcessor{cfg: cfg, runner: runner}
	return p, ops, runner, cfg
}

func macctJob(opID, host, attempt string) Job {
	return Job{
		ID: "1-0",
		Fields: map[string]string{
			"type":         "macct_repair",
			"operation_id": opID,
			"host":         host,
			"school":       "default-school",
			"attempt":      attempt,
		},
	}
}

func TestMacctSuccess(t *testing.T) {
	p, ops, runner, _ := macctFixture(t)
	p.api = ops
	runner.on("python3", CommandResult{Stdout: "updated unicodePwd\npwdLastSet fixed\n"})

	ack := p.Process(context.Background(), macctJob("op1", "pc1", "0"))

	assert.True(t, ack)
	assert.Equal(t, []string{StatusRunning, StatusCompleted}, ops.statuses["op1"])
	assert.Empty(t, ops.retried)

	// The repair script is invoked with the host, school and log file.
	require.NotEmpty(t, runner.calls)
	call := runner.calls[0]
	assert.Equal(t, "python3", call[0])
	assert.Contains(t, call, "--only-hosts")
	assert.Contains(t, call, "pc1")
	assert.Contains(t, call, "-s")
	assert.Contains(t, call, "default-school")
	assert.Contains(t, call, "--log-file")
}

func TestMacctRetryRequested(t *testing.T) {
	p, ops, runner, _ := macctFixture(t)
	p.api = ops
	runner.on("python3", CommandResult{ExitCode: 1, Stderr: "kerberos error"})

	ack := p.Process(context.Background(), macctJob("op1", "pc1", "1"))

	assert.True(t, ack, "retried jobs are still acknowledged")
	assert.Equal(t, []string{StatusRunning, StatusRetrying}, ops.statuses["op1"])
	assert.Equal(t, []string{"op1"}, ops.retried)
	assert.Contains(t, ops.errors["op1"], "kerberos error")
}

func TestMacctMaxRetriesExceeded(t *testing.T) {
	p, ops, runner, _ := macctFixture(t)
	p.api = ops
	stream := newFakeStream()
	p.dlq = stream
	runner.on("python3", CommandResult{ExitCode: 1, Stderr: "still broken"})

	ack := p.Process(context.Background(), macctJob("op1", "pc1", "3"))

	assert.True(t, ack)
	assert.Equal(t, StatusFailed, ops.lastStatus("op1"))
	assert.Contains(t, ops.errors["op1"], "Max retries (3) exceeded")
	assert.Empty(t, ops.retried)

	// The exhausted job lands on the dead letter stream.
	require.Len(t, stream.dlq, 1)
	assert.Equal(t, "op1", stream.dlq[0].OperationID())
}

func TestMacctMissingScript(t *testing.T) {
	p, ops, _, cfg := macctFixture(t)
	p.api = ops
	cfg.RepairScript = "/does/not/exist"
	p.cfg = cfg

	ack := p.Process(context.Background(), macctJob("op1", "pc1", "0"))

	assert.True(t, ack)
	assert.Equal(t, StatusRetrying, ops.lastStatus("op1"))
	assert.Contains(t, ops.errors["op1"], "repair script not found")
}
