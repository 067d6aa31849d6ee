package worker

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// CommandResult is the outcome of one external command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	TimedOut bool
}

// Success reports whether the command ran and exited zero.
func (r CommandResult) Success() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// Runner executes external commands. The interface exists so tests can
// substitute scripted results for samba-tool, host and the repair and
// import scripts.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) CommandResult
}

// execRunner runs commands via os/exec.
type execRunner struct{}

// NewExecRunner returns the os/exec backed Runner.
func NewExecRunner() Runner { return execRunner{} }

func (execRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) CommandResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.Err = runCtx.Err()
		return result
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Err = err
		}
	}
	return result
}
