package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// ProcessExecutor runs the training tool as a local subprocess.
type ProcessExecutor struct {
	tool  string
	grace time.Duration
}

// NewProcessExecutor creates a subprocess executor. grace is the time allowed
// between SIGTERM and a forced kill.
func NewProcessExecutor(tool string, grace time.Duration) *ProcessExecutor {
	return &ProcessExecutor{tool: tool, grace: grace}
}

// Run implements Executor.
func (e *ProcessExecutor) Run(ctx context.Context, c Command, onLine func(string)) (ExitStatus, error) {
	path, err := exec.LookPath(c.Tool)
	if err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("training tool %q not found: %w", c.Tool, err)
	}
	if ctx.Err() != nil {
		return ExitStatus{Code: -1, Stopped: true}, nil
	}

	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, c.Env...)

	var signalled atomic.Bool
	cmd.Cancel = func() error {
		err := cmd.Process.Signal(syscall.SIGTERM)
		if err == nil {
			signalled.Store(true)
		}
		return err
	}
	cmd.WaitDelay = e.grace

	// One pipe for both streams keeps stdout and stderr in arrival order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return ExitStatus{Code: -1}, fmt.Errorf("failed to start training tool: %w", err)
	}
	pw.Close()

	logger := slog.With("taskId", c.TaskID, "pid", cmd.Process.Pid)
	logger.Info("Training tool started", "tool", path)

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		if err := scanOutput(pr, onLine); err != nil {
			logger.Warn("Output capture stopped early", "error", err)
		}
	}()

	waitErr := cmd.Wait()

	// A descendant may still hold the write end; don't wait on it forever.
	select {
	case <-scanDone:
	case <-time.After(e.grace):
		logger.Warn("Output still open after exit, closing")
	}
	pr.Close()
	<-scanDone

	status := ExitStatus{Code: cmd.ProcessState.ExitCode(), Stopped: signalled.Load()}
	logger.Info("Training tool exited", "exitCode", status.Code, "stopped", status.Stopped)

	// Once ctx is done Wait reports the cancellation rather than a failure.
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && ctx.Err() == nil {
		return status, fmt.Errorf("failed waiting for training tool: %w", waitErr)
	}
	return status, nil
}

// Ready reports whether the tool can be found on PATH.
func (e *ProcessExecutor) Ready(ctx context.Context) error {
	if _, err := exec.LookPath(e.tool); err != nil {
		return fmt.Errorf("training tool %q not found: %w", e.tool, err)
	}
	return nil
}

// Close implements Executor.
func (e *ProcessExecutor) Close() error {
	return nil
}

var _ Executor = (*ProcessExecutor)(nil)
