package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"trainctl/internal/artifact"
)

// Real drives the external training tool through an Executor.
type Real struct {
	job    Job
	tool   string
	exec   Executor
	sig    *cancelSignal
	logger *slog.Logger
}

// NewReal creates a runner that invokes tool via exec.
func NewReal(job Job, tool string, exec Executor) *Real {
	return &Real{
		job:    job,
		tool:   tool,
		exec:   exec,
		sig:    newCancelSignal(),
		logger: slog.With("taskId", job.TaskID, "runner", "real"),
	}
}

// Start implements Runner.
func (r *Real) Start(ctx context.Context) <-chan Outcome {
	return launch(ctx, r.sig, r.logger, r.run)
}

// RequestCancel implements Runner.
func (r *Real) RequestCancel() {
	r.sig.request()
}

func (r *Real) run(ctx context.Context) Outcome {
	if ctx.Err() != nil {
		return Outcome{Result: Cancelled}
	}
	r.job.Reporter.Started()

	cfg, err := artifact.Read(r.job.ConfigPath)
	if err != nil {
		return Outcome{Result: Failed, Err: err}
	}
	if _, err := os.Stat(cfg.DatasetPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Outcome{Result: Failed, Err: fmt.Errorf("dataset path does not exist: %s", cfg.DatasetPath)}
		}
		return Outcome{Result: Failed, Err: fmt.Errorf("dataset path is not accessible: %w", err)}
	}
	if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
		return Outcome{Result: Failed, Err: fmt.Errorf("failed to create output directory: %w", err)}
	}

	args := BuildArgs(cfg, r.job.ConfigPath)
	r.job.Sink.Append(stamp("Launching: %s %s", r.tool, strings.Join(args, " ")))

	cmd := Command{
		TaskID: r.job.TaskID,
		Tool:   r.tool,
		Args:   args,
		Paths:  []string{cfg.DatasetPath, cfg.OutputPath, r.job.ConfigPath},
	}
	status, err := r.exec.Run(ctx, cmd, func(line string) {
		r.job.Sink.Append(line)
		if p, ok := ParseProgress(line); ok {
			r.job.Reporter.Progress(p)
		}
	})

	switch {
	case err != nil:
		return Outcome{Result: Failed, Err: err}
	case status.Stopped:
		r.job.Sink.Append(stamp("Training tool stopped after cancellation"))
		return Outcome{Result: Cancelled}
	case status.Code == 0:
		r.job.Sink.Append(stamp("Training tool finished successfully"))
		return Outcome{Result: Completed}
	default:
		return Outcome{Result: Failed, Err: fmt.Errorf("training tool exited with code %d", status.Code)}
	}
}

// BuildArgs renders the tool's command line from a training config.
func BuildArgs(cfg *artifact.TrainingConfig, configPath string) []string {
	p := cfg.Parameters
	return []string{
		"train",
		"--dataset", cfg.DatasetPath,
		"--output", cfg.OutputPath,
		"--learning-rate", strconv.FormatFloat(p.LearningRate, 'g', -1, 64),
		"--batch-size", strconv.Itoa(p.BatchSize),
		"--epochs", strconv.Itoa(p.Epochs),
		"--warmup-steps", strconv.Itoa(p.WarmupSteps),
		"--gradient-accumulation", strconv.Itoa(p.GradientAccumulation),
		"--lora-rank", strconv.Itoa(p.LoRARank),
		"--lora-alpha", strconv.Itoa(p.LoRAAlpha),
		"--max-seq-length", strconv.Itoa(p.MaxSeqLength),
		"--config", configPath,
	}
}

var _ Runner = (*Real)(nil)
