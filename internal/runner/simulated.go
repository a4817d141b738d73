package runner

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// SimConfig shapes the simulated training loop.
type SimConfig struct {
	Duration time.Duration // Total wall time of a full run
	Steps    int           // Number of steps; 0 derives max(10, seconds/2)
}

// StepCount returns the number of steps a run will take.
func (c SimConfig) StepCount() int {
	if c.Steps > 0 {
		return c.Steps
	}
	return max(10, int(c.Duration/time.Second)/2)
}

// Interval returns the delay between steps.
func (c SimConfig) Interval() time.Duration {
	return c.Duration / time.Duration(c.StepCount())
}

// Simulated advances progress on a fixed schedule without the external tool.
// Runs are deterministic: the same config always yields the same narration.
type Simulated struct {
	job    Job
	cfg    SimConfig
	sig    *cancelSignal
	logger *slog.Logger
}

// NewSimulated creates a simulated runner for job.
func NewSimulated(job Job, cfg SimConfig) *Simulated {
	return &Simulated{
		job:    job,
		cfg:    cfg,
		sig:    newCancelSignal(),
		logger: slog.With("taskId", job.TaskID, "runner", "simulated"),
	}
}

// Start implements Runner.
func (s *Simulated) Start(ctx context.Context) <-chan Outcome {
	return launch(ctx, s.sig, s.logger, s.run)
}

// RequestCancel implements Runner.
func (s *Simulated) RequestCancel() {
	s.sig.request()
}

func (s *Simulated) run(ctx context.Context) Outcome {
	if ctx.Err() != nil {
		return Outcome{Result: Cancelled}
	}

	steps := s.cfg.StepCount()
	interval := s.cfg.Interval()

	s.job.Reporter.Started()
	s.job.Sink.Append(stamp("Starting simulated training: %d steps", steps))
	s.logger.Debug("Simulation started", "steps", steps, "interval", interval)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for step := 1; step <= steps; step++ {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		// A pending cancel wins over an expired timer.
		if ctx.Err() != nil || s.sig.requested() {
			s.job.Sink.Append(stamp("Cancellation requested, stopping simulated training at step %d/%d", step-1, steps))
			return Outcome{Result: Cancelled}
		}

		progress := float64(step) / float64(steps)
		s.job.Sink.Append(stamp("step %d/%d progress %.2f%% loss %.4f", step, steps, progress*100, syntheticLoss(progress)))
		s.job.Reporter.Progress(progress)

		if step < steps {
			timer.Reset(interval)
		}
	}

	s.job.Sink.Append(stamp("Simulated training finished"))
	return Outcome{Result: Completed}
}

// syntheticLoss decays from about 2.6 towards 0.1 as progress approaches 1.
func syntheticLoss(progress float64) float64 {
	return 2.5*math.Exp(-3*progress) + 0.1
}

var _ Runner = (*Simulated)(nil)
