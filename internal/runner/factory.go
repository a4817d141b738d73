package runner

import (
	"context"
	"fmt"
)

// Factory builds runners for tasks and owns the shared executor.
type Factory struct {
	cfg  Config
	exec Executor
}

// NewFactory creates the executor selected by cfg.Executor.
func NewFactory(cfg Config) (*Factory, error) {
	cfg = cfg.withDefaults()

	var exec Executor
	switch cfg.Executor {
	case ExecutorProcess:
		exec = NewProcessExecutor(cfg.Tool, cfg.CancelGrace)
	case ExecutorDocker:
		d, err := NewDockerExecutor(cfg.Image, cfg.CancelGrace)
		if err != nil {
			return nil, err
		}
		exec = d
	default:
		return nil, fmt.Errorf("unknown executor %q (want %s or %s)", cfg.Executor, ExecutorProcess, ExecutorDocker)
	}
	return &Factory{cfg: cfg, exec: exec}, nil
}

// NewFactoryWithExecutor is used by tests to supply a fake executor.
func NewFactoryWithExecutor(cfg Config, exec Executor) *Factory {
	return &Factory{cfg: cfg.withDefaults(), exec: exec}
}

// New returns a runner for job. simulate selects the simulator.
func (f *Factory) New(job Job, simulate bool) Runner {
	if simulate {
		return NewSimulated(job, f.cfg.Sim)
	}
	return NewReal(job, f.cfg.Tool, f.exec)
}

// orphanRemover is implemented by executors that can leave work behind.
type orphanRemover interface {
	RemoveOrphans(ctx context.Context) (int, error)
}

// Reconcile clears leftovers from a previous process, if the executor keeps
// any. It returns how many were removed.
func (f *Factory) Reconcile(ctx context.Context) (int, error) {
	if r, ok := f.exec.(orphanRemover); ok {
		return r.RemoveOrphans(ctx)
	}
	return 0, nil
}

// Ready reports whether real runs can be launched.
func (f *Factory) Ready(ctx context.Context) error {
	return f.exec.Ready(ctx)
}

// Close releases the executor.
func (f *Factory) Close() error {
	return f.exec.Close()
}
