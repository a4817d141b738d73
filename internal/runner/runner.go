// Package runner executes a single training task, either through the external
// training tool or through a simulator, and reports back to its owner.
//
// A Runner never mutates task state. It announces that it started, reports
// progress through a Reporter, writes output to a Sink and finally delivers
// exactly one Outcome on the channel returned by Start.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Result is the terminal classification of a run.
type Result string

const (
	Completed Result = "completed"
	Failed    Result = "failed"
	Cancelled Result = "cancelled"
)

// Outcome is delivered once when a run ends. Err explains Failed outcomes.
type Outcome struct {
	Result Result
	Err    error
}

// Reporter receives lifecycle signals from a running job.
type Reporter interface {
	// Started is called when execution actually begins.
	Started()
	// Progress reports a fraction in [0, 1].
	Progress(p float64)
}

// Sink receives output lines in emission order.
type Sink interface {
	Append(line string)
}

// Job carries everything a Runner needs about its task.
type Job struct {
	TaskID     string
	ConfigPath string
	Sink       Sink
	Reporter   Reporter
}

// Runner is a unit of work for one task.
type Runner interface {
	// Start begins execution in the background and returns immediately.
	// The channel yields a single Outcome and is then closed.
	Start(ctx context.Context) <-chan Outcome

	// RequestCancel asks the run to stop at its next safe point.
	// Safe to call any number of times, from any goroutine.
	RequestCancel()
}

// cancelSignal is a close-once channel shared by both variants.
type cancelSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelSignal() *cancelSignal {
	return &cancelSignal{ch: make(chan struct{})}
}

func (c *cancelSignal) request() {
	c.once.Do(func() { close(c.ch) })
}

func (c *cancelSignal) requested() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// launch runs fn on its own goroutine with a context that ends when either the
// parent ends or cancellation is requested. Panics become Failed outcomes.
func launch(ctx context.Context, sig *cancelSignal, logger *slog.Logger, fn func(context.Context) Outcome) <-chan Outcome {
	done := make(chan Outcome, 1)
	runCtx, cancel := context.WithCancel(ctx)

	go func() {
		select {
		case <-sig.ch:
			cancel()
		case <-runCtx.Done():
		}
	}()

	go func() {
		defer close(done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Runner panicked", "panic", r, "stack", string(debug.Stack()))
				done <- Outcome{Result: Failed, Err: fmt.Errorf("runner panic: %v", r)}
			}
		}()
		select {
		case <-sig.ch:
			cancel()
		default:
		}
		done <- fn(runCtx)
	}()

	return done
}

// stamp prefixes a narration line with the current time.
func stamp(format string, args ...any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + fmt.Sprintf(format, args...)
}
