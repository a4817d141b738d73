package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"trainctl/internal/testutil"
)

func newTestJob(rec *testutil.Recorder) Job {
	return Job{TaskID: "task-1", Sink: rec, Reporter: rec}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out, ok := <-ch:
		if !ok {
			t.Fatal("outcome channel closed without a value")
		}
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
	return Outcome{}
}

func TestSimConfig_StepCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg  SimConfig
		want int
	}{
		{SimConfig{Duration: 120 * time.Second}, 60},
		{SimConfig{Duration: 5 * time.Second}, 10},
		{SimConfig{Duration: 0}, 10},
		{SimConfig{Duration: time.Hour, Steps: 4}, 4},
	}

	for _, tt := range tests {
		if got := tt.cfg.StepCount(); got != tt.want {
			t.Errorf("StepCount(%+v) = %d, want %d", tt.cfg, got, tt.want)
		}
	}
}

func TestSimulated_Completes(t *testing.T) {
	t.Parallel()

	rec := &testutil.Recorder{}
	r := NewSimulated(newTestJob(rec), SimConfig{Duration: 50 * time.Millisecond, Steps: 5})

	out := waitOutcome(t, r.Start(context.Background()))
	if out.Result != Completed || out.Err != nil {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	if rec.StartCount() != 1 {
		t.Errorf("Started called %d times, want 1", rec.StartCount())
	}

	progress := rec.ProgressValues()
	if len(progress) != 5 {
		t.Fatalf("got %d progress reports, want 5", len(progress))
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress decreased: %v", progress)
		}
	}
	if progress[len(progress)-1] != 1 {
		t.Errorf("final progress = %v, want 1", progress[len(progress)-1])
	}

	lines := rec.Lines()
	if !strings.Contains(lines[0], "Starting simulated training: 5 steps") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[len(lines)-1], "Simulated training finished") {
		t.Errorf("last line = %q", lines[len(lines)-1])
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[") {
			t.Errorf("line %q is not timestamped", line)
		}
	}
}

func TestSimulated_Cancel(t *testing.T) {
	t.Parallel()

	rec := &testutil.Recorder{}
	r := NewSimulated(newTestJob(rec), SimConfig{Duration: time.Hour, Steps: 10})

	ch := r.Start(context.Background())
	testutil.MustWaitFor(t, "runner to start", func() bool { return rec.StartCount() == 1 })

	r.RequestCancel()
	r.RequestCancel()

	out := waitOutcome(t, ch)
	if out.Result != Cancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
	if len(rec.ProgressValues()) != 0 {
		t.Errorf("unexpected progress after cancel: %v", rec.ProgressValues())
	}
	lines := rec.Lines()
	if !strings.Contains(lines[len(lines)-1], "Cancellation requested") {
		t.Errorf("last line = %q, want cancellation notice", lines[len(lines)-1])
	}
	if _, ok := <-ch; ok {
		t.Error("outcome channel should be closed after delivering")
	}
}

func TestSimulated_CancelBeforeStart(t *testing.T) {
	t.Parallel()

	rec := &testutil.Recorder{}
	r := NewSimulated(newTestJob(rec), SimConfig{Duration: time.Second, Steps: 10})
	r.RequestCancel()

	out := waitOutcome(t, r.Start(context.Background()))
	if out.Result != Cancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
	if rec.StartCount() != 0 {
		t.Error("Started should not be called when cancelled before start")
	}
}

func TestSimulated_ParentContextCancel(t *testing.T) {
	t.Parallel()

	rec := &testutil.Recorder{}
	r := NewSimulated(newTestJob(rec), SimConfig{Duration: time.Hour, Steps: 2})

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Start(ctx)
	testutil.MustWaitFor(t, "runner to start", func() bool { return rec.StartCount() == 1 })
	cancel()

	if out := waitOutcome(t, ch); out.Result != Cancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
}

// cancellingReporter requests cancellation from inside the first progress
// report and then stalls past the step interval, so the next step's timer and
// the cancel are both ready at the step boundary.
type cancellingReporter struct {
	testutil.Recorder
	cancel func()
	stall  time.Duration
	once   sync.Once
}

func (c *cancellingReporter) Progress(p float64) {
	c.Recorder.Progress(p)
	c.once.Do(func() {
		c.cancel()
		time.Sleep(c.stall)
	})
}

func TestSimulated_CancelWinsAtStepBoundary(t *testing.T) {
	t.Parallel()

	for i := range 10 {
		rep := &cancellingReporter{stall: 20 * time.Millisecond}
		r := NewSimulated(Job{TaskID: "task-1", Sink: rep, Reporter: rep}, SimConfig{Duration: 2 * time.Millisecond, Steps: 2})
		rep.cancel = r.RequestCancel

		out := waitOutcome(t, r.Start(context.Background()))
		if out.Result != Cancelled {
			t.Fatalf("run %d: outcome = %+v, want cancelled", i, out)
		}
		if got := rep.ProgressValues(); len(got) != 1 || got[0] != 0.5 {
			t.Fatalf("run %d: progress = %v, want [0.5]", i, got)
		}
	}
}

type panickyReporter struct{ testutil.Recorder }

func (p *panickyReporter) Started() { panic("reporter exploded") }

func TestLaunch_RecoversPanic(t *testing.T) {
	t.Parallel()

	rep := &panickyReporter{}
	job := Job{TaskID: "task-1", Sink: rep, Reporter: rep}
	r := NewSimulated(job, SimConfig{Duration: time.Second, Steps: 1})

	out := waitOutcome(t, r.Start(context.Background()))
	if out.Result != Failed || out.Err == nil || !strings.Contains(out.Err.Error(), "reporter exploded") {
		t.Fatalf("outcome = %+v, want failed with panic message", out)
	}
}
