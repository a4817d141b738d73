package runner

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
	"trainctl/internal/testutil"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lines)
}

func TestProcessExecutor_InterleavesStreams(t *testing.T) {
	tool := testutil.FakeTool(t, `echo out-1
echo err-1 >&2
echo out-2
echo "arg: $1 $2"`)
	e := NewProcessExecutor(tool, time.Second)

	var c lineCollector
	status, err := e.Run(context.Background(), Command{TaskID: "t", Tool: tool, Args: []string{"train", "--x"}}, c.add)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status.Code != 0 || status.Stopped {
		t.Errorf("status = %+v, want clean exit", status)
	}
	want := []string{"out-1", "err-1", "out-2", "arg: train --x"}
	if got := c.get(); !slices.Equal(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestProcessExecutor_NonZeroExit(t *testing.T) {
	tool := testutil.FakeTool(t, "echo boom >&2\nexit 3")
	e := NewProcessExecutor(tool, time.Second)

	var c lineCollector
	status, err := e.Run(context.Background(), Command{Tool: tool}, c.add)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status.Code != 3 || status.Stopped {
		t.Errorf("status = %+v, want code 3", status)
	}
}

func TestProcessExecutor_PassesEnv(t *testing.T) {
	tool := testutil.FakeTool(t, `echo "$PYTHONUNBUFFERED $EXTRA"`)
	e := NewProcessExecutor(tool, time.Second)

	var c lineCollector
	if _, err := e.Run(context.Background(), Command{Tool: tool, Env: []string{"EXTRA=yes"}}, c.add); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := c.get(); len(got) != 1 || got[0] != "1 yes" {
		t.Errorf("lines = %q, want [\"1 yes\"]", got)
	}
}

func TestProcessExecutor_FullBufferCarriageReturn(t *testing.T) {
	// A line that fills the scan buffer and ends in a bare '\r' must not stall
	// the tool on a full pipe.
	tool := testutil.FakeTool(t, `head -c 65535 /dev/zero | tr '\0' a
printf '\r'
seq 1 20000 | sed 's/^/line /'`)
	e := NewProcessExecutor(tool, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	var c lineCollector
	status, err := e.Run(ctx, Command{Tool: tool}, c.add)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status.Code != 0 || status.Stopped {
		t.Fatalf("status = %+v, want clean exit", status)
	}
	got := c.get()
	if len(got) != 20001 {
		t.Fatalf("got %d lines, want 20001", len(got))
	}
	if len(got[0]) != maxLineLength-1 || got[len(got)-1] != "line 20000" {
		t.Errorf("unexpected first/last lines: %d bytes, %q", len(got[0]), got[len(got)-1])
	}
}

func TestProcessExecutor_MissingTool(t *testing.T) {
	t.Parallel()

	e := NewProcessExecutor("definitely-not-a-trainer", time.Second)
	_, err := e.Run(context.Background(), Command{Tool: "definitely-not-a-trainer"}, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Run() error = %v, want not found", err)
	}
	if err := e.Ready(context.Background()); err == nil {
		t.Error("Ready() should fail for a missing tool")
	}
}

func TestProcessExecutor_StopGraceful(t *testing.T) {
	tool := testutil.FakeTool(t, `trap 'echo stopping; exit 0' TERM
echo ready
while true; do sleep 0.05; done`)
	e := NewProcessExecutor(tool, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c lineCollector
	done := make(chan ExitStatus, 1)
	go func() {
		status, _ := e.Run(ctx, Command{Tool: tool}, c.add)
		done <- status
	}()

	testutil.MustWaitFor(t, "tool output", func() bool { return slices.Contains(c.get(), "ready") })
	cancel()

	select {
	case status := <-done:
		if !status.Stopped {
			t.Errorf("status = %+v, want stopped", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tool did not stop")
	}
	testutil.MustWaitFor(t, "trap output", func() bool { return slices.Contains(c.get(), "stopping") })
}

func TestProcessExecutor_KillsAfterGrace(t *testing.T) {
	tool := testutil.FakeTool(t, `trap '' TERM
echo ready
while true; do sleep 0.05; done`)
	e := NewProcessExecutor(tool, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c lineCollector
	done := make(chan ExitStatus, 1)
	go func() {
		status, _ := e.Run(ctx, Command{Tool: tool}, c.add)
		done <- status
	}()

	testutil.MustWaitFor(t, "tool output", func() bool { return slices.Contains(c.get(), "ready") })
	start := time.Now()
	cancel()

	select {
	case status := <-done:
		if !status.Stopped {
			t.Errorf("status = %+v, want stopped", status)
		}
		if status.Code == 0 {
			t.Errorf("exit code = 0, want a kill")
		}
		if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
			t.Errorf("killed after %v, before the grace period", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tool was not killed after the grace period")
	}
}

func TestProcessExecutor_AlreadyCancelled(t *testing.T) {
	tool := testutil.FakeTool(t, "echo should-not-run")
	e := NewProcessExecutor(tool, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var c lineCollector
	status, err := e.Run(ctx, Command{Tool: tool}, c.add)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !status.Stopped || len(c.get()) != 0 {
		t.Errorf("status = %+v, lines = %q; want stopped with no output", status, c.get())
	}
}
