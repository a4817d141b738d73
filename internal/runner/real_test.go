package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
	"trainctl/internal/artifact"
	"trainctl/internal/testutil"
)

// scriptedExecutor replays canned output and returns a fixed status.
type scriptedExecutor struct {
	lines    []string
	status   ExitStatus
	err      error
	blockCtx bool
	got      chan Command
}

func (s *scriptedExecutor) Run(ctx context.Context, c Command, onLine func(string)) (ExitStatus, error) {
	if s.got != nil {
		s.got <- c
	}
	for _, l := range s.lines {
		onLine(l)
	}
	if s.blockCtx {
		<-ctx.Done()
		return ExitStatus{Code: -1, Stopped: true}, nil
	}
	return s.status, s.err
}

func (s *scriptedExecutor) Ready(context.Context) error { return nil }
func (s *scriptedExecutor) Close() error                { return nil }

func writeConfig(t *testing.T) (string, *artifact.TrainingConfig) {
	t.Helper()
	dir := t.TempDir()
	dataset := filepath.Join(dir, "data")
	if err := os.Mkdir(dataset, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := &artifact.TrainingConfig{
		TaskID:      "task-1",
		Name:        "demo",
		DatasetPath: dataset,
		OutputPath:  filepath.Join(dir, "out", "model"),
		Parameters:  artifact.DefaultParameters(),
		GeneratedAt: time.Now().UTC(),
	}
	path := artifact.Path(dir, cfg.TaskID)
	if err := artifact.Write(path, cfg); err != nil {
		t.Fatal(err)
	}
	return path, cfg
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	cfg := &artifact.TrainingConfig{
		DatasetPath: "/data/set",
		OutputPath:  "/out/model",
		Parameters: artifact.Parameters{
			LearningRate:         2e-5,
			BatchSize:            4,
			Epochs:               3,
			WarmupSteps:          10,
			GradientAccumulation: 2,
			LoRARank:             8,
			LoRAAlpha:            16,
			MaxSeqLength:         2048,
		},
	}

	want := []string{
		"train",
		"--dataset", "/data/set",
		"--output", "/out/model",
		"--learning-rate", "2e-05",
		"--batch-size", "4",
		"--epochs", "3",
		"--warmup-steps", "10",
		"--gradient-accumulation", "2",
		"--lora-rank", "8",
		"--lora-alpha", "16",
		"--max-seq-length", "2048",
		"--config", "/ws/task-1.json",
	}
	if got := BuildArgs(cfg, "/ws/task-1.json"); !slices.Equal(got, want) {
		t.Errorf("BuildArgs() =\n%q\nwant\n%q", got, want)
	}
}

func TestReal_Completes(t *testing.T) {
	t.Parallel()

	path, cfg := writeConfig(t)
	exec := &scriptedExecutor{
		lines: []string{"loading", "step 1/4", "step 2/4", `{"progress": 0.75}`},
		got:   make(chan Command, 1),
	}
	rec := &testutil.Recorder{}
	r := NewReal(Job{TaskID: "task-1", ConfigPath: path, Sink: rec, Reporter: rec}, "musubi-tuner", exec)

	out := waitOutcome(t, r.Start(context.Background()))
	if out.Result != Completed {
		t.Fatalf("outcome = %+v, want completed", out)
	}

	cmd := <-exec.got
	if cmd.Tool != "musubi-tuner" || cmd.TaskID != "task-1" {
		t.Errorf("command = %+v", cmd)
	}
	if !slices.Contains(cmd.Paths, cfg.DatasetPath) || !slices.Contains(cmd.Paths, path) {
		t.Errorf("paths = %q, missing dataset or config", cmd.Paths)
	}
	if _, err := os.Stat(cfg.OutputPath); err != nil {
		t.Errorf("output directory not created: %v", err)
	}

	if got, want := rec.ProgressValues(), []float64{0.25, 0.5, 0.75}; !slices.Equal(got, want) {
		t.Errorf("progress = %v, want %v", got, want)
	}
	lines := rec.Lines()
	if !strings.Contains(lines[0], "Launching: musubi-tuner train --dataset") {
		t.Errorf("first line = %q, want launch narration", lines[0])
	}
	if !slices.Contains(lines, "loading") {
		t.Errorf("tool output missing from lines: %q", lines)
	}
}

func TestReal_Outcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		exec    *scriptedExecutor
		want    Result
		wantErr string
	}{
		{"non-zero exit", &scriptedExecutor{status: ExitStatus{Code: 2}}, Failed, "exited with code 2"},
		{"executor error", &scriptedExecutor{err: errors.New("daemon gone")}, Failed, "daemon gone"},
		{"stopped", &scriptedExecutor{status: ExitStatus{Code: -1, Stopped: true}}, Cancelled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, _ := writeConfig(t)
			rec := &testutil.Recorder{}
			r := NewReal(Job{TaskID: "task-1", ConfigPath: path, Sink: rec, Reporter: rec}, "tool", tt.exec)

			out := waitOutcome(t, r.Start(context.Background()))
			if out.Result != tt.want {
				t.Fatalf("result = %s, want %s", out.Result, tt.want)
			}
			if tt.wantErr != "" && (out.Err == nil || !strings.Contains(out.Err.Error(), tt.wantErr)) {
				t.Errorf("err = %v, want %q", out.Err, tt.wantErr)
			}
		})
	}
}

func TestReal_PreflightFailures(t *testing.T) {
	t.Parallel()

	t.Run("missing artifact", func(t *testing.T) {
		t.Parallel()
		rec := &testutil.Recorder{}
		r := NewReal(Job{TaskID: "x", ConfigPath: filepath.Join(t.TempDir(), "nope.json"), Sink: rec, Reporter: rec}, "tool", &scriptedExecutor{})
		out := waitOutcome(t, r.Start(context.Background()))
		if out.Result != Failed || out.Err == nil {
			t.Fatalf("outcome = %+v, want failed", out)
		}
		if rec.StartCount() != 1 {
			t.Error("Started must precede a preflight failure")
		}
	})

	t.Run("missing dataset", func(t *testing.T) {
		t.Parallel()
		path, cfg := writeConfig(t)
		if err := os.Remove(cfg.DatasetPath); err != nil {
			t.Fatal(err)
		}
		rec := &testutil.Recorder{}
		r := NewReal(Job{TaskID: "x", ConfigPath: path, Sink: rec, Reporter: rec}, "tool", &scriptedExecutor{})
		out := waitOutcome(t, r.Start(context.Background()))
		if out.Result != Failed || !strings.Contains(out.Err.Error(), "dataset path does not exist") {
			t.Fatalf("outcome = %+v, want dataset failure", out)
		}
	})
}

func TestReal_Cancel(t *testing.T) {
	t.Parallel()

	path, _ := writeConfig(t)
	rec := &testutil.Recorder{}
	exec := &scriptedExecutor{lines: []string{"running"}, blockCtx: true}
	r := NewReal(Job{TaskID: "task-1", ConfigPath: path, Sink: rec, Reporter: rec}, "tool", exec)

	ch := r.Start(context.Background())
	testutil.MustWaitFor(t, "tool output", func() bool { return slices.Contains(rec.Lines(), "running") })
	r.RequestCancel()

	if out := waitOutcome(t, ch); out.Result != Cancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
}

func TestReal_WithProcessExecutor(t *testing.T) {
	path, _ := writeConfig(t)
	tool := testutil.FakeTool(t, `for i in 1 2 3 4; do echo "step $i/4"; done
case "$*" in *"--config"*) echo "got config" ;; esac`)

	rec := &testutil.Recorder{}
	r := NewReal(Job{TaskID: "task-1", ConfigPath: path, Sink: rec, Reporter: rec}, tool, NewProcessExecutor(tool, time.Second))

	out := waitOutcome(t, r.Start(context.Background()))
	if out.Result != Completed {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	if got := rec.ProgressValues(); len(got) != 4 || got[3] != 1 {
		t.Errorf("progress = %v, want four reports ending at 1", got)
	}
	if !slices.Contains(rec.Lines(), "got config") {
		t.Errorf("lines = %q, want config flag passed", rec.Lines())
	}
}
