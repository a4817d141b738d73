package testutil

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
)

// Recorder captures runner callbacks. It satisfies both the runner's Sink and
// Reporter interfaces.
type Recorder struct {
	mu       sync.Mutex
	started  int
	progress []float64
	lines    []string
}

// Started records a start signal.
func (r *Recorder) Started() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

// Progress records a progress report.
func (r *Recorder) Progress(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

// Append records an output line.
func (r *Recorder) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

// StartCount returns how many times Started was called.
func (r *Recorder) StartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// ProgressValues returns a copy of all reported progress values.
func (r *Recorder) ProgressValues() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.progress)
}

// Lines returns a copy of all appended lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lines)
}

// FakeTool writes an executable shell script into a temp dir and returns its
// path. The script body follows a /bin/sh shebang.
//
// Tests that call FakeTool must not run in parallel with tests that start
// processes: a concurrent fork can inherit the write descriptor and make the
// exec fail with ETXTBSY.
func FakeTool(tb testing.TB, body string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "fake-trainer")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		tb.Fatalf("failed to write fake tool: %v", err)
	}
	return path
}
