// Package logsink captures a task's textual output as an append-only sequence
// of lines that any number of readers may poll concurrently.
package logsink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMaxBytes caps the in-memory capture of a single task.
const DefaultMaxBytes = 16 << 20

// TruncatedMarker is appended once when a sink reaches its byte cap.
const TruncatedMarker = "[log truncated: size limit reached]"

// Sink is an append-only line buffer, optionally mirrored to a file.
// Lines already written never change or reorder, so any two reads form a
// prefix relationship.
type Sink struct {
	mu        sync.RWMutex
	lines     []string
	size      int
	maxBytes  int
	truncated bool
	file      *os.File
	path      string
	closed    bool
}

// Options configures a Sink.
type Options struct {
	Path     string // Mirror file (created/truncated); empty keeps the sink in memory only
	MaxBytes int    // In-memory cap (default: DefaultMaxBytes)
}

// New creates a sink. The mirror file's directory is created if needed.
func New(opts Options) (*Sink, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	s := &Sink{maxBytes: opts.MaxBytes, path: opts.Path}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		s.file = f
	}
	return s, nil
}

// Append adds one line. Embedded newlines split into several lines.
// Appends after Close are dropped.
func (s *Sink) Append(line string) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, "\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, part := range parts {
		part = strings.TrimSuffix(part, "\r")
		if s.truncated {
			return
		}
		if s.size+len(part)+1 > s.maxBytes {
			s.truncated = true
			s.appendLocked(TruncatedMarker)
			return
		}
		s.appendLocked(part)
	}
}

func (s *Sink) appendLocked(line string) {
	s.lines = append(s.lines, line)
	s.size += len(line) + 1
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(line + "\n"); err != nil {
		slog.Warn("Log mirror write failed, continuing in memory", "path", s.path, "error", err)
		_ = s.file.Close()
		s.file = nil
	}
}

// String returns the full contents, one line per row with a trailing newline.
// An empty sink yields "".
func (s *Sink) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.lines) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(s.size)
	for _, line := range s.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Since returns the lines appended at or after offset and the offset to pass
// on the next call. Offsets past the end yield no lines.
func (s *Sink) Since(offset int) ([]string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.lines) {
		return nil, len(s.lines)
	}
	return append([]string(nil), s.lines[offset:]...), len(s.lines)
}

// Truncated reports whether the byte cap was reached.
func (s *Sink) Truncated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.truncated
}

// Close flushes and closes the mirror file. Contents stay readable.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
