package runner

import "context"

// Command describes one invocation of the training tool.
type Command struct {
	TaskID string
	Tool   string
	Args   []string
	Env    []string // Extra KEY=VALUE pairs
	Paths  []string // Host paths the tool must be able to reach
}

// ExitStatus describes how the tool ended.
type ExitStatus struct {
	Code    int  // Exit code; -1 when killed by a signal
	Stopped bool // A stop signal was delivered because ctx ended
}

// Executor runs the training tool somewhere and streams its combined output.
// Run returns an error only when the tool could not be started or awaited;
// a non-zero exit is reported through ExitStatus.
type Executor interface {
	Run(ctx context.Context, cmd Command, onLine func(string)) (ExitStatus, error)
	Ready(ctx context.Context) error
	Close() error
}
