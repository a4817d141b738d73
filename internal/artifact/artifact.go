// Package artifact defines the per-task configuration file handed to the
// external training tool. The JSON layout is a contract with that tool:
// fields may be added but never renamed or removed.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileExt is the extension of configuration artifacts in the workspace.
const FileExt = ".json"

// Parameters are the numeric training knobs passed to the tool.
type Parameters struct {
	LearningRate         float64 `json:"learning_rate"`
	BatchSize            int     `json:"batch_size"`
	Epochs               int     `json:"epochs"`
	WarmupSteps          int     `json:"warmup_steps"`
	GradientAccumulation int     `json:"gradient_accumulation"`
	LoRARank             int     `json:"lora_rank"`
	LoRAAlpha            int     `json:"lora_alpha"`
	MaxSeqLength         int     `json:"max_seq_length"`
}

// DefaultParameters returns the values used for omitted fields.
func DefaultParameters() Parameters {
	return Parameters{
		LearningRate:         1e-4,
		BatchSize:            1,
		Epochs:               1,
		WarmupSteps:          0,
		GradientAccumulation: 1,
		LoRARank:             16,
		LoRAAlpha:            32,
		MaxSeqLength:         1024,
	}
}

// TrainingConfig is the artifact written once per task.
type TrainingConfig struct {
	TaskID      string     `json:"task_id"`
	Name        string     `json:"name"`
	Notes       string     `json:"notes,omitempty"`
	DatasetPath string     `json:"dataset_path"`
	OutputPath  string     `json:"output_path"`
	Parameters  Parameters `json:"parameters"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// Path returns the artifact location for a task inside workspace.
func Path(workspace, taskID string) string {
	return filepath.Join(workspace, taskID+FileExt)
}

// Write stores cfg at path. The file appears atomically so a reader never
// sees a partial artifact.
func Write(path string, cfg *TrainingConfig) error {
	if cfg == nil {
		return errors.New("training config is nil")
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal training config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set artifact permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

// Read loads and checks an artifact. Unknown fields are ignored so newer
// writers stay readable.
func Read(path string) (*TrainingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read training config: %w", err)
	}

	var cfg TrainingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("malformed training config %s: %w", path, err)
	}

	switch {
	case cfg.TaskID == "":
		return nil, fmt.Errorf("malformed training config %s: task_id is empty", path)
	case cfg.DatasetPath == "":
		return nil, fmt.Errorf("malformed training config %s: dataset_path is empty", path)
	case cfg.OutputPath == "":
		return nil, fmt.Errorf("malformed training config %s: output_path is empty", path)
	}
	return &cfg, nil
}
