package task

import (
	"errors"
	"math"
	"strings"
	"testing"
	"trainctl/internal/apperrors"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Spec)
		wantField string
	}{
		{"valid", func(*Spec) {}, ""},
		{"missing name", func(s *Spec) { s.Name = "" }, "name"},
		{"blank name", func(s *Spec) { s.Name = "   " }, "name"},
		{"long name", func(s *Spec) { s.Name = strings.Repeat("n", maxNameLength+1) }, "name"},
		{"missing dataset", func(s *Spec) { s.DatasetPath = "" }, "dataset_path"},
		{"blank output", func(s *Spec) { s.OutputPath = "\t" }, "output_path"},
		{"long notes", func(s *Spec) { s.Notes = strings.Repeat("x", maxNotesLength+1) }, "notes"},
		{"zero learning rate", func(s *Spec) { s.Parameters.LearningRate = 0 }, "parameters.learning_rate"},
		{"negative learning rate", func(s *Spec) { s.Parameters.LearningRate = -1e-4 }, "parameters.learning_rate"},
		{"nan learning rate", func(s *Spec) { s.Parameters.LearningRate = math.NaN() }, "parameters.learning_rate"},
		{"inf learning rate", func(s *Spec) { s.Parameters.LearningRate = math.Inf(1) }, "parameters.learning_rate"},
		{"zero batch size", func(s *Spec) { s.Parameters.BatchSize = 0 }, "parameters.batch_size"},
		{"zero epochs", func(s *Spec) { s.Parameters.Epochs = 0 }, "parameters.epochs"},
		{"zero gradient accumulation", func(s *Spec) { s.Parameters.GradientAccumulation = 0 }, "parameters.gradient_accumulation"},
		{"zero rank", func(s *Spec) { s.Parameters.LoRARank = 0 }, "parameters.lora_rank"},
		{"negative alpha", func(s *Spec) { s.Parameters.LoRAAlpha = -2 }, "parameters.lora_alpha"},
		{"zero max seq", func(s *Spec) { s.Parameters.MaxSeqLength = 0 }, "parameters.max_seq_length"},
		{"negative warmup", func(s *Spec) { s.Parameters.WarmupSteps = -1 }, "parameters.warmup_steps"},
		{"zero warmup allowed", func(s *Spec) { s.Parameters.WarmupSteps = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec := scenarioSpec()
			tt.mutate(&spec)
			spec.normalize()

			err := validate(&spec)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("validate() error = %v, want validation error", err)
			}
			var appErr *apperrors.Error
			if !errors.As(err, &appErr) || appErr.Field != tt.wantField {
				t.Errorf("field = %v, want %q", appErr, tt.wantField)
			}
		})
	}
}

func TestNewSpec_DefaultParameters(t *testing.T) {
	t.Parallel()

	p := NewSpec().Parameters
	want := Parameters{
		LearningRate:         1e-4,
		BatchSize:            1,
		Epochs:               1,
		WarmupSteps:          0,
		GradientAccumulation: 1,
		LoRARank:             16,
		LoRAAlpha:            32,
		MaxSeqLength:         1024,
	}
	if p != want {
		t.Errorf("defaults = %+v, want %+v", p, want)
	}
}

func TestStatus_StateMachine(t *testing.T) {
	t.Parallel()

	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusCancelled}: true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
	}

	for _, from := range all {
		for _, to := range all {
			if got := canTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Errorf("canTransition(%s, %s) = %v", from, to, got)
			}
		}
		if from.Terminal() != (from != StatusPending && from != StatusRunning) {
			t.Errorf("%s.Terminal() = %v", from, from.Terminal())
		}
	}
}
