package task

import (
	"fmt"
	"math"
	"strings"
	"trainctl/internal/apperrors"
)

// Validation limits
const (
	maxNameLength  = 256
	maxPathLength  = 4096
	maxNotesLength = 8192
)

// normalize trims the descriptive fields in place.
func (s *Spec) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.DatasetPath = strings.TrimSpace(s.DatasetPath)
	s.OutputPath = strings.TrimSpace(s.OutputPath)
	s.Notes = strings.TrimSpace(s.Notes)
}

// validate checks a normalized spec. Does not modify it.
func validate(s *Spec) error {
	if s.Name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if len(s.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("name exceeds maximum length of %d", maxNameLength))
	}
	if s.DatasetPath == "" {
		return apperrors.Validation("dataset_path", "dataset_path is required")
	}
	if len(s.DatasetPath) > maxPathLength {
		return apperrors.Validation("dataset_path", fmt.Sprintf("dataset_path exceeds maximum length of %d", maxPathLength))
	}
	if s.OutputPath == "" {
		return apperrors.Validation("output_path", "output_path is required")
	}
	if len(s.OutputPath) > maxPathLength {
		return apperrors.Validation("output_path", fmt.Sprintf("output_path exceeds maximum length of %d", maxPathLength))
	}
	if err := validateNotes(s.Notes); err != nil {
		return err
	}
	return validateParameters(&s.Parameters)
}

func validateNotes(notes string) error {
	if len(notes) > maxNotesLength {
		return apperrors.Validation("notes", fmt.Sprintf("notes exceed maximum length of %d", maxNotesLength))
	}
	return nil
}

func validateParameters(p *Parameters) error {
	lr := p.LearningRate
	if math.IsNaN(lr) || math.IsInf(lr, 0) || lr <= 0 {
		return apperrors.Validation("parameters.learning_rate", "learning_rate must be a positive number")
	}

	positive := []struct {
		field string
		value int
	}{
		{"batch_size", p.BatchSize},
		{"epochs", p.Epochs},
		{"gradient_accumulation", p.GradientAccumulation},
		{"lora_rank", p.LoRARank},
		{"lora_alpha", p.LoRAAlpha},
		{"max_seq_length", p.MaxSeqLength},
	}
	for _, f := range positive {
		if f.value < 1 {
			return apperrors.Validation("parameters."+f.field, fmt.Sprintf("%s must be at least 1", f.field))
		}
	}

	if p.WarmupSteps < 0 {
		return apperrors.Validation("parameters.warmup_steps", "warmup_steps must not be negative")
	}
	return nil
}
