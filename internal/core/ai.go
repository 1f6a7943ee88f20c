package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/markdave123-py/Sprout/internal/models"
)

// ModelTier picks a configured model variant by capability.
type ModelTier string

const (
	ModelFast     ModelTier = "fast"
	ModelAccurate ModelTier = "accurate"
)

// HistoryEntry is one delivered turn, oldest first.
type HistoryEntry struct {
	Role models.ChatRole
	Text string
}

// GenerationConfig holds the per-call generation knobs.
type GenerationConfig struct {
	MaxOutputTokens int32
	Temperature     float32
	JSON            bool
}

type GenerateRequest struct {
	Tier              ModelTier
	SystemInstruction string
	History           []HistoryEntry
	Prompt            string
	Config            GenerationConfig
}

type GenerateResult struct {
	Text          string
	SafetyRatings []models.SafetyRating
	TokensUsed    int
}

// LLMProvider is the boundary to the external generative model.
// A safety refusal by the model is reported as *ModelRefusalError.
type LLMProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// ErrModelRefusal matches any *ModelRefusalError via errors.Is.
var ErrModelRefusal = errors.New("model refused to answer")

// ModelRefusalError is returned when the model blocks the prompt or its own candidate.
type ModelRefusalError struct {
	Reason string
}

func (e *ModelRefusalError) Error() string {
	if e.Reason == "" {
		return ErrModelRefusal.Error()
	}
	return fmt.Sprintf("%s: %s", ErrModelRefusal.Error(), e.Reason)
}

func (e *ModelRefusalError) Is(target error) bool { return target == ErrModelRefusal }
