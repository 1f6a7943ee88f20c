package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/markdave123-py/Sprout/internal/models"
)

var (
	// ErrGenerationFailed means the model answered but the answer did not have the expected shape.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrContentBlocked means a safety gate, or the model itself, rejected the content.
	ErrContentBlocked = errors.New("content blocked by safety filter")
	// ErrMessageTooLong means a typed message exceeds the age group's length limit.
	ErrMessageTooLong = errors.New("message too long")
	// ErrEmptySource means a structured task was given no text to work from.
	ErrEmptySource = errors.New("empty source text")
)

// Where a structured task was stopped.
const (
	StageInput  = "input"
	StageModel  = "model"
	StageOutput = "output"
)

// SafetyError carries the verdict behind an ErrContentBlocked.
type SafetyError struct {
	Stage    string
	Flags    []string
	Severity models.Severity
}

func (e *SafetyError) Error() string {
	if len(e.Flags) == 0 {
		return fmt.Sprintf("%s at %s stage", ErrContentBlocked, e.Stage)
	}
	return fmt.Sprintf("%s at %s stage: %s", ErrContentBlocked, e.Stage, strings.Join(e.Flags, ", "))
}

func (e *SafetyError) Is(target error) bool { return target == ErrContentBlocked }
