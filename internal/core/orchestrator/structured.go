package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/core/incidents"
	"github.com/markdave123-py/Sprout/internal/core/safety"
	"github.com/markdave123-py/Sprout/internal/metrics"
	"github.com/markdave123-py/Sprout/internal/models"
)

// ContentOptions apply to the structured generation tasks.
type ContentOptions struct {
	SubjectID string
	AgeGroup  models.AgeGroup
	Subject   string
}

const (
	defaultFlashcards = 8
	defaultQuestions  = 5
	maxItems          = 20
)

// AnalyzeContent turns lesson text into a structured, safety-checked analysis.
func (o *Orchestrator) AnalyzeContent(ctx context.Context, text string, opts ContentOptions) (*models.ContentAnalysis, error) {
	age := normaliseAge(opts.AgeGroup)
	return generateStructured(ctx, o, structuredTask[models.ContentAnalysis]{
		name:   "analyze",
		source: text,
		prompt: analysisPrompt(text, opts.Subject),
		validate: func(a *models.ContentAnalysis) error {
			if strings.TrimSpace(a.Summary) == "" {
				return errors.New("analysis has no summary")
			}
			if a.ConfidenceScore < 0 {
				a.ConfidenceScore = 0
			}
			if a.ConfidenceScore > 1 {
				a.ConfidenceScore = 1
			}
			return nil
		},
		check: func(a *models.ContentAnalysis) models.SafetyValidation {
			return o.filter.ValidateContent(a, age)
		},
	}, opts.SubjectID, age)
}

type flashcardSet struct {
	Flashcards []models.Flashcard `json:"flashcards"`
}

// GenerateFlashcards writes count question/answer cards from text.
func (o *Orchestrator) GenerateFlashcards(ctx context.Context, text string, count int, opts ContentOptions) ([]models.Flashcard, error) {
	age := normaliseAge(opts.AgeGroup)
	count = clampCount(count, defaultFlashcards)
	set, err := generateStructured(ctx, o, structuredTask[flashcardSet]{
		name:   "flashcards",
		source: text,
		prompt: flashcardsPrompt(text, count),
		validate: func(s *flashcardSet) error {
			if len(s.Flashcards) == 0 {
				return errors.New("no flashcards")
			}
			for i, c := range s.Flashcards {
				if strings.TrimSpace(c.Front) == "" || strings.TrimSpace(c.Back) == "" {
					return fmt.Errorf("flashcard %d is incomplete", i)
				}
			}
			return nil
		},
		check: func(s *flashcardSet) models.SafetyValidation {
			parts := make([]string, 0, 2*len(s.Flashcards))
			for _, c := range s.Flashcards {
				parts = append(parts, c.Front, c.Back)
			}
			return o.filter.ValidateOutput(strings.Join(parts, "\n"), age)
		},
	}, opts.SubjectID, age)
	if err != nil {
		return nil, err
	}
	return set.Flashcards, nil
}

// GenerateQuiz writes a multiple-choice quiz with count questions from text.
func (o *Orchestrator) GenerateQuiz(ctx context.Context, text string, count int, opts ContentOptions) (*models.Quiz, error) {
	age := normaliseAge(opts.AgeGroup)
	count = clampCount(count, defaultQuestions)
	return generateStructured(ctx, o, structuredTask[models.Quiz]{
		name:   "quiz",
		source: text,
		prompt: quizPrompt(text, count),
		validate: func(q *models.Quiz) error {
			if len(q.Questions) == 0 {
				return errors.New("quiz has no questions")
			}
			for i, qq := range q.Questions {
				if strings.TrimSpace(qq.Question) == "" || len(qq.Options) < 2 {
					return fmt.Errorf("question %d is incomplete", i)
				}
				if qq.AnswerIndex < 0 || qq.AnswerIndex >= len(qq.Options) {
					return fmt.Errorf("question %d answer_index %d out of range", i, qq.AnswerIndex)
				}
			}
			return nil
		},
		check: func(q *models.Quiz) models.SafetyValidation {
			parts := []string{q.Title}
			for _, qq := range q.Questions {
				parts = append(parts, qq.Question, qq.Explanation)
				parts = append(parts, qq.Options...)
			}
			return o.filter.ValidateOutput(strings.Join(parts, "\n"), age)
		},
	}, opts.SubjectID, age)
}

func clampCount(n, def int) int {
	if n <= 0 {
		return def
	}
	if n > maxItems {
		return maxItems
	}
	return n
}

type structuredTask[T any] struct {
	name     string
	source   string
	prompt   string
	validate func(*T) error
	check    func(*T) models.SafetyValidation
}

// generateStructured runs the shared gate for JSON tasks: source check, model call,
// parse, then content check. Parse failures are ErrGenerationFailed, safety
// rejections are ErrContentBlocked and blank input is ErrEmptySource.
func generateStructured[T any](ctx context.Context, o *Orchestrator, task structuredTask[T], subjectID string, age models.AgeGroup) (*T, error) {
	if strings.TrimSpace(task.source) == "" {
		return nil, fmt.Errorf("%s: %w", task.name, ErrEmptySource)
	}

	in := o.filter.ValidateSource(task.source, age)
	if !in.Passed {
		o.incidents.LogIncident(ctx, subjectID,
			safety.IncidentTypeFor(in.Flags, models.IncidentInappropriateTopic),
			in.Severity,
			incidents.Details{InputText: truncateRunes(task.source, 2000), Flags: in.Flags})
		metrics.ContentBlocked.WithLabelValues(task.name, StageInput).Inc()
		return nil, &SafetyError{Stage: StageInput, Flags: in.Flags, Severity: in.Severity}
	}

	res, err := o.call(ctx, task.name, core.GenerateRequest{
		Tier:              core.ModelAccurate,
		SystemInstruction: structuredSystemInstruction(age),
		Prompt:            task.prompt,
		Config:            structuredParams,
	})
	if err != nil {
		if errors.Is(err, core.ErrModelRefusal) {
			o.incidents.LogIncident(ctx, subjectID, models.IncidentBlockedByGemini, models.SeverityMedium,
				incidents.Details{InputText: truncateRunes(task.source, 2000), Flags: []string{flagModelRefusal}})
			metrics.ContentBlocked.WithLabelValues(task.name, StageModel).Inc()
			return nil, &SafetyError{Stage: StageModel, Flags: []string{flagModelRefusal}, Severity: models.SeverityMedium}
		}
		return nil, fmt.Errorf("%s model call: %w", task.name, err)
	}

	var out T
	if err := json.Unmarshal([]byte(stripFences(res.Text)), &out); err != nil {
		return nil, o.generationFailed(task.name, res.Text, err)
	}
	if err := task.validate(&out); err != nil {
		return nil, o.generationFailed(task.name, res.Text, err)
	}

	v := task.check(&out)
	if !v.Passed {
		o.incidents.LogIncident(ctx, subjectID,
			safety.IncidentTypeFor(v.Flags, models.IncidentHarmfulContent),
			models.SeverityHigh,
			incidents.Details{InputText: truncateRunes(task.source, 2000), OutputText: res.Text, Flags: v.Flags})
		metrics.ContentBlocked.WithLabelValues(task.name, StageOutput).Inc()
		return nil, &SafetyError{Stage: StageOutput, Flags: v.Flags, Severity: models.SeverityHigh}
	}
	return &out, nil
}

func (o *Orchestrator) generationFailed(task, raw string, cause error) error {
	metrics.GenerationFailures.WithLabelValues(task).Inc()
	o.log.Warn("unparseable model output",
		zap.String("task", task),
		zap.String("response", truncateRunes(raw, 500)),
		zap.Error(cause))
	return fmt.Errorf("%w: %s: %v", ErrGenerationFailed, task, cause)
}
