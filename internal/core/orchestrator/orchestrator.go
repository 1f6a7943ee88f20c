// Package orchestrator mediates every exchange between a child and the model.
// Each turn is checked before and after the model call; any safety rejection resolves
// to FallbackMessage and an incident, never to an error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/core/incidents"
	"github.com/markdave123-py/Sprout/internal/core/safety"
	"github.com/markdave123-py/Sprout/internal/metrics"
	"github.com/markdave123-py/Sprout/internal/models"
)

const (
	reasonModelRefusal = "blocked_by_model"
	flagModelRefusal   = "model_refusal"
)

// IncidentLogger is satisfied by *incidents.Recorder.
type IncidentLogger interface {
	LogIncident(ctx context.Context, subjectID string, typ models.IncidentType, sev models.Severity, d incidents.Details)
}

type Options struct {
	ModelTimeout time.Duration
}

type Orchestrator struct {
	llm       core.LLMProvider
	filter    *safety.Filter
	incidents IncidentLogger
	timeout   time.Duration
	log       *zap.Logger
}

func New(llm core.LLMProvider, filter *safety.Filter, recorder IncidentLogger, opts Options, log *zap.Logger) *Orchestrator {
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = 30 * time.Second
	}
	return &Orchestrator{
		llm:       llm,
		filter:    filter,
		incidents: recorder,
		timeout:   opts.ModelTimeout,
		log:       log.Named("orchestrator"),
	}
}

// ChatOptions describe who is talking and what they already said.
// History must hold delivered turns only, oldest first.
type ChatOptions struct {
	SubjectID     string
	AgeGroup      models.AgeGroup
	LessonContext string
	History       []core.HistoryEntry
}

// Chat runs one conversational turn.
func (o *Orchestrator) Chat(ctx context.Context, message string, opts ChatOptions) (*models.ChatExchange, error) {
	age := normaliseAge(opts.AgeGroup)
	in := o.filter.ValidateInput(message, age)
	if err := o.checkLength(in, message, age); err != nil {
		return nil, err
	}
	return o.turn(ctx, "chat", message, in, opts.SubjectID, age, core.GenerateRequest{
		Tier:              core.ModelAccurate,
		SystemInstruction: chatSystemInstruction(age, opts.LessonContext),
		History:           opts.History,
		Prompt:            message,
		Config:            paramsFor(chatParams, age),
	})
}

// AnswerSelection explains a highlighted passage. It uses the fast model and a
// smaller token ceiling but the same gates as Chat.
func (o *Orchestrator) AnswerSelection(ctx context.Context, selectedText, question string, opts ChatOptions) (*models.ChatExchange, error) {
	age := normaliseAge(opts.AgeGroup)
	prompt := selectionPrompt(selectedText, question)
	// The passage comes from lesson material, so only the question gets the
	// typed-message rules.
	in := mergeValidations(
		o.filter.ValidateInput(question, age),
		o.filter.ValidateSource(selectedText, age),
	)
	if err := o.checkLength(in, question, age); err != nil {
		return nil, err
	}
	return o.turn(ctx, "selection", prompt, in, opts.SubjectID, age, core.GenerateRequest{
		Tier:              core.ModelFast,
		SystemInstruction: chatSystemInstruction(age, opts.LessonContext),
		History:           opts.History,
		Prompt:            prompt,
		Config:            paramsFor(selectionParams, age),
	})
}

// checkLength rejects an over-long message that is otherwise clean. A message
// that also breaks a rule goes through the normal incident path instead.
func (o *Orchestrator) checkLength(in models.SafetyValidation, message string, age models.AgeGroup) error {
	if !in.Passed || !o.filter.InputTooLong(message, age) {
		return nil
	}
	metrics.ChatTurns.WithLabelValues("too_long").Inc()
	return fmt.Errorf("%w for %s", ErrMessageTooLong, age)
}

func (o *Orchestrator) turn(ctx context.Context, task, input string, in models.SafetyValidation, subjectID string, age models.AgeGroup, req core.GenerateRequest) (*models.ChatExchange, error) {
	start := time.Now()

	if !in.Passed {
		o.incidents.LogIncident(ctx, subjectID,
			safety.IncidentTypeFor(in.Flags, models.IncidentInappropriateTopic),
			in.Severity,
			incidents.Details{InputText: input, Flags: in.Flags})
		metrics.ChatTurns.WithLabelValues("blocked_input").Inc()
		return filtered(start, safety.JoinFlags(in.Flags), 0), nil
	}

	res, err := o.call(ctx, task, req)
	if err != nil {
		if errors.Is(err, core.ErrModelRefusal) {
			o.incidents.LogIncident(ctx, subjectID, models.IncidentBlockedByGemini, models.SeverityMedium,
				incidents.Details{InputText: input, Flags: []string{flagModelRefusal}})
			metrics.ChatTurns.WithLabelValues("model_refusal").Inc()
			return filtered(start, reasonModelRefusal, 0), nil
		}
		metrics.ChatTurns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%s model call: %w", task, err)
	}

	out := o.filter.ValidateOutput(res.Text, age)
	if !out.Passed {
		o.incidents.LogIncident(ctx, subjectID,
			safety.IncidentTypeFor(out.Flags, models.IncidentHarmfulContent),
			models.SeverityHigh,
			incidents.Details{InputText: input, OutputText: res.Text, Flags: out.Flags})
		metrics.ChatTurns.WithLabelValues("blocked_output").Inc()
		return filtered(start, safety.JoinFlags(out.Flags), res.TokensUsed), nil
	}

	metrics.ChatTurns.WithLabelValues("delivered").Inc()
	return &models.ChatExchange{
		Content:        res.Text,
		WasFiltered:    false,
		SafetyRatings:  res.SafetyRatings,
		TokensUsed:     res.TokensUsed,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

func mergeValidations(vs ...models.SafetyValidation) models.SafetyValidation {
	out := models.SafetyValidation{Passed: true, Flags: []string{}, Severity: models.SeverityLow}
	seen := map[string]bool{}
	for _, v := range vs {
		if v.Passed {
			continue
		}
		out.Passed = false
		if v.Severity.Rank() > out.Severity.Rank() {
			out.Severity = v.Severity
		}
		for _, f := range v.Flags {
			if !seen[f] {
				seen[f] = true
				out.Flags = append(out.Flags, f)
			}
		}
	}
	return out
}

func filtered(start time.Time, reason string, tokens int) *models.ChatExchange {
	return &models.ChatExchange{
		Content:        FallbackMessage,
		WasFiltered:    true,
		FilterReason:   reason,
		TokensUsed:     tokens,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
}

// call bounds the model call by the configured timeout and records latency and usage.
func (o *Orchestrator) call(ctx context.Context, task string, req core.GenerateRequest) (*core.GenerateResult, error) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	res, err := o.llm.Generate(cctx, req)
	metrics.ModelCallDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			o.log.Warn("model call timed out", zap.String("task", task), zap.Duration("timeout", o.timeout))
		}
		return nil, err
	}
	if res.TokensUsed > 0 {
		metrics.TokensUsed.WithLabelValues(task).Add(float64(res.TokensUsed))
	}
	return res, nil
}
