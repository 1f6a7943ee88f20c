package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/models"
)

type Config struct {
	APIKey        string
	FastModel     string
	AccurateModel string
}

// GeminiLLM serves both model tiers from one client.
type GeminiLLM struct {
	client *genai.Client
	models map[core.ModelTier]string
	log    *zap.Logger
}

func NewGeminiLLM(ctx context.Context, cfg Config, log *zap.Logger) (*GeminiLLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if cfg.FastModel == "" {
		cfg.FastModel = "gemini-1.5-flash"
	}
	if cfg.AccurateModel == "" {
		cfg.AccurateModel = "gemini-1.5-pro"
	}
	log.Info("gemini client initialized",
		zap.String("fast_model", cfg.FastModel),
		zap.String("accurate_model", cfg.AccurateModel))

	return &GeminiLLM{
		client: cl,
		models: map[core.ModelTier]string{
			core.ModelFast:     cfg.FastModel,
			core.ModelAccurate: cfg.AccurateModel,
		},
		log: log.Named("gemini"),
	}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Generate runs one chat turn. History is replayed into the session before the prompt is sent.
func (g *GeminiLLM) Generate(ctx context.Context, req core.GenerateRequest) (*core.GenerateResult, error) {
	name, ok := g.models[req.Tier]
	if !ok {
		name = g.models[core.ModelFast]
	}

	m := g.client.GenerativeModel(name)
	if req.SystemInstruction != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemInstruction)},
		}
	}
	m.SafetySettings = childSafetySettings()
	m.SetTemperature(req.Config.Temperature)
	if req.Config.MaxOutputTokens > 0 {
		m.SetMaxOutputTokens(req.Config.MaxOutputTokens)
	}
	if req.Config.JSON {
		m.ResponseMIMEType = "application/json"
	}

	cs := m.StartChat()
	cs.History = toContents(req.History)

	resp, err := cs.SendMessage(ctx, genai.Text(req.Prompt))
	if err != nil {
		err = mapError(err)
		if errors.Is(err, core.ErrModelRefusal) {
			g.log.Info("model refused", zap.String("model", name), zap.Error(err))
		}
		return nil, err
	}
	return toResult(resp)
}

// childSafetySettings blocks at the lowest threshold in every configurable category.
func childSafetySettings() []*genai.SafetySetting {
	cats := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	out := make([]*genai.SafetySetting, 0, len(cats))
	for _, c := range cats {
		out = append(out, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockLowAndAbove})
	}
	return out
}

func toContents(history []core.HistoryEntry) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, h := range history {
		if strings.TrimSpace(h.Text) == "" {
			continue
		}
		role := string(h.Role)
		if h.Role != models.RoleModel {
			role = string(models.RoleUser)
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(h.Text)}})
	}
	return out
}

func mapError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &core.ModelRefusalError{Reason: blocked.Error()}
	}
	return fmt.Errorf("gemini generate: %w", err)
}

func toResult(resp *genai.GenerateContentResponse) (*core.GenerateResult, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini generate: empty response")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return nil, &core.ModelRefusalError{Reason: "candidate finished with SAFETY"}
	}

	var b strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}

	res := &core.GenerateResult{Text: b.String()}
	for _, r := range cand.SafetyRatings {
		if r == nil {
			continue
		}
		res.SafetyRatings = append(res.SafetyRatings, models.SafetyRating{
			Category:    r.Category.String(),
			Probability: r.Probability.String(),
			Blocked:     r.Blocked,
		})
	}
	if resp.UsageMetadata != nil {
		res.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return res, nil
}

var _ core.LLMProvider = (*GeminiLLM)(nil)
