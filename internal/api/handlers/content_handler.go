package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core/orchestrator"
	"github.com/markdave123-py/Sprout/internal/models"
)

// ContentGenerator produces structured learning material; *orchestrator.Orchestrator implements it.
type ContentGenerator interface {
	AnalyzeContent(ctx context.Context, text string, opts orchestrator.ContentOptions) (*models.ContentAnalysis, error)
	GenerateFlashcards(ctx context.Context, text string, count int, opts orchestrator.ContentOptions) ([]models.Flashcard, error)
	GenerateQuiz(ctx context.Context, text string, count int, opts orchestrator.ContentOptions) (*models.Quiz, error)
}

type ContentHandler struct {
	gen ContentGenerator
	log *zap.Logger
}

func NewContentHandler(gen ContentGenerator, log *zap.Logger) *ContentHandler {
	return &ContentHandler{gen: gen, log: log.Named("content")}
}

type contentRequest struct {
	Text     string `json:"text"`
	AgeGroup string `json:"age_group"`
	Subject  string `json:"subject,omitempty"`
	Count    int    `json:"count,omitempty"`
}

func (h *ContentHandler) parse(w http.ResponseWriter, r *http.Request) (contentRequest, orchestrator.ContentOptions, bool) {
	var req contentRequest
	subjectID, ok := subject(w, r)
	if !ok {
		return req, orchestrator.ContentOptions{}, false
	}
	if !decodeJSON(w, r, &req) {
		return req, orchestrator.ContentOptions{}, false
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return req, orchestrator.ContentOptions{}, false
	}
	return req, orchestrator.ContentOptions{
		SubjectID: subjectID,
		AgeGroup:  models.ParseAgeGroup(req.AgeGroup),
		Subject:   req.Subject,
	}, true
}

// Analyze handles POST /api/content/analyze.
func (h *ContentHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := h.parse(w, r)
	if !ok {
		return
	}
	analysis, err := h.gen.AnalyzeContent(r.Context(), req.Text, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// Flashcards handles POST /api/content/flashcards.
func (h *ContentHandler) Flashcards(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := h.parse(w, r)
	if !ok {
		return
	}
	cards, err := h.gen.GenerateFlashcards(r.Context(), req.Text, req.Count, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flashcards": cards})
}

// Quiz handles POST /api/content/quiz.
func (h *ContentHandler) Quiz(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := h.parse(w, r)
	if !ok {
		return
	}
	quiz, err := h.gen.GenerateQuiz(r.Context(), req.Text, req.Count, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quiz)
}

func (h *ContentHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := requestLogger(h.log, r)
	switch {
	case errors.Is(err, orchestrator.ErrEmptySource):
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
	case errors.Is(err, orchestrator.ErrContentBlocked):
		log.Info("content blocked", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "content_blocked", orchestrator.FallbackMessage)
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		log.Warn("generation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "generation_failed", "could not generate content, please try again")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("model call timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "model_timeout", "")
	default:
		log.Error("content generation error", zap.Error(err))
		writeError(w, http.StatusBadGateway, "model_unavailable", "")
	}
}
