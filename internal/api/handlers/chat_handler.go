package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/core/orchestrator"
	"github.com/markdave123-py/Sprout/internal/models"
	"github.com/markdave123-py/Sprout/internal/services"
)

const historyLimit = 20

// Chatter runs conversational turns; *orchestrator.Orchestrator implements it.
type Chatter interface {
	Chat(ctx context.Context, message string, opts orchestrator.ChatOptions) (*models.ChatExchange, error)
	AnswerSelection(ctx context.Context, selectedText, question string, opts orchestrator.ChatOptions) (*models.ChatExchange, error)
}

// LessonReader loads a lesson the caller owns.
type LessonReader interface {
	Get(ctx context.Context, ownerID, lessonID string) (*models.Lesson, error)
}

type ChatHandler struct {
	chat    Chatter
	history core.ChatStore
	lessons LessonReader
	log     *zap.Logger
}

// NewChatHandler wires the chat endpoints. history and lessons may be nil.
func NewChatHandler(chat Chatter, history core.ChatStore, lessons LessonReader, log *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, history: history, lessons: lessons, log: log.Named("chat")}
}

type chatRequest struct {
	Message        string `json:"message"`
	AgeGroup       string `json:"age_group"`
	ConversationID string `json:"conversation_id,omitempty"`
	LessonID       string `json:"lesson_id,omitempty"`
	LessonContext  string `json:"lesson_context,omitempty"`
}

type selectionRequest struct {
	SelectedText  string `json:"selected_text"`
	Question      string `json:"question"`
	AgeGroup      string `json:"age_group"`
	LessonID      string `json:"lesson_id,omitempty"`
	LessonContext string `json:"lesson_context,omitempty"`
}

type chatResponse struct {
	*models.ChatExchange
	ConversationID string `json:"conversation_id,omitempty"`
}

// Chat handles POST /api/chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subject(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	ctx := r.Context()
	log := requestLogger(h.log, r)

	lessonCtx, status := h.lessonContext(ctx, subjectID, req.LessonID, req.LessonContext)
	if status != 0 {
		writeError(w, status, "lesson_unavailable", "")
		return
	}

	var history []core.HistoryEntry
	if h.history != nil {
		if req.ConversationID == "" {
			req.ConversationID = uuid.NewString()
		} else {
			msgs, err := h.history.ListMessages(ctx, req.ConversationID, historyLimit)
			if err != nil {
				log.Error("load conversation", zap.String("conversation_id", req.ConversationID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal_error", "could not load conversation")
				return
			}
			history = toHistory(msgs, subjectID)
		}
	}

	exch, err := h.chat.Chat(ctx, req.Message, orchestrator.ChatOptions{
		SubjectID:     subjectID,
		AgeGroup:      models.ParseAgeGroup(req.AgeGroup),
		LessonContext: lessonCtx,
		History:       history,
	})
	if err != nil {
		h.modelError(w, log, err)
		return
	}

	if h.history != nil && !exch.WasFiltered {
		h.persist(ctx, log, req.ConversationID, subjectID, req.Message, exch.Content)
	}
	writeJSON(w, http.StatusOK, chatResponse{ChatExchange: exch, ConversationID: req.ConversationID})
}

// Selection handles POST /api/chat/selection.
func (h *ChatHandler) Selection(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subject(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SelectedText) == "" || strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "selected_text and question are required")
		return
	}
	log := requestLogger(h.log, r)

	lessonCtx, status := h.lessonContext(r.Context(), subjectID, req.LessonID, req.LessonContext)
	if status != 0 {
		writeError(w, status, "lesson_unavailable", "")
		return
	}

	exch, err := h.chat.AnswerSelection(r.Context(), req.SelectedText, req.Question, orchestrator.ChatOptions{
		SubjectID:     subjectID,
		AgeGroup:      models.ParseAgeGroup(req.AgeGroup),
		LessonContext: lessonCtx,
	})
	if err != nil {
		h.modelError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{ChatExchange: exch})
}

// lessonContext prefers the stored lesson text when a lesson id is given.
// A non-zero status means the lesson could not be used.
func (h *ChatHandler) lessonContext(ctx context.Context, subjectID, lessonID, inline string) (string, int) {
	if lessonID == "" || h.lessons == nil {
		return inline, 0
	}
	lesson, err := h.lessons.Get(ctx, subjectID, lessonID)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrLessonNotFound):
		return "", http.StatusNotFound
	case errors.Is(err, services.ErrForbidden):
		return "", http.StatusForbidden
	default:
		h.log.Error("load lesson context", zap.String("lesson_id", lessonID), zap.Error(err))
		return "", http.StatusInternalServerError
	}
	if lesson.ExtractedText != "" && lesson.ProcessingStatus == models.StatusCompleted {
		return lesson.ExtractedText, 0
	}
	if lesson.Summary != "" {
		return lesson.Summary, 0
	}
	return inline, 0
}

// persist stores a delivered turn. Failures are logged; the reply has already been produced.
func (h *ChatHandler) persist(ctx context.Context, log *zap.Logger, conversationID, subjectID, message, reply string) {
	now := time.Now().UTC()
	msgs := []models.ChatMessage{
		{ID: uuid.NewString(), ConversationID: conversationID, SubjectID: subjectID, Role: models.RoleUser, Content: message, CreatedAt: now},
		{ID: uuid.NewString(), ConversationID: conversationID, SubjectID: subjectID, Role: models.RoleModel, Content: reply, CreatedAt: now.Add(time.Millisecond)},
	}
	if err := h.history.AddMessages(context.WithoutCancel(ctx), msgs); err != nil {
		log.Warn("store chat turn", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (h *ChatHandler) modelError(w http.ResponseWriter, log *zap.Logger, err error) {
	if errors.Is(err, orchestrator.ErrMessageTooLong) {
		writeError(w, http.StatusBadRequest, "message_too_long", "please send a shorter message")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("model call timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "model_timeout", "the tutor took too long to answer")
		return
	}
	log.Error("model call failed", zap.Error(err))
	writeError(w, http.StatusBadGateway, "model_unavailable", "the tutor is unavailable right now")
}

// toHistory keeps only the caller's own turns.
func toHistory(msgs []models.ChatMessage, subjectID string) []core.HistoryEntry {
	out := make([]core.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		if m.SubjectID != subjectID || m.WasFiltered {
			continue
		}
		out = append(out, core.HistoryEntry{Role: m.Role, Text: m.Content})
	}
	return out
}
