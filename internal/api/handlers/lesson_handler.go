package handlers

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/core/ingestion_engine"
	"github.com/markdave123-py/Sprout/internal/models"
	"github.com/markdave123-py/Sprout/internal/services"
)

const maxUploadBytes = 50 << 20

// LessonManager is the lesson service surface; *services.LessonService implements it.
type LessonManager interface {
	UploadAndCreate(ctx context.Context, in services.UploadInput) (*models.Lesson, error)
	Reprocess(ctx context.Context, ownerID, lessonID string, opts services.ProcessOptions) error
	Status(ctx context.Context, ownerID, lessonID string) (*ingestion_engine.ProcessingStatus, error)
	Get(ctx context.Context, ownerID, lessonID string) (*models.Lesson, error)
}

type LessonHandler struct {
	lessons LessonManager
	log     *zap.Logger
}

func NewLessonHandler(lessons LessonManager, log *zap.Logger) *LessonHandler {
	return &LessonHandler{lessons: lessons, log: log.Named("lessons")}
}

// Upload handles POST /api/lessons/upload (multipart). Form fields: source_type,
// title, youtube_url, text, age_group, subject and an optional "file" part.
func (h *LessonHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := subject(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}

	in := services.UploadInput{
		OwnerID:    ownerID,
		Title:      r.FormValue("title"),
		SourceType: models.SourceType(r.FormValue("source_type")),
		YoutubeURL: r.FormValue("youtube_url"),
		Text:       r.FormValue("text"),
		AgeGroup:   models.ParseAgeGroup(r.FormValue("age_group")),
		Subject:    r.FormValue("subject"),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		in.File = file
		in.FileName = filepath.Base(header.Filename)
		in.ContentType = header.Header.Get("Content-Type")
	case errors.Is(err, http.ErrMissingFile):
	default:
		writeError(w, http.StatusBadRequest, "invalid_file", err.Error())
		return
	}

	lesson, err := h.lessons.UploadAndCreate(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, lesson)
}

type processRequest struct {
	AgeGroup string `json:"age_group"`
	Subject  string `json:"subject,omitempty"`
}

// Process handles POST /api/lessons/{lessonID}/process.
func (h *LessonHandler) Process(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := subject(w, r)
	if !ok {
		return
	}
	var req processRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	lessonID := chi.URLParam(r, "lessonID")

	err := h.lessons.Reprocess(r.Context(), ownerID, lessonID, services.ProcessOptions{
		AgeGroup: models.ParseAgeGroup(req.AgeGroup),
		Subject:  req.Subject,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestion_engine.ProcessingStatus{Status: models.StatusProcessing})
}

// Status handles GET /api/lessons/{lessonID}/status.
func (h *LessonHandler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := subject(w, r)
	if !ok {
		return
	}
	st, err := h.lessons.Status(r.Context(), ownerID, chi.URLParam(r, "lessonID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Get handles GET /api/lessons/{lessonID}.
func (h *LessonHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := subject(w, r)
	if !ok {
		return
	}
	lesson, err := h.lessons.Get(r.Context(), ownerID, chi.URLParam(r, "lessonID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lesson)
}

func (h *LessonHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidLesson):
		writeError(w, http.StatusBadRequest, "invalid_lesson", err.Error())
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "")
	case errors.Is(err, core.ErrLessonNotFound):
		writeError(w, http.StatusNotFound, "not_found", "")
	default:
		requestLogger(h.log, r).Error("lesson request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
