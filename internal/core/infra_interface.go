package core

import (
	"context"
	"errors"
	"io"

	"github.com/markdave123-py/Sprout/internal/models"
)

// ErrLessonNotFound is returned by lesson lookups that match no row.
var ErrLessonNotFound = errors.New("lesson not found")

// ErrInvalidTransition is returned when a status write would leave a terminal state.
var ErrInvalidTransition = errors.New("invalid processing status transition")

// LessonStore is the slice of lesson persistence the ingestion pipeline needs.
// MarkProcessing is the only write allowed out of a terminal state; Complete and Fail
// apply only while the lesson is PROCESSING.
type LessonStore interface {
	GetLesson(ctx context.Context, id string) (*models.Lesson, error)
	MarkProcessing(ctx context.Context, id string) error
	RecordAttemptError(ctx context.Context, id string, msg string) error
	CompleteProcessing(ctx context.Context, id string, extractedText string, analysis *models.ContentAnalysis) error
	FailProcessing(ctx context.Context, id string, msg string) error
}

// IncidentStore appends safety incidents. There is no update or delete.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *models.SafetyIncident) error
}

// ChatStore keeps delivered chat turns per conversation.
type ChatStore interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error)
	AddMessages(ctx context.Context, msgs []models.ChatMessage) error
}

// DbClient defines all persistence operations the services need.
// It abstracts Postgres so higher layers never depend on a specific DB.
type DbClient interface {
	LessonStore
	IncidentStore
	ChatStore

	CreateLesson(ctx context.Context, lesson *models.Lesson) error

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}
