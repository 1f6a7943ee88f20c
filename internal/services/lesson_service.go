package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/core/ingestion_engine"
	"github.com/markdave123-py/Sprout/internal/models"
)

var (
	ErrInvalidLesson = errors.New("invalid lesson")
	ErrForbidden     = errors.New("lesson belongs to another user")
)

// LessonRepository is the persistence the lesson service needs.
type LessonRepository interface {
	CreateLesson(ctx context.Context, lesson *models.Lesson) error
	GetLesson(ctx context.Context, id string) (*models.Lesson, error)
}

// Queuer schedules lesson processing; *ingestion_engine.Pipeline implements it.
type Queuer interface {
	QueueContentProcessing(ctx context.Context, req ingestion_engine.ProcessRequest) error
	GetProcessingStatus(ctx context.Context, lessonID string) (*ingestion_engine.ProcessingStatus, error)
}

// UploadInput describes a new lesson. File is required for PDF and IMAGE,
// YoutubeURL for YOUTUBE, and Text or File for TEXT.
type UploadInput struct {
	OwnerID     string
	Title       string
	SourceType  models.SourceType
	FileName    string
	ContentType string
	File        io.Reader
	YoutubeURL  string
	Text        string
	AgeGroup    models.AgeGroup
	Subject     string
}

// ProcessOptions tune a (re)processing request.
type ProcessOptions struct {
	AgeGroup models.AgeGroup
	Subject  string
}

type LessonService struct {
	db      LessonRepository
	storage core.ObjectClient
	queue   Queuer
	bucket  string
	log     *zap.Logger
}

func NewLessonService(db LessonRepository, storage core.ObjectClient, q Queuer, bucket string, log *zap.Logger) *LessonService {
	return &LessonService{db: db, storage: storage, queue: q, bucket: bucket, log: log.Named("lessons")}
}

// UploadAndCreate stores the source file, creates the lesson record in
// PROCESSING and schedules its processing job.
func (s *LessonService) UploadAndCreate(ctx context.Context, in UploadInput) (*models.Lesson, error) {
	if err := validateUpload(&in); err != nil {
		return nil, err
	}

	lesson := &models.Lesson{
		ID:               uuid.NewString(),
		OwnerID:          in.OwnerID,
		Title:            strings.TrimSpace(in.Title),
		SourceType:       in.SourceType,
		YoutubeURL:       in.YoutubeURL,
		ExtractedText:    in.Text,
		ProcessingStatus: models.StatusProcessing,
	}

	var key string
	if in.File != nil {
		key = s.objectKey(in.OwnerID, lesson.ID, in.FileName)
		contentType := in.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		url, err := s.storage.UploadFile(ctx, s.bucket, key, in.File, contentType)
		if err != nil {
			return nil, err
		}
		lesson.FileURL = url
		if lesson.Title == "" {
			lesson.Title = path.Base(key)
		}
	}

	if err := s.db.CreateLesson(ctx, lesson); err != nil {
		if key != "" {
			if derr := s.storage.DeleteFile(context.WithoutCancel(ctx), s.bucket, key); derr != nil {
				s.log.Warn("orphaned upload", zap.String("key", key), zap.Error(derr))
			}
		}
		return nil, fmt.Errorf("create lesson: %w", err)
	}

	if err := s.queue.QueueContentProcessing(ctx, requestFor(lesson, ProcessOptions{AgeGroup: in.AgeGroup, Subject: in.Subject})); err != nil {
		return nil, err
	}
	s.log.Info("lesson created",
		zap.String("lesson_id", lesson.ID),
		zap.String("owner_id", lesson.OwnerID),
		zap.String("source_type", string(lesson.SourceType)))
	return lesson, nil
}

// Reprocess schedules processing for an existing lesson owned by ownerID.
func (s *LessonService) Reprocess(ctx context.Context, ownerID, lessonID string, opts ProcessOptions) error {
	lesson, err := s.owned(ctx, ownerID, lessonID)
	if err != nil {
		return err
	}
	return s.queue.QueueContentProcessing(ctx, requestFor(lesson, opts))
}

func (s *LessonService) Status(ctx context.Context, ownerID, lessonID string) (*ingestion_engine.ProcessingStatus, error) {
	if _, err := s.owned(ctx, ownerID, lessonID); err != nil {
		return nil, err
	}
	return s.queue.GetProcessingStatus(ctx, lessonID)
}

// Get returns a lesson owned by ownerID.
func (s *LessonService) Get(ctx context.Context, ownerID, lessonID string) (*models.Lesson, error) {
	return s.owned(ctx, ownerID, lessonID)
}

func (s *LessonService) owned(ctx context.Context, ownerID, lessonID string) (*models.Lesson, error) {
	lesson, err := s.db.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if lesson.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return lesson, nil
}

func requestFor(l *models.Lesson, opts ProcessOptions) ingestion_engine.ProcessRequest {
	req := ingestion_engine.ProcessRequest{
		LessonID:   l.ID,
		SourceType: l.SourceType,
		FileURL:    l.FileURL,
		YoutubeURL: l.YoutubeURL,
		SubjectID:  l.OwnerID,
		AgeGroup:   opts.AgeGroup,
		Subject:    opts.Subject,
	}
	// Only TEXT lessons carry their source inline; for the others this column
	// holds the previous extraction.
	if l.SourceType == models.SourceText {
		req.Text = l.ExtractedText
	}
	return req
}

func validateUpload(in *UploadInput) error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidLesson)
	}
	in.SourceType = models.SourceType(strings.ToUpper(strings.TrimSpace(string(in.SourceType))))
	switch in.SourceType {
	case models.SourcePDF, models.SourceImage:
		if in.File == nil {
			return fmt.Errorf("%w: %s lessons need a file", ErrInvalidLesson, in.SourceType)
		}
	case models.SourceYoutube:
		if _, err := ingestion_engine.ParseVideoID(in.YoutubeURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidLesson, err)
		}
		in.File = nil
	case models.SourceText:
		if strings.TrimSpace(in.Text) == "" && in.File == nil {
			return fmt.Errorf("%w: TEXT lessons need text or a file", ErrInvalidLesson)
		}
	default:
		return fmt.Errorf("%w: unsupported source type %q", ErrInvalidLesson, in.SourceType)
	}
	return nil
}

// objectKey creates a consistent S3 key layout.
func (s *LessonService) objectKey(ownerID, lessonID, filename string) string {
	filename = path.Base(strings.TrimSpace(strings.ReplaceAll(filename, "\\", "/")))
	filename = strings.ReplaceAll(filename, " ", "_")
	if filename == "" || filename == "." || filename == "/" {
		filename = "source"
	}
	return path.Join("lessons", ownerID, lessonID, filename)
}
