package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/models"
)

// Lessons

func (c *DatabaseClient) CreateLesson(ctx context.Context, l *models.Lesson) error {
	if l == nil {
		return errors.New("nil lesson")
	}
	if l.ProcessingStatus == "" {
		l.ProcessingStatus = models.StatusProcessing
	}
	const q = `
		INSERT INTO lessons
			(id, owner_id, title, source_type, file_url, youtube_url, extracted_text, processing_status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q,
		l.ID, l.OwnerID, l.Title, l.SourceType,
		nullString(l.FileURL), nullString(l.YoutubeURL), nullString(l.ExtractedText), l.ProcessingStatus,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
}

func (c *DatabaseClient) GetLesson(ctx context.Context, id string) (*models.Lesson, error) {
	const q = `
		SELECT id, owner_id, title, source_type, file_url, youtube_url, extracted_text,
		       summary, grade_level, chapters, key_concepts, vocabulary, suggested_questions,
		       confidence_score, processing_status, processing_error, created_at, updated_at
		FROM lessons
		WHERE id = $1
	`
	var (
		l                                         models.Lesson
		fileURL, youtubeURL, text                 sql.NullString
		summary, gradeLevel, procErr              sql.NullString
		chapters, concepts, vocabulary, questions []byte
	)
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&l.ID, &l.OwnerID, &l.Title, &l.SourceType, &fileURL, &youtubeURL, &text,
		&summary, &gradeLevel, &chapters, &concepts, &vocabulary, &questions,
		&l.ConfidenceScore, &l.ProcessingStatus, &procErr, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrLessonNotFound
	}
	if err != nil {
		return nil, err
	}

	l.FileURL, l.YoutubeURL, l.ExtractedText = fileURL.String, youtubeURL.String, text.String
	l.Summary, l.GradeLevel, l.ProcessingError = summary.String, gradeLevel.String, procErr.String
	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{chapters, &l.Chapters},
		{concepts, &l.KeyConcepts},
		{vocabulary, &l.Vocabulary},
		{questions, &l.SuggestedQuestions},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode lesson %s: %w", id, err)
		}
	}
	return &l, nil
}

// MarkProcessing is allowed from any state; it is how a finished lesson is reprocessed.
func (c *DatabaseClient) MarkProcessing(ctx context.Context, id string) error {
	const q = `
		UPDATE lessons
		SET processing_status = 'PROCESSING', processing_error = NULL, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrLessonNotFound
	}
	return nil
}

func (c *DatabaseClient) RecordAttemptError(ctx context.Context, id string, msg string) error {
	const q = `
		UPDATE lessons
		SET processing_error = $2, updated_at = now()
		WHERE id = $1 AND processing_status = 'PROCESSING'
	`
	return c.updateProcessing(ctx, id, q, id, msg)
}

func (c *DatabaseClient) CompleteProcessing(ctx context.Context, id string, extractedText string, a *models.ContentAnalysis) error {
	if a == nil {
		return errors.New("nil analysis")
	}
	chapters, err := jsonb(a.Chapters)
	if err != nil {
		return err
	}
	concepts, err := jsonb(a.KeyConcepts)
	if err != nil {
		return err
	}
	vocabulary, err := jsonb(a.Vocabulary)
	if err != nil {
		return err
	}
	questions, err := jsonb(a.SuggestedQuestions)
	if err != nil {
		return err
	}

	const q = `
		UPDATE lessons
		SET processing_status = 'COMPLETED',
		    processing_error = NULL,
		    extracted_text = $2,
		    title = CASE WHEN title = '' THEN $3 ELSE title END,
		    summary = $4,
		    grade_level = $5,
		    chapters = $6::jsonb,
		    key_concepts = $7::jsonb,
		    vocabulary = $8::jsonb,
		    suggested_questions = $9::jsonb,
		    confidence_score = $10,
		    updated_at = now()
		WHERE id = $1 AND processing_status = 'PROCESSING'
	`
	return c.updateProcessing(ctx, id, q,
		id, extractedText, a.Title, a.Summary, a.GradeLevel,
		chapters, concepts, vocabulary, questions, a.ConfidenceScore)
}

func (c *DatabaseClient) FailProcessing(ctx context.Context, id string, msg string) error {
	const q = `
		UPDATE lessons
		SET processing_status = 'FAILED', processing_error = $2, updated_at = now()
		WHERE id = $1 AND processing_status = 'PROCESSING'
	`
	return c.updateProcessing(ctx, id, q, id, msg)
}

// updateProcessing runs a write guarded by processing_status = 'PROCESSING' and
// tells a missing lesson apart from one that has already left PROCESSING.
func (c *DatabaseClient) updateProcessing(ctx context.Context, id, q string, args ...any) error {
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err = c.db.QueryRowContext(ctx, `SELECT processing_status FROM lessons WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrLessonNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: lesson %s is %s", core.ErrInvalidTransition, id, status)
}

// Incidents

func (c *DatabaseClient) CreateIncident(ctx context.Context, inc *models.SafetyIncident) error {
	if inc == nil {
		return errors.New("nil incident")
	}
	flags, err := jsonb(inc.Flags)
	if err != nil {
		return err
	}
	createdAt := inc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const q = `
		INSERT INTO safety_incidents
			(id, subject_id, incident_type, severity, input_text, output_text, flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = c.db.ExecContext(ctx, q,
		inc.ID, inc.SubjectID, inc.IncidentType, inc.Severity,
		inc.InputText, nullString(inc.OutputText), flags, createdAt)
	return err
}

// Chat messages

// ListMessages returns the latest limit messages of a conversation, oldest first.
func (c *DatabaseClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, conversation_id, subject_id, role, content, was_filtered, created_at
		FROM (
			SELECT * FROM chat_messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`
	rows, err := c.db.QueryContext(ctx, q, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SubjectID, &m.Role, &m.Content, &m.WasFiltered, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMessages inserts a batch of messages in a single transaction.
func (c *DatabaseClient) AddMessages(ctx context.Context, msgs []models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO chat_messages
			(id, conversation_id, subject_id, role, content, was_filtered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range msgs {
		m := &msgs[i]
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.ConversationID, m.SubjectID, m.Role, m.Content, m.WasFiltered, m.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.log.Debug("chat messages stored", zap.String("conversation_id", msgs[0].ConversationID), zap.Int("count", len(msgs)))
	return nil
}
