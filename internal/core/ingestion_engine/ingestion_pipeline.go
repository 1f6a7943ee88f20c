package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/core/orchestrator"
	"github.com/markdave123-py/Sprout/internal/core/queue"
	"github.com/markdave123-py/Sprout/internal/metrics"
	"github.com/markdave123-py/Sprout/internal/models"
)

var (
	ErrInsufficientText  = errors.New("insufficient text extracted")
	ErrUnsupportedSource = errors.New("unsupported source type")
)

// Pipeline turns queued lessons into stored analyses. Lesson status moves
// PROCESSING -> COMPLETED or PROCESSING -> FAILED. QueueContentProcessing moves a
// lesson back to PROCESSING, and so does the first attempt of every run, which
// covers a rerun that was requested while the previous run was finishing.
type Pipeline struct {
	store      core.LessonStore
	queue      JobQueue
	extractors map[models.SourceType]core.TextExtractor
	analyzer   Analyzer
	cfg        IngestConfig
	log        *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPipeline(
	store core.LessonStore,
	q JobQueue,
	extractors map[models.SourceType]core.TextExtractor,
	analyzer Analyzer,
	cfg IngestConfig,
	log *zap.Logger,
) *Pipeline {
	cfg.withDefaults()
	ex := make(map[models.SourceType]core.TextExtractor, len(extractors))
	for k, v := range extractors {
		ex[k] = v
	}
	return &Pipeline{
		store:      store,
		queue:      q,
		extractors: ex,
		analyzer:   analyzer,
		cfg:        cfg,
		log:        log.Named("ingestion"),
	}
}

// QueueContentProcessing marks the lesson PROCESSING and schedules its job.
// A lesson whose job is still queued is not scheduled twice; one whose job is
// running gets exactly one more run after the current one.
func (p *Pipeline) QueueContentProcessing(ctx context.Context, req ProcessRequest) error {
	if strings.TrimSpace(req.LessonID) == "" {
		return errors.New("lesson id is required")
	}
	req.AgeGroup = models.ParseAgeGroup(string(req.AgeGroup))

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := p.store.MarkProcessing(ctx, req.LessonID); err != nil {
		return fmt.Errorf("mark lesson processing: %w", err)
	}

	scheduled, err := p.queue.Enqueue(ctx, JobID(req.LessonID), payload, queue.Options{
		Attempts: p.cfg.Attempts,
		Backoff:  p.cfg.Backoff,
	})
	if err != nil {
		msg := fmt.Sprintf("could not queue lesson: %v", err)
		if ferr := p.store.FailProcessing(context.WithoutCancel(ctx), req.LessonID, msg); ferr != nil {
			p.log.Error("fail lesson after enqueue error", zap.String("lesson_id", req.LessonID), zap.Error(ferr))
		}
		return fmt.Errorf("enqueue lesson: %w", err)
	}

	p.log.Info("lesson queued",
		zap.String("lesson_id", req.LessonID),
		zap.String("source_type", string(req.SourceType)),
		zap.Bool("deduplicated", !scheduled))
	return nil
}

// GetProcessingStatus reports the lesson's status and, if any, the latest error.
func (p *Pipeline) GetProcessingStatus(ctx context.Context, lessonID string) (*ProcessingStatus, error) {
	lesson, err := p.store.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	return &ProcessingStatus{Status: lesson.ProcessingStatus, Error: lesson.ProcessingError}, nil
}

// Start runs the worker pool until Stop is called or ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := p.queue.Run(runCtx, p.cfg.Workers, p.handle); err != nil {
			p.log.Error("worker pool stopped", zap.Error(err))
		}
	}(p.done)
	p.log.Info("ingestion workers started", zap.Int("workers", p.cfg.Workers))
}

// Stop cancels the workers and waits for in-flight jobs to return.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Info("ingestion workers stopped")
}

func (p *Pipeline) handle(ctx context.Context, job *queue.Job) error {
	var req ProcessRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return queue.Unrecoverable(fmt.Errorf("decode job payload: %w", err))
	}
	log := p.log.With(
		zap.String("lesson_id", req.LessonID),
		zap.String("source_type", string(req.SourceType)),
		zap.Int("attempt", job.Attempt))

	if job.Attempt == 1 {
		if err := p.store.MarkProcessing(ctx, req.LessonID); err != nil {
			if errors.Is(err, core.ErrLessonNotFound) {
				return queue.Unrecoverable(err)
			}
			return fmt.Errorf("mark lesson processing: %w", err)
		}
	}

	err := p.process(ctx, req)
	if err == nil {
		metrics.IngestionJobs.WithLabelValues(string(req.SourceType), "completed").Inc()
		log.Info("lesson processed")
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	bk := context.WithoutCancel(ctx)
	msg := err.Error()
	if job.WillRetry(err) {
		metrics.IngestionJobs.WithLabelValues(string(req.SourceType), "retrying").Inc()
		if rerr := p.store.RecordAttemptError(bk, req.LessonID, msg); rerr != nil {
			log.Warn("record attempt error", zap.Error(rerr))
		}
		log.Warn("lesson attempt failed", zap.Error(err))
		return err
	}

	metrics.IngestionJobs.WithLabelValues(string(req.SourceType), "failed").Inc()
	if ferr := p.store.FailProcessing(bk, req.LessonID, msg); ferr != nil {
		log.Error("mark lesson failed", zap.Error(ferr))
	}
	log.Error("lesson processing failed", zap.Error(err))
	return err
}

func (p *Pipeline) process(ctx context.Context, req ProcessRequest) error {
	ext, ok := p.extractors[req.SourceType]
	if !ok {
		return queue.Unrecoverable(fmt.Errorf("%w: %q", ErrUnsupportedSource, req.SourceType))
	}

	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	defer cancel()

	text, err := ext.Extract(pctx, core.ExtractSource{
		LessonID:   req.LessonID,
		FileURL:    req.FileURL,
		YoutubeURL: req.YoutubeURL,
		Text:       req.Text,
	})
	if err != nil {
		err = fmt.Errorf("extract %s: %w", strings.ToLower(string(req.SourceType)), err)
		if errors.Is(err, ErrInvalidYoutubeURL) || errors.Is(err, errMissingFileURL) {
			return queue.Unrecoverable(err)
		}
		return err
	}

	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n < p.cfg.MinTextChars {
		return fmt.Errorf("%w: got %d characters, need %d", ErrInsufficientText, n, p.cfg.MinTextChars)
	}

	input, clipped := budgetText(text, p.cfg.MaxAnalysisTokens)
	if clipped {
		p.log.Info("lesson text clipped for analysis",
			zap.String("lesson_id", req.LessonID),
			zap.Int("max_tokens", p.cfg.MaxAnalysisTokens))
	}

	analysis, err := p.analyzer.AnalyzeContent(pctx, input, orchestrator.ContentOptions{
		SubjectID: req.SubjectID,
		AgeGroup:  req.AgeGroup,
		Subject:   req.Subject,
	})
	if err != nil {
		var se *orchestrator.SafetyError
		if errors.As(err, &se) && se.Stage == orchestrator.StageInput {
			// The filter is deterministic; the same text fails every time.
			return queue.Unrecoverable(fmt.Errorf("analyze: %w", err))
		}
		return fmt.Errorf("analyze: %w", err)
	}

	if err := p.store.CompleteProcessing(context.WithoutCancel(ctx), req.LessonID, text, analysis); err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}
