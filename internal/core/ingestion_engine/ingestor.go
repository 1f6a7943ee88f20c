package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/Sprout/internal/core/orchestrator"
	"github.com/markdave123-py/Sprout/internal/core/queue"
	"github.com/markdave123-py/Sprout/internal/models"
)

// Ingestor is the surface the HTTP layer and services depend on.
type Ingestor interface {
	Start(ctx context.Context)
	Stop()
	QueueContentProcessing(ctx context.Context, req ProcessRequest) error
	GetProcessingStatus(ctx context.Context, lessonID string) (*ProcessingStatus, error)
}

// Analyzer produces the structured analysis of extracted text; *orchestrator.Orchestrator implements it.
type Analyzer interface {
	AnalyzeContent(ctx context.Context, text string, opts orchestrator.ContentOptions) (*models.ContentAnalysis, error)
}

// JobQueue is the slice of *queue.Queue the pipeline uses.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, payload []byte, opts queue.Options) (bool, error)
	Run(ctx context.Context, concurrency int, handler queue.Handler) error
}

var (
	_ Ingestor = (*Pipeline)(nil)
	_ Analyzer = (*orchestrator.Orchestrator)(nil)
	_ JobQueue = (*queue.Queue)(nil)
)
