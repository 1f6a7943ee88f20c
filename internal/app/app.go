package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/api/handlers"
	"github.com/markdave123-py/Sprout/internal/config"
	"github.com/markdave123-py/Sprout/internal/core"
	db "github.com/markdave123-py/Sprout/internal/core/database"
	"github.com/markdave123-py/Sprout/internal/core/incidents"
	"github.com/markdave123-py/Sprout/internal/core/ingestion_engine"
	"github.com/markdave123-py/Sprout/internal/core/llm"
	objectclient "github.com/markdave123-py/Sprout/internal/core/object-client"
	"github.com/markdave123-py/Sprout/internal/core/ocr"
	"github.com/markdave123-py/Sprout/internal/core/orchestrator"
	"github.com/markdave123-py/Sprout/internal/core/queue"
	"github.com/markdave123-py/Sprout/internal/core/safety"
	"github.com/markdave123-py/Sprout/internal/metrics"
	"github.com/markdave123-py/Sprout/internal/models"
	"github.com/markdave123-py/Sprout/internal/services"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	DBClient     *db.DatabaseClient
	ObjectClient *objectclient.S3Client
	Queue        *queue.Queue
	Pipeline     *ingestion_engine.Pipeline
	Recorder     *incidents.Recorder
	Server       *Server

	publisher *incidents.RedisPublisher
	llm       *llm.GeminiLLM
	vision    *ocr.VisionOCR
	log       *zap.Logger
}

func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *App, err error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET not set")
	}
	metrics.Init()

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{log: log}
	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.DBClient, err = db.NewDatabaseClient(appCtx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("database initialized and ready")

	a.ObjectClient, err = objectclient.NewS3Client(appCtx, cfg, log)
	if err != nil {
		return nil, err
	}

	var extraRules []safety.Rule
	if cfg.SafetyRulesPath != "" {
		extraRules, err = safety.LoadRulesFile(cfg.SafetyRulesPath)
		if err != nil {
			return nil, fmt.Errorf("load safety rules: %w", err)
		}
		log.Info("extra safety rules loaded", zap.String("path", cfg.SafetyRulesPath), zap.Int("rules", len(extraRules)))
	}
	filter := safety.NewFilter(extraRules...)

	recOpts := incidents.Options{}
	if cfg.RedisAddr != "" {
		a.publisher, err = incidents.NewRedisPublisher(cfg.RedisAddr, cfg.IncidentChannel)
		if err != nil {
			return nil, fmt.Errorf("redis publisher: %w", err)
		}
		recOpts.Publisher = a.publisher
		log.Info("incident fan-out enabled", zap.String("channel", cfg.IncidentChannel))
	}
	a.Recorder = incidents.NewRecorder(a.DBClient, recOpts, log)

	a.llm, err = llm.NewGeminiLLM(appCtx, llm.Config{
		APIKey:        cfg.AIAPIKey,
		FastModel:     cfg.FastModel,
		AccurateModel: cfg.AccurateModel,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the llm: %w", err)
	}
	orch := orchestrator.New(a.llm, filter, a.Recorder, orchestrator.Options{ModelTimeout: cfg.ModelTimeout}, log)

	a.Queue, err = queue.Open(queue.Config{
		Path:         cfg.QueuePath,
		PollInterval: cfg.QueuePollInterval,
		LeaseTTL:     cfg.QueueLeaseTTL,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	docs := ingestion_engine.NewDocconvExtractor(a.ObjectClient, false)
	extractors := map[models.SourceType]core.TextExtractor{
		models.SourcePDF:     docs,
		models.SourceText:    ingestion_engine.NewTextExtractor(docs),
		models.SourceYoutube: ingestion_engine.NewYoutubeExtractor(nil),
	}
	if cfg.VisionEnabled {
		a.vision, err = ocr.NewVisionOCR(appCtx, log)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize vision ocr: %w", err)
		}
		extractors[models.SourceImage] = ingestion_engine.NewImageExtractor(a.ObjectClient, a.vision)
	} else {
		log.Warn("vision OCR disabled; IMAGE lessons will fail as unsupported")
	}

	a.Pipeline = ingestion_engine.NewPipeline(a.DBClient, a.Queue, extractors, orch, ingestion_engine.IngestConfig{
		Attempts: cfg.JobAttempts,
		Backoff:  cfg.JobBackoff,
		Workers:  cfg.WorkerCount,
	}, log)

	lessons := services.NewLessonService(a.DBClient, a.ObjectClient, a.Pipeline, a.ObjectClient.Bucket(), log)

	a.Server = NewServer(cfg, Handlers{
		Chat:    handlers.NewChatHandler(orch, a.DBClient, lessons, log),
		Content: handlers.NewContentHandler(orch, log),
		Lessons: handlers.NewLessonHandler(lessons, log),
		Health:  a.health,
	}, log)

	return a, nil
}

// Start launches the ingestion workers and the HTTP server. The returned channel
// receives the server's terminal error, if any.
func (a *App) Start(ctx context.Context) <-chan error {
	a.Pipeline.Start(ctx)
	errc := make(chan error, 1)
	go func() {
		errc <- a.Server.Start()
	}()
	return errc
}

func (a *App) health(ctx context.Context) error {
	if a.DBClient == nil {
		return errors.New("database not initialized")
	}
	return a.DBClient.Ping(ctx)
}

// Close stops intake first, then workers, then flushes incidents before the
// stores they write to go away.
func (a *App) Close(ctx context.Context) {
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("http shutdown", zap.Error(err))
		}
	}
	if a.Pipeline != nil {
		a.Pipeline.Stop()
	}
	if a.Recorder != nil {
		a.Recorder.Close()
	}
	closers := []struct {
		name string
		fn   func() error
	}{
		{"queue", closeIf(a.Queue != nil, func() error { return a.Queue.Close() })},
		{"redis", closeIf(a.publisher != nil, func() error { return a.publisher.Close() })},
		{"gemini", closeIf(a.llm != nil, func() error { return a.llm.Close() })},
		{"vision", closeIf(a.vision != nil, func() error { return a.vision.Close() })},
		{"database", closeIf(a.DBClient != nil, func() error { return a.DBClient.Close() })},
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			a.log.Warn("close "+c.name, zap.Error(err))
		}
	}
}

func closeIf(ok bool, fn func() error) func() error {
	if !ok {
		return func() error { return nil }
	}
	return fn
}
