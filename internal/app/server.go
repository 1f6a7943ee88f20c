package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/Sprout/internal/api/middlewares"
	"github.com/markdave123-py/Sprout/internal/config"
	"github.com/markdave123-py/Sprout/internal/metrics"
)

// Handlers groups the HTTP handlers the router mounts.
type Handlers struct {
	Chat    *handlers.ChatHandler
	Content *handlers.ContentHandler
	Lessons *handlers.LessonHandler
	Health  func(ctx context.Context) error
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, h Handlers, log *zap.Logger) *Server {
	log = log.Named("http")
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter([]byte(cfg.JWTSecret), h, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: httpSrv, log: log}
}

// NewRouter mounts the public health endpoints and the JWT-protected API.
func NewRouter(jwtSecret []byte, h Handlers, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if h.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.Health(ctx); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWT(jwtSecret))
		// Generation calls carry their own model timeout; this bounds everything else.
		api.Use(middleware.Timeout(90 * time.Second))

		if h.Chat != nil {
			api.Post("/chat", h.Chat.Chat)
			api.Post("/chat/selection", h.Chat.Selection)
		}
		if h.Content != nil {
			api.Post("/content/analyze", h.Content.Analyze)
			api.Post("/content/flashcards", h.Content.Flashcards)
			api.Post("/content/quiz", h.Content.Quiz)
		}
		if h.Lessons != nil {
			api.Post("/lessons/upload", h.Lessons.Upload)
			api.Post("/lessons/{lessonID}/process", h.Lessons.Process)
			api.Get("/lessons/{lessonID}/status", h.Lessons.Status)
			api.Get("/lessons/{lessonID}", h.Lessons.Get)
		}
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
