package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/app"
	"github.com/markdave123-py/Sprout/internal/config"
	"github.com/markdave123-py/Sprout/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	application, err := app.NewApp(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("startup failed", zap.Error(err))
	}

	errc := application.Start(ctx)
	zlog.Info("sprout is running", zap.String("port", cfg.Port), zap.Int("workers", cfg.WorkerCount))

	select {
	case <-ctx.Done():
		zlog.Info("shutting down...")
	case err := <-errc:
		if err != nil {
			zlog.Error("http server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	application.Close(shutdownCtx)
	zlog.Info("shutdown complete")
}
