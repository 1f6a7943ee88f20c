package logger

import (
	"strings"

	"go.uber.org/zap"
)

// New builds the process logger. "prod"/"production" gives JSON output at info level,
// anything else the development console encoder at debug level.
func New(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
