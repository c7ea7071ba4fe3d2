// Package logger builds the structured zap loggers used across gather.
//
// Modes:
//   - "dev": human-readable console output at debug level
//   - "prod": JSON output at info level (default)
//
// Components take a *zap.Logger in their options and fall back to a no-op
// logger when none is given, so library use stays silent by default.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Mode values accepted by New.
const (
	ModeDev  = "dev"
	ModeProd = "prod"
)

// New creates a logger for the given mode. Output goes to stderr so stdout
// stays free for exported results.
func New(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeDev, "development", "debug":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "", ModeProd, "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("logger: unknown mode %q (want %s or %s)", mode, ModeDev, ModeProd)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build: %w", err)
	}
	return l, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
