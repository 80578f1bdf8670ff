package utils

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process logger. It is a no-op until InitLogger runs so that
// packages and tests can log unconditionally.
var Log = zap.NewNop()

// InitLogger builds the process logger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func InitLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	Log = logger
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// LogError logs an error if it's not nil
func LogError(err error, context string) {
	if err != nil {
		Log.Error("error", zap.String("context", context), zap.Error(err))
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
