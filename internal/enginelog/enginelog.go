// Package enginelog provides the engine process's own operational logger,
// built on go.uber.org/zap. It is distinct from internal/logging: nothing
// written here lands in a Job's evidence directory. It covers the
// Engine's submissions and retries, the Scheduler's dispatch and deadline
// events, the Orchestrator's stage transitions, and the control plane's
// request log.
package enginelog

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the engine-internal operational logger.
type Logger struct {
	*zap.SugaredLogger
}

// New builds a Logger at the given level ("debug", "info", "warn", "error")
// writing structured JSON to stderr.
func New(level string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: base.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// With returns a child Logger with additional structured fields attached to
// every subsequent entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...)}
}

// Sync flushes any buffered log entries; call during graceful shutdown.
func (l *Logger) Sync() error {
	return l.SugaredLogger.Sync()
}
