// Package logging provides the per-run, per-stage structured evidence
// logger. Every Job gets its own Logger instance carrying job_id as a
// constant field; the Stage Runner derives a stage-scoped child logger per
// stage so that every line written to a stage's evidence directory already
// carries job_id and stage without the caller repeating them.
//
// This is distinct from internal/enginelog, which logs the engine process's
// own operational events (scheduler dispatch, orchestrator stage
// transitions) and is
// never written into a Job's evidence directory.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with job-scoped fields.
type Logger struct {
	*logrus.Logger
	jobID string
	stage string
}

// Config controls level and format. Mirroring to a file is set up by
// NewForEvidenceDir, not by Config.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text; defaults to json
}

// New creates a job-scoped Logger writing to stdout.
func New(jobID string, cfg Config) *Logger {
	l := logrus.New()
	l.SetLevel(parseLevel(cfg.Level))
	l.SetFormatter(formatterFor(cfg.Format))
	l.SetOutput(os.Stdout)
	return &Logger{Logger: l, jobID: jobID}
}

// NewForEvidenceDir creates a job-scoped Logger that mirrors every line to
// <evidenceDir>/engine.jsonl in addition to stdout, matching the append-only
// evidence directory layout.
func NewForEvidenceDir(jobID, evidenceDir string, cfg Config) (*Logger, error) {
	if err := os.MkdirAll(evidenceDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create evidence dir: %w", err)
	}
	path := filepath.Join(evidenceDir, "engine.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open evidence log: %w", err)
	}

	l := logrus.New()
	l.SetLevel(parseLevel(cfg.Level))
	l.SetFormatter(formatterFor(cfg.Format))
	l.SetOutput(io.MultiWriter(os.Stdout, f))

	return &Logger{Logger: l, jobID: jobID}, nil
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

func formatterFor(format string) logrus.Formatter {
	if strings.ToLower(format) == "text" {
		return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	}
}

// WithStage returns a child Logger scoped to a single pipeline stage; every
// entry it emits carries both job_id and stage.
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{Logger: l.Logger, jobID: l.jobID, stage: stage}
}

func (l *Logger) baseFields() logrus.Fields {
	fields := logrus.Fields{"job_id": l.jobID}
	if l.stage != "" {
		fields["stage"] = l.stage
	}
	return fields
}

// WithField returns a log entry with one extra field, job_id/stage already
// attached.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithFields(l.baseFields()).WithField(key, value)
}

// WithFields returns a log entry with extra fields, job_id/stage already
// attached.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	entry := l.Logger.WithFields(l.baseFields())
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	return entry
}

// WithError returns a log entry carrying an error field, job_id/stage
// already attached.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(l.baseFields()).WithError(err)
}

// Info/Warn/Error/Debug proxy to a bare entry with job_id/stage attached, so
// callers that have no extra fields need not call WithFields(nil).

func (l *Logger) Info(args ...interface{}) {
	l.Logger.WithFields(l.baseFields()).Info(args...)
}

func (l *Logger) Warn(args ...interface{}) {
	l.Logger.WithFields(l.baseFields()).Warn(args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.Logger.WithFields(l.baseFields()).Error(args...)
}

func (l *Logger) Debug(args ...interface{}) {
	l.Logger.WithFields(l.baseFields()).Debug(args...)
}
