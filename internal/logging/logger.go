// Package logging provides structured logging for agent components.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys
type ContextKey string

// TraceIDKey is the context key for trace ID
const TraceIDKey ContextKey = "trace_id"

// Logger wraps logrus.Logger with a fixed component field.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance for the named component.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.ToLower(format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "text" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "text"
	}
	return New(component, level, format)
}

// Named returns a logger sharing the underlying logrus instance with a
// different component field.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Entry returns a logrus entry carrying the component field.
func (l *Logger) Entry() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}

// WithContext creates a logger entry enriched with context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Entry()
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithField creates a logger entry with the component plus one extra field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Entry().WithField(key, value)
}

// WithFields creates a logger entry with the component plus extra fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Entry().WithFields(fields)
}

// WithError creates a logger entry with the component and an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Entry().WithError(err)
}
