// Package logging provides structured logging with trace/actor propagation.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried by Logger.WithContext.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	ActorKey     ContextKey = "actor"
	NotebookKey  ContextKey = "notebook_id"
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with the kernel's field conventions.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the named component.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
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

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an Entry carrying trace id, actor, and notebook
// fields extracted from ctx, plus the logger's component name.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"component": l.component}
	if v, ok := ctx.Value(TraceIDKey).(string); ok && v != "" {
		fields["trace_id"] = v
	}
	if v, ok := ctx.Value(ActorKey).(string); ok && v != "" {
		fields["actor"] = v
	}
	if v, ok := ctx.Value(NotebookKey).(string); ok && v != "" {
		fields["notebook_id"] = v
	}
	return l.Logger.WithFields(fields)
}

// WithTrace returns a copy of ctx carrying the given trace id.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithActor returns a copy of ctx carrying the given actor id.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// WithNotebook returns a copy of ctx carrying the given notebook id.
func WithNotebook(ctx context.Context, notebookID string) context.Context {
	return context.WithValue(ctx, NotebookKey, notebookID)
}
