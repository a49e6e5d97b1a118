// Package logger provides structured logging with context propagation for
// the collector, built on log/slog with optional file rotation.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/PerterPon/open-back/internal/config"
)

// ContextKey represents keys for context values.
type ContextKey string

const (
	TraceIDKey  ContextKey = "trace_id"
	JobIDKey    ContextKey = "job_id"
	SymbolKey   ContextKey = "symbol"
	IntervalKey ContextKey = "interval"
)

// Manager owns the base logger and its output.
type Manager struct {
	base   *slog.Logger
	writer io.WriteCloser

	mu         sync.Mutex
	components map[string]*slog.Logger
}

// NewManager builds a Manager from the logging configuration.
func NewManager(cfg config.LoggingConfig) (*Manager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: strings.EqualFold(cfg.Level, "debug"),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	if len(cfg.ContextFields) > 0 {
		attrs := make([]slog.Attr, 0, len(cfg.ContextFields))
		for k, v := range cfg.ContextFields {
			attrs = append(attrs, slog.String(k, v))
		}
		handler = handler.WithAttrs(attrs)
	}

	return &Manager{
		base:       slog.New(&contextHandler{Handler: handler}),
		writer:     writer,
		components: make(map[string]*slog.Logger),
	}, nil
}

func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stdout":
		return nopWriteCloser{os.Stdout}, nil
	case "stderr", "":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported log output: %s", cfg.Output)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the base logger.
func (m *Manager) Logger() *slog.Logger {
	return m.base
}

// Component returns a cached logger tagged with the component name.
func (m *Manager) Component(name string) *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.components[name]; ok {
		return l
	}
	l := m.base.With(slog.String("component", name))
	m.components[name] = l
	return l
}

// Close flushes and closes the log output.
func (m *Manager) Close() error {
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

// contextHandler adds the context keys to records logged with a context.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		r.AddAttrs(contextAttrs(ctx)...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range []ContextKey{TraceIDKey, JobIDKey, SymbolKey, IntervalKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// FromContext returns base annotated with the context keys. Use it where
// records are logged without a context.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	attrs := contextAttrs(ctx)
	if len(attrs) == 0 {
		return base
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return base.With(args...)
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithJob adds the job ID and its pair to the context.
func WithJob(ctx context.Context, jobID, symbol, interval string) context.Context {
	ctx = context.WithValue(ctx, JobIDKey, jobID)
	ctx = context.WithValue(ctx, SymbolKey, symbol)
	return context.WithValue(ctx, IntervalKey, interval)
}

// TraceID extracts the trace ID from the context.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// JobID extracts the job ID from the context.
func JobID(ctx context.Context) string {
	v, _ := ctx.Value(JobIDKey).(string)
	return v
}

// TimedOperation runs fn and logs its duration and outcome.
func TimedOperation(logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	if err != nil {
		logger.Error("timed operation failed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}

	logger.Info("timed operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	return nil
}
