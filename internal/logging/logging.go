package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeyRunID      = "runId"
	KeyReport     = "report"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// Options configures the process-wide log sink.
type Options struct {
	Format     string    // "json" or "text" (default "text")
	Level      string    // "debug", "info", "warn", "error" (default "info")
	Output     io.Writer // nil = os.Stderr
	File       string    // optional rotated log file, tee'd with Output
	MaxSizeMB  int
	MaxBackups int
}

// Sink owns the configured handler and any files behind it. It is created
// once by Init and handed to components as *slog.Logger values.
type Sink struct {
	root      *slog.Logger
	file      *RotatingWriter
	closeOnce sync.Once
	closeErr  error
}

// Init builds the sink and installs it as the slog default so that library
// code logging through slog lands in the same place. Call Close on shutdown.
func Init(opts Options) (*Sink, error) {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	sink := &Sink{}
	if opts.File != "" {
		rw, err := NewRotatingWriter(opts.File, opts.MaxSizeMB, opts.MaxBackups)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink.file = rw
		output = TeeWriter(output, rw)
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(output, handlerOpts)
	}

	sink.root = slog.New(handler)
	slog.SetDefault(sink.root)
	return sink, nil
}

// Logger returns a logger tagged with the given component name.
func (s *Sink) Logger(component string) *slog.Logger {
	if s == nil || s.root == nil {
		return Discard()
	}
	return s.root.With(slog.String(KeyComponent, component))
}

// Close flushes and closes the log file, if any. Safe to call more than once
// and on a nil receiver.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.file != nil {
			s.closeErr = s.file.Close()
		}
	})
	return s.closeErr
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// WithRun returns a child logger with run correlation fields attached.
func WithRun(logger *slog.Logger, runID, report string) *slog.Logger {
	return logger.With(
		slog.String(KeyRunID, runID),
		slog.String(KeyReport, report),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger carried by ctx, or fallback (discarding
// when nil) if ctx carries none.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return OrDiscard(fallback)
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
