// Package logging provides the structured Logger used across the coreengine.
//
// Log calls take an event name followed by alternating key/value pairs:
//
//	logger.Info("pipeline_started", "agent_id", input.AgentID, "stages", 5)
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Bind(keysAndValues ...any) Logger
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// New creates a Logger writing to w. Format is "json" or "text"; level is
// one of DEBUG, INFO, WARN, ERROR (case-insensitive, default INFO).
func New(w io.Writer, format, level string) *SlogLogger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &SlogLogger{l: slog.New(h)}
}

// FromSlog wraps an existing slog logger.
func FromSlog(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogLogger) Debug(msg string, keysAndValues ...any) {
	s.l.Log(context.Background(), slog.LevelDebug, msg, keysAndValues...)
}

func (s *SlogLogger) Info(msg string, keysAndValues ...any) {
	s.l.Log(context.Background(), slog.LevelInfo, msg, keysAndValues...)
}

func (s *SlogLogger) Warn(msg string, keysAndValues ...any) {
	s.l.Log(context.Background(), slog.LevelWarn, msg, keysAndValues...)
}

func (s *SlogLogger) Error(msg string, keysAndValues ...any) {
	s.l.Log(context.Background(), slog.LevelError, msg, keysAndValues...)
}

// Bind returns a child logger that always carries the given fields.
func (s *SlogLogger) Bind(keysAndValues ...any) Logger {
	return &SlogLogger{l: s.l.With(keysAndValues...)}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)  {}
func (nopLogger) Info(string, ...any)   {}
func (nopLogger) Warn(string, ...any)   {}
func (nopLogger) Error(string, ...any)  {}
func (n nopLogger) Bind(...any) Logger { return n }

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

var _ Logger = (*SlogLogger)(nil)
