package pipeline

import (
	"context"
	"log/slog"
)

// Sink receives progress and log output. Implementations must not block for
// long; the orchestrator calls them inline.
type Sink interface {
	Event(Event)
	Log(LogEntry)
}

type MultiSink []Sink

func (m MultiSink) Event(e Event) {
	for _, s := range m {
		if s != nil {
			s.Event(e)
		}
	}
}

func (m MultiSink) Log(entry LogEntry) {
	for _, s := range m {
		if s != nil {
			s.Log(entry)
		}
	}
}

type discardSink struct{}

func (discardSink) Event(Event)  {}
func (discardSink) Log(LogEntry) {}

// SlogSink writes events and log entries to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Event(e Event) {
	s.Logger.Info("stage", "run_id", e.RunID, "variant", e.Variant, "stage", e.Stage, "status", e.Status, "detail", e.Detail)
}

func (s SlogSink) Log(entry LogEntry) {
	attrs := []any{"run_id", entry.RunID}
	if entry.Variant != "" {
		attrs = append(attrs, "variant", entry.Variant)
	}
	s.Logger.Log(context.Background(), slogLevel(entry.Level), entry.Message, attrs...)
}

func slogLevel(level string) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}
