// Package telemetry is the structured event sink for the pipeline.
// Callers must only pass fingerprints and labels, never raw query text.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

// Sink accepts breadcrumbs (low-severity trail entries) and events
// (warnings or errors that an operator should see).
type Sink interface {
	Breadcrumb(ctx context.Context, category, message string, data map[string]any)
	Event(ctx context.Context, level slog.Level, category, message string, data map[string]any)
}

// LogSink writes to a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink over logger, or slog.Default() when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Breadcrumb(ctx context.Context, category, message string, data map[string]any) {
	s.logger.LogAttrs(ctx, slog.LevelDebug, message, attrs(category, data)...)
}

func (s *LogSink) Event(ctx context.Context, level slog.Level, category, message string, data map[string]any) {
	s.logger.LogAttrs(ctx, level, message, attrs(category, data)...)
}

func attrs(category string, data map[string]any) []slog.Attr {
	out := make([]slog.Attr, 0, len(data)+1)
	out = append(out, slog.String("category", category))
	for k, v := range data {
		out = append(out, slog.Any(k, v))
	}
	return out
}

// Entry is one recorded call on a Recorder.
type Entry struct {
	Kind     string // "breadcrumb" or "event"
	Level    slog.Level
	Category string
	Message  string
	Data     map[string]any
}

// Recorder keeps every call in memory for tests to inspect.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Breadcrumb(_ context.Context, category, message string, data map[string]any) {
	r.add(Entry{Kind: "breadcrumb", Level: slog.LevelDebug, Category: category, Message: message, Data: data})
}

func (r *Recorder) Event(_ context.Context, level slog.Level, category, message string, data map[string]any) {
	r.add(Entry{Kind: "event", Level: level, Category: category, Message: message, Data: data})
}

func (r *Recorder) add(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByCategory filters recorded entries.
func (r *Recorder) ByCategory(category string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Breadcrumb(context.Context, string, string, map[string]any)        {}
func (discard) Event(context.Context, slog.Level, string, string, map[string]any) {}
