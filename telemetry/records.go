// Package telemetry records usage, cache and error events without ever
// blocking or failing the caller.
//
// Callers enqueue records on a Recorder; a single background worker hands
// them to a Sink. When the queue is full records are dropped. Sink failures
// and panics are logged at debug level and swallowed.
package telemetry

import (
	"context"
	"time"
)

// Source identifies which side of the gateway produced a record.
type Source string

const (
	SourceTool Source = "tool"
	SourceLLM  Source = "llm"
)

// UsageRecord describes one completed upstream call.
type UsageRecord struct {
	Source       Source
	Tool         string
	KeyIndex     int
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
	Stale        bool
	FallbackFrom string
	At           time.Time
}

// CacheRecord describes one cache lookup.
type CacheRecord struct {
	Tool  string
	Hit   bool
	Stale bool
	Age   time.Duration
	At    time.Time
}

// ErrorRecord describes one failed upstream call.
type ErrorRecord struct {
	Source     Source
	Tool       string
	Kind       string
	Message    string
	StatusCode int
	At         time.Time
}

// Sink receives records from the Recorder worker.
type Sink interface {
	WriteUsage(ctx context.Context, r UsageRecord) error
	WriteCache(ctx context.Context, r CacheRecord) error
	WriteError(ctx context.Context, r ErrorRecord) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) WriteUsage(context.Context, UsageRecord) error { return nil }
func (NopSink) WriteCache(context.Context, CacheRecord) error { return nil }
func (NopSink) WriteError(context.Context, ErrorRecord) error { return nil }

// MultiSink fans records out to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) WriteUsage(ctx context.Context, r UsageRecord) error {
	var first error
	for _, s := range m {
		if err := s.WriteUsage(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) WriteCache(ctx context.Context, r CacheRecord) error {
	var first error
	for _, s := range m {
		if err := s.WriteCache(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) WriteError(ctx context.Context, r ErrorRecord) error {
	var first error
	for _, s := range m {
		if err := s.WriteError(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
