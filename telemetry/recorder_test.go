package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kkeelor/tradeclarity/gateway/migrations"

	_ "github.com/mattn/go-sqlite3"
)

type memorySink struct {
	mu     sync.Mutex
	usage  []UsageRecord
	cache  []CacheRecord
	errs   []ErrorRecord
	block  chan struct{}
	fail   bool
	panics bool
}

func (s *memorySink) WriteUsage(_ context.Context, r UsageRecord) error {
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, r)
	if s.fail {
		return errors.New("write failed")
	}
	return nil
}

func (s *memorySink) WriteCache(_ context.Context, r CacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = append(s.cache, r)
	return nil
}

func (s *memorySink) WriteError(_ context.Context, r ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, r)
	return nil
}

func TestRecorderDeliversAndDrains(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, zerolog.Nop())

	r.RecordUsage(UsageRecord{Source: SourceTool, Tool: "GLOBAL_QUOTE"})
	r.RecordCache(CacheRecord{Tool: "GLOBAL_QUOTE", Hit: true})
	r.RecordError(ErrorRecord{Source: SourceTool, Tool: "GLOBAL_QUOTE", Kind: "rate_limit"})

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(sink.usage) != 1 || len(sink.cache) != 1 || len(sink.errs) != 1 {
		t.Errorf("Expected one record of each kind, got %d/%d/%d", len(sink.usage), len(sink.cache), len(sink.errs))
	}
	if sink.usage[0].At.IsZero() {
		t.Error("Expected record timestamp to be filled in")
	}
}

func TestRecorderNeverBlocks(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := NewRecorder(sink, zerolog.Nop(), WithQueueSize(1))

	done := make(chan struct{})
	go func() {
		for range 50 {
			r.RecordUsage(UsageRecord{Source: SourceTool})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordUsage blocked on a stalled sink")
	}
	if r.Dropped() == 0 {
		t.Error("Expected records to be dropped while the sink is stalled")
	}
	close(sink.block)
	_ = r.Close(context.Background())
}

func TestRecorderSurvivesSinkFailures(t *testing.T) {
	sink := &memorySink{panics: true}
	r := NewRecorder(sink, zerolog.Nop())
	r.RecordUsage(UsageRecord{})
	r.RecordCache(CacheRecord{Tool: "after-panic"})
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(sink.cache) != 1 {
		t.Error("Expected worker to keep running after a sink panic")
	}

	failing := &memorySink{fail: true}
	r = NewRecorder(failing, zerolog.Nop())
	r.RecordUsage(UsageRecord{})
	_ = r.Close(context.Background())
}

func TestRecorderAfterClose(t *testing.T) {
	r := NewRecorder(&memorySink{}, zerolog.Nop())
	_ = r.Close(context.Background())
	r.RecordUsage(UsageRecord{})
	if r.Dropped() != 1 {
		t.Errorf("Expected 1 dropped record, got %d", r.Dropped())
	}
	if err := r.Close(context.Background()); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.RecordUsage(UsageRecord{})
	r.RecordCache(CacheRecord{})
	r.RecordError(ErrorRecord{})
	if err := r.Close(context.Background()); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestSQLSink(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := migrations.Run(db, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sink := NewSQLSink(db)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, rec := range []UsageRecord{
		{Source: SourceTool, Tool: "GLOBAL_QUOTE", KeyIndex: 0, At: now},
		{Source: SourceTool, Tool: "GLOBAL_QUOTE", KeyIndex: 0, Stale: true, At: now},
		{Source: SourceTool, Tool: "MARKET_STATUS", KeyIndex: 1, At: now},
		{Source: SourceLLM, Provider: "anthropic", Model: "claude", InputTokens: 10, At: now},
	} {
		if err := sink.WriteUsage(ctx, rec); err != nil {
			t.Fatalf("WriteUsage failed: %v", err)
		}
	}
	if err := sink.WriteCache(ctx, CacheRecord{Tool: "GLOBAL_QUOTE", Hit: true, At: now}); err != nil {
		t.Fatalf("WriteCache failed: %v", err)
	}
	if err := sink.WriteError(ctx, ErrorRecord{Source: SourceTool, Kind: "rate_limit", Message: "slow down", At: now}); err != nil {
		t.Fatalf("WriteError failed: %v", err)
	}

	summary, err := sink.SummarizeToolUsage(ctx, now.Add(-time.Hour).Unix())
	if err != nil {
		t.Fatalf("SummarizeToolUsage failed: %v", err)
	}
	want := []UsageSummary{{KeyIndex: 0, Requests: 2, Stale: 1}, {KeyIndex: 1, Requests: 1}}
	if len(summary) != len(want) {
		t.Fatalf("Expected %d rows, got %d", len(want), len(summary))
	}
	for i := range want {
		if summary[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, summary[i], want[i])
		}
	}
}

func TestPrometheusSink(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := NewPrometheusSink(registry)
	ctx := context.Background()

	_ = sink.WriteUsage(ctx, UsageRecord{Source: SourceTool, Tool: "GLOBAL_QUOTE", Latency: time.Second})
	_ = sink.WriteUsage(ctx, UsageRecord{Source: SourceLLM, Provider: "openai", Model: "gpt-4o", InputTokens: 5, OutputTokens: 7})
	_ = sink.WriteCache(ctx, CacheRecord{Tool: "GLOBAL_QUOTE", Hit: true, Stale: true})
	_ = sink.WriteError(ctx, ErrorRecord{Source: SourceTool, Tool: "GLOBAL_QUOTE", Kind: "timeout_error"})

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"gateway_upstream_calls_total",
		"gateway_upstream_latency_seconds",
		"gateway_llm_tokens_total",
		"gateway_tool_cache_lookups_total",
		"gateway_upstream_errors_total",
	} {
		if !names[want] {
			t.Errorf("Expected metric %s to be registered", want)
		}
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &memorySink{}, &memorySink{fail: true}
	m := MultiSink{a, b}
	if err := m.WriteUsage(context.Background(), UsageRecord{}); err == nil {
		t.Error("Expected error from failing sink")
	}
	if len(a.usage) != 1 || len(b.usage) != 1 {
		t.Error("Expected both sinks to receive the record")
	}
}
