package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/transform"
	"github.com/kkeelor/tradeclarity/gateway/telemetry"
)

// budgetMiddleware trims history to a token budget before every call.
type budgetMiddleware struct {
	llm.StreamMiddlewareFunc
	maxTokens int
	logger    zerolog.Logger
}

func newBudgetMiddleware(maxTokens int, logger zerolog.Logger) *budgetMiddleware {
	return &budgetMiddleware{
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "budgetMiddleware").Logger(),
	}
}

func (m *budgetMiddleware) BeforeRequest(ctx context.Context, opts *llm.Options) (*llm.Options, error) {
	return m.trim(opts), nil
}

func (m *budgetMiddleware) BeforeStream(ctx context.Context, opts *llm.Options) (*llm.Options, error) {
	return m.trim(opts), nil
}

func (m *budgetMiddleware) trim(opts *llm.Options) *llm.Options {
	if idx := transform.ConsecutiveRoles(opts.Messages); len(idx) > 0 {
		m.logger.Warn().Ints("indexes", idx).Str("model", opts.Model).Msg("Consecutive messages share a role; some vendors will reject them")
	}
	trimmed := transform.TrimToBudget(opts.Messages, m.maxTokens)
	if len(trimmed) == len(opts.Messages) {
		return opts
	}
	m.logger.Info().
		Int("before", len(opts.Messages)).
		Int("after", len(trimmed)).
		Int("budget", m.maxTokens).
		Msg("Trimmed conversation to context budget")
	out := *opts
	out.Messages = trimmed
	return &out
}

const abandonedAfter = 30 * time.Minute

// usageMiddleware logs every LLM call and records its usage and failures.
// Each call gets its own copy of Options, which keys the start time.
type usageMiddleware struct {
	recorder *telemetry.Recorder
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	starts map[*llm.Options]time.Time
}

func newUsageMiddleware(recorder *telemetry.Recorder, logger zerolog.Logger) *usageMiddleware {
	return &usageMiddleware{
		recorder: recorder,
		logger:   logger.With().Str("component", "usageMiddleware").Logger(),
		now:      time.Now,
		starts:   make(map[*llm.Options]time.Time),
	}
}

func (m *usageMiddleware) begin(opts *llm.Options) *llm.Options {
	call := *opts
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for o, start := range m.starts {
		// Streams closed before message_end never report back.
		if now.Sub(start) > abandonedAfter {
			delete(m.starts, o)
		}
	}
	m.starts[&call] = now
	return &call
}

func (m *usageMiddleware) end(opts *llm.Options) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.starts[opts]
	if !ok {
		return 0
	}
	delete(m.starts, opts)
	return m.now().Sub(start)
}

func (m *usageMiddleware) recordUsage(opts *llm.Options, usage *llm.Usage, latency time.Duration) {
	vendor, _ := llm.VendorForModel(opts.Model)
	rec := telemetry.UsageRecord{
		Source:   telemetry.SourceLLM,
		Provider: string(vendor),
		Model:    llm.ModelName(opts.Model),
		KeyIndex: -1,
		Latency:  latency,
	}
	if usage != nil {
		rec.InputTokens = usage.InputTokens
		rec.OutputTokens = usage.OutputTokens
	}
	m.logger.Debug().
		Str("provider", rec.Provider).
		Str("model", rec.Model).
		Int64("inputTokens", rec.InputTokens).
		Int64("outputTokens", rec.OutputTokens).
		Dur("latency", latency).
		Msg("LLM call completed")
	m.recorder.RecordUsage(rec)
}

func (m *usageMiddleware) recordError(opts *llm.Options, err error) {
	m.end(opts)
	rec := telemetry.ErrorRecord{
		Source:  telemetry.SourceLLM,
		Tool:    opts.Model,
		Kind:    string(llm.ErrorTypeOf(err)),
		Message: err.Error(),
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		rec.StatusCode = llmErr.StatusCode
	}
	m.logger.Warn().Err(err).Str("model", opts.Model).Str("kind", rec.Kind).Msg("LLM call failed")
	m.recorder.RecordError(rec)
}

func (m *usageMiddleware) BeforeRequest(ctx context.Context, opts *llm.Options) (*llm.Options, error) {
	return m.begin(opts), nil
}

func (m *usageMiddleware) AfterResponse(ctx context.Context, opts *llm.Options, resp *llm.CompletionResult) (*llm.CompletionResult, error) {
	m.recordUsage(opts, resp.Usage, m.end(opts))
	return resp, nil
}

func (m *usageMiddleware) OnError(ctx context.Context, opts *llm.Options, err error) error {
	m.recordError(opts, err)
	return nil
}

func (m *usageMiddleware) BeforeStream(ctx context.Context, opts *llm.Options) (*llm.Options, error) {
	return m.begin(opts), nil
}

func (m *usageMiddleware) OnStreamEvent(ctx context.Context, opts *llm.Options, event *llm.StreamEvent) (*llm.StreamEvent, error) {
	if event.Type == llm.EventMessageEnd {
		m.recordUsage(opts, event.Usage, m.end(opts))
	}
	return event, nil
}

func (m *usageMiddleware) OnStreamError(ctx context.Context, opts *llm.Options, err error) error {
	m.recordError(opts, err)
	return nil
}

var (
	_ llm.StreamMiddleware = (*budgetMiddleware)(nil)
	_ llm.StreamMiddleware = (*usageMiddleware)(nil)
)
