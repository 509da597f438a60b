package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink exposes records as counters and histograms.
type PrometheusSink struct {
	calls        *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	errors       *prometheus.CounterVec
}

// NewPrometheusSink registers the gateway metrics on registerer, or on the
// default registerer when nil.
func NewPrometheusSink(registerer prometheus.Registerer) *PrometheusSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusSink{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_calls_total",
				Help: "Completed upstream calls",
			},
			[]string{"source", "target", "key", "stale"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_latency_seconds",
				Help:    "Latency of upstream calls in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source", "target"},
		),
		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_llm_tokens_total",
				Help: "Tokens consumed by LLM calls",
			},
			[]string{"provider", "model", "direction"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_cache_lookups_total",
				Help: "Tool cache lookups by result",
			},
			[]string{"tool", "result"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_errors_total",
				Help: "Failed upstream calls by error kind",
			},
			[]string{"source", "target", "kind"},
		),
	}
}

func (p *PrometheusSink) WriteUsage(_ context.Context, r UsageRecord) error {
	target := r.Tool
	if r.Source == SourceLLM {
		target = r.Provider
		p.tokens.WithLabelValues(r.Provider, r.Model, "input").Add(float64(r.InputTokens))
		p.tokens.WithLabelValues(r.Provider, r.Model, "output").Add(float64(r.OutputTokens))
	}
	p.calls.WithLabelValues(string(r.Source), target, strconv.Itoa(r.KeyIndex), strconv.FormatBool(r.Stale)).Inc()
	if r.Latency > 0 {
		p.latency.WithLabelValues(string(r.Source), target).Observe(r.Latency.Seconds())
	}
	return nil
}

func (p *PrometheusSink) WriteCache(_ context.Context, r CacheRecord) error {
	result := "miss"
	switch {
	case r.Hit && r.Stale:
		result = "stale"
	case r.Hit:
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(r.Tool, result).Inc()
	return nil
}

func (p *PrometheusSink) WriteError(_ context.Context, r ErrorRecord) error {
	p.errors.WithLabelValues(string(r.Source), r.Tool, r.Kind).Inc()
	return nil
}
