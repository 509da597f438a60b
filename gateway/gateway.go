// Package gateway is the single entry point for callers: it executes
// market-data tools through the key pool, cache and fallback machinery, and
// runs LLM completions through whichever vendor serves the requested model.
//
// All shared state lives in State, built by the caller. Nothing is kept in
// package variables, so tests and multiple gateways in one process do not
// interfere.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/kkeelor/tradeclarity/gateway/keypool"
	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/mcp"
	"github.com/kkeelor/tradeclarity/gateway/telemetry"
	"github.com/kkeelor/tradeclarity/gateway/toolcache"
	"github.com/kkeelor/tradeclarity/gateway/toolrpc"
)

// State is the shared runtime state of a gateway.
type State struct {
	Keys      *keypool.Pool
	Cache     *toolcache.Cache
	Telemetry *telemetry.Recorder
}

// Gateway executes tools and LLM calls against State.
type Gateway struct {
	state     State
	tools     *toolrpc.Client
	registry  *llm.ProviderRegistry
	names     *mcp.NameAdapter
	logger    zerolog.Logger
	transport mcp.Transport
	rpcOpts   []toolrpc.Option

	providerConfig *llm.ProviderConfig
	factories      map[llm.Vendor]llm.Factory
	contextBudget  int
	llmRetries     uint64
	llmBackOff     func() backoff.BackOff
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTransport sets the market-data transport. Without one, tool calls fail
// with a network error.
func WithTransport(t mcp.Transport) Option {
	return func(g *Gateway) { g.transport = t }
}

// WithProviders sets the vendor credentials and the factories that build
// providers from them.
func WithProviders(cfg *llm.ProviderConfig, factories map[llm.Vendor]llm.Factory) Option {
	return func(g *Gateway) {
		g.providerConfig = cfg
		g.factories = factories
	}
}

// WithContextBudget trims conversation history to roughly tokens before each
// LLM call. Zero disables trimming.
func WithContextBudget(tokens int) Option {
	return func(g *Gateway) { g.contextBudget = tokens }
}

// WithToolOptions passes extra options to the tool RPC client.
func WithToolOptions(opts ...toolrpc.Option) Option {
	return func(g *Gateway) { g.rpcOpts = append(g.rpcOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New builds a gateway. state.Keys must be set; a nil Cache gets an in-memory
// one and a nil Telemetry records nothing.
func New(state State, opts ...Option) (*Gateway, error) {
	if state.Keys == nil {
		return nil, errors.New("gateway: key pool is required")
	}
	g := &Gateway{
		names:      mcp.NewNameAdapter(),
		logger:     zerolog.Nop(),
		llmRetries: DefaultLLMRetries,
		llmBackOff: defaultLLMBackOff,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "gateway").Logger()
	if state.Cache == nil {
		state.Cache = toolcache.New(toolcache.WithLogger(g.logger))
	}
	g.state = state
	if g.transport == nil {
		g.transport = unconfiguredTransport{}
	}

	rpcOpts := append([]toolrpc.Option{
		toolrpc.WithTelemetry(state.Telemetry),
		toolrpc.WithLogger(g.logger),
	}, g.rpcOpts...)
	g.tools = toolrpc.New(g.transport, state.Keys, state.Cache, rpcOpts...)

	middleware := []llm.Middleware{newUsageMiddleware(state.Telemetry, g.logger)}
	if g.contextBudget > 0 {
		middleware = append([]llm.Middleware{newBudgetMiddleware(g.contextBudget, g.logger)}, middleware...)
	}
	g.registry = llm.NewProviderRegistry(g.providerConfig, middleware...)
	for vendor, factory := range g.factories {
		g.registry.Register(vendor, factory)
	}
	return g, nil
}

// State returns the state the gateway was built with.
func (g *Gateway) State() State { return g.state }

// Registry exposes the provider registry, e.g. to list configured vendors.
func (g *Gateway) Registry() *llm.ProviderRegistry { return g.registry }

// ExecuteTool runs a market-data tool. name may be the service name or the
// safe name handed to an LLM by ToolSpecs. On a tool failure the returned
// string is the error rendered as JSON, ready to be fed back to an LLM, and
// the error is the *toolrpc.ToolError.
func (g *Gateway) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, _ := g.names.ToOriginalName(name)
	res, err := g.tools.Execute(ctx, tool, args)
	if err != nil {
		var terr *toolrpc.ToolError
		if errors.As(err, &terr) {
			return terr.JSON(), err
		}
		return "", err
	}
	ev := g.logger.Debug().Str("tool", tool).Bool("cached", res.FromCache).Bool("stale", res.Stale)
	if res.FallbackFrom != "" {
		ev = ev.Str("fallbackFrom", res.FallbackFrom).Str("servedBy", res.Tool)
	}
	ev.Msg("Tool executed")
	return res.Payload, nil
}

// ToolSpecs lists the service's tools as LLM tool specs with vendor-safe names.
func (g *Gateway) ToolSpecs(ctx context.Context) ([]llm.ToolSpec, error) {
	defs, err := g.tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return lo.Map(defs, func(d mcp.ToolDefinition, _ int) llm.ToolSpec {
		return llm.ToolSpec{
			Name:        g.names.GetSafeName(d.Name),
			Description: d.Description,
			Schema:      toolSchema(d.InputSchema),
		}
	}), nil
}

func toolSchema(in map[string]any) llm.ToolSchema {
	schema := llm.ToolSchema{Type: "object", Properties: map[string]any{}}
	for k, v := range in {
		switch k {
		case "type":
			if s, ok := v.(string); ok {
				schema.Type = s
			}
		case "properties":
			if m, ok := v.(map[string]any); ok {
				schema.Properties = m
			}
		case "required":
			schema.Required = requiredList(v)
		default:
			if schema.ExtraFields == nil {
				schema.ExtraFields = make(map[string]any)
			}
			schema.ExtraFields[k] = v
		}
	}
	return schema
}

func requiredList(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		return lo.FilterMap(r, func(x any, _ int) (string, bool) {
			s, ok := x.(string)
			return s, ok
		})
	}
	return nil
}

// CreateStream starts a streamed completion on the vendor serving opts.Model.
// Failures before the first event are retried; once events flow, errors are
// the caller's to handle.
func (g *Gateway) CreateStream(ctx context.Context, opts *llm.Options) (llm.Stream, error) {
	p, err := g.provider(opts)
	if err != nil {
		return nil, err
	}
	var stream llm.Stream
	err = g.withRetry(ctx, opts.Model, func() error {
		var err error
		stream, err = p.CreateStream(ctx, opts)
		return err
	})
	return stream, err
}

// CreateCompletion runs a non-streamed completion on the vendor serving opts.Model.
func (g *Gateway) CreateCompletion(ctx context.Context, opts *llm.Options) (*llm.CompletionResult, error) {
	p, err := g.provider(opts)
	if err != nil {
		return nil, err
	}
	var result *llm.CompletionResult
	err = g.withRetry(ctx, opts.Model, func() error {
		var err error
		result, err = p.CreateCompletion(ctx, opts)
		return err
	})
	return result, err
}

func (g *Gateway) provider(opts *llm.Options) (llm.Provider, error) {
	if opts == nil || opts.Model == "" {
		return nil, llm.NewInvalidRequestError("model is required")
	}
	return g.registry.ForModel(opts.Model)
}

// Close flushes telemetry.
func (g *Gateway) Close(ctx context.Context) error {
	if g.state.Telemetry == nil {
		return nil
	}
	return g.state.Telemetry.Close(ctx)
}

type unconfiguredTransport struct{}

var errNoTransport = &mcp.StatusError{Code: http.StatusServiceUnavailable, Err: errors.New("market-data transport not configured")}

func (unconfiguredTransport) Initialize(context.Context, string) (*mcp.ServerInfo, error) {
	return nil, errNoTransport
}

func (unconfiguredTransport) ListTools(context.Context, string) ([]mcp.ToolDefinition, error) {
	return nil, errNoTransport
}

func (unconfiguredTransport) CallTool(context.Context, string, string, map[string]any) (string, error) {
	return "", errNoTransport
}

func (unconfiguredTransport) Close() error { return nil }
