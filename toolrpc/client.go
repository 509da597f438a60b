// Package toolrpc executes market-data tool calls under the daily key quota.
//
// Execute always consults the cache first. On a miss it selects a key, sends
// the call and classifies any failure:
//
//   - rate_limit: the key is marked exhausted and the next key is tried
//     immediately, without backoff.
//   - network_error (server side): the same key is retried with capped
//     exponential backoff.
//   - anything else ends the dispatch.
//
// A failed call may then be served from a stale cache entry (rate_limit,
// network_error, timeout_error) or from a single fallback tool (network_error,
// timeout_error, premium_required, unknown_error).
package toolrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/kkeelor/tradeclarity/gateway/keypool"
	"github.com/kkeelor/tradeclarity/gateway/mcp"
	"github.com/kkeelor/tradeclarity/gateway/telemetry"
	"github.com/kkeelor/tradeclarity/gateway/toolcache"
)

const (
	// DefaultCallTimeout bounds a single attempt.
	DefaultCallTimeout = 30 * time.Second
	// DefaultStaleMaxAge is the oldest cached result served when upstream fails.
	DefaultStaleMaxAge = 10 * time.Minute
	// DefaultServerRetries is the number of retries on the same key after a server error.
	DefaultServerRetries = 2
	// DefaultMaxBackoff caps the delay between server-error retries.
	DefaultMaxBackoff = 5 * time.Second
)

// Result is a successful tool call.
type Result struct {
	Payload string
	// Tool is the tool that produced Payload; differs from the requested tool
	// when FallbackFrom is set.
	Tool         string
	FallbackFrom string
	FromCache    bool
	Stale        bool
	Age          time.Duration
	KeyIndex     int
}

// Client runs tool calls against a Transport.
type Client struct {
	transport mcp.Transport
	keys      *keypool.Pool
	cache     *toolcache.Cache
	telemetry *telemetry.Recorder
	logger    zerolog.Logger

	callTimeout   time.Duration
	staleMaxAge   time.Duration
	serverRetries uint64
	newBackOff    func() backoff.BackOff
	now           func() time.Time

	toolsMu sync.Mutex
	tools   []mcp.ToolDefinition
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithStaleMaxAge overrides DefaultStaleMaxAge.
func WithStaleMaxAge(d time.Duration) Option {
	return func(c *Client) { c.staleMaxAge = d }
}

// WithServerRetries overrides DefaultServerRetries.
func WithServerRetries(n uint64) Option {
	return func(c *Client) { c.serverRetries = n }
}

// WithBackOff sets the backoff policy factory for server-error retries.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// WithTelemetry sets the telemetry recorder.
func WithTelemetry(r *telemetry.Recorder) Option {
	return func(c *Client) { c.telemetry = r }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "toolrpc").Logger() }
}

// WithClock overrides the time source used for latency.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client. keys and cache are required.
func New(transport mcp.Transport, keys *keypool.Pool, cache *toolcache.Cache, opts ...Option) *Client {
	c := &Client{
		transport:     transport,
		keys:          keys,
		cache:         cache,
		logger:        zerolog.Nop(),
		callTimeout:   DefaultCallTimeout,
		staleMaxAge:   DefaultStaleMaxAge,
		serverRetries: DefaultServerRetries,
		newBackOff:    defaultBackOff,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0.2
	eb.MaxInterval = DefaultMaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Execute runs tool with args. On failure the returned error is a *ToolError.
func (c *Client) Execute(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	return c.execute(ctx, tool, args, "")
}

func (c *Client) execute(ctx context.Context, tool string, args map[string]any, fallbackFrom string) (*Result, error) {
	if hit, ok := c.cache.Get(tool, args); ok {
		c.telemetry.RecordCache(telemetry.CacheRecord{Tool: tool, Hit: true, Age: hit.Age})
		c.logger.Debug().Str("tool", tool).Dur("age", hit.Age).Msg("Cache hit")
		return &Result{Payload: hit.Payload, Tool: tool, FallbackFrom: fallbackFrom, FromCache: true, Age: hit.Age, KeyIndex: -1}, nil
	}
	c.telemetry.RecordCache(telemetry.CacheRecord{Tool: tool})

	start := c.now()
	payload, keyIndex, err := c.dispatch(ctx, tool, args)
	if err == nil {
		c.cache.Set(tool, args, payload)
		c.telemetry.RecordUsage(telemetry.UsageRecord{
			Source:       telemetry.SourceTool,
			Tool:         tool,
			KeyIndex:     keyIndex,
			Latency:      c.now().Sub(start),
			FallbackFrom: fallbackFrom,
		})
		return &Result{Payload: payload, Tool: tool, FallbackFrom: fallbackFrom, KeyIndex: keyIndex}, nil
	}

	terr := Classify(err, tool, args)
	c.telemetry.RecordError(telemetry.ErrorRecord{
		Source:     telemetry.SourceTool,
		Tool:       tool,
		Kind:       string(terr.Kind),
		Message:    terr.Message,
		StatusCode: terr.StatusCode,
	})
	c.logger.Warn().Str("tool", tool).Str("kind", string(terr.Kind)).Err(err).Msg("Tool call failed")

	if terr.Kind.Degradable() {
		if hit, ok := c.cache.GetStale(tool, args, c.staleMaxAge); ok {
			c.telemetry.RecordCache(telemetry.CacheRecord{Tool: tool, Hit: true, Stale: true, Age: hit.Age})
			c.telemetry.RecordUsage(telemetry.UsageRecord{
				Source:       telemetry.SourceTool,
				Tool:         tool,
				KeyIndex:     -1,
				Stale:        true,
				FallbackFrom: fallbackFrom,
			})
			c.logger.Info().Str("tool", tool).Dur("age", hit.Age).Msg("Serving stale cached result")
			return &Result{Payload: hit.Payload, Tool: tool, FallbackFrom: fallbackFrom, FromCache: true, Stale: true, Age: hit.Age, KeyIndex: -1}, nil
		}
	}

	if fallbackFrom == "" && terr.Kind.FallbackEligible() {
		if fbTool, fbArgs, ok := ResolveFallback(tool, args); ok {
			c.logger.Info().Str("tool", tool).Str("fallback", fbTool).Msg("Trying fallback tool")
			res, ferr := c.execute(ctx, fbTool, fbArgs, tool)
			if ferr == nil {
				return res, nil
			}
			c.logger.Debug().Err(ferr).Str("fallback", fbTool).Msg("Fallback tool failed")
		}
	}
	return nil, terr
}

// dispatch sends the call, rotating keys on rate limits. It returns the key
// index that produced the payload.
func (c *Client) dispatch(ctx context.Context, tool string, args map[string]any) (string, int, error) {
	for attempt := 0; attempt < c.keys.Size(); attempt++ {
		if err := ctx.Err(); err != nil {
			return "", -1, err
		}
		idx, ok := c.keys.NextAvailable()
		if !ok {
			break
		}

		payload, err := c.callWithRetry(ctx, idx, tool, args)
		if err == nil {
			return payload, idx, nil
		}
		terr := Classify(err, tool, args)
		if terr.Kind != KindRateLimit {
			return "", idx, terr
		}
		c.keys.ForceExhaust(idx)
		c.logger.Warn().Int("key", idx).Str("tool", tool).Msg("Key rate limited, rotating")
	}
	return "", -1, &ToolError{
		Kind:    KindRateLimit,
		Message: "all market data API keys are exhausted for today",
		Hint:    Hint(KindRateLimit),
		Tool:    tool,
	}
}

// callWithRetry sends the call on one key, retrying server errors with backoff.
// Every attempt counts against the key's quota.
func (c *Client) callWithRetry(ctx context.Context, idx int, tool string, args map[string]any) (string, error) {
	key := c.keys.Key(idx)
	var payload string

	op := func() error {
		c.keys.Increment(idx)
		attemptCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		out, err := c.transport.CallTool(attemptCtx, key, tool, args)
		if err == nil {
			out = NormalizePayload(out)
			if msg := InBandError(out); msg != "" {
				err = &inBandError{message: msg}
			}
		}
		if err == nil {
			payload = out
			return nil
		}
		if ctx.Err() == nil && attemptCtx.Err() != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("tool call timed out after %s: %w", c.callTimeout, err)
			}
			return backoff.Permanent(err)
		}
		if isServerError(err, tool, args) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, d time.Duration) {
		c.logger.Debug().Err(err).Int("key", idx).Dur("backoff", d).Msg("Server error, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.serverRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", err
	}
	return payload, nil
}

func isServerError(err error, tool string, args map[string]any) bool {
	var se *mcp.StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return Classify(err, tool, args).Kind == KindNetwork
}

// ListTools returns the service's tool catalog, fetched once per process.
// Listing does not count against key quotas.
func (c *Client) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	if c.tools != nil {
		return c.tools, nil
	}

	var lastErr error
	for i := 0; i < c.keys.Size(); i++ {
		tools, err := c.transport.ListTools(ctx, c.keys.Key(i))
		if err != nil {
			lastErr = err
			continue
		}
		c.tools = tools
		return tools, nil
	}
	return nil, Classify(lastErr, "tools/list", nil)
}

// Negotiate initializes a session with the service on the first key.
func (c *Client) Negotiate(ctx context.Context) (*mcp.ServerInfo, error) {
	info, err := c.transport.Initialize(ctx, c.keys.Key(0))
	if err != nil {
		return nil, Classify(err, "initialize", nil)
	}
	return info, nil
}
