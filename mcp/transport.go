// Package mcp is the wire transport for the market-data tool service, which
// speaks the Model Context Protocol (JSON-RPC with initialize, tools/list and
// tools/call) over streamable HTTP. Each API key gets its own endpoint URL and
// its own initialized session.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultEndpoint is the hosted market-data MCP endpoint.
const DefaultEndpoint = "https://mcp.alphavantage.co/mcp"

// ToolDefinition describes one tool offered by the service.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ServerInfo is the negotiated session description.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Instructions    string
}

// Transport executes protocol calls on behalf of one API key at a time.
type Transport interface {
	Initialize(ctx context.Context, apiKey string) (*ServerInfo, error)
	ListTools(ctx context.Context, apiKey string) ([]ToolDefinition, error)
	CallTool(ctx context.Context, apiKey, name string, args map[string]any) (string, error)
	Close() error
}

// StatusError is an HTTP-level failure reported by the service.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// ToolResultError is a tool call the service answered with isError set.
type ToolResultError struct {
	Tool    string
	Message string
}

func (e *ToolResultError) Error() string {
	return fmt.Sprintf("tool %s returned an error: %s", e.Tool, e.Message)
}

var statusPattern = regexp.MustCompile(`(?:status |\()(\d{3})\b`)

// wrapStatus lifts the HTTP status mcp-go embeds in its error text into a StatusError.
func wrapStatus(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return err
	}
	return &StatusError{Code: code, Err: err}
}

// session is installed before it is dialed; ready closes once client and
// info or err are set.
type session struct {
	ready  chan struct{}
	client *client.Client
	info   *ServerInfo
	err    error
}

// HTTPTransport keeps one initialized mcp-go client per API key. Sessions for
// different keys are dialed concurrently; callers for the same key share one
// dial.
type HTTPTransport struct {
	endpoint      string
	timeout       time.Duration
	clientName    string
	clientVersion string
	logger        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithTimeout sets the HTTP client timeout for every request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(t *HTTPTransport) { t.timeout = d }
}

// WithClientInfo sets the implementation name and version sent in initialize.
func WithClientInfo(name, version string) HTTPOption {
	return func(t *HTTPTransport) {
		t.clientName = name
		t.clientVersion = version
	}
}

// NewHTTPTransport creates a transport for endpoint. The API key is added to
// the endpoint's query string as apikey.
func NewHTTPTransport(logger zerolog.Logger, endpoint string, opts ...HTTPOption) (*HTTPTransport, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	t := &HTTPTransport{
		endpoint:      endpoint,
		timeout:       30 * time.Second,
		clientName:    "tradeclarity-gateway",
		clientVersion: "1.0.0",
		logger:        logger.With().Str("component", "mcpTransport").Logger(),
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// EndpointFor returns the endpoint URL carrying apiKey.
func (t *HTTPTransport) EndpointFor(apiKey string) (string, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("apikey", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Initialize negotiates a session for apiKey, reusing an existing one.
func (t *HTTPTransport) Initialize(ctx context.Context, apiKey string) (*ServerInfo, error) {
	s, err := t.session(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return s.info, nil
}

// ListTools returns the service's tool catalog.
func (t *HTTPTransport) ListTools(ctx context.Context, apiKey string) ([]ToolDefinition, error) {
	s, err := t.session(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.evict(apiKey, s)
		return nil, fmt.Errorf("failed to list tools: %w", wrapStatus(err))
	}
	t.logger.Debug().Int("tools", len(result.Tools)).Msg("Listed tools")

	return lo.Map(result.Tools, func(tool mcp.Tool, _ int) ToolDefinition {
		schema := map[string]any{"type": tool.InputSchema.Type}
		if tool.InputSchema.Properties != nil {
			schema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			schema["required"] = tool.InputSchema.Required
		}
		return ToolDefinition{Name: tool.Name, Description: tool.Description, InputSchema: schema}
	}), nil
}

// CallTool invokes name and returns the concatenated text content of the result.
func (t *HTTPTransport) CallTool(ctx context.Context, apiKey, name string, args map[string]any) (string, error) {
	s, err := t.session(ctx, apiKey)
	if err != nil {
		return "", err
	}

	result, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.evict(apiKey, s)
		return "", fmt.Errorf("failed to call tool %s: %w", name, wrapStatus(err))
	}

	text := contentText(result.Content)
	if result.IsError {
		return "", &ToolResultError{Tool: name, Message: text}
	}
	return text, nil
}

// Close closes every open session.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		select {
		case <-s.ready:
		default:
			// still dialing; the dialer closes it once it sees it was dropped
			continue
		}
		if s.client == nil {
			continue
		}
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *HTTPTransport) session(ctx context.Context, apiKey string) (*session, error) {
	t.mu.Lock()
	s, ok := t.sessions[apiKey]
	if !ok {
		s = &session{ready: make(chan struct{})}
		t.sessions[apiKey] = s
	}
	t.mu.Unlock()

	if ok {
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err != nil {
			return nil, s.err
		}
		return s, nil
	}

	s.client, s.info, s.err = t.dial(ctx, apiKey)

	var orphan *client.Client
	t.mu.Lock()
	current := t.sessions[apiKey] == s
	switch {
	case s.err != nil && current:
		delete(t.sessions, apiKey)
	case s.err == nil && !current:
		orphan, s.client = s.client, nil
		s.err = errors.New("transport closed")
	}
	close(s.ready)
	t.mu.Unlock()
	if orphan != nil {
		_ = orphan.Close()
	}

	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// dial starts and initializes a client for apiKey. It runs without t.mu held.
func (t *HTTPTransport) dial(ctx context.Context, apiKey string) (*client.Client, *ServerInfo, error) {
	endpoint, err := t.EndpointFor(apiKey)
	if err != nil {
		return nil, nil, err
	}
	c, err := client.NewStreamableHttpClient(endpoint, transport.WithHTTPTimeout(t.timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("failed to start MCP client: %w", wrapStatus(err))
	}

	info, err := t.initialize(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, info, nil
}

// initialize tries the latest protocol version first, then the older stable one.
func (t *HTTPTransport) initialize(ctx context.Context, c *client.Client) (*ServerInfo, error) {
	var lastErr error
	for _, version := range []string{mcp.LATEST_PROTOCOL_VERSION, "2024-11-05"} {
		res, err := c.Initialize(ctx, mcp.InitializeRequest{
			Params: mcp.InitializeParams{
				ProtocolVersion: version,
				Capabilities:    mcp.ClientCapabilities{},
				ClientInfo: mcp.Implementation{
					Name:    t.clientName,
					Version: t.clientVersion,
				},
			},
		})
		if err != nil {
			lastErr = wrapStatus(err)
			var se *StatusError
			if errors.As(lastErr, &se) && se.Code != 400 {
				// only a protocol mismatch is worth retrying
				break
			}
			t.logger.Debug().Err(err).Str("protocolVersion", version).Msg("Initialize failed, trying next protocol version")
			continue
		}
		t.logger.Debug().Str("server", res.ServerInfo.Name).Str("protocolVersion", res.ProtocolVersion).Msg("MCP session initialized")
		return &ServerInfo{
			Name:            res.ServerInfo.Name,
			Version:         res.ServerInfo.Version,
			ProtocolVersion: res.ProtocolVersion,
			Instructions:    res.Instructions,
		}, nil
	}
	return nil, fmt.Errorf("failed to initialize MCP session: %w", lastErr)
}

// evict drops s if it is still the session for apiKey.
func (t *HTTPTransport) evict(apiKey string, s *session) {
	t.mu.Lock()
	current := t.sessions[apiKey] == s
	if current {
		delete(t.sessions, apiKey)
	}
	t.mu.Unlock()
	if current {
		_ = s.client.Close()
	}
}

func contentText(content []mcp.Content) string {
	texts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			texts = append(texts, tc.Text)
			continue
		}
		if s := mcp.GetTextFromContent(c); s != "" {
			texts = append(texts, s)
		}
	}
	return strings.Join(texts, "\n")
}
