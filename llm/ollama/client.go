// Package ollama implements llm.Provider for a local Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/transform"
)

// errStopped ends a Chat callback when the consumer closes the stream.
var errStopped = errors.New("stream closed by consumer")

// Provider implements llm.Provider for Ollama's API.
type Provider struct {
	client *api.Client
	logger zerolog.Logger
}

// NewProvider creates a Provider. If host is empty, the environment is used
// (OLLAMA_HOST or http://localhost:11434).
func NewProvider(host string, logger zerolog.Logger) (*Provider, error) {
	var client *api.Client
	if host != "" {
		baseURL, err := parseHost(host)
		if err != nil {
			return nil, fmt.Errorf("invalid host: %w", err)
		}
		client = api.NewClient(baseURL, &http.Client{})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	}

	return &Provider{
		client: client,
		logger: logger.With().Str("provider", string(llm.VendorOllama)).Logger(),
	}, nil
}

// Factory returns an llm.Factory building Providers from ProviderConfig.
func Factory(logger zerolog.Logger) llm.Factory {
	return func(cfg *llm.ProviderConfig) (llm.Provider, error) {
		return NewProvider(cfg.OllamaHost, logger)
	}
}

// parseHost parses a host string into a URL, defaulting the scheme to http.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return string(llm.VendorOllama)
}

// CreateCompletion implements llm.Provider.
func (p *Provider) CreateCompletion(ctx context.Context, opts *llm.Options) (*llm.CompletionResult, error) {
	req, err := buildRequest(opts, false)
	if err != nil {
		return nil, err
	}

	var final api.ChatResponse
	err = p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}

	result := transform.FromOllamaResponse(&final)
	schemas := toolSchemas(opts.Tools)
	for i, call := range result.ToolCalls {
		result.ToolCalls[i].Arguments = coerce(p.logger, schemas, call)
	}
	return result, nil
}

// CreateStream implements llm.Provider.
func (p *Provider) CreateStream(ctx context.Context, opts *llm.Options) (llm.Stream, error) {
	req, err := buildRequest(opts, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	chunks := func(yield func(api.ChatResponse, error) bool) {
		err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if !yield(resp, nil) {
				return errStopped
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopped) {
			yield(api.ChatResponse{}, err)
		}
	}

	normalizer := newNormalizer(p.logger, toolSchemas(opts.Tools))
	return llm.NewChunkStream[api.ChatResponse](cancel, llm.NewPullSource[api.ChatResponse](chunks), normalizer, mapError), nil
}

func buildRequest(opts *llm.Options, stream bool) (*api.ChatRequest, error) {
	if opts == nil {
		return nil, llm.NewInvalidRequestError("options are required")
	}
	model := llm.ModelName(opts.Model)
	if model == "" {
		return nil, llm.NewInvalidRequestError("model is required")
	}

	msgs, err := transform.ToOllamaMessages(opts.Messages, transform.WithSystem(opts.System, opts.Messages))
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	req := &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options: map[string]any{
			"num_predict": int(opts.MaxTokensOrDefault()),
		},
	}
	if len(opts.Tools) > 0 {
		req.Tools = transform.ToOllamaTools(opts.Tools)
	}
	if opts.Temperature != nil {
		req.Options["temperature"] = *opts.Temperature
	}
	return req, nil
}

func toolSchemas(specs []llm.ToolSpec) map[string]llm.ToolSchema {
	schemas := make(map[string]llm.ToolSchema, len(specs))
	for _, spec := range specs {
		schemas[spec.Name] = spec.Schema
	}
	return schemas
}

// coerce converts arguments to the declared schema types. Calls to unknown
// tools or arguments that fail validation are passed through unchanged so
// the tool layer can report the error.
func coerce(logger zerolog.Logger, schemas map[string]llm.ToolSchema, call llm.ToolCall) map[string]any {
	schema, ok := schemas[call.Name]
	if !ok {
		return call.Arguments
	}
	args, err := transform.CoerceArguments(call.Name, call.Arguments, schema)
	if err != nil {
		logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool arguments do not match schema")
		return call.Arguments
	}
	return args
}

// mapError converts client errors into *llm.Error.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		return llm.HTTPError(llm.VendorOllama, statusErr.StatusCode, msg, err)
	}
	return llm.TransportError(llm.VendorOllama, err)
}
