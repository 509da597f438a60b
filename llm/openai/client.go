// Package openai implements llm.Provider for OpenAI-compatible chat APIs:
// OpenAI itself and DeepSeek.
package openai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/transform"
)

// DefaultDeepSeekBaseURL is DeepSeek's OpenAI-compatible endpoint.
const DefaultDeepSeekBaseURL = "https://api.deepseek.com/v1"

// Provider implements llm.Provider for an OpenAI-compatible API.
type Provider struct {
	client *openai.Client
	vendor llm.Vendor
	logger zerolog.Logger
}

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string // Empty uses the vendor default
	Organization string
	Vendor       llm.Vendor // VendorOpenAI or VendorDeepSeek; empty means OpenAI
}

// NewProvider creates a Provider.
func NewProvider(cfg Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	vendor := cfg.Vendor
	if vendor == "" {
		vendor = llm.VendorOpenAI
	}
	if vendor != llm.VendorOpenAI && vendor != llm.VendorDeepSeek {
		return nil, fmt.Errorf("unsupported vendor %q", vendor)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	switch {
	case cfg.BaseURL != "":
		config.BaseURL = cfg.BaseURL
	case vendor == llm.VendorDeepSeek:
		config.BaseURL = DefaultDeepSeekBaseURL
	}
	if cfg.Organization != "" {
		config.OrgID = cfg.Organization
	}

	return &Provider{
		client: openai.NewClientWithConfig(config),
		vendor: vendor,
		logger: logger.With().Str("provider", string(vendor)).Logger(),
	}, nil
}

// Factory returns an llm.Factory for OpenAI.
func Factory(logger zerolog.Logger) llm.Factory {
	return func(cfg *llm.ProviderConfig) (llm.Provider, error) {
		return NewProvider(Config{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			Vendor:       llm.VendorOpenAI,
		}, logger)
	}
}

// DeepSeekFactory returns an llm.Factory for DeepSeek.
func DeepSeekFactory(logger zerolog.Logger) llm.Factory {
	return func(cfg *llm.ProviderConfig) (llm.Provider, error) {
		return NewProvider(Config{
			APIKey:  cfg.DeepSeekAPIKey,
			BaseURL: cfg.DeepSeekBaseURL,
			Vendor:  llm.VendorDeepSeek,
		}, logger)
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return string(p.vendor)
}

// CreateCompletion implements llm.Provider.
func (p *Provider) CreateCompletion(ctx context.Context, opts *llm.Options) (*llm.CompletionResult, error) {
	req, err := p.buildRequest(opts)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, mapError(p.vendor)(err)
	}

	result, err := transform.FromOpenAIResponse(&resp)
	if err != nil {
		return nil, llm.NewProviderError(fmt.Sprintf("%s: %v", p.vendor, err), err)
	}
	return result, nil
}

// CreateStream implements llm.Provider.
func (p *Provider) CreateStream(ctx context.Context, opts *llm.Options) (llm.Stream, error) {
	req, err := p.buildRequest(opts)
	if err != nil {
		return nil, err
	}
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		cancel()
		return nil, mapError(p.vendor)(err)
	}

	p.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("Stream opened")
	return llm.NewChunkStream[openai.ChatCompletionStreamResponse](cancel, newRecvSource(stream), newNormalizer(), mapError(p.vendor)), nil
}

func (p *Provider) buildRequest(opts *llm.Options) (openai.ChatCompletionRequest, error) {
	if opts == nil {
		return openai.ChatCompletionRequest{}, llm.NewInvalidRequestError("options are required")
	}
	model := llm.ModelName(opts.Model)
	if model == "" {
		return openai.ChatCompletionRequest{}, llm.NewInvalidRequestError("model is required")
	}

	msgs, err := transform.ToOpenAIMessages(opts.Messages, transform.WithSystem(opts.System, opts.Messages))
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("failed to convert messages: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(opts.Tools) > 0 {
		req.Tools = transform.ToOpenAITools(opts.Tools)
		req.ToolChoice = "auto"
	}

	// OpenAI reasoning models reject max_tokens; DeepSeek only knows max_tokens.
	if p.vendor == llm.VendorDeepSeek {
		req.MaxTokens = int(opts.MaxTokensOrDefault())
	} else {
		req.MaxCompletionTokens = int(opts.MaxTokensOrDefault())
	}

	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	return req, nil
}
