// Package anthropic implements llm.Provider for Anthropic's Messages API.
package anthropic

import (
	"context"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/transform"
)

// Provider implements llm.Provider for Anthropic's API.
type Provider struct {
	client anthropic.Client
	logger zerolog.Logger
}

// NewProvider creates a Provider with the given API key. opts are passed to
// the SDK client after the key.
func NewProvider(apiKey string, logger zerolog.Logger, opts ...option.RequestOption) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Provider{
		client: anthropic.NewClient(opts...),
		logger: logger.With().Str("provider", string(llm.VendorAnthropic)).Logger(),
	}, nil
}

// Factory returns an llm.Factory building Providers from ProviderConfig.
func Factory(logger zerolog.Logger) llm.Factory {
	return func(cfg *llm.ProviderConfig) (llm.Provider, error) {
		return NewProvider(cfg.AnthropicAPIKey, logger)
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return string(llm.VendorAnthropic)
}

// CreateCompletion implements llm.Provider.
func (p *Provider) CreateCompletion(ctx context.Context, opts *llm.Options) (*llm.CompletionResult, error) {
	params, err := buildParams(opts)
	if err != nil {
		return nil, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}

	result := transform.FromAnthropicResponse(message)
	logCacheStats(p.logger, result.Usage, "Prompt cache stats")
	return result, nil
}

// CreateStream implements llm.Provider.
func (p *Provider) CreateStream(ctx context.Context, opts *llm.Options) (llm.Stream, error) {
	params, err := buildParams(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := p.client.Messages.NewStreaming(ctx, params)
	return llm.NewChunkStream[anthropic.MessageStreamEventUnion](cancel, stream, newNormalizer(p.logger), mapError), nil
}

func buildParams(opts *llm.Options) (anthropic.MessageNewParams, error) {
	if opts == nil {
		return anthropic.MessageNewParams{}, llm.NewInvalidRequestError("options are required")
	}

	msgs, err := transform.ToAnthropicMessages(opts.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(llm.ModelName(opts.Model)),
		MaxTokens: opts.MaxTokensOrDefault(),
		Messages:  msgs,
	}
	if len(opts.Tools) > 0 {
		params.Tools = transform.ToAnthropicTools(opts.Tools)
	}
	if system := transform.WithSystem(opts.System, opts.Messages); system != "" {
		params.System = buildSystemBlocks(system)
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	return params, nil
}

// buildSystemBlocks creates the system block with prompt caching enabled.
// cache_control on the system block caches the prefix of tools and system,
// which repeat across tool-calling rounds.
func buildSystemBlocks(systemPrompt string) []anthropic.TextBlockParam {
	return []anthropic.TextBlockParam{
		{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
	}
}

func logCacheStats(logger zerolog.Logger, usage *llm.Usage, msg string) {
	if usage == nil || (usage.CacheCreationInputTokens == 0 && usage.CacheReadInputTokens == 0) {
		return
	}
	cacheEfficiency := float64(0)
	if usage.InputTokens > 0 {
		cacheEfficiency = float64(usage.CacheReadInputTokens) / float64(usage.InputTokens) * 100
	}
	logger.Debug().
		Int64("input_tokens", usage.InputTokens).
		Int64("cache_creation_tokens", usage.CacheCreationInputTokens).
		Int64("cache_read_tokens", usage.CacheReadInputTokens).
		Float64("cache_efficiency", cacheEfficiency).
		Msg(msg)
}
