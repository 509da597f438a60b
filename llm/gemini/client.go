// Package gemini implements llm.Provider for Google's Gemini API.
package gemini

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"google.golang.org/genai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/transform"
)

// Provider implements llm.Provider for the Gemini API.
type Provider struct {
	client *genai.Client
	logger zerolog.Logger
}

// Config configures a Provider.
type Config struct {
	APIKey  string
	BaseURL string // Empty uses the SDK default
}

// NewProvider creates a Provider.
func NewProvider(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Provider{
		client: client,
		logger: logger.With().Str("provider", string(llm.VendorGemini)).Logger(),
	}, nil
}

// Factory returns an llm.Factory building Providers from ProviderConfig.
func Factory(logger zerolog.Logger) llm.Factory {
	return func(cfg *llm.ProviderConfig) (llm.Provider, error) {
		return NewProvider(context.Background(), Config{APIKey: cfg.GeminiAPIKey}, logger)
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return string(llm.VendorGemini)
}

// CreateCompletion implements llm.Provider.
func (p *Provider) CreateCompletion(ctx context.Context, opts *llm.Options) (*llm.CompletionResult, error) {
	model, contents, config, err := buildRequest(opts)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, mapError(err)
	}
	return transform.FromGeminiResponse(resp), nil
}

// CreateStream implements llm.Provider.
func (p *Provider) CreateStream(ctx context.Context, opts *llm.Options) (llm.Stream, error) {
	model, contents, config, err := buildRequest(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	seq := p.client.Models.GenerateContentStream(ctx, model, contents, config)
	p.logger.Debug().Str("model", model).Int("contents", len(contents)).Msg("Stream opened")
	return llm.NewChunkStream[*genai.GenerateContentResponse](cancel, llm.NewPullSource(seq), newNormalizer(), mapError), nil
}

func buildRequest(opts *llm.Options) (string, []*genai.Content, *genai.GenerateContentConfig, error) {
	if opts == nil {
		return "", nil, nil, llm.NewInvalidRequestError("options are required")
	}
	model := llm.ModelName(opts.Model)
	if model == "" {
		return "", nil, nil, llm.NewInvalidRequestError("model is required")
	}

	contents, err := transform.ToGeminiContents(opts.Messages)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(opts.MaxTokensOrDefault()),
		Tools:           transform.ToGeminiTools(opts.Tools),
	}
	if system := transform.WithSystem(opts.System, opts.Messages); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}
	if opts.Temperature != nil {
		config.Temperature = lo.ToPtr(float32(*opts.Temperature))
	}
	return model, contents, config, nil
}
