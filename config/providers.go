package config

import (
	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/openai"
)

// ProviderConfig returns the vendor credentials for the LLM registry.
func (c *Config) ProviderConfig() *llm.ProviderConfig {
	deepSeekURL := c.DeepSeek.BaseURL
	if deepSeekURL == "" {
		deepSeekURL = openai.DefaultDeepSeekBaseURL
	}
	return &llm.ProviderConfig{
		AnthropicAPIKey: c.Anthropic.APIKey,
		OpenAIAPIKey:    c.OpenAI.APIKey,
		OpenAIBaseURL:   c.OpenAI.BaseURL,
		OpenAIOrg:       c.OpenAI.Organization,
		DeepSeekAPIKey:  c.DeepSeek.APIKey,
		DeepSeekBaseURL: deepSeekURL,
		GeminiAPIKey:    c.Gemini.APIKey,
		OllamaHost:      c.Ollama.Host,
	}
}
