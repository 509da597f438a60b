package llm

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type stubProvider struct {
	name   string
	events []StreamEvent
	result *CompletionResult
	err    error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CreateStream(ctx context.Context, opts *Options) (Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return NewChunkStream[StreamEvent](nil, &sliceSource[StreamEvent]{items: p.events}, passthrough{}, nil), nil
}

func (p *stubProvider) CreateCompletion(ctx context.Context, opts *Options) (*CompletionResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func stubFactory(name string, created *int) Factory {
	return func(cfg *ProviderConfig) (Provider, error) {
		*created++
		return &stubProvider{name: name}, nil
	}
}

func TestVendorForModel(t *testing.T) {
	tests := []struct {
		model string
		want  Vendor
	}{
		{"claude-sonnet-4-20250514", VendorAnthropic},
		{"gpt-4o-mini", VendorOpenAI},
		{"o3-mini", VendorOpenAI},
		{"deepseek-chat", VendorDeepSeek},
		{"gemini-2.5-flash", VendorGemini},
		{"llama3.1:8b", VendorOllama},
		{"ollama/mistral", VendorOllama},
		{"OpenAI/my-finetune", VendorOpenAI},
	}
	for _, tt := range tests {
		got, err := VendorForModel(tt.model)
		if err != nil {
			t.Errorf("VendorForModel(%q) failed: %v", tt.model, err)
			continue
		}
		if got != tt.want {
			t.Errorf("VendorForModel(%q) = %s, want %s", tt.model, got, tt.want)
		}
	}

	if _, err := VendorForModel("mystery-model"); ErrorTypeOf(err) != ErrorTypeInvalidRequest {
		t.Errorf("Expected invalid_request for unknown model, got %v", err)
	}
}

func TestModelName(t *testing.T) {
	if got := ModelName("ollama/mistral:7b"); got != "mistral:7b" {
		t.Errorf("Expected prefix stripped, got %s", got)
	}
	if got := ModelName("gpt-4o"); got != "gpt-4o" {
		t.Errorf("Expected unchanged name, got %s", got)
	}
	if got := ModelName("org/model"); got != "org/model" {
		t.Errorf("Expected non-vendor prefix kept, got %s", got)
	}
}

func TestProviderRegistry_IsProviderConfigured(t *testing.T) {
	var n int
	registry := NewProviderRegistry(&ProviderConfig{AnthropicAPIKey: "test-key"})
	registry.Register(VendorAnthropic, stubFactory("anthropic", &n))
	registry.Register(VendorOpenAI, stubFactory("openai", &n))
	registry.Register(VendorOllama, stubFactory("ollama", &n))

	if !registry.IsProviderConfigured(VendorAnthropic) {
		t.Error("anthropic should be configured with API key")
	}
	if registry.IsProviderConfigured(VendorOpenAI) {
		t.Error("openai should not be configured without API key")
	}
	if !registry.IsProviderConfigured(VendorOllama) {
		t.Error("ollama should always be configured")
	}
	if registry.IsProviderConfigured(VendorGemini) {
		t.Error("gemini has no factory and should not be configured")
	}

	want := []Vendor{VendorAnthropic, VendorOllama}
	if diff := cmp.Diff(want, registry.ConfiguredVendors()); diff != "" {
		t.Errorf("ConfiguredVendors mismatch (-want +got):\n%s", diff)
	}
}

func TestProviderRegistry_ForModel(t *testing.T) {
	var created int
	registry := NewProviderRegistry(&ProviderConfig{DeepSeekAPIKey: "ds"})
	registry.Register(VendorDeepSeek, stubFactory("deepseek", &created))

	p, err := registry.ForModel("deepseek-chat")
	if err != nil {
		t.Fatalf("ForModel failed: %v", err)
	}
	if p.Name() != "deepseek" {
		t.Errorf("Expected deepseek provider, got %s", p.Name())
	}
	if _, err := registry.ForModel("deepseek-reasoner"); err != nil {
		t.Fatalf("ForModel failed: %v", err)
	}
	if created != 1 {
		t.Errorf("Expected provider to be created once, got %d", created)
	}

	_, err = registry.ForModel("claude-3-5-haiku-latest")
	if ErrorTypeOf(err) != ErrorTypeAuthentication {
		t.Errorf("Expected authentication error for unconfigured vendor, got %v", err)
	}
}
