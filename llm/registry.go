package llm

import (
	"fmt"
	"slices"
	"sync"
)

// ProviderConfig holds vendor credentials and endpoints.
// This avoids import cycles by not importing the config package.
type ProviderConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIOrg       string
	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	GeminiAPIKey    string
	OllamaHost      string
}

// Factory builds a Provider from configuration.
type Factory func(cfg *ProviderConfig) (Provider, error)

// ProviderRegistry resolves models to providers, creating each provider on
// first use. Vendor packages are registered by the caller to avoid import
// cycles.
type ProviderRegistry struct {
	mu         sync.Mutex
	config     *ProviderConfig
	factories  map[Vendor]Factory
	providers  map[Vendor]Provider
	middleware []Middleware
}

// NewProviderRegistry creates a registry. middleware wraps every provider it creates.
func NewProviderRegistry(cfg *ProviderConfig, middleware ...Middleware) *ProviderRegistry {
	if cfg == nil {
		cfg = &ProviderConfig{}
	}
	return &ProviderRegistry{
		config:     cfg,
		factories:  make(map[Vendor]Factory),
		providers:  make(map[Vendor]Provider),
		middleware: middleware,
	}
}

// Register installs the factory for vendor.
func (r *ProviderRegistry) Register(vendor Vendor, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[vendor] = factory
	delete(r.providers, vendor)
}

// IsProviderConfigured reports whether vendor has a factory and the
// credentials it needs. Ollama needs none.
func (r *ProviderRegistry) IsProviderConfigured(vendor Vendor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isConfiguredUnlocked(vendor)
}

func (r *ProviderRegistry) isConfiguredUnlocked(vendor Vendor) bool {
	if _, ok := r.factories[vendor]; !ok {
		return false
	}
	switch vendor {
	case VendorAnthropic:
		return r.config.AnthropicAPIKey != ""
	case VendorOpenAI:
		return r.config.OpenAIAPIKey != ""
	case VendorDeepSeek:
		return r.config.DeepSeekAPIKey != ""
	case VendorGemini:
		return r.config.GeminiAPIKey != ""
	case VendorOllama:
		return true
	}
	return false
}

// ConfiguredVendors returns the configured vendors in Vendors order.
func (r *ProviderRegistry) ConfiguredVendors() []Vendor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.DeleteFunc(slices.Clone(Vendors), func(v Vendor) bool {
		return !r.isConfiguredUnlocked(v)
	})
}

// ForModel returns the provider serving model.
func (r *ProviderRegistry) ForModel(model string) (Provider, error) {
	vendor, err := VendorForModel(model)
	if err != nil {
		return nil, err
	}
	return r.Provider(vendor)
}

// Provider returns the provider for vendor, creating it if needed.
func (r *ProviderRegistry) Provider(vendor Vendor) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[vendor]; ok {
		return p, nil
	}
	if !r.isConfiguredUnlocked(vendor) {
		return nil, &Error{
			Type:    ErrorTypeAuthentication,
			Message: fmt.Sprintf("%s is not configured", vendor),
			Vendor:  vendor,
		}
	}
	p, err := r.factories[vendor](r.config)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", vendor, err)
	}
	p = WrapWithMiddleware(p, r.middleware...)
	r.providers[vendor] = p
	return p, nil
}
