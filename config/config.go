package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/kkeelor/tradeclarity/gateway/keypool"
	"github.com/kkeelor/tradeclarity/gateway/mcp"
)

// MarketDataConfig represents configuration for the market-data tool service.
type MarketDataConfig struct {
	Endpoint    string   `yaml:"endpoint,omitempty"`      // Tool service endpoint
	APIKeys     []string `yaml:"api_keys,omitempty"`      // Key pool, in rotation order
	DailyLimit  int      `yaml:"daily_limit,omitempty"`   // Requests per key per day
	CallTimeout int      `yaml:"call_timeout,omitempty"`  // Per-call timeout in seconds
	StaleMaxAge int      `yaml:"stale_max_age,omitempty"` // Oldest stale cache entry served on failure, in minutes
}

// StorageConfig represents on-disk state locations. Empty paths keep state in memory.
type StorageConfig struct {
	Database string `yaml:"database,omitempty"` // SQLite file for key counters and telemetry
	Cache    string `yaml:"cache,omitempty"`    // bbolt file for the tool cache
}

// AnthropicConfig represents configuration for the Anthropic LLM provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"`
}

// OpenAIConfig represents configuration for an OpenAI-compatible LLM provider.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"`
	BaseURL      string `yaml:"base_url,omitempty"`     // Custom base URL (default: official API)
	Organization string `yaml:"organization,omitempty"` // Organization ID
}

// GeminiConfig represents configuration for the Gemini LLM provider.
type GeminiConfig struct {
	APIKey string `yaml:"api_key,omitempty"`
}

// OllamaConfig represents configuration for the Ollama LLM provider.
type OllamaConfig struct {
	Host string `yaml:"host,omitempty"` // Ollama host (default: "http://localhost:11434")
}

// LLMConfig represents gateway-wide LLM settings.
type LLMConfig struct {
	DefaultModel  string `yaml:"default_model,omitempty"`
	ContextBudget int    `yaml:"context_budget,omitempty"` // Estimated tokens of history sent per call; 0 disables trimming
	Timeout       int    `yaml:"timeout,omitempty"`        // Request timeout in seconds
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	File   string `yaml:"file,omitempty"`
	Pretty bool   `yaml:"pretty,omitempty"`
}

// Config is the complete gateway configuration.
type Config struct {
	MarketData MarketDataConfig `yaml:"market_data,omitempty"`
	Storage    StorageConfig    `yaml:"storage,omitempty"`
	Metrics    string           `yaml:"metrics_addr,omitempty"` // Prometheus listen address

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
	DeepSeek  OpenAIConfig    `yaml:"deepseek,omitempty"`
	Gemini    GeminiConfig    `yaml:"gemini,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`
	LLM       LLMConfig       `yaml:"llm,omitempty"`

	Log LogConfig `yaml:"log,omitempty"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		MarketData: MarketDataConfig{
			Endpoint:    mcp.DefaultEndpoint,
			DailyLimit:  keypool.DailyLimit,
			CallTimeout: 30,
			StaleMaxAge: 24 * 60,
		},
		Metrics: "localhost:9464",
		Ollama: OllamaConfig{
			Host: "http://localhost:11434",
		},
		LLM: LLMConfig{
			DefaultModel: "claude-sonnet-4-20250514",
			Timeout:      120,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via GATEWAY_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("GATEWAY_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.tradeclarity/gateway.yaml"
	}
	return filepath.Join(homeDir, ".tradeclarity", "gateway.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Load builds the configuration: defaults, then the YAML file at path if it
// exists, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	if err := mergo.Merge(&cfg, fromEnv(os.Getenv), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge environment: %w", err)
	}

	cfg.Storage.Database = expandPath(cfg.Storage.Database)
	cfg.Storage.Cache = expandPath(cfg.Storage.Cache)
	cfg.Log.File = expandPath(cfg.Log.File)
	return &cfg, nil
}

// Save writes cfg to path.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// API keys live in this file.
	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate reports settings the gateway cannot run without.
func (c *Config) Validate() error {
	if len(c.MarketData.APIKeys) == 0 {
		return fmt.Errorf("no market-data API keys: set MARKET_DATA_API_KEY or MARKET_DATA_API_KEY_1..N")
	}
	if c.MarketData.Endpoint == "" {
		return fmt.Errorf("market-data endpoint is empty")
	}
	return nil
}
