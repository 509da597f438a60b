package config

import (
	"fmt"
	"strconv"

	"github.com/samber/lo"
)

// MaxIndexedKeys bounds the MARKET_DATA_API_KEY_N scan.
const MaxIndexedKeys = 64

// fromEnv reads the environment overrides. Unset variables leave fields at
// their zero value so mergo keeps the file or default value.
func fromEnv(getenv func(string) string) Config {
	var cfg Config
	cfg.MarketData.APIKeys = marketDataKeys(getenv)
	cfg.MarketData.Endpoint = getenv("MARKET_DATA_ENDPOINT")
	if n, err := strconv.Atoi(getenv("MARKET_DATA_DAILY_LIMIT")); err == nil && n > 0 {
		cfg.MarketData.DailyLimit = n
	}

	cfg.Storage.Database = getenv("GATEWAY_DB_PATH")
	cfg.Storage.Cache = getenv("GATEWAY_CACHE_PATH")
	cfg.Metrics = getenv("GATEWAY_METRICS_ADDR")

	cfg.Anthropic.APIKey = getenv("ANTHROPIC_API_KEY")
	cfg.OpenAI.APIKey = getenv("OPENAI_API_KEY")
	cfg.OpenAI.BaseURL = getenv("OPENAI_BASE_URL")
	cfg.OpenAI.Organization = getenv("OPENAI_ORG_ID")
	cfg.DeepSeek.APIKey = getenv("DEEPSEEK_API_KEY")
	cfg.DeepSeek.BaseURL = getenv("DEEPSEEK_BASE_URL")
	cfg.Gemini.APIKey = lo.CoalesceOrEmpty(getenv("GEMINI_API_KEY"), getenv("GOOGLE_API_KEY"))
	cfg.Ollama.Host = getenv("OLLAMA_HOST")
	cfg.LLM.DefaultModel = getenv("GATEWAY_MODEL")

	cfg.Log.Level = getenv("LOG_LEVEL")
	cfg.Log.File = getenv("LOG_FILE")
	return cfg
}

// marketDataKeys collects MARKET_DATA_API_KEY followed by
// MARKET_DATA_API_KEY_1, _2, ... up to the first gap. Duplicates are dropped
// so one key never occupies two slots.
func marketDataKeys(getenv func(string) string) []string {
	var keys []string
	if k := getenv("MARKET_DATA_API_KEY"); k != "" {
		keys = append(keys, k)
	}
	for i := 1; i <= MaxIndexedKeys; i++ {
		k := getenv(fmt.Sprintf("MARKET_DATA_API_KEY_%d", i))
		if k == "" {
			break
		}
		keys = append(keys, k)
	}
	return lo.Uniq(keys)
}
