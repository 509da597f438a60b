package toolcache

import (
	"strings"
	"time"
)

// DefaultTTL applies to tools with no entry in the policy table.
const DefaultTTL = 60 * time.Second

var exactTTL = map[string]time.Duration{
	"MARKET_STATUS":          time.Hour,
	"GLOBAL_QUOTE":           60 * time.Second,
	"REALTIME_BULK_QUOTES":   60 * time.Second,
	"CURRENCY_EXCHANGE_RATE": 60 * time.Second,
	"NEWS_SENTIMENT":         15 * time.Minute,
	"TOP_GAINERS_LOSERS":     15 * time.Minute,
	"SYMBOL_SEARCH":          24 * time.Hour,
	"LISTING_STATUS":         24 * time.Hour,

	// fundamentals
	"COMPANY_OVERVIEW": 24 * time.Hour,
	"OVERVIEW":         24 * time.Hour,
	"INCOME_STATEMENT": 24 * time.Hour,
	"BALANCE_SHEET":    24 * time.Hour,
	"CASH_FLOW":        24 * time.Hour,
	"EARNINGS":         24 * time.Hour,
	"DIVIDENDS":        24 * time.Hour,
	"SPLITS":           24 * time.Hour,

	// economic indicators
	"REAL_GDP":            24 * time.Hour,
	"REAL_GDP_PER_CAPITA": 24 * time.Hour,
	"CPI":                 24 * time.Hour,
	"INFLATION":           24 * time.Hour,
	"TREASURY_YIELD":      24 * time.Hour,
	"FEDERAL_FUNDS_RATE":  24 * time.Hour,
	"UNEMPLOYMENT":        24 * time.Hour,
	"NONFARM_PAYROLL":     24 * time.Hour,
	"RETAIL_SALES":        24 * time.Hour,
	"DURABLES":            24 * time.Hour,
}

// TTLFor returns the freshness window for a tool's results.
func TTLFor(tool string) time.Duration {
	name := strings.ToUpper(strings.TrimSpace(tool))
	if ttl, ok := exactTTL[name]; ok {
		return ttl
	}
	switch {
	case strings.Contains(name, "INTRADAY"):
		return 2 * time.Minute
	case strings.Contains(name, "DAILY"):
		return time.Hour
	case strings.Contains(name, "WEEKLY"):
		return 6 * time.Hour
	case strings.Contains(name, "MONTHLY"):
		return 12 * time.Hour
	}
	return DefaultTTL
}
