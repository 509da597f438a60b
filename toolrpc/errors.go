package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kkeelor/tradeclarity/gateway/mcp"
)

// ErrorKind is the normalized category of a failed tool call.
type ErrorKind string

const (
	KindRateLimit       ErrorKind = "rate_limit"
	KindPremiumRequired ErrorKind = "premium_required"
	KindInvalidSymbol   ErrorKind = "invalid_symbol"
	KindNetwork         ErrorKind = "network_error"
	KindTimeout         ErrorKind = "timeout_error"
	KindUnknown         ErrorKind = "unknown_error"
)

// Degradable reports whether a stale cached result may stand in for a fresh one.
func (k ErrorKind) Degradable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// FallbackEligible reports whether a substitute tool may be tried.
func (k ErrorKind) FallbackEligible() bool {
	switch k {
	case KindNetwork, KindTimeout, KindPremiumRequired, KindUnknown:
		return true
	}
	return false
}

var hints = map[ErrorKind]string{
	KindRateLimit:       "All market data API keys have used their daily quota of 25 requests. Quotas reset at midnight UTC; try again later.",
	KindPremiumRequired: "This data requires a premium market data plan. Try a free alternative such as TIME_SERIES_DAILY instead of an adjusted or intraday series.",
	KindInvalidSymbol:   "Check the ticker symbol spelling (for example AAPL or MSFT), or look it up with SYMBOL_SEARCH.",
	KindNetwork:         "The market data service is temporarily unavailable. Try again in a few moments.",
	KindTimeout:         "The market data service took too long to respond. Try again, or request a smaller output size.",
	KindUnknown:         "The market data request failed unexpectedly. Try again, or rephrase the request.",
}

// Hint returns the user-facing suggestion for kind.
func Hint(kind ErrorKind) string {
	return hints[kind]
}

// ToolError is the structured failure returned by Execute.
type ToolError struct {
	Kind       ErrorKind
	Message    string
	Hint       string
	Tool       string
	Symbol     string
	StatusCode int
	Err        error
}

func (e *ToolError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s (%s, %s): %s", e.Kind, e.Tool, e.Symbol, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// JSON renders the error as the JSON object handed to LLMs in place of a tool result.
func (e *ToolError) JSON() string {
	b, err := json.Marshal(struct {
		Error   bool      `json:"error"`
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
		Hint    string    `json:"hint,omitempty"`
		Tool    string    `json:"tool,omitempty"`
		Symbol  string    `json:"symbol,omitempty"`
	}{true, e.Kind, e.Message, e.Hint, e.Tool, e.Symbol})
	if err != nil {
		return fmt.Sprintf(`{"error":true,"kind":%q}`, e.Kind)
	}
	return string(b)
}

// inBandError is a successful RPC whose payload is an error envelope.
type inBandError struct {
	message string
}

func (e *inBandError) Error() string { return e.message }

var (
	rateLimitPhrases = []string{"rate limit", "too many requests", "call frequency", "requests per day", "requests per minute", "quota", "api call volume"}
	premiumPhrases   = []string{"premium", "subscription", "not entitled", "upgrade your plan", "paid plan"}
	symbolPhrases    = []string{"invalid symbol", "unknown symbol", "invalid api call", "symbol not found", "not found", "no data for symbol", "no matches"}
	timeoutPhrases   = []string{"timeout", "timed out", "deadline exceeded"}
	networkPhrases   = []string{"server error", "service unavailable", "unavailable", "bad gateway", "connection refused", "connection reset", "no such host", "eof"}

	quotedSymbolPattern = regexp.MustCompile(`(?i:symbol)\W{0,3}["'‘“]([A-Za-z0-9][A-Za-z0-9.\-]{0,11})["'’”]`)
	tickerPattern       = regexp.MustCompile(`(?i:symbol)\W{1,3}([A-Z0-9][A-Z0-9.\-]{0,11})\b`)
)

// Classify maps any failure of a tool call to a ToolError. HTTP status codes
// win over message text; context errors come next; phrases decide the rest.
func Classify(err error, tool string, args map[string]any) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	var tre *mcp.ToolResultError
	if errors.As(err, &tre) {
		msg = tre.Message
	}
	lower := strings.ToLower(msg)

	out := &ToolError{Message: msg, Tool: tool, Err: err}
	var se *mcp.StatusError
	if errors.As(err, &se) {
		out.StatusCode = se.Code
	}

	switch {
	case out.StatusCode == 429:
		out.Kind = KindRateLimit
	case out.StatusCode == 402 || out.StatusCode == 403:
		out.Kind = KindPremiumRequired
	case out.StatusCode >= 500:
		out.Kind = KindNetwork
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		out.Kind = KindTimeout
	case containsAny(lower, rateLimitPhrases):
		out.Kind = KindRateLimit
	case containsAny(lower, premiumPhrases):
		out.Kind = KindPremiumRequired
	case out.StatusCode == 404, containsAny(lower, symbolPhrases):
		out.Kind = KindInvalidSymbol
		out.Symbol = extractSymbol(msg, args)
	case containsAny(lower, timeoutPhrases):
		out.Kind = KindTimeout
	case containsAny(lower, networkPhrases):
		out.Kind = KindNetwork
	default:
		out.Kind = KindUnknown
	}
	out.Hint = Hint(out.Kind)
	if out.Kind == KindInvalidSymbol && out.Symbol != "" {
		out.Hint = fmt.Sprintf("No data was found for %q. %s", out.Symbol, out.Hint)
	}
	return out
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// extractSymbol returns the symbol the call asked for. The message is only
// consulted when the arguments carry none, and then only for a quoted value
// or an uppercase ticker.
func extractSymbol(msg string, args map[string]any) string {
	for _, key := range []string{"symbol", "from_symbol", "from_currency", "keywords"} {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	if m := quotedSymbolPattern.FindStringSubmatch(msg); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := tickerPattern.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}
