package toolrpc

import "strings"

// Fallback names a cheaper or free tool that answers roughly the same question.
type Fallback struct {
	Tool       string
	DropParams []string
}

var fallbacks = map[string]Fallback{
	"TIME_SERIES_DAILY_ADJUSTED":   {Tool: "TIME_SERIES_DAILY"},
	"TIME_SERIES_WEEKLY_ADJUSTED":  {Tool: "TIME_SERIES_WEEKLY"},
	"TIME_SERIES_MONTHLY_ADJUSTED": {Tool: "TIME_SERIES_MONTHLY"},
	"TIME_SERIES_INTRADAY":         {Tool: "TIME_SERIES_DAILY", DropParams: []string{"interval", "extended_hours", "adjusted", "month"}},
	"CRYPTO_INTRADAY":              {Tool: "DIGITAL_CURRENCY_DAILY", DropParams: []string{"interval", "outputsize"}},
	"FX_INTRADAY":                  {Tool: "FX_DAILY", DropParams: []string{"interval"}},
}

// ResolveFallback returns the substitute tool and its arguments for tool.
// The input map is not modified.
func ResolveFallback(tool string, args map[string]any) (string, map[string]any, bool) {
	fb, ok := fallbacks[strings.ToUpper(tool)]
	if !ok {
		return "", nil, false
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range fb.DropParams {
		delete(out, p)
	}
	return fb.Tool, out, true
}
