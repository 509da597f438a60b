package gemini

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// mapError converts SDK errors into *llm.Error. Gemini reports both per-minute
// limits and exhausted billing quota as 429 RESOURCE_EXHAUSTED; only the
// latter mentions billing.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) {
			return llm.TransportError(llm.VendorGemini, err)
		}
		apiErr = *apiErrPtr
	}

	e := llm.HTTPError(llm.VendorGemini, apiErr.Code, apiErr.Message, err)
	if apiErr.Code == http.StatusTooManyRequests {
		if strings.Contains(strings.ToLower(apiErr.Message), "billing") {
			e.Type = llm.ErrorTypeQuotaExceeded
			e.Retryable = false
		} else {
			e.Type = llm.ErrorTypeRateLimit
			e.Retryable = true
		}
	}
	return e
}
