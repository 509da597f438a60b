package openai

import (
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// OpenAI API errors don't directly expose retry-after headers.
const defaultRetryAfter = 60 * time.Second

// mapError returns an llm.ErrorMapper for vendor.
func mapError(vendor llm.Vendor) llm.ErrorMapper {
	return func(err error) error {
		if err == nil {
			return nil
		}

		var llmErr *llm.Error
		if errors.As(err, &llmErr) {
			return llmErr
		}

		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return withRetryAfter(llm.HTTPError(vendor, apiErr.HTTPStatusCode, apiErr.Message, err))
		}

		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			msg := http.StatusText(reqErr.HTTPStatusCode)
			if len(reqErr.Body) > 0 {
				msg = string(reqErr.Body)
			}
			return withRetryAfter(llm.HTTPError(vendor, reqErr.HTTPStatusCode, msg, err))
		}

		if errors.Is(err, openai.ErrTooManyEmptyStreamMessages) {
			return llm.NewProviderError(string(vendor)+": malformed stream", err)
		}

		return llm.TransportError(vendor, err)
	}
}

func withRetryAfter(e *llm.Error) *llm.Error {
	if e.Type == llm.ErrorTypeRateLimit && e.RetryAfter == nil {
		retryAfter := defaultRetryAfter
		e.RetryAfter = &retryAfter
	}
	return e
}
