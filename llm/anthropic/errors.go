package anthropic

import (
	"errors"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// streamErrorPrefix is how the SDK reports an error event received mid-stream.
const streamErrorPrefix = "received error while streaming: "

// errorTypeStatus maps Anthropic error types to the status they are sent with.
var errorTypeStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

// mapError converts SDK errors into *llm.Error.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.HTTPError(llm.VendorAnthropic, apiErr.StatusCode, errorMessage(apiErr.RawJSON(), apiErr.StatusCode), err)
	}

	if raw, ok := strings.CutPrefix(err.Error(), streamErrorPrefix); ok {
		if status, known := errorTypeStatus[gjson.Get(raw, "error.type").String()]; known {
			return llm.HTTPError(llm.VendorAnthropic, status, errorMessage(raw, status), err)
		}
	}

	return llm.TransportError(llm.VendorAnthropic, err)
}

func errorMessage(raw string, status int) string {
	if msg := gjson.Get(raw, "error.message").String(); msg != "" {
		return msg
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed"
}
