package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Error represents a provider-neutral LLM error.
type Error struct {
	Type        ErrorType
	Message     string
	Retryable   bool
	RetryAfter  *time.Duration
	StatusCode  int
	Vendor      Vendor
	ProviderErr error // Original provider-specific error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeQuotaExceeded   ErrorType = "quota_exceeded"
	ErrorTypeAuthentication  ErrorType = "authentication"
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	return ErrorTypeOf(err) == ErrorTypeRateLimit
}

// IsQuotaExceededError checks if an error reports an exhausted balance or quota.
func IsQuotaExceededError(err error) bool {
	return ErrorTypeOf(err) == ErrorTypeQuotaExceeded
}

// IsRequestTooLargeError checks if an error is a request too large error.
func IsRequestTooLargeError(err error) bool {
	return ErrorTypeOf(err) == ErrorTypeRequestTooLarge
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// ErrorTypeOf returns the type of an *Error in err's chain, or ErrorTypeUnknown.
func ErrorTypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRateLimit,
		Message:     message,
		Retryable:   true,
		RetryAfter:  retryAfter,
		ProviderErr: providerErr,
	}
}

// NewRequestTooLargeError creates a new request too large error.
func NewRequestTooLargeError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRequestTooLarge,
		Message:     message,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewProviderError creates a new provider error.
func NewProviderError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeProvider,
		Message:     message,
		Retryable:   false,
		ProviderErr: providerErr,
	}
}

// NewInvalidRequestError creates an error for a request rejected before it
// reaches a vendor.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrorTypeInvalidRequest,
		Message: message,
	}
}

// userMessages are the texts shown to end users, independent of vendor wording.
var userMessages = map[ErrorType]string{
	ErrorTypeRateLimit:       "rate limit reached, try again shortly",
	ErrorTypeQuotaExceeded:   "account quota or balance exhausted",
	ErrorTypeAuthentication:  "invalid or missing API key",
	ErrorTypeRequestTooLarge: "request exceeds the model's context window",
	ErrorTypeInvalidRequest:  "request rejected as invalid",
	ErrorTypeProvider:        "model provider error",
	ErrorTypeNetwork:         "could not reach the model provider",
	ErrorTypeTimeout:         "model provider timed out",
	ErrorTypeUnknown:         "unexpected model provider error",
}

// UserMessage returns a normalized, user-presentable description of err.
func UserMessage(err error) string {
	t := ErrorTypeOf(err)
	if msg, ok := userMessages[t]; ok {
		return msg
	}
	return userMessages[ErrorTypeUnknown]
}

// ErrorEvent converts err into an error StreamEvent.
func ErrorEvent(err error) StreamEvent {
	ev := StreamEvent{Type: EventError, ErrorCode: string(ErrorTypeOf(err))}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	return ev
}

// HTTPError maps an HTTP status from vendor into an *Error. A 429 whose
// message mentions quota or balance is quota_exceeded, not rate_limit.
func HTTPError(vendor Vendor, status int, message string, providerErr error) *Error {
	e := &Error{
		Type:        ErrorTypeProvider,
		Message:     fmt.Sprintf("%s: %s", vendor, message),
		StatusCode:  status,
		Vendor:      vendor,
		ProviderErr: providerErr,
	}
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusPaymentRequired:
		e.Type = ErrorTypeQuotaExceeded
	case status == http.StatusTooManyRequests && mentionsQuota(lower):
		e.Type = ErrorTypeQuotaExceeded
	case status == http.StatusTooManyRequests:
		e.Type = ErrorTypeRateLimit
		e.Retryable = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Type = ErrorTypeAuthentication
	case status == http.StatusRequestEntityTooLarge:
		e.Type = ErrorTypeRequestTooLarge
	case status == http.StatusBadRequest && strings.Contains(lower, "credit balance"):
		e.Type = ErrorTypeQuotaExceeded
	case status == http.StatusBadRequest && mentionsContextLength(lower):
		e.Type = ErrorTypeRequestTooLarge
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		e.Type = ErrorTypeInvalidRequest
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Type = ErrorTypeTimeout
		e.Retryable = true
	case status >= 500:
		e.Type = ErrorTypeProvider
		e.Retryable = true
	}
	return e
}

func mentionsQuota(s string) bool {
	return strings.Contains(s, "quota") || strings.Contains(s, "insufficient") || strings.Contains(s, "balance") || strings.Contains(s, "billing")
}

func mentionsContextLength(s string) bool {
	return strings.Contains(s, "context length") || strings.Contains(s, "context_length") || strings.Contains(s, "too long") || strings.Contains(s, "too many tokens")
}

// TransportError maps errors that carry no HTTP status: context expiry and
// network failures. Other errors become unknown.
func TransportError(vendor Vendor, err error) *Error {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}
	e := &Error{Type: ErrorTypeUnknown, Message: fmt.Sprintf("%s request failed", vendor), Vendor: vendor, ProviderErr: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Type = ErrorTypeTimeout
		e.Message = fmt.Sprintf("%s request timed out", vendor)
		e.Retryable = true
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Type = ErrorTypeTimeout
		e.Message = fmt.Sprintf("%s request timed out", vendor)
		e.Retryable = true
	case errors.As(err, &netErr):
		e.Type = ErrorTypeNetwork
		e.Message = fmt.Sprintf("%s unreachable", vendor)
		e.Retryable = true
	}
	return e
}
