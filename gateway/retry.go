package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

const (
	// DefaultLLMRetries is how many times a retryable LLM failure is retried.
	DefaultLLMRetries = 2

	// maxRetryWait caps a single wait. Longer Retry-After hints fail fast
	// instead of stalling the caller.
	maxRetryWait = 30 * time.Second
)

// WithLLMRetries sets how many times retryable LLM failures are retried.
func WithLLMRetries(n uint64) Option {
	return func(g *Gateway) { g.llmRetries = n }
}

// WithLLMBackOff sets the backoff between LLM retries.
func WithLLMBackOff(f func() backoff.BackOff) Option {
	return func(g *Gateway) { g.llmBackOff = f }
}

func defaultLLMBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxInterval = maxRetryWait
	eb.MaxElapsedTime = 2 * time.Minute
	eb.Reset()
	return eb
}

// retryable reports whether another attempt may succeed. Oversized requests
// fail the same way every time.
func retryable(err error) bool {
	return llm.IsRetryableError(err) && !llm.IsRequestTooLargeError(err)
}

// withRetry runs fn, retrying retryable LLM errors. A vendor Retry-After hint
// is honored when it is longer than the backoff delay.
func (g *Gateway) withRetry(ctx context.Context, model string, fn func() error) error {
	b := backoff.WithMaxRetries(g.llmBackOff(), g.llmRetries)
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if hint := llm.ExtractRetryAfter(err); hint != nil && *hint > wait {
			wait = *hint
		}
		if wait > maxRetryWait {
			g.logger.Warn().Err(err).Dur("retryAfter", wait).Str("model", model).Msg("Retry delay too long, giving up")
			return err
		}

		g.logger.Warn().
			Err(err).
			Str("model", model).
			Int("attempt", attempt).
			Dur("nextDelay", wait).
			Msg("LLM call failed, retrying after delay")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
