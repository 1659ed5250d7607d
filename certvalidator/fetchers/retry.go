// Package fetchers provides the outbound-call plumbing shared by the
// discovery pipeline: HTTP client construction, bounded retries with
// backoff, per-service circuit breaking, and OCSP/CRL retrieval.
package fetchers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryConfig configures retry behavior for external requests.
type RetryConfig struct {
	// MaxAttempts is the number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// Schedule holds the delay before each retry. When retries outnumber
	// entries the last entry repeats. Default: 1s, 2s, 4s.
	Schedule []time.Duration

	// Jitter randomizes each delay by up to the given fraction in either
	// direction. Default: 0.1.
	Jitter float64

	// RetryableErrors restricts which errors trigger a retry. Empty means
	// every error except context cancellation is retried.
	RetryableErrors []error

	// OnRetry, when set, is called before each retry.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock is the time source for delays. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		Schedule:    []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		Jitter:      0.1,
	}
}

func (c *RetryConfig) clock() clockwork.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clockwork.NewRealClock()
}

// delay returns the jittered delay before the given retry (1-based).
func (c *RetryConfig) delay(retry int) time.Duration {
	if len(c.Schedule) == 0 {
		return time.Second
	}
	idx := retry - 1
	if idx >= len(c.Schedule) {
		idx = len(c.Schedule) - 1
	}
	d := float64(c.Schedule[idx])
	if c.Jitter > 0 {
		span := d * c.Jitter
		d = d - span + rand.Float64()*2*span
	}
	return time.Duration(d)
}

// isRetryable determines whether an error should trigger another attempt.
func (c *RetryConfig) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}
	for _, candidate := range c.RetryableErrors {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

// RetryResult reports what a retried operation cost.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Errors holds the error from every failed attempt.
	Errors []error
	// Success reports whether the operation eventually succeeded.
	Success bool
}

// LastError returns the most recent error, nil when successful.
func (r *RetryResult) LastError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1]
}

// AllErrors combines every attempt error into one.
func (r *RetryResult) AllErrors() error {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		msgs[i] = fmt.Sprintf("attempt %d: %v", i+1, err)
	}
	return fmt.Errorf("all attempts failed: %s", strings.Join(msgs, "; "))
}

// Retry executes fn with bounded retries.
func Retry[T any](ctx context.Context, config *RetryConfig, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	clock := config.clock()
	result := &RetryResult{}

	var zero T
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		value, err := fn(ctx)
		if err == nil {
			result.Success = true
			return value, result
		}
		result.Errors = append(result.Errors, err)

		if attempt >= config.MaxAttempts || !config.isRetryable(err) {
			break
		}

		delay := config.delay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err())
			return zero, result
		case <-clock.After(delay):
		}
	}

	return zero, result
}

// MultiURLResult reports the outcome of trying several URLs in turn.
type MultiURLResult struct {
	// SuccessfulURL is the URL that succeeded, empty on failure.
	SuccessfulURL string
	// URLErrors maps each attempted URL to its errors.
	URLErrors map[string][]error
	// TotalAttempts counts attempts across all URLs.
	TotalAttempts int
	// Success reports whether any URL succeeded.
	Success bool
}

// AllErrors combines the per-URL errors into one.
func (r *MultiURLResult) AllErrors() error {
	if r.Success {
		return nil
	}
	var msgs []string
	for url, errs := range r.URLErrors {
		strs := make([]string, len(errs))
		for i, err := range errs {
			strs[i] = err.Error()
		}
		msgs = append(msgs, fmt.Sprintf("%s: [%s]", url, strings.Join(strs, ", ")))
	}
	if len(msgs) == 0 {
		return errors.New("all URLs failed")
	}
	return fmt.Errorf("all URLs failed: %s", strings.Join(msgs, "; "))
}

// RetryMultiURL tries each URL in order with per-URL retries, returning on
// the first success.
func RetryMultiURL[T any](
	ctx context.Context,
	config *RetryConfig,
	urls []string,
	fn func(ctx context.Context, url string) (T, error),
) (T, *MultiURLResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	result := &MultiURLResult{URLErrors: make(map[string][]error)}

	var zero T
	for _, url := range urls {
		value, retryResult := Retry(ctx, config, func(ctx context.Context) (T, error) {
			return fn(ctx, url)
		})
		result.TotalAttempts += retryResult.Attempts
		result.URLErrors[url] = retryResult.Errors

		if retryResult.Success {
			result.SuccessfulURL = url
			result.Success = true
			return value, result
		}
		if ctx.Err() != nil {
			break
		}
	}
	return zero, result
}
