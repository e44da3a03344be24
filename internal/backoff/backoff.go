// Package backoff computes retry delays for failed jobs and wraps transient
// store errors with a bounded retry loop, both driven by the same
// exponential-plus-jitter policy.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// JitterMode controls which side of the computed delay receives jitter.
type JitterMode string

const (
	// JitterBoth draws the multiplier from [1-j, 1+j].
	JitterBoth JitterMode = "both"
	// JitterInc only ever lengthens the delay: [1, 1+j].
	JitterInc JitterMode = "inc"
	// JitterDec only ever shortens the delay: [1-j, 1].
	JitterDec JitterMode = "dec"
)

// Options configures the exponential backoff curve used both for job retry
// scheduling and for the DB retry-with-retry wrapper.
type Options struct {
	// Multiplier scales the exponential term. Default 1.0.
	Multiplier float64
	// Padding is a constant number of seconds added before capping.
	Padding float64
	// Cap is the maximum delay, in seconds. Default 300 (5 minutes).
	Cap float64
	// Jitter is the fractional jitter applied to the computed delay, default 0.10.
	Jitter float64
	// JitterMode selects which side of the delay jitter is applied to.
	JitterMode JitterMode
}

// DefaultOptions returns the spec's default backoff curve: exponential(attempt)
// = min(2^attempt + 0, 300), jittered by ±10%.
func DefaultOptions() Options {
	return Options{
		Multiplier: 1.0,
		Padding:    0,
		Cap:        300,
		Jitter:     0.10,
		JitterMode: JitterBoth,
	}
}

func (o Options) withDefaults() Options {
	if o.Multiplier <= 0 {
		o.Multiplier = 1.0
	}
	if o.Cap <= 0 {
		o.Cap = 300
	}
	if o.JitterMode == "" {
		o.JitterMode = JitterBoth
	}
	return o
}

// Compute returns the delay, in seconds, before the next attempt of a job
// currently at the given attempt count. It applies exponential(attempt) =
// min(2^attempt*mult+padding, cap), then jitter per opts.JitterMode.
func Compute(attempt int, opts Options) time.Duration {
	opts = opts.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	base := math.Pow(2, float64(attempt))*opts.Multiplier + opts.Padding
	if base > opts.Cap {
		base = opts.Cap
	}

	factor := jitterFactor(opts.Jitter, opts.JitterMode)
	delay := base * factor
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay * float64(time.Second))
}

func jitterFactor(j float64, mode JitterMode) float64 {
	if j <= 0 {
		return 1.0
	}

	switch mode {
	case JitterInc:
		return 1.0 + rand.Float64()*j
	case JitterDec:
		return 1.0 - rand.Float64()*j
	default:
		lo := 1.0 - j
		spread := 2 * j
		return lo + rand.Float64()*spread
	}
}

// Sentinel errors surfaced once the retry budget for a single DB operation
// has been exhausted.
var (
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")
	ErrContextCancelled    = errors.New("context cancelled during retry")
)

// RetryConfig governs the DB retry-with-retry wrapper described in §4.6:
// transient errors (connection lost, timeout) are retried until fn has been
// tried MaxAttempts times in total, using the same exponential+jitter policy
// as job backoff.
type RetryConfig struct {
	MaxAttempts int
	Backoff     Options
	IsRetryable func(error) bool
}

// DefaultRetryConfig returns the spec's default of up to 10 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 10,
		Backoff:     DefaultOptions(),
		IsRetryable: IsTransientDBError,
	}
}

// transientPatterns are substrings of driver error messages treated as
// transient (connection lost, timed out) rather than fatal (missing table,
// permission denied).
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"timeout",
	"deadline exceeded",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"too many connections",
	"server closed the connection unexpectedly",
}

// IsTransientDBError reports whether err looks like a transient
// connectivity failure rather than a fatal schema/permission error.
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Retry runs fn, retrying on transient errors per cfg until it succeeds, a
// non-retryable error is returned, the context is cancelled, or the attempt
// budget is exhausted. A single operation sleeps between tries using cfg's
// backoff curve, keyed on the attempt number.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsTransientDBError
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			return err
		}

		if attempt < cfg.MaxAttempts {
			delay := Compute(attempt, cfg.Backoff)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, cfg.MaxAttempts, lastErr)
}

// RetryWithDefaults runs fn with DefaultRetryConfig.
func RetryWithDefaults(ctx context.Context, fn func() error) error {
	return Retry(ctx, DefaultRetryConfig(), fn)
}
