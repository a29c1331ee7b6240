package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Class is how an upstream failure should be handled
type Class int

const (
	// ClassFatal errors propagate immediately
	ClassFatal Class = iota
	// ClassRateLimit errors mean the serving credential ran out of quota
	ClassRateLimit
	// ClassTransient errors are server or network hiccups worth another try
	ClassTransient
	// ClassCancelled errors come from the caller's own cancellation
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransient:
		return "transient"
	case ClassCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// DefaultRetryableStatusCodes are the server errors retried when Options
// leaves RetryableStatusCodes empty.
var DefaultRetryableStatusCodes = []int{500, 502, 503, 504}

var rateLimitPhrases = []string{
	"429",
	"too many requests",
	"resource has been exhausted",
	"resource_exhausted",
	"quota",
	"rate limit",
	"ratelimit",
	"rate_limit",
}

var transientPhrases = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"unavailable",
	"eof",
	"no such host",
	"network",
}

// Classify inspects an error's message with the default retryable status
// codes. See Options.Classify.
func Classify(err error) Class {
	return Options{}.Classify(err)
}

// Classify is the only place that decides what an upstream failure means.
// Providers expose no structured error taxonomy, so it matches on the
// message. Server errors count as transient only for the status codes in o.
func (o Options) Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	codes := o.RetryableStatusCodes
	if len(codes) == 0 {
		codes = DefaultRetryableStatusCodes
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return ClassRateLimit
		}
	}
	for _, code := range codes {
		if strings.Contains(msg, strconv.Itoa(code)) {
			return ClassTransient
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	for _, p := range transientPhrases {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// IsRateLimit reports whether err signals quota exhaustion
func IsRateLimit(err error) bool {
	return Classify(err) == ClassRateLimit
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	c := Classify(err)
	return c == ClassRateLimit || c == ClassTransient
}

type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }

func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err so Do returns it at once, unwrapped, whatever its class
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Options configures Do
type Options struct {
	MaxRetries           int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	RetryableStatusCodes []int

	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep replaces the real timer; it must return ctx.Err() when ctx ends first
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions retries twice with 1s, 2s backoff
var DefaultOptions = Options{
	MaxRetries: 2,
	BaseDelay:  time.Second,
	MaxDelay:   16 * time.Second,
}

// Backoff returns min(base * 2^attempt, max)
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt))
	if ceiling > 0 && delay > float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op up to MaxRetries+1 times. Cancellation is checked before every
// attempt and is never retried. Fatal errors return at once; after the last
// attempt the last error is returned.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T

	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	maxRetries := max(opts.MaxRetries, 0)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return zero, stop.err
		}
		lastErr = err

		class := opts.Classify(err)
		if class == ClassCancelled || ctx.Err() != nil {
			return zero, err
		}
		if class == ClassFatal {
			return zero, err
		}
		if attempt == maxRetries {
			break
		}

		delay := Backoff(attempt, opts.BaseDelay, opts.MaxDelay)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", maxRetries+1, lastErr)
}
