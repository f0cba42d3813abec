package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AtLeastOnce runs fn under the given alias with at-least-once semantics:
// a success is cached durably and replayed verbatim by later attempts; a
// failure is propagated untouched so the substrate's retry driver re-invokes
// the whole unit, at which point fn runs again. fn must therefore be safe to
// repeat until it first succeeds.
func AtLeastOnce[T any](ctx context.Context, run *Run, alias string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := run.bindAlias(alias, "at_least_once"); err != nil {
		return zero, err
	}
	rec, err := run.loadGuard(ctx, alias, "at_least_once")
	if err != nil {
		return zero, err
	}
	if rec != nil && rec.State == guardCompleted {
		var cached T
		if err := json.Unmarshal(rec.Result, &cached); err != nil {
			return zero, fmt.Errorf("decode cached result for %q: %w", alias, err)
		}
		return cached, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("encode result for %q: %w", alias, err)
	}
	if err := run.saveGuard(ctx, alias, &guardRecord{
		State:       guardCompleted,
		Fingerprint: "at_least_once",
		Result:      raw,
	}); err != nil {
		return zero, err
	}
	return out, nil
}

// AtMostOnceOption configures retry behavior within a single guarded
// invocation. Retries here are the only retries an at-most-once operation
// ever gets: once the guard records a terminal failure, no later attempt
// may re-run it.
type AtMostOnceOption func(*atMostOnceConfig)

type atMostOnceConfig struct {
	retryable   func(error) bool
	maxAttempts int
	backoff     time.Duration
}

// WithRetryable classifies errors that may be retried in place before the
// guard goes terminal. Errors the classifier rejects fail the guard
// immediately.
func WithRetryable(fn func(error) bool) AtMostOnceOption {
	return func(c *atMostOnceConfig) { c.retryable = fn }
}

// WithMaxAttempts caps total invocations of fn, including the first.
func WithMaxAttempts(n int) AtMostOnceOption {
	return func(c *atMostOnceConfig) { c.maxAttempts = n }
}

// WithBackoff sets the pause between in-place retries.
func WithBackoff(d time.Duration) AtMostOnceOption {
	return func(c *atMostOnceConfig) { c.backoff = d }
}

// AtMostOnce runs fn under the given alias with at-most-once semantics. A
// started marker is written durably before the first invocation, so a crash
// mid-flight leaves the guard unfinishable: any later attempt observing the
// marker without a completion gets ErrFailedBeforeCompleting rather than a
// second invocation. Retryable errors are retried within this invocation up
// to the configured budget; a non-retryable error or an exhausted budget is
// recorded as a permanent terminal failure.
func AtMostOnce[T any](ctx context.Context, run *Run, alias string, fn func(ctx context.Context) (T, error), opts ...AtMostOnceOption) (T, error) {
	var zero T

	cfg := atMostOnceConfig{maxAttempts: 1, backoff: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxAttempts < 1 {
		cfg.maxAttempts = 1
	}

	if err := run.bindAlias(alias, "at_most_once"); err != nil {
		return zero, err
	}
	rec, err := run.loadGuard(ctx, alias, "at_most_once")
	if err != nil {
		return zero, err
	}
	if rec != nil {
		switch rec.State {
		case guardCompleted:
			var cached T
			if err := json.Unmarshal(rec.Result, &cached); err != nil {
				return zero, fmt.Errorf("decode cached result for %q: %w", alias, err)
			}
			return cached, nil
		case guardFailed:
			return zero, fmt.Errorf("alias %q: %s: %w", alias, rec.Error, ErrFailedBeforeCompleting)
		case guardStarted:
			// An earlier attempt died between the marker and the outcome.
			// The work may or may not have happened; it must never run again.
			return zero, fmt.Errorf("alias %q interrupted mid-flight: %w", alias, ErrFailedBeforeCompleting)
		}
	}

	if err := run.saveGuard(ctx, alias, &guardRecord{
		State:       guardStarted,
		Fingerprint: "at_most_once",
	}); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			raw, err := json.Marshal(out)
			if err != nil {
				return zero, fmt.Errorf("encode result for %q: %w", alias, err)
			}
			if err := run.saveGuard(ctx, alias, &guardRecord{
				State:       guardCompleted,
				Fingerprint: "at_most_once",
				Result:      raw,
			}); err != nil {
				return zero, err
			}
			return out, nil
		}
		lastErr = err
		if cfg.retryable == nil || !cfg.retryable(err) {
			break
		}
		if attempt < cfg.maxAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = cfg.maxAttempts
			case <-time.After(cfg.backoff):
			}
		}
	}

	if err := run.saveGuard(ctx, alias, &guardRecord{
		State:       guardFailed,
		Fingerprint: "at_most_once",
		Error:       lastErr.Error(),
	}); err != nil {
		return zero, err
	}
	return zero, lastErr
}
