package conductor

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// retryPlanner wraps a Planner and retries transient faults: request
// timeouts and 5xx API errors. Invalid responses, 4xx errors, and
// safety blocks pass through untouched.
type retryPlanner struct {
	inner       Planner
	maxAttempts int
	logger      *slog.Logger
}

// RetryOption configures a retryPlanner.
type RetryOption func(*retryPlanner)

// RetryMaxAttempts sets the maximum number of attempts (default: 2 —
// the original call plus one immediate retry).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryPlanner) { r.maxAttempts = n }
}

// RetryLogger sets a structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryPlanner) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient planner faults.
// The retry is immediate unless the server sent a Retry-After delay, in
// which case that delay is honored. Compose with any Planner:
//
//	p := conductor.WithRetry(gemini.New(apiKey, model))
//	p := conductor.WithRetry(gemini.New(apiKey, model), conductor.RetryMaxAttempts(3))
func WithRetry(p Planner, opts ...RetryOption) Planner {
	r := &retryPlanner{
		inner:       p,
		maxAttempts: 2,
		logger:      slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name delegates to the inner planner.
func (r *retryPlanner) Name() string { return r.inner.Name() }

func (r *retryPlanner) FirstStep(ctx context.Context, blob string) (Decision, error) {
	return retryCall(ctx, r, func() (Decision, error) {
		return r.inner.FirstStep(ctx, blob)
	})
}

func (r *retryPlanner) NextStep(ctx context.Context, blob string, in Instance, report Report, recent []HistoryEntry) (Decision, error) {
	return retryCall(ctx, r, func() (Decision, error) {
		return r.inner.NextStep(ctx, blob, in, report, recent)
	})
}

func (r *retryPlanner) Reconcile(ctx context.Context, blob string, in Instance, assumedStep string, report Report, recent []HistoryEntry) (Decision, error) {
	return retryCall(ctx, r, func() (Decision, error) {
		return r.inner.Reconcile(ctx, blob, in, assumedStep, report, recent)
	})
}

// retryCall calls fn up to r.maxAttempts times, honoring Retry-After
// between transient failures.
func retryCall(ctx context.Context, r *retryPlanner, fn func() (Decision, error)) (Decision, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		d, err := fn()
		if err == nil || !transient(err) {
			return d, err
		}
		last = err
		r.logger.Warn("planner transient failure, retrying",
			"planner", r.inner.Name(), "attempt", i+1, "max", r.maxAttempts, "error", err)

		if i < r.maxAttempts-1 {
			if delay := retryAfterOf(err); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return Decision{}, ctx.Err()
				case <-timer.C:
				}
			}
		}
	}
	return Decision{}, last
}

// transient reports whether err is worth one more attempt: a timeout or
// a 5xx API error.
func transient(err error) bool {
	var to *ErrPlannerTimeout
	if errors.As(err, &to) {
		return true
	}
	var api *ErrPlannerAPI
	return errors.As(err, &api) && api.Transient()
}

// retryAfterOf extracts the server-requested retry delay, or 0.
func retryAfterOf(err error) time.Duration {
	var api *ErrPlannerAPI
	if errors.As(err, &api) {
		return api.RetryAfter
	}
	return 0
}

// compile-time check
var _ Planner = (*retryPlanner)(nil)
