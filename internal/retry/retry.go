// Package retry wraps fallible page and network operations with bounded
// retries and linear backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/metrics"
)

// Class is the retry classification of a failure.
type Class int

// Failure classes.
const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Policy configures attempts and the linear backoff step.
type Policy struct {
	// MaxRetries is the total number of attempts made before giving up.
	MaxRetries int
	// BaseDelay is multiplied by the attempt number after each failure.
	BaseDelay time.Duration
}

// Sleeper blocks for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// ExhaustedError is returned after MaxRetries consecutive transient failures.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify decides whether err is transient or permanent.
func Classify(err error) Class {
	var perm *permanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, crawler.ErrInvalidURL) {
		return ClassPermanent
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return ClassPermanent
	}
	var statusErr *crawler.StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return ClassPermanent
		}
	}
	return ClassTransient
}

// Controller applies a Policy to operations. It holds no per-call state, so
// one Controller can serve concurrent terms; each call backs off on its own.
type Controller struct {
	policy Policy
	sleep  Sleeper
	logger *zap.Logger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleeper replaces the timer-based sleeper (used by tests).
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) {
		if s != nil {
			c.sleep = s
		}
	}
}

// New constructs a Controller.
func New(policy Policy, logger *zap.Logger, opts ...Option) *Controller {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{policy: policy, sleep: timerSleep, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs fn until it succeeds, fails permanently, or exhausts the policy.
// After failed attempt n it sleeps BaseDelay*n.
func Do[T any](ctx context.Context, c *Controller, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var last error
	for attempt := 1; attempt <= c.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		last = err
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if Classify(err) == ClassPermanent {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		if attempt == c.policy.MaxRetries {
			break
		}
		delay := c.policy.BaseDelay * time.Duration(attempt)
		metrics.ObserveRetry(op)
		c.logger.Warn("transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
	}
	metrics.ObserveRetryExhausted(op)
	return zero, &ExhaustedError{Op: op, Attempts: c.policy.MaxRetries, Last: last}
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
