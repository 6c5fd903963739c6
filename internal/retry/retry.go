// Package retry classifies collaborator failures as transient or permanent
// and retries the transient ones with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// StatusError is a non-2xx answer from an HTTP collaborator.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.Code, e.Body)
}

// Transient reports whether the status is worth retrying: 5xx, 408 and 429.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

type markedError struct {
	err       error
	transient bool
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, transient: true}
}

// IsTransient decides whether err should be retried. Explicit marks win;
// then HTTP status; then timeouts and network errors. Everything else is
// permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var m *markedError
	if errors.As(err, &m) {
		return m.transient
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Policy bounds attempts and delays.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for any single delay
	Timeout     time.Duration // per-attempt wall clock limit, 0 = none
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Func is one attempt. attempt is 1-based.
type Func func(ctx context.Context, attempt int) error

// OnRetry is called before sleeping ahead of another attempt.
type OnRetry func(attempt int, delay time.Duration, err error)

// Do runs fn until it succeeds, fails permanently, exhausts MaxAttempts or
// ctx is done. An attempt that overruns Timeout counts as transient. The
// returned error is the last attempt's error.
func Do(ctx context.Context, p Policy, fn Func, onRetry OnRetry) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = runAttempt(ctx, p.Timeout, attempt, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !IsTransient(err) || attempt == attempts {
			return err
		}

		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn Func) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(actx, attempt)
	if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return Transient(fmt.Errorf("attempt timed out after %s: %w", timeout, err))
	}
	return err
}
