package resilium

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the strategies that synthesize their own rejection
// rather than forwarding a user error.
var (
	ErrTimeout           = errors.New("resilium: operation timed out")
	ErrCircuitOpen       = errors.New("resilium: circuit breaker is open")
	ErrOperationCanceled = errors.New("resilium: operation canceled")
)

// RateLimitReason identifies why a RateLimiter rejected an acquisition.
type RateLimitReason string

// Rejection reasons for RateLimiterRejected. ReasonCanceled marks a
// ConcurrencyLimiter waiter whose context was canceled while queued; that
// case surfaces as ErrOperationCanceled, not as a RateLimiterRejected.
const (
	ReasonWindowFull RateLimitReason = "window_full"
	ReasonQueueFull  RateLimitReason = "queue_full"
	ReasonCanceled   RateLimitReason = "canceled"
)

// RateLimiterRejected is returned (wrapped in a *Failure[T]) when a
// RateLimiter strategy denies admission.
type RateLimiterRejected struct {
	Reason RateLimitReason
}

func (e *RateLimiterRejected) Error() string {
	return fmt.Sprintf("resilium: rate limiter rejected (%s)", e.Reason)
}

// Failure provides rich context about a pipeline execution failure. It
// wraps the underlying error with information about where and when the
// failure occurred, what data was being processed, and the complete path
// through the strategy chain it unwound across. This is the Failure
// variant of Outcome[T].
type Failure[T any] struct {
	Timestamp time.Time
	InputData T
	Err       error
	Path      []Name
	Duration  time.Duration
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface.
func (f *Failure[T]) Error() string {
	if f == nil {
		return "<nil>"
	}
	path := strings.Join(f.Path, " -> ")
	if path == "" {
		path = "unknown"
	}

	switch {
	case f.Timeout:
		return fmt.Sprintf("%s timed out after %v: %v", path, f.Duration, f.Err)
	case f.Canceled:
		return fmt.Sprintf("%s canceled after %v: %v", path, f.Duration, f.Err)
	default:
		return fmt.Sprintf("%s failed after %v: %v", path, f.Duration, f.Err)
	}
}

// Unwrap returns the underlying error, enabling errors.Is/errors.As against
// the wrapped cause.
func (f *Failure[T]) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// IsTimeout reports whether this failure was caused by a timeout, whether
// synthesized by the Timeout strategy or surfaced as a context deadline.
func (f *Failure[T]) IsTimeout() bool {
	if f == nil {
		return false
	}
	return f.Timeout || errors.Is(f.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether this failure was caused by cancellation.
func (f *Failure[T]) IsCanceled() bool {
	if f == nil {
		return false
	}
	return f.Canceled || errors.Is(f.Err, context.Canceled) || errors.Is(f.Err, ErrOperationCanceled)
}

// wrapFailure lifts a plain error into a *Failure[T], prepending name to an
// existing Failure's path if the error already carries one, or constructing
// a fresh Failure otherwise. Every strategy's exit boundary funnels through
// this so Path accumulates outside-in as the outcome bubbles back.
func wrapFailure[T any](name Name, input T, err error) *Failure[T] {
	var existing *Failure[T]
	if errors.As(err, &existing) {
		existing.Path = append([]Name{name}, existing.Path...)
		return existing
	}
	return &Failure[T]{
		Timestamp: time.Now(),
		InputData: input,
		Err:       err,
		Path:      []Name{name},
		Timeout:   errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout),
		Canceled:  errors.Is(err, context.Canceled) || errors.Is(err, ErrOperationCanceled),
	}
}
