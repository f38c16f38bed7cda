package resilium

import "context"

// Work is the user-supplied fallible operation a Pipeline wraps. It
// receives the per-invocation Context for cancellation and attempt
// awareness and returns a plain (value, error) pair; the pipeline lifts
// that pair into an Outcome at the innermost boundary.
type Work[T any] func(ctx context.Context, pctx *Context) (T, error)

// NextFunc is what a Strategy calls to descend to the next strategy in the
// chain (or, for the innermost strategy, to the user Work). A strategy may
// invoke it zero times (short-circuiting, e.g. CircuitBreaker when open),
// exactly once (the common case), or many times (Retry, Hedging) — and may
// replace whatever Outcome it returns.
type NextFunc[T any] func(ctx context.Context, pctx *Context) Outcome[T]

// Strategy is the single-method contract every resilience strategy
// implements. ExecuteCore receives the synthesized next callback and the
// invocation context, and returns the Outcome it ultimately wants to
// propagate outward.
type Strategy[T any] interface {
	ExecuteCore(ctx context.Context, next NextFunc[T], pctx *Context) Outcome[T]
	Name() Name
}

// Predicate decides whether an Outcome should trigger a strategy's
// reaction. The default predicate used when a strategy isn't configured
// with one is Failures, which treats every Failure as handleable and every
// Success as not.
type Predicate[T any] func(Outcome[T]) bool

// Failures is the default should_handle predicate: true for any Failure,
// false for any Success.
func Failures[T any](o Outcome[T]) bool {
	return o.IsFailure()
}

// Always returns a predicate that handles every outcome, success or
// failure alike. Useful for strategies like Cache where should_cache
// sometimes needs to consider successes.
func Always[T any](Outcome[T]) bool {
	return true
}

// And combines predicates so the result handles an outcome only when every
// one of them does.
func And[T any](preds ...Predicate[T]) Predicate[T] {
	return func(o Outcome[T]) bool {
		for _, p := range preds {
			if !p(o) {
				return false
			}
		}
		return true
	}
}

// Or combines predicates so the result handles an outcome when any one of
// them does.
func Or[T any](preds ...Predicate[T]) Predicate[T] {
	return func(o Outcome[T]) bool {
		for _, p := range preds {
			if p(o) {
				return true
			}
		}
		return false
	}
}

// Not negates a predicate.
func Not[T any](p Predicate[T]) Predicate[T] {
	return func(o Outcome[T]) bool {
		return !p(o)
	}
}
