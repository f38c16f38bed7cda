// Package resilium provides a type-safe library for composing resilience
// strategies around fallible Go operations.
//
// # Overview
//
// resilium wraps a single fallible operation (a Work[T]) in an ordered
// chain of strategies — Retry, Timeout, CircuitBreaker, Fallback, Hedging,
// RateLimiter, Cache — each of which can observe, delay, replace, retry, or
// short-circuit the call beneath it. A Pipeline is built once from a
// Builder and executed any number of times against fresh invocation state.
//
// # Core Concepts
//
// The library is built around a small, uniform contract:
//
//   - Strategy[T]: ExecuteCore(ctx, next, pctx) Outcome[T], the single
//     method every strategy implements
//   - Outcome[T]: a Success(value) or Failure(*Failure[T]) sum type,
//     bridged to idiomatic (T, error) via Unwrap
//   - Context: a per-invocation sidecar carrying an id, operation key,
//     attempt number, properties, and its own cancellation latch,
//     alongside the ambient context.Context
//
// Every strategy accepts a NextFunc[T] to call zero, one, or many times,
// and may replace whatever Outcome comes back before returning its own.
//
// # Strategies
//
//   - Retry: re-invokes on a handled outcome with constant, linear, or
//     exponential backoff and optional jitter
//   - Timeout: races the call against a deadline, reporting an expired
//     deadline distinctly from an ambient cancellation
//   - CircuitBreaker: opens after a rolling window's failure ratio crosses
//     a threshold, admits exactly one half-open probe, and exposes an
//     explicit handle for inspecting or forcing its state
//   - Fallback: replaces a handled outcome with the outcome of a
//     user-supplied recovery action
//   - Hedging: races a primary attempt against staggered speculative arms
//     and returns the first unhandled outcome, cancelling the rest
//   - RateLimiter: admits calls under a fixed window, sliding window, or
//     bounded-concurrency algorithm, queuing or rejecting the excess
//   - Cache: serves a memoized outcome for a computed key, invoking the
//     inner chain only on a miss
//
// # Usage Example
//
//	builder := resilium.NewBuilder[string]()
//	builder.Use(resilium.NewRetry[string]("retry", resilium.RetryOptions[string]{
//	    MaxAttempts: 3,
//	    Backoff:     resilium.BackoffExponential,
//	    UseJitter:   true,
//	}))
//	builder.Use(resilium.NewTimeout[string]("timeout", resilium.TimeoutOptions[string]{
//	    Duration: 2 * time.Second,
//	}))
//	pipeline := builder.Build()
//
//	value, err := pipeline.Execute(ctx, func(ctx context.Context, pctx *resilium.Context) (string, error) {
//	    return fetch(ctx)
//	}, resilium.NewContext("fetch-user"))
//
// # Observability
//
// Every strategy exposes a Metrics registry, a Tracer, and a hookz event
// stream alongside its own typed on_* callbacks, and logs structured
// signals through capitan for its significant transitions (a retry
// exhausting, a circuit opening, an arm winning a hedge). A strategy's
// clock is swappable via WithClock for deterministic tests.
package resilium
