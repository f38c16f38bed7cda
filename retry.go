package resilium

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/resilium/resilium/internal/clockutil"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// BackoffKind selects the delay formula Retry applies between attempts.
type BackoffKind int

const (
	// BackoffConstant always waits base_delay.
	BackoffConstant BackoffKind = iota
	// BackoffLinear waits base_delay * (attempt+1).
	BackoffLinear
	// BackoffExponential waits base_delay * 2^attempt.
	BackoffExponential
)

// Metric keys for Retry observability.
const (
	RetryAttemptsTotal  = metricz.Key("retry.attempts.total")
	RetrySuccessesTotal = metricz.Key("retry.successes.total")
	RetryFailuresTotal  = metricz.Key("retry.failures.total")
	RetryAttemptCurrent = metricz.Key("retry.attempt.current")
)

// Span names and tags for Retry.
const (
	RetryProcessSpan = tracez.Key("retry.process")
	RetryAttemptSpan = tracez.Key("retry.attempt")

	RetryTagMaxAttempts  = tracez.Tag("retry.max_attempts")
	RetryTagAttempt      = tracez.Tag("retry.attempt")
	RetryTagAttemptsUsed = tracez.Tag("retry.attempts_used")
	RetryTagSuccess      = tracez.Tag("retry.success")
	RetryTagDelay        = tracez.Tag("retry.delay")
	RetryTagCanceled     = tracez.Tag("retry.canceled")

	RetryEventAttempt   = hookz.Key("retry.attempt")
	RetryEventExhausted = hookz.Key("retry.exhausted")
)

// RetryEvent is fired via hooks for each retry and for final exhaustion.
type RetryEvent[T any] struct {
	Name          Name
	Attempt       int
	MaxAttempts   int
	Delay         time.Duration
	Outcome       Outcome[T]
	TotalDuration time.Duration
	Timestamp     time.Time
}

// RetryOptions configures a Retry strategy.
type RetryOptions[T any] struct {
	// MaxAttempts is the number of retries after the first attempt. The
	// zero value selects the default of 3; pass a negative value to
	// disable retrying entirely (one attempt, no retries).
	MaxAttempts int
	// BaseDelay seeds the backoff formula. Defaults to 2s.
	BaseDelay time.Duration
	// Backoff selects the delay formula. The zero value is BackoffConstant.
	Backoff BackoffKind
	// UseJitter randomizes the computed delay uniformly in [0.8d, 1.2d].
	UseJitter bool
	// MaxDelay caps the computed delay, if non-zero.
	MaxDelay time.Duration
	// ShouldHandle decides which outcomes trigger a retry. Defaults to
	// Failures[T].
	ShouldHandle Predicate[T]
	// DelayGenerator overrides the computed delay when non-nil.
	DelayGenerator func(attempt int, outcome Outcome[T]) time.Duration
	// OnRetry observes each retry before the delay sleep begins.
	OnRetry func(attempt int, outcome Outcome[T], delay time.Duration)
}

// Retry re-invokes the inner strategy up to MaxAttempts extra times when
// ShouldHandle flags the outcome, sleeping a backoff delay between attempts.
type Retry[T any] struct {
	name    Name
	mu      sync.RWMutex
	opts    RetryOptions[T]
	clock   clockz.Clock
	rnd     *rand.Rand
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[RetryEvent[T]]
}

// NewRetry creates a Retry strategy, applying a default to any zero-valued
// option.
func NewRetry[T any](name Name, opts RetryOptions[T]) *Retry[T] {
	switch {
	case opts.MaxAttempts == 0:
		opts.MaxAttempts = 3
	case opts.MaxAttempts < 0:
		opts.MaxAttempts = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.ShouldHandle == nil {
		opts.ShouldHandle = Failures[T]
	}

	registry := metricz.New()
	registry.Counter(RetryAttemptsTotal)
	registry.Counter(RetrySuccessesTotal)
	registry.Counter(RetryFailuresTotal)
	registry.Gauge(RetryAttemptCurrent)

	return &Retry[T]{
		name:    name,
		opts:    opts,
		metrics: registry,
		tracer:  tracez.New(),
		hooks:   hookz.New[RetryEvent[T]](),
	}
}

// Name implements Strategy.
func (r *Retry[T]) Name() Name { return r.name }

// WithClock injects a clock for deterministic delay testing.
func (r *Retry[T]) WithClock(clock clockz.Clock) *Retry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

// WithRand injects a deterministic random source for jitter testing.
func (r *Retry[T]) WithRand(rnd *rand.Rand) *Retry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rnd = rnd
	return r
}

func (r *Retry[T]) getClock() clockz.Clock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.clock == nil {
		return clockz.RealClock
	}
	return r.clock
}

// ExecuteCore implements Strategy: invoke, check ShouldHandle, check the
// attempt bound, compute the delay, fire OnRetry, sleep while observing
// cancellation, bump the attempt counter, and repeat.
func (r *Retry[T]) ExecuteCore(ctx context.Context, next NextFunc[T], pctx *Context) Outcome[T] {
	r.mu.RLock()
	opts := r.opts
	r.mu.RUnlock()
	clock := r.getClock()

	ctx, span := r.tracer.StartSpan(ctx, RetryProcessSpan)
	span.SetTag(RetryTagMaxAttempts, fmt.Sprintf("%d", opts.MaxAttempts))
	defer span.Finish()

	start := clock.Now()
	attempt := 0
	pctx.SetAttemptNumber(attempt)

	for {
		attemptCtx, attemptSpan := r.tracer.StartSpan(ctx, RetryAttemptSpan)
		attemptSpan.SetTag(RetryTagAttempt, fmt.Sprintf("%d", attempt))
		r.metrics.Counter(RetryAttemptsTotal).Inc()
		r.metrics.Gauge(RetryAttemptCurrent).Set(float64(attempt))

		outcome := next(attemptCtx, pctx)
		attemptSpan.SetTag(RetryTagSuccess, fmt.Sprintf("%t", outcome.IsSuccess()))
		attemptSpan.Finish()

		if !opts.ShouldHandle(outcome) {
			span.SetTag(RetryTagSuccess, "true")
			span.SetTag(RetryTagAttemptsUsed, fmt.Sprintf("%d", attempt+1))
			r.metrics.Counter(RetrySuccessesTotal).Inc()
			r.metrics.Gauge(RetryAttemptCurrent).Set(0)
			return outcome
		}

		if attempt >= opts.MaxAttempts {
			span.SetTag(RetryTagSuccess, "false")
			span.SetTag(RetryTagAttemptsUsed, fmt.Sprintf("%d", attempt+1))
			r.metrics.Counter(RetryFailuresTotal).Inc()
			r.metrics.Gauge(RetryAttemptCurrent).Set(0)
			_ = r.hooks.Emit(ctx, RetryEventExhausted, RetryEvent[T]{ //nolint:errcheck
				Name:          r.name,
				Attempt:       attempt,
				MaxAttempts:   opts.MaxAttempts,
				Outcome:       outcome,
				TotalDuration: clock.Since(start),
				Timestamp:     clock.Now(),
			})
			capitan.Warn(ctx, SignalRetryExhausted, FieldName.Field(r.name), FieldAttempt.Field(attempt))
			return outcome
		}

		delay := r.computeDelay(opts, attempt, outcome)
		attemptSpan.SetTag(RetryTagDelay, delay.String())

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, outcome, delay)
		}
		capitan.Info(ctx, SignalRetryAttemptFail, FieldName.Field(r.name), FieldAttempt.Field(attempt), FieldDelay.Field(delay.Seconds()))
		_ = r.hooks.Emit(ctx, RetryEventAttempt, RetryEvent[T]{ //nolint:errcheck
			Name:        r.name,
			Attempt:     attempt,
			MaxAttempts: opts.MaxAttempts,
			Delay:       delay,
			Outcome:     outcome,
			Timestamp:   clock.Now(),
		})

		select {
		case <-clock.After(delay):
		case <-pctx.Done():
			var zero T
			span.SetTag(RetryTagCanceled, "true")
			return Fail[T](wrapFailure(r.name, zero, ErrOperationCanceled))
		case <-ctx.Done():
			var zero T
			span.SetTag(RetryTagCanceled, "true")
			return Fail[T](wrapFailure(r.name, zero, ctx.Err()))
		}

		attempt++
		pctx.SetAttemptNumber(attempt)
	}
}

func (r *Retry[T]) computeDelay(opts RetryOptions[T], attempt int, outcome Outcome[T]) time.Duration {
	var delay time.Duration
	if opts.DelayGenerator != nil {
		delay = opts.DelayGenerator(attempt, outcome)
	} else {
		switch opts.Backoff {
		case BackoffLinear:
			delay = opts.BaseDelay * time.Duration(attempt+1)
		case BackoffExponential:
			delay = time.Duration(float64(opts.BaseDelay) * math.Pow(2, float64(attempt)))
		default:
			delay = opts.BaseDelay
		}
	}
	if opts.MaxDelay > 0 && delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	if opts.UseJitter {
		delay = clockutil.Jitter(r.rnd, delay)
	}
	return delay
}

// Close releases the tracer and hook resources held by this strategy.
func (r *Retry[T]) Close() error {
	r.tracer.Close()
	r.hooks.Close()
	return nil
}

// OnRetry registers a handler fired after each retried attempt.
func (r *Retry[T]) OnRetry(handler func(context.Context, RetryEvent[T]) error) error {
	_, err := r.hooks.Hook(RetryEventAttempt, handler)
	return err
}

// OnExhausted registers a handler fired when all attempts are exhausted.
func (r *Retry[T]) OnExhausted(handler func(context.Context, RetryEvent[T]) error) error {
	_, err := r.hooks.Hook(RetryEventExhausted, handler)
	return err
}

// Metrics returns the metrics registry for this strategy.
func (r *Retry[T]) Metrics() *metricz.Registry { return r.metrics }

// Tracer returns the tracer for this strategy.
func (r *Retry[T]) Tracer() *tracez.Tracer { return r.tracer }
