package resilium

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Timeout.
const (
	TimeoutProcessedTotal = metricz.Key("timeout.processed.total")
	TimeoutSuccessesTotal = metricz.Key("timeout.successes.total")
	TimeoutTimeoutsTotal  = metricz.Key("timeout.timeouts.total")
	TimeoutCancellations  = metricz.Key("timeout.cancellations.total")
	TimeoutDurationMs     = metricz.Key("timeout.duration.ms")

	TimeoutProcessSpan = tracez.Key("timeout.process")

	TimeoutTagDuration = tracez.Tag("timeout.duration")
	TimeoutTagSuccess  = tracez.Tag("timeout.success")
	TimeoutTagTimedOut = tracez.Tag("timeout.timed_out")
	TimeoutTagCanceled = tracez.Tag("timeout.canceled")
	TimeoutTagElapsed  = tracez.Tag("timeout.elapsed")

	TimeoutEventTimeout = hookz.Key("timeout.timeout")
)

// TimeoutEvent is fired when an operation times out.
type TimeoutEvent[T any] struct {
	Name      Name
	Duration  time.Duration
	Elapsed   time.Duration
	Timestamp time.Time
}

// TimeoutOptions configures a Timeout strategy.
type TimeoutOptions[T any] struct {
	// Duration is the fixed timeout, used unless Generator is set.
	Duration time.Duration
	// Generator computes the timeout per invocation from the Context,
	// consulted once per invocation.
	Generator func(pctx *Context) time.Duration
}

// Timeout races the inner strategy against a deadline. If the deadline
// fires first, it trips the inner context's cancellation and returns a
// Failure wrapping ErrTimeout; otherwise it forwards the inner outcome
// unmodified. The inner work must cooperatively observe cancellation to
// unwind promptly; Timeout returns as soon as the deadline fires regardless
// of whether the inner call has unwound yet. The inner call runs against a
// copy of the caller's Context, so a timeout here never cancels the shared
// Context threaded through the rest of the chain.
type Timeout[T any] struct {
	name    Name
	mu      sync.RWMutex
	opts    TimeoutOptions[T]
	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[TimeoutEvent[T]]
}

// NewTimeout creates a Timeout strategy.
func NewTimeout[T any](name Name, opts TimeoutOptions[T]) *Timeout[T] {
	metrics := metricz.New()
	metrics.Counter(TimeoutProcessedTotal)
	metrics.Counter(TimeoutSuccessesTotal)
	metrics.Counter(TimeoutTimeoutsTotal)
	metrics.Counter(TimeoutCancellations)
	metrics.Gauge(TimeoutDurationMs)

	return &Timeout[T]{
		name:    name,
		opts:    opts,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[TimeoutEvent[T]](),
	}
}

// Name implements Strategy.
func (t *Timeout[T]) Name() Name { return t.name }

// WithClock injects a clock for deterministic deadline testing.
func (t *Timeout[T]) WithClock(clock clockz.Clock) *Timeout[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
	return t
}

func (t *Timeout[T]) getClock() clockz.Clock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.clock == nil {
		return clockz.RealClock
	}
	return t.clock
}

// ExecuteCore implements Strategy: start a timer, race it against next, and
// on timeout trip a copy of the context's cancellation latch before
// returning the timeout Failure.
func (t *Timeout[T]) ExecuteCore(ctx context.Context, next NextFunc[T], pctx *Context) Outcome[T] {
	t.mu.RLock()
	opts := t.opts
	t.mu.RUnlock()
	clock := t.getClock()

	duration := opts.Duration
	if opts.Generator != nil {
		duration = opts.Generator(pctx)
	}

	t.metrics.Counter(TimeoutProcessedTotal).Inc()
	start := clock.Now()

	ctx, span := t.tracer.StartSpan(ctx, TimeoutProcessSpan)
	span.SetTag(TimeoutTagDuration, duration.String())
	defer func() {
		elapsed := clock.Since(start)
		t.metrics.Gauge(TimeoutDurationMs).Set(float64(elapsed.Milliseconds()))
		span.SetTag(TimeoutTagElapsed, elapsed.String())
		span.Finish()
	}()

	deadlineCtx, cancel := clock.WithTimeout(ctx, duration)
	defer cancel()

	innerPctx := pctx.Copy()
	innerCtx, stopBridge := bridge(deadlineCtx, innerPctx)
	defer stopBridge()

	resultCh := make(chan Outcome[T], 1)
	go func() {
		resultCh <- next(innerCtx, innerPctx)
	}()

	select {
	case outcome := <-resultCh:
		span.SetTag(TimeoutTagSuccess, fmt.Sprintf("%t", outcome.IsSuccess()))
		t.metrics.Counter(TimeoutSuccessesTotal).Inc()
		return outcome
	case <-pctx.Done():
		cancel()
		innerPctx.Cancel()
		var zero T
		span.SetTag(TimeoutTagSuccess, "false")
		span.SetTag(TimeoutTagCanceled, "true")
		t.metrics.Counter(TimeoutCancellations).Inc()
		return Fail[T](wrapFailure(t.name, zero, ErrOperationCanceled))
	case <-deadlineCtx.Done():
		innerPctx.Cancel()
		var zero T
		if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
			span.SetTag(TimeoutTagSuccess, "false")
			span.SetTag(TimeoutTagTimedOut, "true")
			t.metrics.Counter(TimeoutTimeoutsTotal).Inc()

			elapsed := clock.Since(start)
			_ = t.hooks.Emit(ctx, TimeoutEventTimeout, TimeoutEvent[T]{ //nolint:errcheck
				Name:      t.name,
				Duration:  duration,
				Elapsed:   elapsed,
				Timestamp: clock.Now(),
			})
			capitan.Warn(ctx, SignalTimeoutTriggered, FieldName.Field(t.name), FieldDuration.Field(duration.Seconds()))

			f := wrapFailure(t.name, zero, ErrTimeout)
			f.Timeout = true
			f.Duration = elapsed
			return Fail[T](f)
		}
		span.SetTag(TimeoutTagSuccess, "false")
		span.SetTag(TimeoutTagCanceled, "true")
		t.metrics.Counter(TimeoutCancellations).Inc()
		return Fail[T](wrapFailure(t.name, zero, deadlineCtx.Err()))
	}
}

// Close releases the tracer and hook resources held by this strategy.
func (t *Timeout[T]) Close() error {
	t.tracer.Close()
	t.hooks.Close()
	return nil
}

// OnTimeout registers a handler fired when an operation times out.
func (t *Timeout[T]) OnTimeout(handler func(context.Context, TimeoutEvent[T]) error) error {
	_, err := t.hooks.Hook(TimeoutEventTimeout, handler)
	return err
}

// Metrics returns the metrics registry for this strategy.
func (t *Timeout[T]) Metrics() *metricz.Registry { return t.metrics }

// Tracer returns the tracer for this strategy.
func (t *Timeout[T]) Tracer() *tracez.Tracer { return t.tracer }
