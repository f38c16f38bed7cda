package resilium

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Fallback.
const (
	FallbackProcessedTotal = metricz.Key("fallback.processed.total")
	FallbackActivatedTotal = metricz.Key("fallback.activated.total")
	FallbackFailedTotal    = metricz.Key("fallback.failed.total")

	FallbackProcessSpan = tracez.Key("fallback.process")

	FallbackTagActivated = tracez.Tag("fallback.activated")

	FallbackEventActivated = hookz.Key("fallback.activated")
)

// FallbackEvent is fired when the fallback action is invoked.
type FallbackEvent[T any] struct {
	Name      Name
	Primary   Outcome[T]
	Timestamp time.Time
}

// FallbackOptions configures a Fallback strategy.
type FallbackOptions[T any] struct {
	// ShouldHandle decides which outcomes trigger the fallback action.
	// Defaults to Failures[T].
	ShouldHandle Predicate[T]
	// Action produces a replacement outcome from the primary outcome and
	// invocation context. A panic or returned error from Action surfaces
	// as the final outcome rather than being swallowed.
	Action func(ctx context.Context, pctx *Context, primary Outcome[T]) Outcome[T]
}

// Fallback invokes the inner strategy and, if its outcome satisfies
// ShouldHandle, replaces it with the outcome of Action. Any other outcome
// is forwarded unchanged.
type Fallback[T any] struct {
	name    Name
	mu      sync.RWMutex
	opts    FallbackOptions[T]
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[FallbackEvent[T]]
}

// NewFallback creates a Fallback strategy.
func NewFallback[T any](name Name, opts FallbackOptions[T]) *Fallback[T] {
	if opts.ShouldHandle == nil {
		opts.ShouldHandle = Failures[T]
	}

	metrics := metricz.New()
	metrics.Counter(FallbackProcessedTotal)
	metrics.Counter(FallbackActivatedTotal)
	metrics.Counter(FallbackFailedTotal)

	return &Fallback[T]{
		name:    name,
		opts:    opts,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[FallbackEvent[T]](),
	}
}

// Name implements Strategy.
func (f *Fallback[T]) Name() Name { return f.name }

// ExecuteCore implements Strategy.
func (f *Fallback[T]) ExecuteCore(ctx context.Context, next NextFunc[T], pctx *Context) (final Outcome[T]) {
	f.mu.RLock()
	opts := f.opts
	f.mu.RUnlock()

	ctx, span := f.tracer.StartSpan(ctx, FallbackProcessSpan)
	defer span.Finish()

	f.metrics.Counter(FallbackProcessedTotal).Inc()

	primary := next(ctx, pctx)
	if !opts.ShouldHandle(primary) {
		return primary
	}

	span.SetTag(FallbackTagActivated, "true")
	f.metrics.Counter(FallbackActivatedTotal).Inc()
	_ = f.hooks.Emit(ctx, FallbackEventActivated, FallbackEvent[T]{ //nolint:errcheck
		Name:      f.name,
		Primary:   primary,
		Timestamp: time.Now(),
	})

	replacement := f.runAction(ctx, pctx, opts, primary)
	if replacement.IsFailure() {
		f.metrics.Counter(FallbackFailedTotal).Inc()
	}
	return replacement
}

// runAction invokes the user-supplied fallback action, converting a panic
// into a Failure the same way the innermost Work boundary does: a fallback
// action is user code, not strategy-internal code, so its panics are data,
// not programmer errors that should propagate.
func (f *Fallback[T]) runAction(ctx context.Context, pctx *Context, opts FallbackOptions[T], primary Outcome[T]) (outcome Outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			outcome = Fail[T](&Failure[T]{
				InputData: zero,
				Err:       &panicError{processorName: f.name, recovered: sanitizePanicMessage(r)},
				Path:      []Name{f.name},
			})
		}
	}()
	return opts.Action(ctx, pctx, primary)
}

// Close releases the tracer and hook resources held by this strategy.
func (f *Fallback[T]) Close() error {
	f.tracer.Close()
	f.hooks.Close()
	return nil
}

// OnFallback registers a handler fired when the fallback action is invoked.
func (f *Fallback[T]) OnFallback(handler func(context.Context, FallbackEvent[T]) error) error {
	_, err := f.hooks.Hook(FallbackEventActivated, handler)
	return err
}

// Metrics returns the metrics registry for this strategy.
func (f *Fallback[T]) Metrics() *metricz.Registry { return f.metrics }

// Tracer returns the tracer for this strategy.
func (f *Fallback[T]) Tracer() *tracez.Tracer { return f.tracer }
