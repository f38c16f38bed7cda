package resilium

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// RateLimiterAlgorithm selects one of the three admission algorithms a
// RateLimiter strategy can run.
type RateLimiterAlgorithm int

const (
	// FixedWindow resets its counter at fixed interval boundaries.
	FixedWindow RateLimiterAlgorithm = iota
	// SlidingWindow evicts permit timestamps older than the window length
	// on every acquire.
	SlidingWindow
	// ConcurrencyLimiter bounds the number of in-flight calls, queuing
	// excess acquirers FIFO.
	ConcurrencyLimiter
)

// Observability constants for RateLimiter.
const (
	RateLimiterAllowedTotal  = metricz.Key("ratelimiter.allowed.total")
	RateLimiterRejectedTotal = metricz.Key("ratelimiter.rejected.total")
	RateLimiterQueueDepth    = metricz.Key("ratelimiter.queue.depth")

	RateLimiterProcessSpan = tracez.Key("ratelimiter.process")

	RateLimiterTagReason = tracez.Tag("ratelimiter.reason")

	RateLimiterEventRejected = hookz.Key("ratelimiter.rejected")
)

// RateLimiterEvent is fired when an acquisition is rejected.
type RateLimiterEvent struct {
	Name      Name
	Reason    RateLimitReason
	Timestamp time.Time
}

// RateLimiterOptions configures a RateLimiter strategy.
type RateLimiterOptions struct {
	// Algorithm selects FixedWindow, SlidingWindow, or ConcurrencyLimiter.
	Algorithm RateLimiterAlgorithm
	// PermitLimit is the admission cap: permits per window for the two
	// window algorithms, or max in-flight calls for ConcurrencyLimiter.
	PermitLimit int
	// Window is the window length for FixedWindow/SlidingWindow.
	Window time.Duration
	// QueueLimit bounds the FIFO wait queue for ConcurrencyLimiter; excess
	// acquirers are rejected with reason QueueFull.
	QueueLimit int
	// OnRejected observes every rejection with its reason.
	OnRejected func(RateLimiterEvent)
}

// RateLimiter admits or rejects calls under one of three algorithms. All
// state mutations are serialized by an internal mutex held only across the
// mutation itself, never across a suspension point.
type RateLimiter[T any] struct {
	name Name
	opts RateLimiterOptions

	mu sync.Mutex

	// FixedWindow state.
	windowStart time.Time
	count       int

	// SlidingWindow state.
	timestamps []time.Time

	// ConcurrencyLimiter state.
	inUse int
	queue *list.List // of chan struct{}

	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[RateLimiterEvent]
}

// NewRateLimiter creates a RateLimiter strategy for value type T.
func NewRateLimiter[T any](name Name, opts RateLimiterOptions) *RateLimiter[T] {
	if opts.PermitLimit <= 0 {
		opts.PermitLimit = 1
	}
	if opts.Window <= 0 {
		opts.Window = time.Second
	}

	metrics := metricz.New()
	metrics.Counter(RateLimiterAllowedTotal)
	metrics.Counter(RateLimiterRejectedTotal)
	metrics.Gauge(RateLimiterQueueDepth)

	return &RateLimiter[T]{
		name:    name,
		opts:    opts,
		queue:   list.New(),
		clock:   clockz.RealClock,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[RateLimiterEvent](),
	}
}

// Name implements Strategy.
func (rl *RateLimiter[T]) Name() Name { return rl.name }

// WithClock injects a clock for deterministic window testing.
func (rl *RateLimiter[T]) WithClock(clock clockz.Clock) *RateLimiter[T] {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.clock = clock
	return rl
}

// ExecuteCore implements Strategy, admitting or rejecting per the
// configured algorithm before invoking next. ConcurrencyLimiter's queue
// wait is the one suspension point this strategy introduces.
func (rl *RateLimiter[T]) ExecuteCore(ctx context.Context, next NextFunc[T], pctx *Context) Outcome[T] {
	ctx, span := rl.tracer.StartSpan(ctx, RateLimiterProcessSpan)
	defer span.Finish()

	var reason RateLimitReason
	var rejected bool
	var release func()

	switch rl.opts.Algorithm {
	case SlidingWindow:
		rejected, reason = rl.acquireSliding()
	case ConcurrencyLimiter:
		var ok bool
		release, ok, reason = rl.acquireConcurrency(ctx, pctx)
		rejected = !ok
	default:
		rejected, reason = rl.acquireFixed()
	}

	if rejected {
		span.SetTag(RateLimiterTagReason, string(reason))
		var zero T
		if reason == ReasonCanceled {
			return Fail[T](wrapFailure(rl.name, zero, ErrOperationCanceled))
		}

		rl.metrics.Counter(RateLimiterRejectedTotal).Inc()
		capitan.Warn(ctx, SignalRateLimiterThrottled, FieldName.Field(rl.name), FieldRateLimitReason.Field(string(reason)))
		if rl.opts.OnRejected != nil {
			rl.opts.OnRejected(RateLimiterEvent{Name: rl.name, Reason: reason, Timestamp: rl.clock.Now()})
		}
		_ = rl.hooks.Emit(ctx, RateLimiterEventRejected, RateLimiterEvent{Name: rl.name, Reason: reason, Timestamp: rl.clock.Now()}) //nolint:errcheck
		return Fail[T](wrapFailure(rl.name, zero, &RateLimiterRejected{Reason: reason}))
	}

	rl.metrics.Counter(RateLimiterAllowedTotal).Inc()
	capitan.Info(ctx, SignalRateLimiterAllowed, FieldName.Field(rl.name))

	outcome := next(ctx, pctx)
	if release != nil {
		release()
	}
	return outcome
}

// acquireFixed implements the FixedWindow algorithm.
func (rl *RateLimiter[T]) acquireFixed() (rejected bool, reason RateLimitReason) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if rl.windowStart.IsZero() || now.Sub(rl.windowStart) >= rl.opts.Window {
		rl.windowStart = now
		rl.count = 0
	}
	if rl.count < rl.opts.PermitLimit {
		rl.count++
		return false, ""
	}
	return true, ReasonWindowFull
}

// acquireSliding implements the SlidingWindow algorithm.
func (rl *RateLimiter[T]) acquireSliding() (rejected bool, reason RateLimitReason) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	cutoff := now.Add(-rl.opts.Window)
	kept := rl.timestamps[:0]
	for _, ts := range rl.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rl.timestamps = kept

	if len(rl.timestamps) < rl.opts.PermitLimit {
		rl.timestamps = append(rl.timestamps, now)
		return false, ""
	}
	return true, ReasonWindowFull
}

// acquireConcurrency implements the ConcurrencyLimiter algorithm: admit
// immediately if under the permit limit, else enqueue FIFO up to
// QueueLimit and suspend until woken by a release, else reject.
func (rl *RateLimiter[T]) acquireConcurrency(ctx context.Context, pctx *Context) (release func(), ok bool, reason RateLimitReason) {
	rl.mu.Lock()
	if rl.inUse < rl.opts.PermitLimit {
		rl.inUse++
		rl.mu.Unlock()
		return rl.makeRelease(), true, ""
	}
	if rl.queue.Len() >= rl.opts.QueueLimit {
		rl.mu.Unlock()
		return nil, false, ReasonQueueFull
	}

	wait := make(chan struct{})
	elem := rl.queue.PushBack(wait)
	rl.metrics.Gauge(RateLimiterQueueDepth).Set(float64(rl.queue.Len()))
	rl.mu.Unlock()

	select {
	case <-wait:
		return rl.makeRelease(), true, ""
	case <-pctx.Done():
		rl.mu.Lock()
		rl.queue.Remove(elem)
		rl.mu.Unlock()
		return nil, false, ReasonCanceled
	case <-ctx.Done():
		rl.mu.Lock()
		rl.queue.Remove(elem)
		rl.mu.Unlock()
		return nil, false, ReasonCanceled
	}
}

// makeRelease returns a function that decrements in_use and wakes the
// oldest waiter in FIFO order, exactly once.
func (rl *RateLimiter[T]) makeRelease() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Lock()
			defer rl.mu.Unlock()

			front := rl.queue.Front()
			if front == nil {
				rl.inUse--
				return
			}
			rl.queue.Remove(front)
			rl.metrics.Gauge(RateLimiterQueueDepth).Set(float64(rl.queue.Len()))
			close(front.Value.(chan struct{}))
		})
	}
}

// Close releases the tracer and hook resources held by this strategy.
func (rl *RateLimiter[T]) Close() error {
	rl.tracer.Close()
	rl.hooks.Close()
	return nil
}

// OnRejected registers a handler fired when an acquisition is rejected.
func (rl *RateLimiter[T]) OnRejected(handler func(context.Context, RateLimiterEvent) error) error {
	_, err := rl.hooks.Hook(RateLimiterEventRejected, handler)
	return err
}

// Metrics returns the metrics registry for this strategy.
func (rl *RateLimiter[T]) Metrics() *metricz.Registry { return rl.metrics }

// Tracer returns the tracer for this strategy.
func (rl *RateLimiter[T]) Tracer() *tracez.Tracer { return rl.tracer }
