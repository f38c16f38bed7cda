package resilium

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// CircuitState identifies a circuit breaker's current state.
type CircuitState string

// Circuit breaker states.
const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// Observability constants for CircuitBreaker.
const (
	CircuitBreakerCallsTotal    = metricz.Key("circuitbreaker.calls.total")
	CircuitBreakerRejectedTotal = metricz.Key("circuitbreaker.rejected.total")
	CircuitBreakerOpenedTotal   = metricz.Key("circuitbreaker.opened.total")
	CircuitBreakerStateGauge    = metricz.Key("circuitbreaker.state")

	CircuitBreakerProcessSpan = tracez.Key("circuitbreaker.process")

	CircuitBreakerTagState = tracez.Tag("circuitbreaker.state")

	CircuitBreakerEventOpened   = hookz.Key("circuitbreaker.opened")
	CircuitBreakerEventClosed   = hookz.Key("circuitbreaker.closed")
	CircuitBreakerEventHalfOpen = hookz.Key("circuitbreaker.half-opened")
)

// CircuitBreakerEvent is fired on every state transition.
type CircuitBreakerEvent struct {
	Name          Name
	State         CircuitState
	FailureRatio  float64
	SampleCount   int
	BreakDuration time.Duration
	Timestamp     time.Time
}

// CircuitBreakerOptions configures a CircuitBreaker.
type CircuitBreakerOptions[T any] struct {
	// SamplingDuration is the rolling window length over which outcomes are
	// counted while Closed. Defaults to 10s.
	SamplingDuration time.Duration
	// MinimumThroughput is the minimum sample count in the window before
	// the failure ratio is evaluated. Defaults to 10.
	MinimumThroughput int
	// FailureRatio is the fraction of failures in the window (>=) that
	// trips the breaker. Defaults to 0.5.
	FailureRatio float64
	// BreakDuration is how long the breaker stays Open before admitting a
	// half-open probe. Defaults to 30s.
	BreakDuration time.Duration
	// ShouldHandle decides which outcomes count as failures. Defaults to
	// Failures[T].
	ShouldHandle Predicate[T]
	// OnOpened, OnClosed, OnHalfOpened observe transitions; errors are
	// not possible since these are plain callbacks, but panics inside
	// them are the caller's responsibility.
	OnOpened     func(CircuitBreakerEvent)
	OnClosed     func(CircuitBreakerEvent)
	OnHalfOpened func(CircuitBreakerEvent)
}

type sample struct {
	at     time.Time
	failed bool
}

// CircuitBreakerHandle is the explicit read/write handle returned alongside
// a CircuitBreaker at construction, letting callers inspect or force its
// state without holding a reference to the strategy itself.
type CircuitBreakerHandle struct {
	cb anyBreaker
}

// State returns the breaker's current state. An Open breaker whose
// BreakDuration has elapsed (and that is not isolated) reports HalfOpen; the
// transition itself, and its OnHalfOpened event, happen at the next call.
func (h *CircuitBreakerHandle) State() CircuitState {
	return h.cb.state()
}

// Isolate forces the breaker Open until Reset is called, regardless of
// observed outcomes.
func (h *CircuitBreakerHandle) Isolate() {
	h.cb.isolate()
}

// Reset forces the breaker Closed and clears its sample window.
func (h *CircuitBreakerHandle) Reset() {
	h.cb.reset()
}

// anyBreaker lets CircuitBreakerHandle stay non-generic while delegating to
// a concrete CircuitBreaker[T].
type anyBreaker interface {
	state() CircuitState
	isolate()
	reset()
}

// CircuitBreaker implements a rolling-window, failure-ratio state machine:
// Closed forwards calls while sampling outcomes in a sliding window, Open
// rejects immediately until BreakDuration elapses, and HalfOpen admits
// exactly one probe call to test recovery.
type CircuitBreaker[T any] struct {
	name Name
	opts CircuitBreakerOptions[T]

	mu            sync.Mutex
	st            CircuitState
	samples       []sample
	openUntil     time.Time
	probeInFlight bool
	isolated      bool

	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[CircuitBreakerEvent]
}

// NewCircuitBreaker creates a CircuitBreaker and its paired handle.
func NewCircuitBreaker[T any](name Name, opts CircuitBreakerOptions[T]) (*CircuitBreaker[T], *CircuitBreakerHandle) {
	if opts.SamplingDuration <= 0 {
		opts.SamplingDuration = 10 * time.Second
	}
	if opts.MinimumThroughput <= 0 {
		opts.MinimumThroughput = 10
	}
	if opts.FailureRatio <= 0 {
		opts.FailureRatio = 0.5
	}
	if opts.BreakDuration <= 0 {
		opts.BreakDuration = 30 * time.Second
	}
	if opts.ShouldHandle == nil {
		opts.ShouldHandle = Failures[T]
	}

	metrics := metricz.New()
	metrics.Counter(CircuitBreakerCallsTotal)
	metrics.Counter(CircuitBreakerRejectedTotal)
	metrics.Counter(CircuitBreakerOpenedTotal)
	metrics.Gauge(CircuitBreakerStateGauge)

	cb := &CircuitBreaker[T]{
		name:    name,
		opts:    opts,
		st:      StateClosed,
		clock:   clockz.RealClock,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[CircuitBreakerEvent](),
	}
	return cb, &CircuitBreakerHandle{cb: cb}
}

// Name implements Strategy.
func (cb *CircuitBreaker[T]) Name() Name { return cb.name }

// WithClock injects a clock for deterministic window/break-duration testing.
func (cb *CircuitBreaker[T]) WithClock(clock clockz.Clock) *CircuitBreaker[T] {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

func (cb *CircuitBreaker[T]) state() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.st == StateOpen && !cb.isolated && cb.clock.Now().After(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.st
}

func (cb *CircuitBreaker[T]) isolate() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.isolated = true
	cb.st = StateOpen
	cb.openUntil = cb.clock.Now().Add(365 * 24 * time.Hour)
}

func (cb *CircuitBreaker[T]) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.isolated = false
	cb.st = StateClosed
	cb.samples = nil
	cb.probeInFlight = false
}

// ExecuteCore implements Strategy by running the breaker's state machine.
func (cb *CircuitBreaker[T]) ExecuteCore(ctx context.Context, next NextFunc[T], pctx *Context) Outcome[T] {
	ctx, span := cb.tracer.StartSpan(ctx, CircuitBreakerProcessSpan)
	defer span.Finish()

	cb.metrics.Counter(CircuitBreakerCallsTotal).Inc()

	admitted, asProbe, rejected := cb.admit()
	if rejected {
		span.SetTag(CircuitBreakerTagState, string(StateOpen))
		cb.metrics.Counter(CircuitBreakerRejectedTotal).Inc()
		capitan.Error(ctx, SignalCircuitBreakerRejected, FieldName.Field(cb.name), FieldState.Field(string(StateOpen)))
		var zero T
		return Fail[T](wrapFailure(cb.name, zero, ErrCircuitOpen))
	}
	_ = admitted

	outcome := next(ctx, pctx)
	cb.record(ctx, outcome, asProbe)
	return outcome
}

// admit decides whether this call proceeds, and whether it is the
// half-open probe. It evaluates the Open->HalfOpen transition lazily, at
// the next call observed once BreakDuration has elapsed.
func (cb *CircuitBreaker[T]) admit() (admitted, asProbe, rejected bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.st == StateOpen && !cb.isolated && cb.clock.Now().After(cb.openUntil) {
		cb.st = StateHalfOpen
		cb.probeInFlight = false
		cb.fireLocked(CircuitBreakerEventHalfOpen, cb.opts.OnHalfOpened)
	}

	switch cb.st {
	case StateOpen:
		return false, false, true
	case StateHalfOpen:
		if cb.probeInFlight {
			return false, false, true
		}
		cb.probeInFlight = true
		return true, true, false
	default:
		return true, false, false
	}
}

// record updates the state machine with the outcome of an admitted call.
func (cb *CircuitBreaker[T]) record(ctx context.Context, outcome Outcome[T], asProbe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := cb.opts.ShouldHandle(outcome)

	if asProbe {
		cb.probeInFlight = false
		if failed {
			cb.st = StateOpen
			cb.openUntil = cb.clock.Now().Add(cb.opts.BreakDuration)
			cb.metrics.Counter(CircuitBreakerOpenedTotal).Inc()
			cb.fireLocked(CircuitBreakerEventOpened, cb.opts.OnOpened)
		} else {
			cb.st = StateClosed
			cb.samples = nil
			cb.fireLocked(CircuitBreakerEventClosed, cb.opts.OnClosed)
		}
		return
	}

	if cb.st != StateClosed {
		return
	}

	now := cb.clock.Now()
	cb.samples = append(cb.samples, sample{at: now, failed: failed})
	cutoff := now.Add(-cb.opts.SamplingDuration)
	kept := cb.samples[:0]
	for _, s := range cb.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	cb.samples = kept

	total := len(cb.samples)
	if total < cb.opts.MinimumThroughput {
		return
	}
	failures := 0
	for _, s := range cb.samples {
		if s.failed {
			failures++
		}
	}
	ratio := float64(failures) / float64(total)
	if ratio >= cb.opts.FailureRatio {
		cb.st = StateOpen
		cb.openUntil = now.Add(cb.opts.BreakDuration)
		cb.metrics.Counter(CircuitBreakerOpenedTotal).Inc()
		capitan.Warn(ctx, SignalCircuitBreakerOpened, FieldName.Field(cb.name), FieldFailureRatio.Field(ratio), FieldSampleCount.Field(total))
		cb.fireLocked(CircuitBreakerEventOpened, cb.opts.OnOpened)
	}
}

// fireLocked runs the matching observer and emits the hook event. Called
// with cb.mu held; the callback itself must not call back into cb.
func (cb *CircuitBreaker[T]) fireLocked(key hookz.Key, observer func(CircuitBreakerEvent)) {
	event := CircuitBreakerEvent{
		Name:        cb.name,
		State:       cb.st,
		SampleCount: len(cb.samples),
		Timestamp:   cb.clock.Now(),
	}
	if observer != nil {
		observer(event)
	}
	_ = cb.hooks.Emit(context.Background(), key, event) //nolint:errcheck
	cb.metrics.Gauge(CircuitBreakerStateGauge).Set(stateGaugeValue(cb.st))
}

func stateGaugeValue(st CircuitState) float64 {
	switch st {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Close releases the tracer and hook resources held by this strategy.
func (cb *CircuitBreaker[T]) Close() error {
	cb.tracer.Close()
	cb.hooks.Close()
	return nil
}

// OnOpened registers a handler fired when the breaker opens.
func (cb *CircuitBreaker[T]) OnOpened(handler func(context.Context, CircuitBreakerEvent) error) error {
	_, err := cb.hooks.Hook(CircuitBreakerEventOpened, handler)
	return err
}

// OnClosed registers a handler fired when the breaker closes.
func (cb *CircuitBreaker[T]) OnClosed(handler func(context.Context, CircuitBreakerEvent) error) error {
	_, err := cb.hooks.Hook(CircuitBreakerEventClosed, handler)
	return err
}

// OnHalfOpened registers a handler fired when the breaker admits a probe.
func (cb *CircuitBreaker[T]) OnHalfOpened(handler func(context.Context, CircuitBreakerEvent) error) error {
	_, err := cb.hooks.Hook(CircuitBreakerEventHalfOpen, handler)
	return err
}

// Metrics returns the metrics registry for this strategy.
func (cb *CircuitBreaker[T]) Metrics() *metricz.Registry { return cb.metrics }

// Tracer returns the tracer for this strategy.
func (cb *CircuitBreaker[T]) Tracer() *tracez.Tracer { return cb.tracer }
