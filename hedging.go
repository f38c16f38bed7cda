package resilium

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Hedging.
const (
	HedgingArmsSpawnedTotal = metricz.Key("hedging.arms_spawned.total")
	HedgingWinsTotal        = metricz.Key("hedging.wins.total")
	HedgingExhaustedTotal   = metricz.Key("hedging.exhausted.total")

	HedgingProcessSpan = tracez.Key("hedging.process")
	HedgingArmSpan     = tracez.Key("hedging.arm")

	HedgingTagArmIndex = tracez.Tag("hedging.arm_index")
	HedgingTagWinner   = tracez.Tag("hedging.winner")

	HedgingEventArmSpawned = hookz.Key("hedging.arm_spawned")
	HedgingEventWon        = hookz.Key("hedging.won")
	HedgingEventExhausted  = hookz.Key("hedging.exhausted")
)

// HedgingEvent is fired as hedged arms spawn, win, or all exhaust.
type HedgingEvent[T any] struct {
	Name      Name
	ArmIndex  int
	Outcome   Outcome[T]
	Timestamp time.Time
}

// HedgingOptions configures a Hedging strategy.
type HedgingOptions[T any] struct {
	// MaxHedgedAttempts is the number of extra speculative arms beyond the
	// primary attempt. Defaults to 1.
	MaxHedgedAttempts int
	// Delay is the fixed stagger before spawning the next arm, used unless
	// DelayGenerator is set. Defaults to 1s.
	Delay time.Duration
	// DelayGenerator computes the stagger before spawning arm i+1,
	// measured from the start of arm i. Returning 0 fans out immediately.
	DelayGenerator func(armIndex int) time.Duration
	// ActionGenerator, when set, replaces the inner strategy chain for
	// hedged arms (index >= 1); the primary arm (index 0) always uses the
	// pipeline's own next callback.
	ActionGenerator func(armIndex int) NextFunc[T]
	// ShouldHandle decides which outcomes are retried by spawning or
	// waiting on further arms. Defaults to Failures[T].
	ShouldHandle Predicate[T]
	// OnHedging observes every arm spawn, win, and the final exhaustion.
	OnHedging func(HedgingEvent[T])
}

// Hedging races a primary attempt against staggered speculative arms,
// returning as soon as any arm produces an outcome ShouldHandle does not
// flag, and cancelling every other live arm at that point. If every arm
// produces a handled (failing) outcome, the last one observed is returned.
type Hedging[T any] struct {
	name    Name
	mu      sync.RWMutex
	opts    HedgingOptions[T]
	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[HedgingEvent[T]]
}

// NewHedging creates a Hedging strategy.
func NewHedging[T any](name Name, opts HedgingOptions[T]) *Hedging[T] {
	if opts.MaxHedgedAttempts <= 0 {
		opts.MaxHedgedAttempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.ShouldHandle == nil {
		opts.ShouldHandle = Failures[T]
	}

	metrics := metricz.New()
	metrics.Counter(HedgingArmsSpawnedTotal)
	metrics.Counter(HedgingWinsTotal)
	metrics.Counter(HedgingExhaustedTotal)

	return &Hedging[T]{
		name:    name,
		opts:    opts,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[HedgingEvent[T]](),
	}
}

// Name implements Strategy.
func (h *Hedging[T]) Name() Name { return h.name }

// WithClock injects a clock for deterministic per-arm delay testing.
func (h *Hedging[T]) WithClock(clock clockz.Clock) *Hedging[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = clock
	return h
}

func (h *Hedging[T]) getClock() clockz.Clock {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clock == nil {
		return clockz.RealClock
	}
	return h.clock
}

type hedgeResult[T any] struct {
	idx     int
	outcome Outcome[T]
}

// ExecuteCore implements Strategy: spawn the primary arm immediately,
// stagger additional arms by delay(i), race all live arms, and return on
// the first outcome ShouldHandle does not flag.
func (h *Hedging[T]) ExecuteCore(ctx context.Context, next NextFunc[T], pctx *Context) Outcome[T] {
	h.mu.RLock()
	opts := h.opts
	h.mu.RUnlock()
	clock := h.getClock()

	ctx, span := h.tracer.StartSpan(ctx, HedgingProcessSpan)
	defer span.Finish()

	totalArms := 1 + opts.MaxHedgedAttempts
	resultCh := make(chan hedgeResult[T], totalArms)
	armContexts := make([]*Context, 0, totalArms)

	spawn := func(idx int) {
		armCtx := pctx.Copy()
		armCtx.SetAttemptNumber(idx)
		armContexts = append(armContexts, armCtx)

		nextFn := next
		if idx > 0 && opts.ActionGenerator != nil {
			nextFn = opts.ActionGenerator(idx)
		}

		h.metrics.Counter(HedgingArmsSpawnedTotal).Inc()
		_, armSpan := h.tracer.StartSpan(ctx, HedgingArmSpan)
		armSpan.SetTag(HedgingTagArmIndex, strconv.Itoa(idx))
		if idx > 0 {
			capitan.Info(ctx, SignalHedgingArmSpawned, FieldName.Field(h.name), FieldArmIndex.Field(idx))
			h.emit(ctx, HedgingEventArmSpawned, opts, HedgingEvent[T]{Name: h.name, ArmIndex: idx, Timestamp: clock.Now()})
		}

		go func() {
			defer armSpan.Finish()
			outcome := nextFn(ctx, armCtx)
			select {
			case resultCh <- hedgeResult[T]{idx: idx, outcome: outcome}:
			case <-ctx.Done():
			}
		}()
	}

	spawn(0)
	armsSpawned := 1
	completed := 0
	var lastHandled Outcome[T]

	nextDelay := h.armDelay(opts, 0)
	delayCh := clock.After(nextDelay)
	if armsSpawned >= totalArms {
		delayCh = nil
	}

	for {
		select {
		case res := <-resultCh:
			completed++
			if !opts.ShouldHandle(res.outcome) {
				h.metrics.Counter(HedgingWinsTotal).Inc()
				span.SetTag(HedgingTagWinner, strconv.Itoa(res.idx))
				h.cancelOthers(armContexts, res.idx)
				capitan.Info(ctx, SignalHedgingArmWon, FieldName.Field(h.name), FieldArmIndex.Field(res.idx))
				h.emit(ctx, HedgingEventWon, opts, HedgingEvent[T]{Name: h.name, ArmIndex: res.idx, Outcome: res.outcome, Timestamp: clock.Now()})
				return res.outcome
			}
			lastHandled = res.outcome
			if completed >= armsSpawned && armsSpawned >= totalArms {
				h.metrics.Counter(HedgingExhaustedTotal).Inc()
				h.emit(ctx, HedgingEventExhausted, opts, HedgingEvent[T]{Name: h.name, Outcome: lastHandled, Timestamp: clock.Now()})
				return lastHandled
			}
		case <-delayCh:
			spawn(armsSpawned)
			armsSpawned++
			if armsSpawned >= totalArms {
				delayCh = nil
			} else {
				delayCh = clock.After(h.armDelay(opts, armsSpawned-1))
			}
		case <-pctx.Done():
			h.cancelOthers(armContexts, -1)
			var zero T
			return Fail[T](wrapFailure(h.name, zero, ErrOperationCanceled))
		}
	}
}

func (h *Hedging[T]) armDelay(opts HedgingOptions[T], armIndex int) time.Duration {
	if opts.DelayGenerator != nil {
		return opts.DelayGenerator(armIndex)
	}
	return opts.Delay
}

// cancelOthers trips every arm context's latch except the one at keepIdx
// (pass -1 to cancel all). Cancelling a sibling's derived latch does not
// affect its parent, so the outer pctx is untouched here.
func (h *Hedging[T]) cancelOthers(arms []*Context, keepIdx int) {
	for i, armCtx := range arms {
		if i != keepIdx {
			armCtx.Cancel()
		}
	}
}

func (h *Hedging[T]) emit(ctx context.Context, key hookz.Key, opts HedgingOptions[T], event HedgingEvent[T]) {
	if opts.OnHedging != nil {
		opts.OnHedging(event)
	}
	_ = h.hooks.Emit(ctx, key, event) //nolint:errcheck
}

// Close releases the tracer and hook resources held by this strategy.
func (h *Hedging[T]) Close() error {
	h.tracer.Close()
	h.hooks.Close()
	return nil
}

// OnHedging registers a handler fired on every arm spawn, win, and the
// final exhaustion.
func (h *Hedging[T]) OnHedging(handler func(context.Context, HedgingEvent[T]) error) error {
	for _, key := range []hookz.Key{HedgingEventArmSpawned, HedgingEventWon, HedgingEventExhausted} {
		if _, err := h.hooks.Hook(key, handler); err != nil {
			return err
		}
	}
	return nil
}

// Metrics returns the metrics registry for this strategy.
func (h *Hedging[T]) Metrics() *metricz.Registry { return h.metrics }

// Tracer returns the tracer for this strategy.
func (h *Hedging[T]) Tracer() *tracez.Tracer { return h.tracer }
