package resilium

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Name identifies a processor or strategy for debugging, tracing, and
// observability. Using a dedicated alias encourages declaring names as
// constants rather than scattering inline strings through call sites.
type Name = string

// Context is the per-invocation sidecar threaded through a strategy chain.
// It carries the operation key used for cache keying and tracing,
// the attempt counter mutated by Retry and Hedging, an extensible property
// bag for inter-strategy hints and user data, and a one-shot cancellation
// latch. A Context is owned by the invocation that created it and must not
// be touched after the outermost Execute call returns.
type Context struct {
	mu            sync.RWMutex
	id            uuid.UUID
	operationKey  string
	attemptNumber int
	properties    map[string]any
	cancel        *latch
}

// NewContext creates a fresh Context for a pipeline invocation. operationKey
// may be empty; an empty key disables cache keying.
func NewContext(operationKey string) *Context {
	return &Context{
		id:           uuid.New(),
		operationKey: operationKey,
		properties:   make(map[string]any),
		cancel:       newLatch(),
	}
}

// ID returns the correlation id stamped at construction and preserved
// across Copy, so tracing spans for hedged or retried attempts can be
// correlated back to the originating invocation.
func (c *Context) ID() uuid.UUID {
	return c.id
}

// OperationKey returns the operation key, or "" if unset.
func (c *Context) OperationKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.operationKey
}

// SetOperationKey updates the operation key.
func (c *Context) SetOperationKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operationKey = key
}

// AttemptNumber returns the current attempt counter (0-based, default 0).
func (c *Context) AttemptNumber() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attemptNumber
}

// SetAttemptNumber overwrites the attempt counter. Retry and Hedging call
// this as they iterate attempts.
func (c *Context) SetAttemptNumber(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attemptNumber = n
}

// Property reads a value from the property bag.
func (c *Context) Property(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.properties[key]
	return v, ok
}

// SetProperty writes a value into the property bag.
func (c *Context) SetProperty(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.properties[key] = value
}

// Cancel trips this context's cancellation latch. Idempotent: tripping an
// already-cancelled context is a no-op.
func (c *Context) Cancel() {
	c.cancel.trip()
}

// Canceled reports whether the cancellation latch has tripped.
func (c *Context) Canceled() bool {
	return c.cancel.tripped()
}

// Done returns a channel that closes when this context's cancellation
// latch trips, for use in select statements at suspension points.
func (c *Context) Done() <-chan struct{} {
	return c.cancel.done()
}

// Copy produces a sibling Context with the same operation key, attempt
// number, and a duplicated property map, but a freshly re-armed
// cancellation latch. If the parent was already cancelled at the moment of
// copying, the copy inherits that cancelled state — but future cancellation
// of the parent does not propagate to the copy. Hedging uses Copy to
// isolate each speculative arm's cancellation from its siblings.
func (c *Context) Copy() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	props := make(map[string]any, len(c.properties))
	for k, v := range c.properties {
		props[k] = v
	}

	cp := &Context{
		id:            c.id,
		operationKey:  c.operationKey,
		attemptNumber: c.attemptNumber,
		properties:    props,
		cancel:        newLatch(),
	}
	if c.cancel.tripped() {
		cp.cancel.trip()
	}
	return cp
}

// latch is a one-shot, monotonic cancellation signal. Once tripped it stays
// tripped; tripping it again is a safe no-op. It is the concrete mechanism
// behind Context's cancellation contract.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) trip() {
	l.once.Do(func() { close(l.ch) })
}

func (l *latch) tripped() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

func (l *latch) done() <-chan struct{} {
	return l.ch
}

// bridge derives a stdlib context.Context that cancels when either ctx or
// pctx's latch is done, and ties tripping pctx's latch to canceling the
// derived context. Timeout uses this to race its inner call against both
// the ambient Go context and the resilience Context's cancellation latch
// instead of spawning an ad hoc goroutine at the call site. The returned cancel must always be called to release the
// watcher goroutine, the same discipline context.WithCancel imposes.
func bridge(ctx context.Context, pctx *Context) (context.Context, context.CancelFunc) {
	derived, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-pctx.Done():
			cancel()
		case <-derived.Done():
		case <-stop:
		}
	}()
	return derived, func() {
		close(stop)
		cancel()
	}
}
