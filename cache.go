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
	"golang.org/x/sync/singleflight"
)

// Observability constants for Cache.
const (
	CacheHitsTotal   = metricz.Key("cache.hits.total")
	CacheMissesTotal = metricz.Key("cache.misses.total")
	CacheSetsTotal   = metricz.Key("cache.sets.total")

	CacheProcessSpan = tracez.Key("cache.process")

	CacheTagHit = tracez.Tag("cache.hit")

	CacheEventHit  = hookz.Key("cache.hit")
	CacheEventMiss = hookz.Key("cache.miss")
	CacheEventSet  = hookz.Key("cache.set")
)

// CacheProvider stores and retrieves values by key on behalf of a Cache
// strategy. Memory, in internal/cachestore, is the reference implementation;
// any type matching this shape works by structural typing.
type CacheProvider[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Size() (int, bool)
}

// CacheEvent is fired on a hit, miss, or set.
type CacheEvent struct {
	Name      Name
	Key       string
	Timestamp time.Time
}

// CacheOptions configures a Cache strategy.
type CacheOptions[T any] struct {
	// Provider is the backing store. Required.
	Provider CacheProvider[T]
	// KeyGenerator computes the cache key from the invocation context.
	// Defaults to pctx.OperationKey(). A returned empty key bypasses caching
	// for that call entirely.
	KeyGenerator func(pctx *Context) string
	// ShouldCache decides which outcomes are eligible for storage. Defaults
	// to caching only successful outcomes. Only a successful outcome ever
	// has a value to store, so failures are never stored, even when
	// ShouldCache admits them.
	ShouldCache Predicate[T]
	// TTL is the entry lifetime passed to the provider on every set. Zero
	// means no expiry.
	TTL time.Duration
	// OnHit, OnMiss, and OnSet observe cache lookups and writes.
	OnHit  func(CacheEvent)
	OnMiss func(CacheEvent)
	OnSet  func(CacheEvent)
}

func defaultShouldCache[T any](o Outcome[T]) bool {
	return o.IsSuccess()
}

// Cache serves a memoized outcome for calls that share a key, invoking the
// inner strategy chain only on a miss. Concurrent misses for the same key
// collapse into a single inner invocation via singleflight, so the provider
// never has to know about concurrency itself.
type Cache[T any] struct {
	name    Name
	mu      sync.RWMutex
	opts    CacheOptions[T]
	clock   clockz.Clock
	group   singleflight.Group
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[CacheEvent]
}

// NewCache creates a Cache strategy backed by opts.Provider.
func NewCache[T any](name Name, opts CacheOptions[T]) *Cache[T] {
	if opts.KeyGenerator == nil {
		opts.KeyGenerator = func(pctx *Context) string { return pctx.OperationKey() }
	}
	if opts.ShouldCache == nil {
		opts.ShouldCache = defaultShouldCache[T]
	}

	metrics := metricz.New()
	metrics.Counter(CacheHitsTotal)
	metrics.Counter(CacheMissesTotal)
	metrics.Counter(CacheSetsTotal)

	return &Cache[T]{
		name:    name,
		opts:    opts,
		clock:   clockz.RealClock,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[CacheEvent](),
	}
}

// Name implements Strategy.
func (c *Cache[T]) Name() Name { return c.name }

// WithClock injects a clock for deterministic TTL testing.
func (c *Cache[T]) WithClock(clock clockz.Clock) *Cache[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

// ExecuteCore implements Strategy: compute the key,
// serve a hit without invoking next, or invoke next on a miss and store the
// outcome if ShouldCache admits it.
func (c *Cache[T]) ExecuteCore(ctx context.Context, next NextFunc[T], pctx *Context) Outcome[T] {
	c.mu.RLock()
	opts := c.opts
	c.mu.RUnlock()

	ctx, span := c.tracer.StartSpan(ctx, CacheProcessSpan)
	defer span.Finish()

	key := opts.KeyGenerator(pctx)
	if key == "" {
		return next(ctx, pctx)
	}

	if value, ok, err := opts.Provider.Get(ctx, key); err == nil && ok {
		span.SetTag(CacheTagHit, "true")
		c.metrics.Counter(CacheHitsTotal).Inc()
		capitan.Info(ctx, SignalCacheHit, FieldName.Field(c.name), FieldCacheKey.Field(key))
		c.emit(ctx, CacheEventHit, opts.OnHit, CacheEvent{Name: c.name, Key: key, Timestamp: c.clock.Now()})
		return Success(value)
	}

	span.SetTag(CacheTagHit, "false")
	c.metrics.Counter(CacheMissesTotal).Inc()
	capitan.Info(ctx, SignalCacheMiss, FieldName.Field(c.name), FieldCacheKey.Field(key))
	c.emit(ctx, CacheEventMiss, opts.OnMiss, CacheEvent{Name: c.name, Key: key, Timestamp: c.clock.Now()})

	outcomeAny, err, _ := c.group.Do(key, func() (interface{}, error) {
		outcome := next(ctx, pctx)
		if outcome.IsSuccess() && opts.ShouldCache(outcome) {
			// Provider errors on write are swallowed; a cache is an
			// optimization, not a source of truth, and the outcome is still
			// returned to the caller either way.
			_ = opts.Provider.Set(ctx, key, outcome.Value(), opts.TTL)
			c.metrics.Counter(CacheSetsTotal).Inc()
			c.emit(ctx, CacheEventSet, opts.OnSet, CacheEvent{Name: c.name, Key: key, Timestamp: c.clock.Now()})
		}
		return outcome, nil
	})
	if err != nil {
		var zero T
		return Fail[T](wrapFailure(c.name, zero, err))
	}
	return outcomeAny.(Outcome[T])
}

func (c *Cache[T]) emit(ctx context.Context, key hookz.Key, observer func(CacheEvent), event CacheEvent) {
	if observer != nil {
		observer(event)
	}
	_ = c.hooks.Emit(ctx, key, event) //nolint:errcheck
}

// Close releases the tracer and hook resources held by this strategy.
func (c *Cache[T]) Close() error {
	c.tracer.Close()
	c.hooks.Close()
	return nil
}

// OnHit registers a handler fired on every cache hit.
func (c *Cache[T]) OnHit(handler func(context.Context, CacheEvent) error) error {
	_, err := c.hooks.Hook(CacheEventHit, handler)
	return err
}

// OnMiss registers a handler fired on every cache miss.
func (c *Cache[T]) OnMiss(handler func(context.Context, CacheEvent) error) error {
	_, err := c.hooks.Hook(CacheEventMiss, handler)
	return err
}

// OnSet registers a handler fired on every cache write.
func (c *Cache[T]) OnSet(handler func(context.Context, CacheEvent) error) error {
	_, err := c.hooks.Hook(CacheEventSet, handler)
	return err
}

// Metrics returns the metrics registry for this strategy.
func (c *Cache[T]) Metrics() *metricz.Registry { return c.metrics }

// Tracer returns the tracer for this strategy.
func (c *Cache[T]) Tracer() *tracez.Tracer { return c.tracer }
