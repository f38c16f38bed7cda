package cachestore

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Provider is the structural shape every cache provider in this package
// satisfies, matching the Cache strategy's CacheProvider[T] contract.
type Provider[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Size() (int, bool)
}

// MetricsProvider wraps any Provider, counting hits, misses, and sets, and
// accumulating response latency, without changing the wrapped provider's
// behavior. Composable around Memory or any other provider.
type MetricsProvider[T any] struct {
	inner Provider[T]
	clock clockz.Clock

	mu              sync.Mutex
	hits            int64
	misses          int64
	sets            int64
	totalGetLatency time.Duration
	totalSetLatency time.Duration
}

// NewMetricsProvider wraps inner with hit/miss/set accounting.
func NewMetricsProvider[T any](inner Provider[T]) *MetricsProvider[T] {
	return &MetricsProvider[T]{
		inner: inner,
		clock: clockz.RealClock,
	}
}

// WithClock injects a clock for deterministic latency testing.
func (m *MetricsProvider[T]) WithClock(clock clockz.Clock) *MetricsProvider[T] {
	m.clock = clock
	return m
}

// Get delegates to the wrapped provider, recording a hit or miss.
func (m *MetricsProvider[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := m.clock.Now()
	value, ok, err := m.inner.Get(ctx, key)
	elapsed := m.clock.Since(start)

	m.mu.Lock()
	if ok {
		m.hits++
	} else {
		m.misses++
	}
	m.totalGetLatency += elapsed
	m.mu.Unlock()

	return value, ok, err
}

// Set delegates to the wrapped provider, recording a set.
func (m *MetricsProvider[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	start := m.clock.Now()
	err := m.inner.Set(ctx, key, value, ttl)
	elapsed := m.clock.Since(start)

	m.mu.Lock()
	m.sets++
	m.totalSetLatency += elapsed
	m.mu.Unlock()

	return err
}

// Remove delegates to the wrapped provider.
func (m *MetricsProvider[T]) Remove(ctx context.Context, key string) error {
	return m.inner.Remove(ctx, key)
}

// Clear delegates to the wrapped provider.
func (m *MetricsProvider[T]) Clear(ctx context.Context) error {
	return m.inner.Clear(ctx)
}

// Size delegates to the wrapped provider.
func (m *MetricsProvider[T]) Size() (int, bool) {
	return m.inner.Size()
}

// Stats is a point-in-time snapshot of the counters this wrapper keeps.
type Stats struct {
	Hits          int64
	Misses        int64
	Sets          int64
	HitRatio      float64
	AvgGetLatency time.Duration
	AvgSetLatency time.Duration
}

// Stats returns a snapshot of hit/miss/set counts, the hit ratio, and
// average latencies observed so far.
func (m *MetricsProvider[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.hits + m.misses
	stats := Stats{Hits: m.hits, Misses: m.misses, Sets: m.sets}
	if total > 0 {
		stats.HitRatio = float64(m.hits) / float64(total)
		stats.AvgGetLatency = m.totalGetLatency / time.Duration(total)
	}
	if m.sets > 0 {
		stats.AvgSetLatency = m.totalSetLatency / time.Duration(m.sets)
	}
	return stats
}
