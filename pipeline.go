package resilium

import (
	"context"
)

// Pipeline is an immutable ordered list of strategies. A strategy
// earlier in the list wraps strategies added after it: the first strategy
// added is the outermost, the last is innermost, nearest the user Work.
// Pipelines are safe for concurrent use — nothing about Execute mutates the
// pipeline itself.
type Pipeline[T any] struct {
	strategies []Strategy[T]
}

// Builder accumulates strategies in insertion order and emits an immutable
// Pipeline. It is not safe for concurrent use while being built; build a
// Pipeline on one goroutine, then share the result freely.
type Builder[T any] struct {
	strategies []Strategy[T]
}

// NewBuilder creates an empty Builder.
func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{}
}

// Use appends a strategy to the chain. Strategies added earlier wrap
// strategies added later: the order of Use calls is the order of wrapping,
// outermost first.
func (b *Builder[T]) Use(s Strategy[T]) *Builder[T] {
	b.strategies = append(b.strategies, s)
	return b
}

// Build emits an immutable Pipeline from the accumulated strategies. The
// Builder's internal slice is copied so further mutation of the Builder
// (further Use calls) never affects a Pipeline already built from it.
func (b *Builder[T]) Build() *Pipeline[T] {
	strategies := make([]Strategy[T], len(b.strategies))
	copy(strategies, b.strategies)
	return &Pipeline[T]{strategies: strategies}
}

// Execute runs work through every strategy in the pipeline and collapses
// the result back to a conventional (T, error) pair. If pctx is nil, a
// fresh Context is created for this invocation. On failure the returned
// error is the *Failure[T] produced by the strategy chain, preserving its
// full Path trace.
func (p *Pipeline[T]) Execute(ctx context.Context, work Work[T], pctx *Context) (T, error) {
	return p.ExecuteAndCapture(ctx, work, pctx).Unwrap()
}

// ExecuteAndCapture runs work through every strategy and returns the final
// Outcome directly, never panicking or raising due to a failure in work.
func (p *Pipeline[T]) ExecuteAndCapture(ctx context.Context, work Work[T], pctx *Context) Outcome[T] {
	if pctx == nil {
		pctx = NewContext("")
	}
	next := p.dispatch(0, work)
	return next(ctx, pctx)
}

// dispatch synthesizes the NextFunc chain for strategy index i: calling it
// invokes strategy i, whose own next descends to i+1, ultimately reaching
// the user Work once every strategy has been consulted.
func (p *Pipeline[T]) dispatch(i int, work Work[T]) NextFunc[T] {
	if i >= len(p.strategies) {
		return func(ctx context.Context, pctx *Context) Outcome[T] {
			return runWork(ctx, pctx, "work", work)
		}
	}
	strategy := p.strategies[i]
	next := p.dispatch(i+1, work)
	return func(ctx context.Context, pctx *Context) Outcome[T] {
		select {
		case <-pctx.Done():
			var zero T
			return Fail[T](wrapFailure(strategy.Name(), zero, ErrOperationCanceled))
		default:
		}
		return strategy.ExecuteCore(ctx, next, pctx)
	}
}

// Names returns the names of every strategy in the pipeline, outermost
// first, primarily for debugging and test assertions.
func (p *Pipeline[T]) Names() []Name {
	names := make([]Name, len(p.strategies))
	for i, s := range p.strategies {
		names[i] = s.Name()
	}
	return names
}

// Len returns the number of strategies in the pipeline.
func (p *Pipeline[T]) Len() int {
	return len(p.strategies)
}
