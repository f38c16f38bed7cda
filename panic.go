package resilium

import (
	"context"
	"fmt"
	"runtime/debug"
)

// panicError wraps a recovered panic value from user-supplied code (the
// Work, or a Fallback action) as an error. Only panics originating from
// such user code are ever turned into a Failure; a panic raised by
// strategy-internal code is a programmer error and is left to propagate.
type panicError struct {
	processorName Name
	recovered     any
	stack         string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("%s: work panicked: %v", p.processorName, p.recovered)
}

// sanitizePanicMessage renders a recovered panic value as a string,
// guarding against the recovered value itself being an error whose
// Error() method panics.
func sanitizePanicMessage(recovered any) (msg string) {
	defer func() {
		if recover() != nil {
			msg = "<unprintable panic value>"
		}
	}()
	return fmt.Sprintf("%v", recovered)
}

// runWork invokes work and converts the (value, error) pair, or a recovered
// panic, into an Outcome[T]. This is the innermost strategy boundary: a
// panicking Work call is captured here and propagated upward as a Failure
// rather than unwinding the goroutine.
func runWork[T any](ctx context.Context, pctx *Context, name Name, work Work[T]) (outcome Outcome[T]) {
	var zero T
	defer func() {
		if r := recover(); r != nil {
			outcome = Fail[T](&Failure[T]{
				InputData: zero,
				Err: &panicError{
					processorName: name,
					recovered:     sanitizePanicMessage(r),
					stack:         string(debug.Stack()),
				},
				Path: []Name{name},
			})
		}
	}()

	value, err := work(ctx, pctx)
	if err != nil {
		return Fail[T](wrapFailure(name, value, err))
	}
	return Success(value)
}
