package resilium

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

func runTimeout[T any](tm *Timeout[T], ctx context.Context, work Work[T], pctx *Context) (T, error) {
	builder := NewBuilder[T]()
	builder.Use(tm)
	return builder.Build().Execute(ctx, work, pctx)
}

func TestTimeout(t *testing.T) {
	t.Run("Completes Within Deadline", func(t *testing.T) {
		work := func(_ context.Context, _ *Context) (int, error) {
			return 21 * 2, nil
		}

		timeout := NewTimeout[int]("fast", TimeoutOptions[int]{Duration: time.Second})
		defer timeout.Close()

		result, err := runTimeout(timeout, context.Background(), work, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != 42 {
			t.Errorf("expected 42, got %d", result)
		}
	})

	t.Run("Deterministic Timeout With Fake Clock", func(t *testing.T) {
		clock := clockz.NewFakeClock()

		work := func(ctx context.Context, _ *Context) (int, error) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Second):
				return 84, nil
			}
		}

		timeout := NewTimeout[int]("fake-timeout", TimeoutOptions[int]{Duration: 100 * time.Millisecond}).WithClock(clock)
		defer timeout.Close()

		done := make(chan struct{})
		var err error
		go func() {
			defer close(done)
			_, err = runTimeout(timeout, context.Background(), work, nil)
		}()

		time.Sleep(10 * time.Millisecond)
		clock.Advance(100 * time.Millisecond)
		clock.BlockUntilReady()
		time.Sleep(10 * time.Millisecond)

		<-done

		if err == nil {
			t.Fatal("expected a timeout error")
		}
		var failure *Failure[int]
		if !errors.As(err, &failure) {
			t.Fatalf("expected *Failure[int], got %T", err)
		}
		if !failure.IsTimeout() {
			t.Errorf("expected IsTimeout() true, got: %v", err)
		}
	})

	t.Run("WithClock Returns Same Instance For Chaining", func(t *testing.T) {
		timeout := NewTimeout[int]("t", TimeoutOptions[int]{Duration: time.Second})
		clock := clockz.NewFakeClock()
		if timeout.WithClock(clock) != timeout {
			t.Error("WithClock should return the same instance")
		}
	})

	t.Run("Generator Computes Duration Per Invocation", func(t *testing.T) {
		var seen time.Duration
		work := func(_ context.Context, _ *Context) (int, error) { return 1, nil }

		timeout := NewTimeout[int]("gen", TimeoutOptions[int]{
			Generator: func(pctx *Context) time.Duration {
				seen = time.Second
				return seen
			},
		})
		defer timeout.Close()

		if _, err := runTimeout(timeout, context.Background(), work, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen != time.Second {
			t.Errorf("expected generator to be consulted, got %v", seen)
		}
	})

	t.Run("Upstream Cancellation Is Distinct From Timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		work := func(ctx context.Context, _ *Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}

		timeout := NewTimeout[int]("t", TimeoutOptions[int]{Duration: time.Hour})
		defer timeout.Close()

		done := make(chan struct{})
		var err error
		go func() {
			_, err = runTimeout(timeout, ctx, work, nil)
			close(done)
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()
		<-done

		var failure *Failure[int]
		if !errors.As(err, &failure) {
			t.Fatalf("expected *Failure[int], got %T", err)
		}
		if failure.IsTimeout() {
			t.Error("expected this to not be classified as a timeout")
		}
	})

	t.Run("Emits SignalTimeoutTriggered On Timeout", func(t *testing.T) {
		clock := clockz.NewFakeClock()

		var mu sync.Mutex
		var triggered bool
		var hookName string

		listener := capitan.Hook(SignalTimeoutTriggered, func(_ context.Context, e *capitan.Event) {
			mu.Lock()
			defer mu.Unlock()
			triggered = true
			hookName, _ = FieldName.From(e)
		})
		defer listener.Close()

		work := func(ctx context.Context, _ *Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}

		timeout := NewTimeout[int]("slow", TimeoutOptions[int]{Duration: 50 * time.Millisecond}).WithClock(clock)
		defer timeout.Close()

		done := make(chan struct{})
		go func() {
			_, _ = runTimeout(timeout, context.Background(), work, nil)
			close(done)
		}()

		time.Sleep(10 * time.Millisecond)
		clock.Advance(50 * time.Millisecond)
		clock.BlockUntilReady()
		<-done
		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if !triggered {
			t.Error("expected SignalTimeoutTriggered to fire")
		}
		if hookName != "slow" {
			t.Errorf("expected name 'slow', got %q", hookName)
		}
	})
}
