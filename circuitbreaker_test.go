package resilium

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func runBreaker[T any](cb *CircuitBreaker[T], ctx context.Context, work Work[T], pctx *Context) (T, error) {
	return NewBuilder[T]().Use(cb).Build().Execute(ctx, work, pctx)
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("Closed State Admits Calls And Samples Outcomes", func(t *testing.T) {
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 2,
			FailureRatio:      0.5,
		})
		if handle.State() != StateClosed {
			t.Fatalf("expected initial state Closed, got %s", handle.State())
		}

		for i := 0; i < 3; i++ {
			v, err := runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
				return i, nil
			}, nil)
			if err != nil || v != i {
				t.Errorf("expected (%d, nil), got (%d, %v)", i, v, err)
			}
		}
		if handle.State() != StateClosed {
			t.Errorf("expected state to remain Closed after successes, got %s", handle.State())
		}
	})

	t.Run("Trips Open When Failure Ratio Reaches Threshold", func(t *testing.T) {
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 4,
			FailureRatio:      0.5,
			SamplingDuration:  time.Minute,
		})

		fail := func(_ context.Context, _ *Context) (int, error) { return 0, errors.New("boom") }
		succeed := func(_ context.Context, _ *Context) (int, error) { return 1, nil }

		_, _ = runBreaker(cb, context.Background(), fail, nil)
		_, _ = runBreaker(cb, context.Background(), fail, nil)
		_, _ = runBreaker(cb, context.Background(), succeed, nil)
		_, _ = runBreaker(cb, context.Background(), succeed, nil)

		if handle.State() != StateOpen {
			t.Errorf("expected breaker to trip Open at 50%% failure ratio, got %s", handle.State())
		}
	})

	t.Run("Stays Closed Below MinimumThroughput", func(t *testing.T) {
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 10,
			FailureRatio:      0.1,
		})
		for i := 0; i < 5; i++ {
			_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
				return 0, errors.New("boom")
			}, nil)
		}
		if handle.State() != StateClosed {
			t.Errorf("expected breaker to stay Closed below minimum throughput, got %s", handle.State())
		}
	})

	t.Run("Open State Rejects Without Invoking Next", func(t *testing.T) {
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 1,
			FailureRatio:      0.1,
			BreakDuration:     time.Minute,
		})
		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("boom")
		}, nil)
		if handle.State() != StateOpen {
			t.Fatal("expected breaker to be Open")
		}

		called := false
		_, err := runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			called = true
			return 1, nil
		}, nil)
		if err == nil {
			t.Error("expected a rejection error while Open")
		}
		if called {
			t.Error("expected next to never run while Open")
		}
	})

	t.Run("Transitions To HalfOpen After BreakDuration Elapses", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 1,
			FailureRatio:      0.1,
			BreakDuration:     time.Second,
		})
		cb.WithClock(clock)

		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("boom")
		}, nil)
		if handle.State() != StateOpen {
			t.Fatal("expected breaker to be Open")
		}

		clock.Advance(2 * time.Second)
		clock.BlockUntilReady()

		if handle.State() != StateHalfOpen {
			t.Errorf("expected HalfOpen after the break duration elapses, got %s", handle.State())
		}
	})

	t.Run("HalfOpen Probe Success Closes The Breaker", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 1,
			FailureRatio:      0.1,
			BreakDuration:     time.Second,
		})
		cb.WithClock(clock)

		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("boom")
		}, nil)
		clock.Advance(2 * time.Second)
		clock.BlockUntilReady()

		v, err := runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 42, nil
		}, nil)
		if err != nil || v != 42 {
			t.Errorf("expected the probe to succeed, got (%d, %v)", v, err)
		}
		if handle.State() != StateClosed {
			t.Errorf("expected breaker to close after a successful probe, got %s", handle.State())
		}
	})

	t.Run("HalfOpen Probe Failure Reopens The Breaker", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 1,
			FailureRatio:      0.1,
			BreakDuration:     time.Second,
		})
		cb.WithClock(clock)

		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("boom")
		}, nil)
		clock.Advance(2 * time.Second)
		clock.BlockUntilReady()

		_, err := runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("still broken")
		}, nil)
		if err == nil {
			t.Fatal("expected the probe failure to propagate")
		}
		if handle.State() != StateOpen {
			t.Errorf("expected breaker to reopen after a failed probe, got %s", handle.State())
		}
	})

	t.Run("Only One Probe Is Admitted At A Time In HalfOpen", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 1,
			FailureRatio:      0.1,
			BreakDuration:     time.Second,
		})
		cb.WithClock(clock)

		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("boom")
		}, nil)
		clock.Advance(2 * time.Second)
		clock.BlockUntilReady()
		if handle.State() != StateHalfOpen {
			t.Fatal("expected HalfOpen")
		}

		release := make(chan struct{})
		probeStarted := make(chan struct{})
		go func() {
			_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
				close(probeStarted)
				<-release
				return 1, nil
			}, nil)
		}()
		<-probeStarted

		rejected := false
		_, err := runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, nil
		}, nil)
		if err != nil {
			rejected = true
		}
		close(release)
		time.Sleep(10 * time.Millisecond)

		if !rejected {
			t.Error("expected a second concurrent call in HalfOpen to be rejected")
		}
	})

	t.Run("Isolate Forces Open Until Reset", func(t *testing.T) {
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{})
		handle.Isolate()
		if handle.State() != StateOpen {
			t.Fatal("expected Isolate to force the breaker Open")
		}

		_, err := runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 1, nil
		}, nil)
		if err == nil {
			t.Error("expected calls to be rejected while isolated")
		}

		handle.Reset()
		if handle.State() != StateClosed {
			t.Error("expected Reset to force the breaker Closed")
		}
		v, err := runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 1, nil
		}, nil)
		if err != nil || v != 1 {
			t.Errorf("expected calls to succeed after Reset, got (%d, %v)", v, err)
		}
	})

	t.Run("Sampling Window Evicts Old Outcomes", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		cb, handle := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 3,
			FailureRatio:      0.5,
			SamplingDuration:  time.Second,
		})
		cb.WithClock(clock)

		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("boom")
		}, nil)
		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("boom")
		}, nil)

		clock.Advance(2 * time.Second)
		clock.BlockUntilReady()

		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 1, nil
		}, nil)
		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 1, nil
		}, nil)

		if handle.State() != StateClosed {
			t.Errorf("expected stale failures to have been evicted from the window, got %s", handle.State())
		}
	})

	t.Run("OnOpened Hook Fires On Trip", func(t *testing.T) {
		cb, _ := NewCircuitBreaker[int]("cb", CircuitBreakerOptions[int]{
			MinimumThroughput: 1,
			FailureRatio:      0.1,
		})
		fired := false
		_ = cb.OnOpened(func(_ context.Context, _ CircuitBreakerEvent) error {
			fired = true
			return nil
		})
		_, _ = runBreaker(cb, context.Background(), func(_ context.Context, _ *Context) (int, error) {
			return 0, errors.New("boom")
		}, nil)

		time.Sleep(10 * time.Millisecond)
		if !fired {
			t.Error("expected OnOpened to fire when the breaker trips")
		}
	})
}
