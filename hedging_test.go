package resilium

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func runHedging[T any](h *Hedging[T], ctx context.Context, work Work[T], pctx *Context) (T, error) {
	return NewBuilder[T]().Use(h).Build().Execute(ctx, work, pctx)
}

func TestHedging(t *testing.T) {
	t.Run("Single Fast Primary Arm Wins Without Spawning Hedges", func(t *testing.T) {
		var spawned int32
		h := NewHedging[int]("h", HedgingOptions[int]{MaxHedgedAttempts: 2, Delay: time.Hour})

		v, err := runHedging(h, context.Background(), func(_ context.Context, pctx *Context) (int, error) {
			if pctx.AttemptNumber() > 0 {
				atomic.AddInt32(&spawned, 1)
			}
			return 7, nil
		}, nil)
		if err != nil || v != 7 {
			t.Errorf("expected (7, nil), got (%d, %v)", v, err)
		}
		if atomic.LoadInt32(&spawned) != 0 {
			t.Error("expected no hedged arms to run before the primary resolved")
		}
	})

	t.Run("Staggered Hedge Fires After Delay Elapses", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		h := NewHedging[int]("h", HedgingOptions[int]{MaxHedgedAttempts: 1, Delay: time.Second})
		h.WithClock(clock)

		release := make(chan struct{})
		done := make(chan struct{})
		var attempt0, attempt1 int32

		go func() {
			_, _ = runHedging(h, context.Background(), func(_ context.Context, pctx *Context) (int, error) {
				if pctx.AttemptNumber() == 0 {
					atomic.AddInt32(&attempt0, 1)
					<-release
					return 1, errors.New("primary slow and fails")
				}
				atomic.AddInt32(&attempt1, 1)
				return 2, nil
			}, nil)
			close(done)
		}()

		time.Sleep(10 * time.Millisecond)
		if atomic.LoadInt32(&attempt1) != 0 {
			t.Error("expected the hedge arm to not yet have spawned before the delay elapses")
		}

		clock.Advance(2 * time.Second)
		clock.BlockUntilReady()
		time.Sleep(10 * time.Millisecond)

		if atomic.LoadInt32(&attempt1) == 0 {
			t.Error("expected the hedge arm to spawn once the delay elapses")
		}
		close(release)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("expected hedging to complete")
		}
	})

	t.Run("First Unhandled Outcome Wins And Cancels Siblings", func(t *testing.T) {
		h := NewHedging[int]("h", HedgingOptions[int]{MaxHedgedAttempts: 1, Delay: time.Millisecond})

		var sawCancel int32
		v, err := runHedging(h, context.Background(), func(_ context.Context, pctx *Context) (int, error) {
			if pctx.AttemptNumber() == 0 {
				time.Sleep(50 * time.Millisecond)
				select {
				case <-pctx.Done():
					atomic.AddInt32(&sawCancel, 1)
				default:
				}
				return 0, errors.New("primary lost the race")
			}
			return 99, nil
		}, nil)

		if err != nil || v != 99 {
			t.Errorf("expected (99, nil), got (%d, %v)", v, err)
		}
		time.Sleep(20 * time.Millisecond)
		if atomic.LoadInt32(&sawCancel) == 0 {
			t.Error("expected the losing arm's context to be canceled")
		}
	})

	t.Run("Exhaustion Returns The Last Handled Outcome", func(t *testing.T) {
		h := NewHedging[int]("h", HedgingOptions[int]{MaxHedgedAttempts: 1, Delay: time.Millisecond})

		_, err := runHedging(h, context.Background(), func(_ context.Context, pctx *Context) (int, error) {
			if pctx.AttemptNumber() == 0 {
				time.Sleep(30 * time.Millisecond)
				return 0, errors.New("primary failed")
			}
			return 0, errors.New("hedge failed")
		}, nil)

		if err == nil {
			t.Fatal("expected an error when every arm fails")
		}
	})

	t.Run("ActionGenerator Overrides Hedged Arms Only", func(t *testing.T) {
		h := NewHedging[int]("h", HedgingOptions[int]{
			MaxHedgedAttempts: 1,
			Delay:             time.Millisecond,
			ActionGenerator: func(armIndex int) NextFunc[int] {
				return func(_ context.Context, _ *Context) Outcome[int] {
					return Success(armIndex * 100)
				}
			},
		})

		v, err := runHedging(h, context.Background(), func(_ context.Context, pctx *Context) (int, error) {
			time.Sleep(20 * time.Millisecond)
			return -1, errors.New("primary slow")
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 100 {
			t.Errorf("expected the generated hedge arm's outcome 100, got %d", v)
		}
	})

	t.Run("Pctx Cancellation Stops Hedging And Cancels All Arms", func(t *testing.T) {
		h := NewHedging[int]("h", HedgingOptions[int]{MaxHedgedAttempts: 1, Delay: time.Hour})
		pctx := NewContext("")

		go func() {
			time.Sleep(10 * time.Millisecond)
			pctx.Cancel()
		}()

		_, err := runHedging(h, context.Background(), func(_ context.Context, inner *Context) (int, error) {
			<-inner.Done()
			return 0, ErrOperationCanceled
		}, pctx)

		if err == nil {
			t.Fatal("expected cancellation to produce a failure")
		}
	})

	t.Run("OnHedging Observes Arm Spawns", func(t *testing.T) {
		var spawns int32
		h := NewHedging[int]("h", HedgingOptions[int]{
			MaxHedgedAttempts: 1,
			Delay:             time.Millisecond,
			OnHedging: func(e HedgingEvent[int]) {
				if e.ArmIndex > 0 && e.Outcome == (Outcome[int]{}) {
					atomic.AddInt32(&spawns, 1)
				}
			},
		})
		_, _ = runHedging(h, context.Background(), func(_ context.Context, pctx *Context) (int, error) {
			if pctx.AttemptNumber() == 0 {
				time.Sleep(20 * time.Millisecond)
			}
			return 1, nil
		}, nil)
		time.Sleep(10 * time.Millisecond)
		if atomic.LoadInt32(&spawns) == 0 {
			t.Error("expected OnHedging to observe at least one arm spawn")
		}
	})
}
