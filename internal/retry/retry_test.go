package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoStopsOnSuccess(t *testing.T) {
	var calls int
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errors.New("serialization failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("still failing")
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoTreatsZeroAttemptsAsOne(t *testing.T) {
	var calls int
	if err := Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPermanentSkipsRemainingAttempts(t *testing.T) {
	sentinel := errors.New("constraint violation")
	var calls int
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want unwrapped sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPermanentUnwraps(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Error("Permanent should unwrap to the inner error")
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c := calls.Load(); c > 3 {
		t.Errorf("calls = %d, want cancel to stop the loop early", c)
	}
}

func TestDoBacksOffBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	// Jitter is +-25%, so each gap is at least three quarters of the delay.
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 10*time.Millisecond {
			t.Errorf("gap %d = %v, want backoff between attempts", i, gap)
		}
	}
}
