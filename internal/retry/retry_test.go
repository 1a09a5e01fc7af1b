package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordingSleep captures requested delays without blocking.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	rec := &recordingSleep{}
	p := Policy{MaxAttempts: 3, Backoff: Fixed(2 * time.Second), Sleep: rec.sleep}

	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(rec.delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(rec.delays))
	}
	for _, d := range rec.delays {
		if d != 2*time.Second {
			t.Errorf("expected 2s backoff, got %s", d)
		}
	}
}

func TestDo_Exhausted(t *testing.T) {
	rec := &recordingSleep{}
	p := Policy{MaxAttempts: 3, Backoff: Fixed(time.Second), Sleep: rec.sleep}
	cause := errors.New("boom")

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return cause
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(rec.delays) != 2 {
		t.Errorf("expected no sleep after final attempt, got %d sleeps", len(rec.delays))
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_StopsWhenSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 5,
		Backoff:     Fixed(time.Second),
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
