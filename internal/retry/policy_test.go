package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func instant(p Policy) Policy {
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := instant(New(3, time.Second, 10*time.Second))

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	var delays []time.Duration
	p := instant(New(4, time.Second, 3*time.Second)).WithOnRetry(func(attempt int, err error, d time.Duration) {
		delays = append(delays, d)
	})

	sentinel := errors.New("still down")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("Do() error = %v, want sentinel", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	p := instant(New(5, time.Millisecond, time.Millisecond))
	cause := errors.New("bad request")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(cause)
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != cause {
		t.Errorf("Do() error = %v, want unwrapped cause", err)
	}
}

func TestDoHonoursRetryablePredicate(t *testing.T) {
	notFound := errors.New("not found")
	p := instant(New(5, time.Millisecond, time.Millisecond)).WithRetryable(func(err error) bool {
		return !errors.Is(err, notFound)
	})

	calls := 0
	_ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return notFound
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	p := New(5, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sentinel := errors.New("transient")
	calls := 0
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return sentinel
	})

	if !errors.Is(err, sentinel) {
		t.Errorf("Do() error = %v, want last attempt error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	p := New(10, 500*time.Millisecond, 4*time.Second)
	if got := p.Backoff(0); got != 500*time.Millisecond {
		t.Errorf("Backoff(0) = %v", got)
	}
	if got := p.Backoff(2); got != 2*time.Second {
		t.Errorf("Backoff(2) = %v", got)
	}
	if got := p.Backoff(6); got != 4*time.Second {
		t.Errorf("Backoff(6) = %v", got)
	}
}
