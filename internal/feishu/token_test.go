package feishu

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/spec-kit/feishu-ticket-bot/pkg/util/errorutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTokenCacheServesUntilMargin(t *testing.T) {
	clock := newClock()
	var calls int32
	fetch := func(ctx context.Context) (AccessToken, error) {
		n := atomic.AddInt32(&calls, 1)
		return AccessToken{Value: "t" + string(rune('0'+n)), ExpiresAt: clock.Now().Add(2 * time.Hour)}, nil
	}
	cache := NewTokenCache(fetch, 5*time.Minute, clock.Now, nil, nil)

	tok, err := cache.Token(context.Background())
	if err != nil || tok.Value != "t1" {
		t.Fatalf("Token() = %v, %v", tok, err)
	}

	clock.Advance(time.Hour + 54*time.Minute)
	tok, _ = cache.Token(context.Background())
	if tok.Value != "t1" {
		t.Errorf("token outside margin should be reused, got %s", tok.Value)
	}

	clock.Advance(2 * time.Minute)
	tok, _ = cache.Token(context.Background())
	if tok.Value != "t2" {
		t.Errorf("token inside margin must be refreshed, got %s", tok.Value)
	}
	if !clock.Now().Add(5 * time.Minute).Before(tok.ExpiresAt) {
		t.Error("returned token expires within the safety margin")
	}
}

func TestTokenCacheSingleFlight(t *testing.T) {
	clock := newClock()
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (AccessToken, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return AccessToken{Value: "shared", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}
	cache := NewTokenCache(fetch, 5*time.Minute, clock.Now, nil, nil)

	const callers = 32
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		errs    = make(chan error, callers)
	)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			tok, err := cache.Token(context.Background())
			if err == nil && tok.Value != "shared" {
				err = errors.New("unexpected token " + tok.Value)
			}
			errs <- err
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestTokenCacheFailureIsNotCached(t *testing.T) {
	clock := newClock()
	fail := true
	fetch := func(ctx context.Context) (AccessToken, error) {
		if fail {
			return AccessToken{}, errors.New("issuer down")
		}
		return AccessToken{Value: "ok", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}
	cache := NewTokenCache(fetch, 5*time.Minute, clock.Now, nil, nil)

	_, err := cache.Token(context.Background())
	if !apperrors.HasCode(err, apperrors.CodeAuth) {
		t.Fatalf("err = %v, want AUTH_ERROR", err)
	}

	fail = false
	tok, err := cache.Token(context.Background())
	if err != nil || tok.Value != "ok" {
		t.Errorf("Token() after recovery = %v, %v", tok, err)
	}
}

func TestTokenCacheRejectsShortLivedToken(t *testing.T) {
	clock := newClock()
	fetch := func(ctx context.Context) (AccessToken, error) {
		return AccessToken{Value: "brief", ExpiresAt: clock.Now().Add(time.Minute)}, nil
	}
	cache := NewTokenCache(fetch, 5*time.Minute, clock.Now, nil, nil)

	if _, err := cache.Token(context.Background()); !apperrors.HasCode(err, apperrors.CodeAuth) {
		t.Errorf("err = %v, want AUTH_ERROR", err)
	}
}

func TestTokenCacheInvalidate(t *testing.T) {
	clock := newClock()
	var calls int32
	fetch := func(ctx context.Context) (AccessToken, error) {
		atomic.AddInt32(&calls, 1)
		return AccessToken{Value: "v", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}
	cache := NewTokenCache(fetch, 5*time.Minute, clock.Now, nil, nil)

	_, _ = cache.Token(context.Background())
	cache.Invalidate()
	_, _ = cache.Token(context.Background())
	if calls != 2 {
		t.Errorf("refresh calls = %d, want 2", calls)
	}
}
