package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

func newRedisDraftRepo(t *testing.T, ttl time.Duration) (DraftRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDraftRepository(client, "ticketbot", ttl), mr
}

func TestRedisDraftCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo, mr := newRedisDraftRepo(t, time.Hour)

	draft := &domain.TicketDraft{ID: "d1", CardMessageID: "om_1", Step: domain.StepAwaitingServiceType}
	if err := repo.Create(ctx, draft); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if draft.Version != 1 {
		t.Fatalf("version = %d, want 1", draft.Version)
	}
	if !mr.Exists("ticketbot:draft:om_1") {
		t.Fatal("draft not stored under its card key")
	}
	if err := repo.Create(ctx, &domain.TicketDraft{CardMessageID: "om_1"}); !errors.Is(err, ErrDraftConflict) {
		t.Errorf("second Create() err = %v, want conflict", err)
	}

	next := draft.Clone()
	next.Step = domain.StepAwaitingSeverity
	if err := repo.CompareAndSwap(ctx, next, 1); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}
	if next.Version != 2 {
		t.Errorf("version after swap = %d", next.Version)
	}

	stale := draft.Clone()
	stale.Step = domain.StepCancelled
	if err := repo.CompareAndSwap(ctx, stale, 1); !errors.Is(err, ErrDraftConflict) {
		t.Errorf("stale swap err = %v, want conflict", err)
	}
	if stale.Version != 1 {
		t.Errorf("losing swap changed version to %d", stale.Version)
	}

	got, err := repo.Get(ctx, "om_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Step != domain.StepAwaitingSeverity || got.Version != 2 {
		t.Errorf("stored draft = %+v", got)
	}
}

func TestRedisDraftMissing(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRedisDraftRepo(t, time.Hour)

	if _, err := repo.Get(ctx, "om_none"); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("Get() err = %v, want not found", err)
	}
	ghost := &domain.TicketDraft{CardMessageID: "om_none", Step: domain.StepAwaitingSeverity}
	if err := repo.CompareAndSwap(ctx, ghost, 1); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("CompareAndSwap() err = %v, want not found", err)
	}
}

func TestRedisDraftWritesRefreshTTL(t *testing.T) {
	ctx := context.Background()
	repo, mr := newRedisDraftRepo(t, time.Hour)
	key := "ticketbot:draft:om_ttl"

	draft := &domain.TicketDraft{CardMessageID: "om_ttl", Step: domain.StepAwaitingServiceType}
	if err := repo.Create(ctx, draft); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Fatalf("TTL after create = %v, want 1h", ttl)
	}

	mr.FastForward(50 * time.Minute)
	next := draft.Clone()
	next.Step = domain.StepAwaitingSeverity
	if err := repo.CompareAndSwap(ctx, next, draft.Version); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Errorf("TTL after swap = %v, want refreshed 1h", ttl)
	}

	mr.FastForward(61 * time.Minute)
	if _, err := repo.Get(ctx, "om_ttl"); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("Get() after inactivity err = %v, want not found", err)
	}
}

func TestRedisDraftConcurrentSwapsSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRedisDraftRepo(t, time.Hour)
	draft := &domain.TicketDraft{CardMessageID: "om_race", Step: domain.StepAwaitingConfirmation}
	if err := repo.Create(ctx, draft); err != nil {
		t.Fatal(err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := draft.Clone()
			next.Step = domain.StepFinalizing
			err := repo.CompareAndSwap(ctx, next, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrDraftConflict):
				conflicts++
			default:
				t.Errorf("CompareAndSwap() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != 15 {
		t.Errorf("winners = %d conflicts = %d, want 1/15", wins, conflicts)
	}
}

func TestRedisDeduperForget(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	dedup := NewRedisDeduper(client, "ticketbot", time.Hour)

	if first, err := dedup.FirstDelivery(ctx, "evt-1"); err != nil || !first {
		t.Fatalf("first delivery = %v, %v", first, err)
	}
	if again, _ := dedup.FirstDelivery(ctx, "evt-1"); again {
		t.Error("re-delivery reported as first")
	}
	if err := dedup.Forget(ctx, "evt-1"); err != nil {
		t.Fatal(err)
	}
	if retried, _ := dedup.FirstDelivery(ctx, "evt-1"); !retried {
		t.Error("forgotten delivery not reported as first")
	}
}
