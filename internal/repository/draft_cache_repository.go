package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

// NewBigCache builds an in-process cache whose entries live for window.
func NewBigCache(window time.Duration) (*bigcache.BigCache, error) {
	cfg := bigcache.DefaultConfig(window)
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false
	return bigcache.NewBigCache(cfg)
}

type cacheDraftRepository struct {
	mu    sync.Mutex
	cache *bigcache.BigCache
	ttl   time.Duration
	now   func() time.Time
}

// NewCacheDraftRepository keeps drafts in process memory. It is used when no
// Redis address is configured and is only safe for a single replica.
func NewCacheDraftRepository(cache *bigcache.BigCache, ttl time.Duration, now func() time.Time) DraftRepository {
	if now == nil {
		now = time.Now
	}
	return &cacheDraftRepository{cache: cache, ttl: ttl, now: now}
}

func (r *cacheDraftRepository) Create(_ context.Context, draft *domain.TicketDraft) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.load(draft.CardMessageID); err == nil {
		return ErrDraftConflict
	} else if !errors.Is(err, ErrDraftNotFound) {
		return err
	}
	draft.Version = 1
	return r.store(draft)
}

func (r *cacheDraftRepository) Get(_ context.Context, cardMessageID string) (*domain.TicketDraft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(cardMessageID)
}

func (r *cacheDraftRepository) CompareAndSwap(_ context.Context, draft *domain.TicketDraft, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.load(draft.CardMessageID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrDraftConflict
	}
	next := draft.Clone()
	next.Version = expectedVersion + 1
	if err := r.store(next); err != nil {
		return err
	}
	draft.Version = next.Version
	return nil
}

type cachedDraft struct {
	Draft    *domain.TicketDraft `json:"draft"`
	StoredAt time.Time           `json:"stored_at"`
}

func (r *cacheDraftRepository) load(cardMessageID string) (*domain.TicketDraft, error) {
	raw, err := r.cache.Get(cardMessageID)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry cachedDraft
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	// bigcache evicts lazily, so expiry is enforced on read as well.
	if r.ttl > 0 && r.now().Sub(entry.StoredAt) > r.ttl {
		_ = r.cache.Delete(cardMessageID)
		return nil, ErrDraftNotFound
	}
	return entry.Draft, nil
}

func (r *cacheDraftRepository) store(draft *domain.TicketDraft) error {
	payload, err := json.Marshal(cachedDraft{Draft: draft, StoredAt: r.now()})
	if err != nil {
		return err
	}
	return r.cache.Set(draft.CardMessageID, payload)
}
