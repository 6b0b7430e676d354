package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

var (
	// ErrDraftNotFound is returned when no live draft is bound to a card.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrDraftConflict is returned when a compare-and-swap loses a race.
	ErrDraftConflict = errors.New("draft version conflict")
)

// DraftRepository stores ticket drafts keyed by the id of the card they drive.
// Every write refreshes the inactivity TTL.
type DraftRepository interface {
	// Create stores a new draft at version 1. It fails with ErrDraftConflict
	// when a draft is already bound to the card.
	Create(ctx context.Context, draft *domain.TicketDraft) error
	Get(ctx context.Context, cardMessageID string) (*domain.TicketDraft, error)
	// CompareAndSwap replaces the stored draft iff its version equals
	// expectedVersion; on success draft.Version is expectedVersion+1.
	CompareAndSwap(ctx context.Context, draft *domain.TicketDraft, expectedVersion int64) error
}

// casScript returns -1 when the key is gone, 0 on version mismatch, 1 on write.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return -1
end
local decoded = cjson.decode(current)
if tonumber(decoded['version']) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type redisDraftRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDraftRepository stores drafts as JSON under <prefix>:draft:<cardMessageId>.
func NewRedisDraftRepository(client *redis.Client, prefix string, ttl time.Duration) DraftRepository {
	return &redisDraftRepository{client: client, prefix: prefix, ttl: ttl}
}

func (r *redisDraftRepository) key(cardMessageID string) string {
	return fmt.Sprintf("%s:draft:%s", r.prefix, cardMessageID)
}

func (r *redisDraftRepository) Create(ctx context.Context, draft *domain.TicketDraft) error {
	draft.Version = 1
	payload, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(draft.CardMessageID), payload, r.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDraftConflict
	}
	return nil
}

func (r *redisDraftRepository) Get(ctx context.Context, cardMessageID string) (*domain.TicketDraft, error) {
	raw, err := r.client.Get(ctx, r.key(cardMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, err
	}
	var draft domain.TicketDraft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", cardMessageID, err)
	}
	return &draft, nil
}

func (r *redisDraftRepository) CompareAndSwap(ctx context.Context, draft *domain.TicketDraft, expectedVersion int64) error {
	next := draft.Clone()
	next.Version = expectedVersion + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}

	res, err := casScript.Run(ctx, r.client,
		[]string{r.key(draft.CardMessageID)},
		expectedVersion, payload, r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		draft.Version = next.Version
		return nil
	case -1:
		return ErrDraftNotFound
	default:
		return ErrDraftConflict
	}
}
