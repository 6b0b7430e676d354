package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

// MemoryStore backs the ticket, history and message repositories with maps.
// It is selected when POSTGRES_DSN is empty.
type MemoryStore struct {
	mu       sync.RWMutex
	tickets  map[string]domain.Ticket
	byDraft  map[string]string
	history  map[string][]domain.TicketHistory
	messages map[string][]domain.TicketMessage
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:  make(map[string]domain.Ticket),
		byDraft:  make(map[string]string),
		history:  make(map[string][]domain.TicketHistory),
		messages: make(map[string][]domain.TicketMessage),
		now:      time.Now,
	}
}

// Tickets exposes the store as a TicketRepository.
func (s *MemoryStore) Tickets() TicketRepository { return memoryTickets{s} }

// History exposes the store as a TicketHistoryRepository.
func (s *MemoryStore) History() TicketHistoryRepository { return memoryHistory{s} }

// Messages exposes the store as a TicketMessageRepository.
func (s *MemoryStore) Messages() TicketMessageRepository { return memoryMessages{s} }

type memoryTickets struct{ s *MemoryStore }

func (m memoryTickets) Create(_ context.Context, ticket *domain.Ticket) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.tickets[ticket.ID]; ok {
		return false, nil
	}
	if _, ok := m.s.byDraft[ticket.DraftID]; ok {
		return false, nil
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = m.s.now()
	}
	stored := *ticket
	if ticket.GroupChatID != nil {
		id := *ticket.GroupChatID
		stored.GroupChatID = &id
	}
	m.s.tickets[ticket.ID] = stored
	m.s.byDraft[ticket.DraftID] = ticket.ID
	return true, nil
}

func (m memoryTickets) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	ticket, ok := m.s.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &ticket, nil
}

func (m memoryTickets) GetByDraftID(ctx context.Context, draftID string) (*domain.Ticket, error) {
	m.s.mu.RLock()
	id, ok := m.s.byDraft[draftID]
	m.s.mu.RUnlock()
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return m.GetByID(ctx, id)
}

func (m memoryTickets) ListByOwner(_ context.Context, ownerUserID string, limit int) ([]domain.Ticket, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	var result []domain.Ticket
	for _, ticket := range m.s.tickets {
		if ticket.OwnerUserID == ownerUserID {
			result = append(result, ticket)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m memoryTickets) UpdateStatus(_ context.Context, id string, status domain.TicketStatus, syncedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	ticket, ok := m.s.tickets[id]
	if !ok {
		return pgx.ErrNoRows
	}
	ticket.Status = status
	ticket.LastSyncedAt = syncedAt
	m.s.tickets[id] = ticket
	return nil
}

func (m memoryTickets) SetGroupChat(_ context.Context, id, groupChatID string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	ticket, ok := m.s.tickets[id]
	if !ok {
		return false, pgx.ErrNoRows
	}
	if ticket.HasGroupChat() {
		return false, nil
	}
	ticket.GroupChatID = &groupChatID
	m.s.tickets[id] = ticket
	return true, nil
}

type memoryHistory struct{ s *MemoryStore }

func (m memoryHistory) Append(_ context.Context, entry *domain.TicketHistory) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	entry.ID = uuid.NewString()
	entry.CreatedAt = m.s.now()
	m.s.history[entry.TicketID] = append(m.s.history[entry.TicketID], *entry)
	return nil
}

func (m memoryHistory) ListRecent(_ context.Context, ticketID string, limit int) ([]domain.TicketHistory, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	entries := m.s.history[ticketID]
	result := make([]domain.TicketHistory, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, entries[i])
	}
	return result, nil
}

type memoryMessages struct{ s *MemoryStore }

func (m memoryMessages) Create(_ context.Context, msg *domain.TicketMessage) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	list := m.s.messages[msg.TicketID]
	msg.ID = msg.TicketID + "-" + strconv.Itoa(len(list)+1)
	msg.CreatedAt = m.s.now()
	m.s.messages[msg.TicketID] = append(list, *msg)
	return nil
}

func (m memoryMessages) CountByTicket(_ context.Context, ticketID string) (int, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return len(m.s.messages[ticketID]), nil
}
