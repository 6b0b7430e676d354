package domain

import "time"

// TicketStatus mirrors the lifecycle reported by the support backend.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "OPEN"
	TicketStatusInProgress TicketStatus = "IN_PROGRESS"
	TicketStatusResolved   TicketStatus = "RESOLVED"
)

// Ticket is the durable mirror of a support case. ID is assigned by the
// backend and never changes; GroupChatID is set at most once.
type Ticket struct {
	ID           string
	DisplayID    string
	DraftID      string
	Title        string
	ServiceType  string
	Severity     string
	Status       TicketStatus
	OwnerUserID  string
	ChatID       string
	GroupChatID  *string
	CreatedAt    time.Time
	LastSyncedAt time.Time
}

// HasGroupChat reports whether the companion chat exists.
func (t *Ticket) HasGroupChat() bool {
	return t.GroupChatID != nil && *t.GroupChatID != ""
}
