package events

import (
	"time"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated       EventType = "ticket_created"
	EventTicketStatusChanged EventType = "ticket_status_changed"
	EventCommunicationAdded  EventType = "ticket_communication_added"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type   domain.MessageAuthorType `json:"type"`
	UserID *string                  `json:"user_id,omitempty"`
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TicketID  string      `json:"ticket_id"`
	Actor     Actor       `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	DisplayID   string  `json:"display_id,omitempty"`
	Title       string  `json:"title"`
	ServiceType string  `json:"service_type"`
	Severity    string  `json:"severity"`
	OwnerUserID string  `json:"owner_user_id"`
	ChatID      string  `json:"chat_id"`
	GroupChatID *string `json:"group_chat_id,omitempty"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus   domain.TicketStatus `json:"old_status"`
	NewStatus   domain.TicketStatus `json:"new_status"`
	GroupChatID *string             `json:"group_chat_id,omitempty"`
}

// CommunicationAddedPayload payload.
type CommunicationAddedPayload struct {
	MessageID   string  `json:"message_id"`
	AuthorID    *string `json:"author_id,omitempty"`
	BodyPreview string  `json:"body_preview"`
}
