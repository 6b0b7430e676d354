package domain

import "time"

// TicketChangeType captures what changed in a history entry.
type TicketChangeType string

const (
	ChangeTypeCreated     TicketChangeType = "CREATED"
	ChangeTypeStatus      TicketChangeType = "STATUS_CHANGE"
	ChangeTypeGroupChat   TicketChangeType = "GROUP_CHAT_LINKED"
	ChangeTypeCommunicate TicketChangeType = "COMMUNICATION_ADDED"
)

// TicketHistory is an immutable audit trail entry.
type TicketHistory struct {
	ID            string
	TicketID      string
	ChangedByType MessageAuthorType
	ChangedByID   *string
	ChangeType    TicketChangeType
	OldValue      map[string]any
	NewValue      map[string]any
	CreatedAt     time.Time
}
