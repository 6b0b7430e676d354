package domain

import "time"

// MessageAuthorType indicates who authored a message or change.
type MessageAuthorType string

const (
	AuthorTypeUser   MessageAuthorType = "USER"
	AuthorTypeSystem MessageAuthorType = "SYSTEM"
)

// TicketMessage is a communication appended to a case from chat.
type TicketMessage struct {
	ID         string
	TicketID   string
	AuthorType MessageAuthorType
	AuthorID   *string
	Body       string
	CreatedAt  time.Time
}
