package domain

// TextMessage is a verified inbound text event.
type TextMessage struct {
	EventID   string
	MessageID string
	ChatID    string
	ChatType  string
	SenderID  string
	Text      string
}

// CardAction is a verified button click on an interactive card.
type CardAction struct {
	CardMessageID string
	ChatID        string
	OperatorID    string
	Action        string
	Token         string
}
