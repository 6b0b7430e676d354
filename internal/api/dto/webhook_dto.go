package dto

// ChallengeResponse answers a url_verification delivery.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

// Toast is a transient notice shown to the user who clicked a card.
type Toast struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// CardActionResponse is the body returned to a card callback.
type CardActionResponse struct {
	Toast *Toast `json:"toast,omitempty"`
}

// Ack is the empty acknowledgement of a handled delivery.
type Ack struct{}
