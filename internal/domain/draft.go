package domain

import "time"

// DraftStep is the position of a draft in the creation flow.
type DraftStep string

const (
	StepAwaitingServiceType  DraftStep = "AWAITING_SERVICE_TYPE"
	StepAwaitingSeverity     DraftStep = "AWAITING_SEVERITY"
	StepAwaitingConfirmation DraftStep = "AWAITING_CONFIRMATION"
	StepFinalizing           DraftStep = "FINALIZING"
	StepCompleted            DraftStep = "COMPLETED"
	StepCancelled            DraftStep = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s DraftStep) Terminal() bool {
	return s == StepCompleted || s == StepCancelled
}

// TicketDraft is the in-progress creation state bound to one interactive
// card. Version increases on every write and guards compare-and-swap updates.
type TicketDraft struct {
	ID            string    `json:"id"`
	CardMessageID string    `json:"card_message_id"`
	ChatID        string    `json:"chat_id"`
	OwnerUserID   string    `json:"owner_user_id"`
	Title         string    `json:"title"`
	ServiceType   *string   `json:"service_type,omitempty"`
	Severity      *string   `json:"severity,omitempty"`
	Step          DraftStep `json:"step"`
	Version       int64     `json:"version"`
	CaseID        string    `json:"case_id,omitempty"`
	Failure       string    `json:"failure,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching the stored value.
func (d *TicketDraft) Clone() *TicketDraft {
	cp := *d
	if d.ServiceType != nil {
		v := *d.ServiceType
		cp.ServiceType = &v
	}
	if d.Severity != nil {
		v := *d.Severity
		cp.Severity = &v
	}
	return &cp
}
