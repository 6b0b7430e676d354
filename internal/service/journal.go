package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	"github.com/spec-kit/feishu-ticket-bot/internal/events"
	"github.com/spec-kit/feishu-ticket-bot/internal/repository"
)

// journal records ticket history rows and publishes ticket events. Both are
// best effort: a failure is logged and never undoes the change it describes.
type journal struct {
	history    repository.TicketHistoryRepository
	dispatcher events.Dispatcher
	log        *zap.Logger
	clock      func() time.Time
}

func newJournal(deps Dependencies, logger *zap.Logger, now func() time.Time) journal {
	return journal{history: deps.History, dispatcher: deps.Dispatcher, log: logger, clock: now}
}

func (j journal) recordHistory(ctx context.Context, entry *domain.TicketHistory) {
	if j.history == nil {
		return
	}
	if err := j.history.Append(ctx, entry); err != nil {
		j.log.Warn("history entry not recorded",
			zap.String("ticket_id", entry.TicketID), zap.String("change", string(entry.ChangeType)), zap.Error(err))
	}
}

func (j journal) publishEvent(ctx context.Context, event events.Event) {
	if j.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = j.clock()
	}
	_ = j.dispatcher.Publish(ctx, event)
}

func userActor(userID string) events.Actor {
	return events.Actor{
		Type:   domain.AuthorTypeUser,
		UserID: &userID,
	}
}

func systemActor() events.Actor {
	return events.Actor{Type: domain.AuthorTypeSystem}
}
