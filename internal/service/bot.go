package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

// Bot is the entry point for verified inbound chat events.
type Bot struct {
	interactions *InteractionService
	queries      *QueryService
	logger       *zap.Logger
}

// NewBot wires the interaction and query services over deps.
func NewBot(deps Dependencies) *Bot {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		interactions: NewInteractionService(deps),
		queries:      NewQueryService(deps),
		logger:       logger.Named("bot"),
	}
}

// HandleText routes a text message to its command. Unrecognized text is
// ignored without a reply.
func (b *Bot) HandleText(ctx context.Context, msg domain.TextMessage) error {
	action := Route(msg.Text, msg.SenderID)
	if action == nil {
		b.logger.Debug("ignoring unrecognized text", zap.String("message_id", msg.MessageID))
		return nil
	}

	switch a := action.(type) {
	case StartTicketCreation:
		return b.interactions.StartTicketCreation(ctx, msg, a.Title)
	case ShowDetail:
		return b.queries.ShowDetail(ctx, msg, a.OwnerUserID, a.TicketID)
	case ShowHistory:
		return b.queries.ShowHistory(ctx, msg, a.OwnerUserID)
	case ShowHelp:
		return b.queries.ShowHelp(ctx, msg)
	case AddCommunication:
		return b.queries.AddCommunication(ctx, msg, a.OwnerUserID, a.Body)
	default:
		return fmt.Errorf("unhandled action %T", action)
	}
}

// HandleCardAction applies a card button click.
func (b *Bot) HandleCardAction(ctx context.Context, action domain.CardAction) (CardResult, error) {
	return b.interactions.HandleCardAction(ctx, action)
}
