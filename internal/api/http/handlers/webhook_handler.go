package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/api/dto"
	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	"github.com/spec-kit/feishu-ticket-bot/internal/feishu"
	"github.com/spec-kit/feishu-ticket-bot/internal/observability"
	"github.com/spec-kit/feishu-ticket-bot/internal/repository"
	"github.com/spec-kit/feishu-ticket-bot/internal/service"
	apperrors "github.com/spec-kit/feishu-ticket-bot/pkg/util/errorutil"
)

// Bot handles verified chat events.
type Bot interface {
	HandleText(ctx context.Context, msg domain.TextMessage) error
	HandleCardAction(ctx context.Context, action domain.CardAction) (service.CardResult, error)
}

// WebhookHandler receives pushed deliveries from the chat platform.
type WebhookHandler struct {
	verifier *feishu.EventVerifier
	bot      Bot
	dedup    repository.DeliveryDeduper
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewWebhookHandler constructs handler.
func NewWebhookHandler(verifier *feishu.EventVerifier, bot Bot, dedup repository.DeliveryDeduper, logger *zap.Logger, metrics *observability.Metrics) *WebhookHandler {
	return &WebhookHandler{
		verifier: verifier,
		bot:      bot,
		dedup:    dedup,
		logger:   logger.Named("webhook"),
		metrics:  metrics,
	}
}

// Event POST /webhook.
func (h *WebhookHandler) Event(c *fiber.Ctx) error {
	event, err := h.verifier.ParseEvent(signatureHeaders(c), c.Body())
	if err != nil {
		h.metrics.RecordWebhookEvent("event", "rejected")
		return err
	}

	switch event.Kind {
	case feishu.EventChallenge:
		h.metrics.RecordWebhookEvent("challenge", "ok")
		return c.JSON(dto.ChallengeResponse{Challenge: event.Challenge})
	case feishu.EventTextMessage:
		return h.textMessage(c, event)
	case feishu.EventCardAction:
		return h.cardAction(c, event)
	default:
		h.metrics.RecordWebhookEvent("event", "ignored")
		h.logger.Debug("ignoring event", zap.String("event_type", event.EventType))
		return c.JSON(dto.Ack{})
	}
}

// CardAction POST /card_action.
func (h *WebhookHandler) CardAction(c *fiber.Ctx) error {
	event, err := h.verifier.ParseCardAction(signatureHeaders(c), c.Body())
	if err != nil {
		h.metrics.RecordWebhookEvent("card_action", "rejected")
		return err
	}

	switch event.Kind {
	case feishu.EventChallenge:
		h.metrics.RecordWebhookEvent("challenge", "ok")
		return c.JSON(dto.ChallengeResponse{Challenge: event.Challenge})
	case feishu.EventCardAction:
		return h.cardAction(c, event)
	default:
		h.metrics.RecordWebhookEvent("card_action", "ignored")
		return c.JSON(dto.Ack{})
	}
}

func (h *WebhookHandler) textMessage(c *fiber.Ctx, event *feishu.InboundEvent) error {
	ctx := c.UserContext()
	id := event.EventID
	if id == "" {
		id = event.Message.MessageID
	}

	first, err := h.dedup.FirstDelivery(ctx, id)
	if err != nil {
		h.logger.Warn("delivery dedup unavailable, processing anyway", zap.String("event_id", id), zap.Error(err))
		first = true
	}
	if !first {
		h.metrics.RecordWebhookEvent("message", "duplicate")
		return c.JSON(dto.Ack{})
	}

	if err := h.bot.HandleText(ctx, *event.Message); err != nil {
		if apperrors.HasCode(err, apperrors.CodeAuth) {
			h.metrics.RecordWebhookEvent("message", "auth_failed")
			if ferr := h.dedup.Forget(ctx, id); ferr != nil {
				h.logger.Warn("failed to release delivery id", zap.String("event_id", id), zap.Error(ferr))
			}
			return err
		}
		h.metrics.RecordWebhookEvent("message", "failed")
		h.logger.Error("message handling failed",
			zap.String("event_id", id),
			zap.String("message_id", event.Message.MessageID),
			zap.Error(err))
		return c.JSON(dto.Ack{})
	}
	h.metrics.RecordWebhookEvent("message", "handled")
	return c.JSON(dto.Ack{})
}

func (h *WebhookHandler) cardAction(c *fiber.Ctx, event *feishu.InboundEvent) error {
	result, err := h.bot.HandleCardAction(c.UserContext(), *event.Action)
	if err != nil {
		h.metrics.RecordWebhookEvent("card_action", "rejected")
		return err
	}
	h.metrics.RecordWebhookEvent("card_action", result.Outcome)
	if result.Err != nil {
		h.logger.Info("card action not applied",
			zap.String("card_message_id", event.Action.CardMessageID),
			zap.String("outcome", result.Outcome),
			zap.Error(result.Err))
	}

	if result.Message == "" {
		return c.JSON(dto.CardActionResponse{})
	}
	return c.JSON(dto.CardActionResponse{Toast: &dto.Toast{Type: result.ToastType, Content: result.Message}})
}

func signatureHeaders(c *fiber.Ctx) feishu.SignatureHeaders {
	return feishu.SignatureHeaders{
		Timestamp: c.Get(feishu.HeaderTimestamp),
		Nonce:     c.Get(feishu.HeaderNonce),
		Signature: c.Get(feishu.HeaderSignature),
	}
}
