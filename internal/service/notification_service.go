package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/catalog"
	"github.com/spec-kit/feishu-ticket-bot/internal/events"
)

// notifyTimeout bounds a group chat post. Events are published on the
// callback path, so a slow chat platform must not hold the reply.
const notifyTimeout = 3 * time.Second

// NotificationService posts ticket updates into companion group chats.
type NotificationService struct {
	dispatcher events.Dispatcher
	chat       ChatGateway
	catalog    *catalog.Store
	logger     *zap.Logger
	timeout    time.Duration
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, chat ChatGateway, catalog *catalog.Store, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		chat:       chat,
		catalog:    catalog,
		logger:     logger.Named("notifications"),
		timeout:    notifyTimeout,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventTicketCreated, n.handleTicketCreated)
	n.dispatcher.Subscribe(events.EventTicketStatusChanged, n.handleTicketStatusChanged)
	n.dispatcher.Subscribe(events.EventCommunicationAdded, n.handleCommunicationAdded)
}

func (n *NotificationService) handleTicketCreated(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TicketCreatedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	n.logger.Info("TicketCreated", zap.String("ticket_id", event.TicketID), zap.Bool("group_chat", payload.GroupChatID != nil))
	if payload.GroupChatID == nil {
		return nil
	}

	cat := n.catalog.Current()
	label := payload.DisplayID
	if label == "" {
		label = event.TicketID
	}
	text := strings.Join([]string{
		"🎫 工单 " + label,
		"📝 标题: " + payload.Title,
		"🔧 服务: " + cat.ServiceLabel(payload.ServiceType),
		"⚠️ 严重性: " + cat.SeverityLabel(payload.Severity),
		fmt.Sprintf(`👤 提交人: <at user_id="%s"></at>`, payload.OwnerUserID),
		"",
		cat.Texts.GroupIntro,
	}, "\n")
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	_, err := n.chat.SendText(ctx, *payload.GroupChatID, text, notificationKey("intro", event.TicketID))
	return err
}

func (n *NotificationService) handleTicketStatusChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TicketStatusChangedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	n.logger.Info("TicketStatusChanged",
		zap.String("ticket_id", event.TicketID),
		zap.String("from", string(payload.OldStatus)),
		zap.String("to", string(payload.NewStatus)))
	if payload.GroupChatID == nil {
		return nil
	}
	text := fmt.Sprintf("🔔 工单状态更新: %s → %s", statusLabel(payload.OldStatus), statusLabel(payload.NewStatus))
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	_, err := n.chat.SendText(ctx, *payload.GroupChatID, text, event.ID)
	return err
}

func (n *NotificationService) handleCommunicationAdded(_ context.Context, event events.Event) error {
	n.logger.Debug("CommunicationAdded", zap.String("ticket_id", event.TicketID), zap.Any("payload", event.Payload))
	return nil
}

// notificationKey derives a stable platform dedup key, so a re-published
// event does not post twice.
func notificationKey(kind, subject string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(kind+":"+subject)).String()
}
