package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/catalog"
	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	"github.com/spec-kit/feishu-ticket-bot/internal/events"
	"github.com/spec-kit/feishu-ticket-bot/internal/repository"
	"github.com/spec-kit/feishu-ticket-bot/internal/support"
)

const (
	detailHistoryEntries = 5
	previewLength        = 120
	timeLayout           = "2006-01-02 15:04"
)

const (
	msgQueryFailed   = "查询工单失败，请稍后重试"
	msgStaleStatus   = "⚠️ 暂时无法连接AWS支持中心，以下状态可能不是最新"
	msgNoTicketYet   = "暂无可补充内容的工单，请先使用「开工单 标题」创建工单"
	msgCommFailed    = "补充内容提交失败，请稍后重试"
	msgTicketMissing = "未找到工单 %s"
)

// QueryService answers the read commands and appends communications. Stored
// tickets are refreshed from the support backend on every read; when the
// backend is unreachable the stored status is shown and marked as possibly stale.
type QueryService struct {
	journal
	tickets    repository.TicketRepository
	messages   repository.TicketMessageRepository
	chat       ChatGateway
	cases      CaseGateway
	catalog    *catalog.Store
	logger     *zap.Logger
	maxHistory int
	now        func() time.Time
}

// NewQueryService constructs the service.
func NewQueryService(deps Dependencies) *QueryService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	maxHistory := deps.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 10
	}
	logger = logger.Named("query")
	return &QueryService{
		journal:    newJournal(deps, logger, now),
		tickets:    deps.Tickets,
		messages:   deps.Messages,
		chat:       deps.Chat,
		cases:      deps.Cases,
		catalog:    deps.Catalog,
		logger:     logger,
		maxHistory: maxHistory,
		now:        now,
	}
}

// ShowHelp replies with the command overview.
func (q *QueryService) ShowHelp(ctx context.Context, msg domain.TextMessage) error {
	return q.reply(ctx, msg, "help", q.catalog.Current().Texts.Help)
}

// ShowHistory lists the owner's most recent tickets.
func (q *QueryService) ShowHistory(ctx context.Context, msg domain.TextMessage, owner string) error {
	cat := q.catalog.Current()
	tickets, err := q.tickets.ListByOwner(ctx, owner, q.maxHistory)
	if err != nil {
		return q.fail(ctx, msg, fmt.Errorf("list tickets: %w", err))
	}
	if len(tickets) == 0 {
		return q.reply(ctx, msg, "history", cat.Texts.NoHistory)
	}

	stale := !q.refresh(ctx, tickets)
	return q.reply(ctx, msg, "history", formatHistory(tickets, cat, stale))
}

// ShowDetail shows one ticket with its recent history. An empty id selects
// the owner's most recent ticket; ids may be case ids or display ids.
func (q *QueryService) ShowDetail(ctx context.Context, msg domain.TextMessage, owner, ticketID string) error {
	cat := q.catalog.Current()
	ticket, err := q.lookup(ctx, owner, ticketID)
	if err != nil {
		return q.fail(ctx, msg, fmt.Errorf("lookup ticket: %w", err))
	}
	if ticket == nil {
		if ticketID == "" {
			return q.reply(ctx, msg, "detail", cat.Texts.NoHistory)
		}
		return q.reply(ctx, msg, "detail", fmt.Sprintf(msgTicketMissing, ticketID))
	}

	stale := false
	summary, err := q.cases.GetCase(ctx, ticket.ID)
	if err != nil {
		q.logger.Warn("case refresh failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
		stale = true
	} else {
		q.sync(ctx, ticket, summary)
	}

	var entries []domain.TicketHistory
	if q.history != nil {
		entries, err = q.history.ListRecent(ctx, ticket.ID, detailHistoryEntries)
		if err != nil {
			q.logger.Warn("ticket history unavailable", zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}
	return q.reply(ctx, msg, "detail", formatDetail(ticket, summary, entries, cat, stale))
}

// AddCommunication appends body to the owner's most recent ticket.
func (q *QueryService) AddCommunication(ctx context.Context, msg domain.TextMessage, owner, body string) error {
	cat := q.catalog.Current()
	if body == "" {
		return q.reply(ctx, msg, "content", cat.Texts.ContentRequired)
	}
	latest, err := q.tickets.ListByOwner(ctx, owner, 1)
	if err != nil {
		return q.fail(ctx, msg, fmt.Errorf("list tickets: %w", err))
	}
	if len(latest) == 0 {
		return q.reply(ctx, msg, "content", msgNoTicketYet)
	}
	ticket := latest[0]

	if err := q.cases.AddCommunication(ctx, ticket.ID, body); err != nil {
		q.logger.Error("communication not added", zap.String("ticket_id", ticket.ID), zap.Error(err))
		return q.reply(ctx, msg, "content", msgCommFailed)
	}

	message := &domain.TicketMessage{
		TicketID:   ticket.ID,
		AuthorType: domain.AuthorTypeUser,
		AuthorID:   &owner,
		Body:       body,
	}
	count := 0
	if q.messages != nil {
		if err := q.messages.Create(ctx, message); err != nil {
			q.logger.Warn("communication not recorded", zap.String("ticket_id", ticket.ID), zap.Error(err))
		} else if count, err = q.messages.CountByTicket(ctx, ticket.ID); err != nil {
			q.logger.Warn("communication count unavailable", zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}
	q.recordHistory(ctx, &domain.TicketHistory{
		TicketID:      ticket.ID,
		ChangedByType: domain.AuthorTypeUser,
		ChangedByID:   &owner,
		ChangeType:    domain.ChangeTypeCommunicate,
		NewValue:      map[string]any{"message_id": message.ID, "preview": stringPreview(body, previewLength)},
	})
	q.publishEvent(ctx, events.Event{
		Type:     events.EventCommunicationAdded,
		TicketID: ticket.ID,
		Actor:    userActor(owner),
		Payload: events.CommunicationAddedPayload{
			MessageID:   message.ID,
			AuthorID:    &owner,
			BodyPreview: stringPreview(body, previewLength),
		},
	})

	text := fmt.Sprintf("✅ 已为工单 %s 添加补充内容", ticketLabel(&ticket))
	if count > 0 {
		text += fmt.Sprintf("（共 %d 条）", count)
	}
	return q.reply(ctx, msg, "content", text)
}

func (q *QueryService) lookup(ctx context.Context, owner, ticketID string) (*domain.Ticket, error) {
	if ticketID == "" {
		latest, err := q.tickets.ListByOwner(ctx, owner, 1)
		if err != nil || len(latest) == 0 {
			return nil, err
		}
		return &latest[0], nil
	}

	recent, err := q.tickets.ListByOwner(ctx, owner, q.maxHistory)
	if err != nil {
		return nil, err
	}
	for i := range recent {
		if recent[i].ID == ticketID || recent[i].DisplayID == ticketID {
			return &recent[i], nil
		}
	}
	ticket, err := q.tickets.GetByID(ctx, ticketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ticket.OwnerUserID != owner {
		return nil, nil
	}
	return ticket, nil
}

// refresh pulls current statuses for tickets in place. It reports whether
// the backend answered.
func (q *QueryService) refresh(ctx context.Context, tickets []domain.Ticket) bool {
	ids := make([]string, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
	}
	summaries, err := q.cases.ListCases(ctx, ids)
	if err != nil {
		q.logger.Warn("case refresh failed", zap.Int("tickets", len(ids)), zap.Error(err))
		return false
	}
	byID := make(map[string]*support.CaseSummary, len(summaries))
	for i := range summaries {
		byID[summaries[i].CaseID] = &summaries[i]
	}
	for i := range tickets {
		if summary, ok := byID[tickets[i].ID]; ok {
			q.sync(ctx, &tickets[i], summary)
		}
	}
	return true
}

// sync mirrors the backend status into the stored ticket, recording and
// announcing a change.
func (q *QueryService) sync(ctx context.Context, t *domain.Ticket, summary *support.CaseSummary) {
	now := q.now()
	if err := q.tickets.UpdateStatus(ctx, t.ID, summary.Status, now); err != nil {
		q.logger.Warn("status not stored", zap.String("ticket_id", t.ID), zap.Error(err))
		return
	}
	old := t.Status
	t.Status = summary.Status
	t.LastSyncedAt = now
	if t.DisplayID == "" {
		t.DisplayID = summary.DisplayID
	}
	if old == summary.Status {
		return
	}

	q.logger.Info("ticket status changed",
		zap.String("ticket_id", t.ID), zap.String("from", string(old)), zap.String("to", string(summary.Status)))
	q.recordHistory(ctx, &domain.TicketHistory{
		TicketID:      t.ID,
		ChangedByType: domain.AuthorTypeSystem,
		ChangeType:    domain.ChangeTypeStatus,
		OldValue:      map[string]any{"status": old},
		NewValue:      map[string]any{"status": summary.Status, "backend_status": summary.RawStatus},
	})
	q.publishEvent(ctx, events.Event{
		Type:     events.EventTicketStatusChanged,
		TicketID: t.ID,
		Actor:    systemActor(),
		Payload: events.TicketStatusChangedPayload{
			OldStatus:   old,
			NewStatus:   summary.Status,
			GroupChatID: t.GroupChatID,
		},
	})
}

func (q *QueryService) reply(ctx context.Context, msg domain.TextMessage, kind, text string) error {
	_, err := q.chat.SendText(ctx, msg.ChatID, text, msg.MessageID+":"+kind)
	return err
}

// fail tells the user a query could not be served and returns cause.
func (q *QueryService) fail(ctx context.Context, msg domain.TextMessage, cause error) error {
	q.logger.Error("query failed", zap.String("chat_id", msg.ChatID), zap.Error(cause))
	if err := q.reply(ctx, msg, "failed", msgQueryFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

var statusLabels = map[domain.TicketStatus]string{
	domain.TicketStatusOpen:       "🆕 待处理",
	domain.TicketStatusInProgress: "🔄 处理中",
	domain.TicketStatusResolved:   "✅ 已解决",
}

func statusLabel(s domain.TicketStatus) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

func formatHistory(tickets []domain.Ticket, cat *catalog.Catalog, stale bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 最近 %d 个工单:\n", len(tickets))
	if stale {
		b.WriteString(msgStaleStatus + "\n")
	}
	for i, t := range tickets {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, t.Title)
		fmt.Fprintf(&b, "   工单ID: %s | 状态: %s\n", ticketLabel(&t), statusLabel(t.Status))
		fmt.Fprintf(&b, "   服务: %s | 严重性: %s | 创建: %s\n",
			cat.ServiceLabel(t.ServiceType), cat.SeverityLabel(t.Severity), t.CreatedAt.Format(timeLayout))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatDetail(t *domain.Ticket, summary *support.CaseSummary, entries []domain.TicketHistory, cat *catalog.Catalog, stale bool) string {
	lines := []string{
		"📋 工单详情",
		"",
		"工单ID: " + ticketLabel(t),
		"标题: " + t.Title,
		"服务: " + cat.ServiceLabel(t.ServiceType),
		"严重性: " + cat.SeverityLabel(t.Severity),
		"状态: " + statusLabel(t.Status),
		"创建时间: " + t.CreatedAt.Format(timeLayout),
		"同步时间: " + t.LastSyncedAt.Format(timeLayout),
	}
	if summary != nil && summary.LastUpdate != "" {
		lines = append(lines, "AWS最近更新: "+summary.LastUpdate)
	}
	if t.HasGroupChat() {
		lines = append(lines, "讨论群聊: "+cat.ChatName(ticketLabel(t)))
	}
	if stale {
		lines = append(lines, "", msgStaleStatus)
	}
	if len(entries) > 0 {
		lines = append(lines, "", "最近记录:")
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf("• %s %s", e.CreatedAt.Format(timeLayout), describeChange(e)))
		}
	}
	return strings.Join(lines, "\n")
}

func describeChange(e domain.TicketHistory) string {
	switch e.ChangeType {
	case domain.ChangeTypeCreated:
		return "工单创建"
	case domain.ChangeTypeStatus:
		return fmt.Sprintf("状态 %v → %v", e.OldValue["status"], e.NewValue["status"])
	case domain.ChangeTypeGroupChat:
		return "关联讨论群聊"
	case domain.ChangeTypeCommunicate:
		return fmt.Sprintf("补充内容: %v", e.NewValue["preview"])
	default:
		return string(e.ChangeType)
	}
}

func stringPreview(body string, max int) string {
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
