package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/auth"
	"github.com/spec-kit/feishu-ticket-bot/internal/cards"
	"github.com/spec-kit/feishu-ticket-bot/internal/catalog"
	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	"github.com/spec-kit/feishu-ticket-bot/internal/events"
	"github.com/spec-kit/feishu-ticket-bot/internal/feishu"
	"github.com/spec-kit/feishu-ticket-bot/internal/observability"
	"github.com/spec-kit/feishu-ticket-bot/internal/repository"
	"github.com/spec-kit/feishu-ticket-bot/internal/support"
	apperrors "github.com/spec-kit/feishu-ticket-bot/pkg/util/errorutil"
)

// Dependencies bundles collaborators shared by the bot services.
type Dependencies struct {
	Drafts     repository.DraftRepository
	Tickets    repository.TicketRepository
	History    repository.TicketHistoryRepository
	Messages   repository.TicketMessageRepository
	Chat       ChatGateway
	Cases      CaseGateway
	Cards      *cards.Renderer
	Tokens     *auth.TokenManager
	Catalog    *catalog.Store
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	// FinalizeLease is how long a draft may stay FINALIZING before a new
	// confirm click is allowed to resume it.
	FinalizeLease time.Duration
	MaxHistory    int
	Now           func() time.Time
}

// Card callback outcomes.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeCompleted = "completed"
	OutcomeDegraded  = "completed_without_chat"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeReverted  = "reverted"
	OutcomeStale     = "stale"
	OutcomeBusy      = "busy"
	OutcomeNotOwner  = "not_owner"
)

// Toast types understood by the card callback response.
const (
	ToastInfo    = "info"
	ToastSuccess = "success"
	ToastWarning = "warning"
	ToastError   = "error"
)

// CardResult is the reply to a card click. Err classifies outcomes that did
// not advance the draft; it is informational and never fails the callback.
type CardResult struct {
	Outcome   string
	ToastType string
	Message   string
	Err       error
}

const (
	msgBusy          = "工单正在处理中，请勿重复点击"
	msgCardFailed    = "卡片更新失败，请重试"
	msgStoreFailed   = "服务暂时不可用，请稍后重试"
	msgCancelled     = "已取消工单创建"
	msgCreated       = "工单创建成功"
	msgDegraded      = "工单已创建，但群聊创建失败"
	msgCaseFailed    = "AWS工单创建失败"
	msgPersistFailed = "工单已提交到AWS，但保存失败，请点击确认重试"
)

// InteractionService drives ticket drafts from the first command to a
// persisted ticket. Every draft write is a compare-and-swap on its version,
// so racing clicks on one card resolve to a single winner.
type InteractionService struct {
	journal
	drafts  repository.DraftRepository
	tickets repository.TicketRepository
	chat    ChatGateway
	cases   CaseGateway
	cards   *cards.Renderer
	tokens  *auth.TokenManager
	catalog *catalog.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	lease   time.Duration
	now     func() time.Time
}

// NewInteractionService constructs the service.
func NewInteractionService(deps Dependencies) *InteractionService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	lease := deps.FinalizeLease
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	logger = logger.Named("interaction")
	return &InteractionService{
		journal: newJournal(deps, logger, now),
		drafts:  deps.Drafts,
		tickets: deps.Tickets,
		chat:    deps.Chat,
		cases:   deps.Cases,
		cards:   deps.Cards,
		tokens:  deps.Tokens,
		catalog: deps.Catalog,
		logger:  logger,
		metrics: deps.Metrics,
		lease:   lease,
		now:     now,
	}
}

// StartTicketCreation sends the service selection card and binds a new draft
// to it. An empty title only yields a usage hint.
func (s *InteractionService) StartTicketCreation(ctx context.Context, msg domain.TextMessage, title string) error {
	cat := s.catalog.Current()
	if title == "" {
		_, err := s.chat.SendText(ctx, msg.ChatID, cat.Texts.TitleRequired, msg.MessageID+":title")
		return err
	}

	now := s.now()
	draft := &domain.TicketDraft{
		ID:          uuid.NewString(),
		ChatID:      msg.ChatID,
		OwnerUserID: msg.SenderID,
		Title:       title,
		Step:        domain.StepAwaitingServiceType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	card, err := s.cards.ForDraft(draft)
	if err != nil {
		return err
	}
	messageID, err := s.chat.SendCard(ctx, msg.ChatID, card, msg.MessageID)
	if err != nil {
		return err
	}
	draft.CardMessageID = messageID

	if err := s.drafts.Create(ctx, draft); err != nil {
		if errors.Is(err, repository.ErrDraftConflict) {
			s.logger.Info("card already bound to a draft", zap.String("card_message_id", messageID))
			return nil
		}
		if uerr := s.chat.UpdateCard(ctx, messageID, s.cards.Failed(draft, msgStoreFailed)); uerr != nil {
			s.logger.Warn("failed to retire orphan card", zap.String("card_message_id", messageID), zap.Error(uerr))
		}
		return fmt.Errorf("store draft: %w", err)
	}

	s.metrics.RecordTransition("", string(draft.Step))
	s.logger.Info("draft created",
		zap.String("draft_id", draft.ID),
		zap.String("card_message_id", messageID),
		zap.String("owner", draft.OwnerUserID))
	return nil
}

// HandleCardAction applies one button click. Clicks on unknown, expired or
// finished drafts, and replays of an already applied step, are answered
// with a notice and change nothing.
func (s *InteractionService) HandleCardAction(ctx context.Context, action domain.CardAction) (CardResult, error) {
	claims, err := s.tokens.ParseToken(action.Token)
	if errors.Is(err, auth.ErrTokenExpired) {
		return s.stale(action.CardMessageID, "card token expired"), nil
	}
	if err != nil {
		return CardResult{}, apperrors.NewValidationError("invalid card token",
			map[string]any{"card_message_id": action.CardMessageID})
	}

	draft, err := s.drafts.Get(ctx, action.CardMessageID)
	if errors.Is(err, repository.ErrDraftNotFound) {
		return s.stale(action.CardMessageID, "no draft bound to card"), nil
	}
	if err != nil {
		s.logger.Error("load draft failed", zap.String("card_message_id", action.CardMessageID), zap.Error(err))
		return CardResult{Outcome: OutcomeFailed, ToastType: ToastError, Message: msgStoreFailed, Err: err}, nil
	}
	if claims.DraftID != draft.ID {
		return s.stale(action.CardMessageID, "token belongs to another draft"), nil
	}
	if action.OperatorID != draft.OwnerUserID {
		return CardResult{
			Outcome:   OutcomeNotOwner,
			ToastType: ToastWarning,
			Message:   s.catalog.Current().Texts.NotOwner,
		}, nil
	}
	if draft.Step.Terminal() {
		return s.stale(action.CardMessageID, "draft already "+strings.ToLower(string(draft.Step))), nil
	}
	if claims.Step != draft.Step {
		if draft.Step == domain.StepFinalizing {
			if claims.Action == auth.ActionConfirm && s.now().Sub(draft.UpdatedAt) >= s.lease {
				return s.finalize(ctx, draft, true)
			}
			return CardResult{Outcome: OutcomeBusy, ToastType: ToastInfo, Message: msgBusy}, nil
		}
		return s.stale(action.CardMessageID, "step already applied"), nil
	}

	cat := s.catalog.Current()
	switch claims.Action {
	case auth.ActionCancel:
		return s.cancel(ctx, draft)
	case auth.ActionSelectService:
		if draft.Step != domain.StepAwaitingServiceType {
			return CardResult{}, invalidChoice(claims)
		}
		if _, ok := cat.Service(claims.Choice); !ok {
			return CardResult{}, invalidChoice(claims)
		}
		next := draft.Clone()
		next.ServiceType = &claims.Choice
		next.Step = domain.StepAwaitingSeverity
		return s.advance(ctx, draft, next)
	case auth.ActionSelectSeverity:
		if draft.Step != domain.StepAwaitingSeverity {
			return CardResult{}, invalidChoice(claims)
		}
		if _, ok := cat.Severity(claims.Choice); !ok {
			return CardResult{}, invalidChoice(claims)
		}
		next := draft.Clone()
		next.Severity = &claims.Choice
		next.Step = domain.StepAwaitingConfirmation
		return s.advance(ctx, draft, next)
	case auth.ActionConfirm:
		if draft.Step != domain.StepAwaitingConfirmation {
			return CardResult{}, invalidChoice(claims)
		}
		return s.finalize(ctx, draft, false)
	default:
		return CardResult{}, invalidChoice(claims)
	}
}

// advance stores next and re-renders the card. When the card cannot be
// updated the draft is put back so the user can click again; a credential
// failure is returned so the delivery fails.
func (s *InteractionService) advance(ctx context.Context, prev, next *domain.TicketDraft) (CardResult, error) {
	next.Failure = ""
	if err := s.save(ctx, next); err != nil {
		return s.swapFailed(prev, err), nil
	}
	s.metrics.RecordTransition(string(prev.Step), string(next.Step))

	card, err := s.cards.ForDraft(next)
	if err == nil {
		err = s.chat.UpdateCard(ctx, next.CardMessageID, card)
	}
	if err != nil {
		s.logger.Error("card update failed, reverting draft",
			zap.String("draft_id", next.ID), zap.String("step", string(next.Step)), zap.Error(err))
		s.revert(ctx, prev, next)
		if apperrors.HasCode(err, apperrors.CodeAuth) {
			return CardResult{}, err
		}
		return CardResult{Outcome: OutcomeReverted, ToastType: ToastError, Message: msgCardFailed, Err: err}, nil
	}
	return CardResult{Outcome: OutcomeAdvanced}, nil
}

func (s *InteractionService) cancel(ctx context.Context, draft *domain.TicketDraft) (CardResult, error) {
	next := draft.Clone()
	next.Step = domain.StepCancelled
	next.Failure = ""
	if err := s.save(ctx, next); err != nil {
		return s.swapFailed(draft, err), nil
	}
	s.metrics.RecordTransition(string(draft.Step), string(next.Step))
	if err := s.chat.UpdateCard(ctx, next.CardMessageID, s.cards.Cancelled(next)); err != nil {
		s.logger.Warn("cancelled card not rendered", zap.String("draft_id", next.ID), zap.Error(err))
	}
	return CardResult{Outcome: OutcomeCancelled, ToastType: ToastInfo, Message: msgCancelled}, nil
}

// finalize turns a confirmed draft into a case, a companion chat and a
// persisted ticket. The case id is recorded on the draft as soon as it is
// known, so a resumed or retried finalization never opens a second case,
// and the ticket insert is keyed by the draft id.
func (s *InteractionService) finalize(ctx context.Context, draft *domain.TicketDraft, resume bool) (CardResult, error) {
	cat := s.catalog.Current()
	working := draft.Clone()
	working.Step = domain.StepFinalizing
	working.Failure = ""
	if err := s.save(ctx, working); err != nil {
		return s.swapFailed(draft, err), nil
	}
	if draft.Step != working.Step {
		s.metrics.RecordTransition(string(draft.Step), string(working.Step))
	}

	log := s.logger.With(zap.String("draft_id", working.ID), zap.String("card_message_id", working.CardMessageID))
	if resume {
		log.Warn("resuming finalization past its lease", zap.Time("last_update", draft.UpdatedAt))
	}
	if card, err := s.cards.ForDraft(working); err == nil {
		if err := s.chat.UpdateCard(ctx, working.CardMessageID, card); err != nil {
			log.Warn("progress card not rendered", zap.Error(err))
		}
	}

	if working.CaseID == "" {
		caseID, err := s.cases.CreateCase(ctx, caseRequest(working, cat, resume))
		if err != nil {
			return s.abandon(ctx, working, err), nil
		}
		working.CaseID = caseID
		if err := s.save(ctx, working); err != nil {
			if errors.Is(err, repository.ErrDraftConflict) {
				log.Warn("finalization taken over after case creation", zap.String("case_id", caseID))
				return CardResult{Outcome: OutcomeBusy, ToastType: ToastInfo, Message: msgBusy}, nil
			}
			log.Warn("case id not recorded on draft", zap.String("case_id", caseID), zap.Error(err))
		}
		log.Info("case created", zap.String("case_id", caseID))
	}

	ticket, created, err := s.persistTicket(ctx, working, cat)
	if err != nil {
		return s.retreat(ctx, working, err), nil
	}

	ctx, cancel := settleContext(ctx)
	defer cancel()
	if err := s.chat.UpdateCard(ctx, working.CardMessageID, s.cards.Completed(ticket)); err != nil {
		log.Warn("completed card not rendered", zap.Error(err))
	}
	working.Step = domain.StepCompleted
	if err := s.save(ctx, working); err != nil {
		log.Warn("draft not marked completed", zap.Error(err))
	} else {
		s.metrics.RecordTransition(string(domain.StepFinalizing), string(domain.StepCompleted))
	}

	if created {
		s.publishEvent(ctx, events.Event{
			Type:     events.EventTicketCreated,
			TicketID: ticket.ID,
			Actor:    userActor(ticket.OwnerUserID),
			Payload: events.TicketCreatedPayload{
				DisplayID:   ticket.DisplayID,
				Title:       ticket.Title,
				ServiceType: ticket.ServiceType,
				Severity:    ticket.Severity,
				OwnerUserID: ticket.OwnerUserID,
				ChatID:      ticket.ChatID,
				GroupChatID: ticket.GroupChatID,
			},
		})
	}

	log.Info("ticket finalized",
		zap.String("ticket_id", ticket.ID),
		zap.Bool("created", created),
		zap.Bool("group_chat", ticket.HasGroupChat()))
	if !ticket.HasGroupChat() {
		return CardResult{Outcome: OutcomeDegraded, ToastType: ToastWarning, Message: msgDegraded}, nil
	}
	return CardResult{Outcome: OutcomeCompleted, ToastType: ToastSuccess, Message: msgCreated}, nil
}

// persistTicket stores the ticket for a draft whose case exists, opening the
// companion chat first. It reports whether this call inserted the record.
func (s *InteractionService) persistTicket(ctx context.Context, d *domain.TicketDraft, cat *catalog.Catalog) (*domain.Ticket, bool, error) {
	existing, err := s.tickets.GetByDraftID(ctx, d.ID)
	if err == nil {
		if !existing.HasGroupChat() {
			s.linkGroupChat(ctx, existing, cat)
		}
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	now := s.now()
	ticket := &domain.Ticket{
		ID:           d.CaseID,
		DraftID:      d.ID,
		Title:        d.Title,
		ServiceType:  deref(d.ServiceType),
		Severity:     deref(d.Severity),
		Status:       domain.TicketStatusOpen,
		OwnerUserID:  d.OwnerUserID,
		ChatID:       d.ChatID,
		CreatedAt:    now,
		LastSyncedAt: now,
	}
	if summary, err := s.cases.GetCase(ctx, d.CaseID); err == nil {
		ticket.DisplayID = summary.DisplayID
		ticket.Status = summary.Status
	} else {
		s.logger.Warn("case detail unavailable, using defaults", zap.String("case_id", d.CaseID), zap.Error(err))
	}
	ticket.GroupChatID = s.openGroupChat(ctx, ticket, cat)

	created, err := s.tickets.Create(ctx, ticket)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.tickets.GetByDraftID(ctx, d.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	s.recordHistory(ctx, &domain.TicketHistory{
		TicketID:      ticket.ID,
		ChangedByType: domain.AuthorTypeUser,
		ChangedByID:   &ticket.OwnerUserID,
		ChangeType:    domain.ChangeTypeCreated,
		NewValue: map[string]any{
			"status":        ticket.Status,
			"service_type":  ticket.ServiceType,
			"severity":      ticket.Severity,
			"group_chat_id": ticket.GroupChatID,
		},
	})
	return ticket, true, nil
}

// openGroupChat creates the companion chat. The chat client retries under
// its own bounded policy; once that is exhausted the ticket goes on without one.
func (s *InteractionService) openGroupChat(ctx context.Context, t *domain.Ticket, cat *catalog.Catalog) *string {
	chatID, err := s.chat.CreateGroupChat(ctx, feishu.GroupChatRequest{
		Name:           cat.ChatName(ticketLabel(t)),
		Description:    cat.ChatDescription(t.Title, cat.ServiceLabel(t.ServiceType), cat.SeverityLabel(t.Severity)),
		OwnerUserID:    t.OwnerUserID,
		MemberIDs:      []string{t.OwnerUserID},
		IdempotencyKey: t.DraftID,
	})
	if err != nil {
		s.logger.Error("group chat abandoned", zap.String("ticket_id", t.ID), zap.Error(err))
		return nil
	}
	return &chatID
}

func (s *InteractionService) linkGroupChat(ctx context.Context, t *domain.Ticket, cat *catalog.Catalog) {
	chatID := s.openGroupChat(ctx, t, cat)
	if chatID == nil {
		return
	}
	linked, err := s.tickets.SetGroupChat(ctx, t.ID, *chatID)
	if err != nil {
		s.logger.Warn("group chat not linked", zap.String("ticket_id", t.ID), zap.Error(err))
		return
	}
	if !linked {
		return
	}
	t.GroupChatID = chatID
	s.recordHistory(ctx, &domain.TicketHistory{
		TicketID:      t.ID,
		ChangedByType: domain.AuthorTypeSystem,
		ChangeType:    domain.ChangeTypeGroupChat,
		NewValue:      map[string]any{"group_chat_id": *chatID},
	})
}

// abandon ends a draft whose case could not be created.
func (s *InteractionService) abandon(ctx context.Context, working *domain.TicketDraft, cause error) CardResult {
	s.logger.Error("case creation failed, cancelling draft", zap.String("draft_id", working.ID), zap.Error(cause))
	ctx, cancel := settleContext(ctx)
	defer cancel()
	working.Step = domain.StepCancelled
	working.Failure = msgCaseFailed
	if err := s.save(ctx, working); err != nil {
		s.logger.Error("failed draft not stored", zap.String("draft_id", working.ID), zap.Error(err))
	} else {
		s.metrics.RecordTransition(string(domain.StepFinalizing), string(domain.StepCancelled))
	}
	if err := s.chat.UpdateCard(ctx, working.CardMessageID, s.cards.Failed(working, msgCaseFailed)); err != nil {
		s.logger.Warn("failure card not rendered", zap.String("draft_id", working.ID), zap.Error(err))
	}
	return CardResult{Outcome: OutcomeFailed, ToastType: ToastError, Message: msgCaseFailed, Err: cause}
}

// retreat puts a draft whose case exists but whose ticket could not be
// stored back to confirmation. The recorded case id is kept, so confirming
// again only repeats the persistence steps.
func (s *InteractionService) retreat(ctx context.Context, working *domain.TicketDraft, cause error) CardResult {
	s.logger.Error("ticket not persisted, reverting draft",
		zap.String("draft_id", working.ID), zap.String("case_id", working.CaseID), zap.Error(cause))
	ctx, cancel := settleContext(ctx)
	defer cancel()
	working.Step = domain.StepAwaitingConfirmation
	working.Failure = msgPersistFailed
	if err := s.save(ctx, working); err != nil {
		s.logger.Error("reverted draft not stored", zap.String("draft_id", working.ID), zap.Error(err))
	} else {
		s.metrics.RecordTransition(string(domain.StepFinalizing), string(domain.StepAwaitingConfirmation))
	}
	card, err := s.cards.ForDraft(working)
	if err == nil {
		err = s.chat.UpdateCard(ctx, working.CardMessageID, card)
	}
	if err != nil {
		s.logger.Warn("confirmation card not rendered", zap.String("draft_id", working.ID), zap.Error(err))
	}
	return CardResult{Outcome: OutcomeReverted, ToastType: ToastError, Message: msgPersistFailed, Err: cause}
}

// revert restores prev over current after a failed side effect.
func (s *InteractionService) revert(ctx context.Context, prev, current *domain.TicketDraft) {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	restore := prev.Clone()
	restore.Version = current.Version
	if err := s.save(ctx, restore); err != nil {
		s.logger.Error("draft revert failed", zap.String("draft_id", prev.ID), zap.Error(err))
		return
	}
	s.metrics.RecordTransition(string(current.Step), string(prev.Step))
}

// settleTimeout bounds the writes that put a draft into a defined state
// after a failed side effect.
const settleTimeout = 5 * time.Second

// settleContext outlives the request deadline, so a timed-out request still
// leaves its draft cancelled or reverted instead of FINALIZING.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// save writes d over the version it carries.
func (s *InteractionService) save(ctx context.Context, d *domain.TicketDraft) error {
	d.UpdatedAt = s.now()
	return s.drafts.CompareAndSwap(ctx, d, d.Version)
}

func (s *InteractionService) swapFailed(draft *domain.TicketDraft, err error) CardResult {
	switch {
	case errors.Is(err, repository.ErrDraftConflict):
		s.logger.Info("concurrent click lost the race", zap.String("draft_id", draft.ID))
		return CardResult{Outcome: OutcomeBusy, ToastType: ToastInfo, Message: msgBusy,
			Err: apperrors.NewStaleInteraction("draft changed concurrently")}
	case errors.Is(err, repository.ErrDraftNotFound):
		return s.stale(draft.CardMessageID, "draft expired")
	default:
		s.logger.Error("draft store unavailable", zap.String("draft_id", draft.ID), zap.Error(err))
		return CardResult{Outcome: OutcomeFailed, ToastType: ToastError, Message: msgStoreFailed, Err: err}
	}
}

func (s *InteractionService) stale(cardMessageID, reason string) CardResult {
	s.logger.Info("stale card interaction", zap.String("card_message_id", cardMessageID), zap.String("reason", reason))
	return CardResult{
		Outcome:   OutcomeStale,
		ToastType: ToastInfo,
		Message:   s.catalog.Current().Texts.Stale,
		Err:       apperrors.NewStaleInteraction(reason),
	}
}

func caseRequest(d *domain.TicketDraft, cat *catalog.Catalog, resume bool) support.CreateCaseRequest {
	service, _ := cat.Service(deref(d.ServiceType))
	severity, _ := cat.Severity(deref(d.Severity))
	body := strings.Join([]string{
		"标题: " + d.Title,
		"服务: " + service.Label,
		"严重性: " + severity.Label,
		"提交人: " + d.OwnerUserID,
		"",
		"此工单由飞书工单机器人创建，详细内容将通过后续沟通补充。",
	}, "\n")
	return support.CreateCaseRequest{
		Reference:     d.ID,
		Subject:       d.Title,
		ServiceCode:   service.Code,
		SeverityCode:  severity.Code,
		Body:          body,
		CheckExisting: resume,
	}
}

func invalidChoice(claims *auth.Claims) error {
	return apperrors.NewValidationError("card action does not fit the draft", map[string]any{
		"draft_id": claims.DraftID,
		"step":     claims.Step,
		"action":   claims.Action,
		"choice":   claims.Choice,
	})
}

func ticketLabel(t *domain.Ticket) string {
	if t.DisplayID != "" {
		return t.DisplayID
	}
	return t.ID
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
