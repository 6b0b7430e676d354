package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/auth"
	"github.com/spec-kit/feishu-ticket-bot/internal/cards"
	"github.com/spec-kit/feishu-ticket-bot/internal/catalog"
	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	"github.com/spec-kit/feishu-ticket-bot/internal/events"
	"github.com/spec-kit/feishu-ticket-bot/internal/feishu"
	"github.com/spec-kit/feishu-ticket-bot/internal/repository"
	"github.com/spec-kit/feishu-ticket-bot/internal/support"
)

type sentText struct {
	ChatID   string
	Text     string
	DedupKey string
}

type fakeChat struct {
	mu         sync.Mutex
	texts      []sentText
	sentCards  int
	updates    int
	cards      map[string]cards.Card
	groupReqs  []feishu.GroupChatRequest
	groupErr   error
	updateErr  error
	sendErr    error
	nextCardID int
}

func newFakeChat() *fakeChat {
	return &fakeChat{cards: make(map[string]cards.Card)}
}

func (f *fakeChat) SendText(_ context.Context, chatID, text, dedupKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.texts = append(f.texts, sentText{ChatID: chatID, Text: text, DedupKey: dedupKey})
	return fmt.Sprintf("om_text_%d", len(f.texts)), nil
}

func (f *fakeChat) SendCard(_ context.Context, _ string, card any, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextCardID++
	f.sentCards++
	id := fmt.Sprintf("om_card_%d", f.nextCardID)
	f.cards[id] = card.(cards.Card)
	return id, nil
}

func (f *fakeChat) UpdateCard(ctx context.Context, messageID string, card any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates++
	f.cards[messageID] = card.(cards.Card)
	return nil
}

func (f *fakeChat) CreateGroupChat(_ context.Context, req feishu.GroupChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupReqs = append(f.groupReqs, req)
	if f.groupErr != nil {
		return "", f.groupErr
	}
	return "oc_" + req.IdempotencyKey[:8], nil
}

func (f *fakeChat) card(id string) cards.Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cards[id]
}

func (f *fakeChat) textsTo(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, t := range f.texts {
		if t.ChatID == chatID {
			out = append(out, t.Text)
		}
	}
	return out
}

type fakeCases struct {
	mu        sync.Mutex
	created   []support.CreateCaseRequest
	createErr error
	statuses  map[string]domain.TicketStatus
	getErr    error
	listErr   error
	comms     map[string][]string
	commErr   error
	// onCreate runs inside CreateCase before the result is decided.
	onCreate func()
}

func newFakeCases() *fakeCases {
	return &fakeCases{
		statuses: make(map[string]domain.TicketStatus),
		comms:    make(map[string][]string),
	}
}

func (f *fakeCases) CreateCase(_ context.Context, req support.CreateCaseRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.createErr != nil {
		return "", f.createErr
	}
	id := fmt.Sprintf("case-%d", len(f.created))
	f.statuses[id] = domain.TicketStatusOpen
	return id, nil
}

func (f *fakeCases) summary(caseID string) support.CaseSummary {
	status, ok := f.statuses[caseID]
	if !ok {
		status = domain.TicketStatusOpen
	}
	return support.CaseSummary{
		CaseID:     caseID,
		DisplayID:  "D-" + caseID,
		Status:     status,
		RawStatus:  string(status),
		LastUpdate: "2024-05-01T10:00:00Z",
	}
}

func (f *fakeCases) GetCase(_ context.Context, caseID string) (*support.CaseSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	s := f.summary(caseID)
	return &s, nil
}

func (f *fakeCases) ListCases(_ context.Context, caseIDs []string) ([]support.CaseSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]support.CaseSummary, 0, len(caseIDs))
	for _, id := range caseIDs {
		out = append(out, f.summary(id))
	}
	return out, nil
}

func (f *fakeCases) AddCommunication(_ context.Context, caseID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commErr != nil {
		return f.commErr
	}
	f.comms[caseID] = append(f.comms[caseID], body)
	return nil
}

func (f *fakeCases) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// flakyTickets fails Create a fixed number of times.
type flakyTickets struct {
	repository.TicketRepository
	mu       sync.Mutex
	failures int
}

func (f *flakyTickets) Create(ctx context.Context, t *domain.Ticket) (bool, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return false, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.TicketRepository.Create(ctx, t)
}

// ctxDrafts fails draft operations once the caller's context is done, the
// way a networked store does.
type ctxDrafts struct {
	repository.DraftRepository
}

func (d ctxDrafts) Create(ctx context.Context, draft *domain.TicketDraft) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.DraftRepository.Create(ctx, draft)
}

func (d ctxDrafts) Get(ctx context.Context, cardMessageID string) (*domain.TicketDraft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.DraftRepository.Get(ctx, cardMessageID)
}

func (d ctxDrafts) CompareAndSwap(ctx context.Context, draft *domain.TicketDraft, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.DraftRepository.CompareAndSwap(ctx, draft, expectedVersion)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	bot     *Bot
	chat    *fakeChat
	cases   *fakeCases
	store   *repository.MemoryStore
	tickets *flakyTickets
	drafts  repository.DraftRepository
	tokens  *auth.TokenManager
	clock   *fakeClock
}

const (
	testChat  = "oc_origin"
	testOwner = "u_owner"
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	cache, err := repository.NewBigCache(time.Hour)
	if err != nil {
		t.Fatalf("NewBigCache() error = %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	store := repository.NewMemoryStore()
	tickets := &flakyTickets{TicketRepository: store.Tickets()}
	drafts := ctxDrafts{repository.NewCacheDraftRepository(cache, 24*time.Hour, clock.Now)}
	tokens := auth.NewTokenManager("card-secret", 24*time.Hour, clock.Now)
	catalogStore := catalog.NewStaticStore(catalog.Default())
	chat := newFakeChat()
	cases := newFakeCases()
	dispatcher := events.NewInMemoryDispatcher(zap.NewNop())
	NewNotificationService(dispatcher, chat, catalogStore, zap.NewNop()).RegisterHandlers()

	bot := NewBot(Dependencies{
		Drafts:        drafts,
		Tickets:       tickets,
		History:       store.History(),
		Messages:      store.Messages(),
		Chat:          chat,
		Cases:         cases,
		Cards:         cards.NewRenderer(tokens, catalogStore),
		Tokens:        tokens,
		Catalog:       catalogStore,
		Dispatcher:    dispatcher,
		Logger:        zap.NewNop(),
		FinalizeLease: 2 * time.Minute,
		MaxHistory:    10,
		Now:           clock.Now,
	})
	return &harness{
		bot:     bot,
		chat:    chat,
		cases:   cases,
		store:   store,
		tickets: tickets,
		drafts:  drafts,
		tokens:  tokens,
		clock:   clock,
	}
}

func (h *harness) text(t *testing.T, messageID, text string) {
	t.Helper()
	err := h.bot.HandleText(context.Background(), domain.TextMessage{
		MessageID: messageID,
		ChatID:    testChat,
		SenderID:  testOwner,
		Text:      text,
	})
	if err != nil {
		t.Fatalf("HandleText(%q) error = %v", text, err)
	}
}

// token returns the signed value of the button on the card matching action and choice.
func (h *harness) token(t *testing.T, cardID, action, choice string) string {
	t.Helper()
	for _, el := range h.chat.card(cardID).Elements {
		for _, b := range el.Actions {
			claims, err := h.tokens.ParseToken(b.Value["token"])
			if err != nil {
				t.Fatalf("button token invalid: %v", err)
			}
			if claims.Action == action && claims.Choice == choice {
				return b.Value["token"]
			}
		}
	}
	t.Fatalf("card %s has no %s/%s button", cardID, action, choice)
	return ""
}

func (h *harness) click(t *testing.T, cardID, token, operator string) CardResult {
	t.Helper()
	res, err := h.bot.HandleCardAction(context.Background(), domain.CardAction{
		CardMessageID: cardID,
		ChatID:        testChat,
		OperatorID:    operator,
		Token:         token,
	})
	if err != nil {
		t.Fatalf("HandleCardAction() error = %v", err)
	}
	return res
}

// toConfirmation drives a new draft to the confirmation step and returns its card id.
func (h *harness) toConfirmation(t *testing.T, title string) string {
	t.Helper()
	h.text(t, "om_msg_"+title, "开工单 "+title)
	cardID := fmt.Sprintf("om_card_%d", h.chat.nextCardID)
	if res := h.click(t, cardID, h.token(t, cardID, auth.ActionSelectService, "EC2"), testOwner); res.Outcome != OutcomeAdvanced {
		t.Fatalf("service click outcome = %s", res.Outcome)
	}
	if res := h.click(t, cardID, h.token(t, cardID, auth.ActionSelectSeverity, "high"), testOwner); res.Outcome != OutcomeAdvanced {
		t.Fatalf("severity click outcome = %s", res.Outcome)
	}
	return cardID
}

func (h *harness) draft(t *testing.T, cardID string) *domain.TicketDraft {
	t.Helper()
	d, err := h.drafts.Get(context.Background(), cardID)
	if err != nil {
		t.Fatalf("drafts.Get(%s) error = %v", cardID, err)
	}
	return d
}

func (h *harness) ownerTickets(t *testing.T) []domain.Ticket {
	t.Helper()
	list, err := h.store.Tickets().ListByOwner(context.Background(), testOwner, 100)
	if err != nil {
		t.Fatalf("ListByOwner() error = %v", err)
	}
	return list
}
