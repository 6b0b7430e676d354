package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/auth"
	"github.com/spec-kit/feishu-ticket-bot/internal/catalog"
	"github.com/spec-kit/feishu-ticket-bot/internal/events"
)

// stalledChat never answers a text post until the caller gives up.
type stalledChat struct {
	*fakeChat
}

func (s stalledChat) SendText(ctx context.Context, _, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestGroupIntroIsBoundedByTimeout(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher(zap.NewNop())
	n := NewNotificationService(dispatcher, stalledChat{newFakeChat()}, catalog.NewStaticStore(catalog.Default()), zap.NewNop())
	n.timeout = 20 * time.Millisecond
	n.RegisterHandlers()

	group := "oc_group"
	start := time.Now()
	err := dispatcher.Publish(context.Background(), events.Event{
		ID:       "e1",
		Type:     events.EventTicketCreated,
		TicketID: "case-1",
		Payload:  events.TicketCreatedPayload{Title: "t", GroupChatID: &group},
	})
	if err == nil {
		t.Fatal("expected the stalled post to fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("publish took %v", elapsed)
	}
}

func TestGroupIntroPostedOnce(t *testing.T) {
	h := newHarness(t)
	cardID := h.toConfirmation(t, "intro")
	if res := h.click(t, cardID, h.token(t, cardID, auth.ActionConfirm, ""), testOwner); res.Outcome != OutcomeCompleted {
		t.Fatalf("confirm outcome = %s", res.Outcome)
	}
	tickets := h.ownerTickets(t)
	if len(tickets) != 1 || tickets[0].GroupChatID == nil {
		t.Fatalf("tickets = %+v", tickets)
	}
	if intro := h.chat.textsTo(*tickets[0].GroupChatID); len(intro) != 1 {
		t.Errorf("group texts = %v", intro)
	}
}
