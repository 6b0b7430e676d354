package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

func TestTokenRoundTrip(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tm := NewTokenManager("secret", time.Hour, func() time.Time { return now })

	tok, err := tm.GenerateToken("draft-1", domain.StepAwaitingServiceType, ActionSelectService, "EC2")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	claims, err := tm.ParseToken(tok)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.DraftID != "draft-1" || claims.Step != domain.StepAwaitingServiceType || claims.Choice != "EC2" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tm := NewTokenManager("secret", time.Hour, func() time.Time { return now })
	tok, _ := tm.GenerateToken("d", domain.StepAwaitingSeverity, ActionSelectSeverity, "high")

	now = now.Add(2 * time.Hour)
	if _, err := tm.ParseToken(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	tok, _ := NewTokenManager("a", time.Hour, nil).GenerateToken("d", domain.StepAwaitingConfirmation, ActionConfirm, "")
	_, err := NewTokenManager("b", time.Hour, nil).ParseToken(tok)
	if err == nil || errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want signature error", err)
	}
}
