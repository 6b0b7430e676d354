package errorutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("finalize: %w", NewBackendUnavailable("aws-support", errors.New("boom")))

	if !HasCode(wrapped, CodeBackendUnavailable) {
		t.Errorf("expected wrapped error to carry %s", CodeBackendUnavailable)
	}
	if HasCode(wrapped, CodeAuth) {
		t.Errorf("did not expect %s", CodeAuth)
	}
	if HasCode(errors.New("plain"), CodeInternal) {
		t.Error("plain errors carry no code")
	}
}

func TestToDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"domain error passes through", NewUnverifiable("bad token"), CodeValidation, http.StatusUnauthorized},
		{"no rows maps to not found", pgx.ErrNoRows, CodeNotFound, http.StatusNotFound},
		{"unknown maps to internal", errors.New("boom"), CodeInternal, http.StatusInternalServerError},
		{"auth error", NewAuthError(errors.New("denied")), CodeAuth, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToDomainError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.HTTPStatus != tt.wantStatus {
				t.Errorf("status = %d, want %d", got.HTTPStatus, tt.wantStatus)
			}
		})
	}

	if ToDomainError(nil) != nil {
		t.Error("nil error should map to nil")
	}
}

func TestBackendUnavailableUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewBackendUnavailable("feishu", cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable with errors.Is")
	}
}
