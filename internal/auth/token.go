package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

// Card button actions.
const (
	ActionSelectService  = "service"
	ActionSelectSeverity = "severity"
	ActionConfirm        = "confirm"
	ActionCancel         = "cancel"
)

// ErrTokenExpired is returned for a well-formed token past its expiry.
var ErrTokenExpired = errors.New("card token expired")

// TokenManager signs and validates the values carried by card buttons, so a
// click can only apply the choice it was rendered with, at the step it was
// rendered for.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager builds a new manager. ttl should cover the draft inactivity window.
func NewTokenManager(secret string, ttl time.Duration, now func() time.Time) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: now}
}

// Claims describes the button payload.
type Claims struct {
	DraftID string           `json:"did"`
	Step    domain.DraftStep `json:"stp"`
	Action  string           `json:"act"`
	Choice  string           `json:"chc,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs a button value.
func (tm *TokenManager) GenerateToken(draftID string, step domain.DraftStep, action, choice string) (string, error) {
	now := tm.now()
	claims := &Claims{
		DraftID: draftID,
		Step:    step,
		Action:  action,
		Choice:  choice,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// ParseToken validates and returns claims.
func (tm *TokenManager) ParseToken(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	}, jwt.WithTimeFunc(tm.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.DraftID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
