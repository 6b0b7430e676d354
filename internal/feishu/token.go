// Package feishu is the chat platform gateway: tenant token caching,
// outbound message and chat operations, and inbound event verification.
package feishu

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spec-kit/feishu-ticket-bot/internal/observability"
	apperrors "github.com/spec-kit/feishu-ticket-bot/pkg/util/errorutil"
)

// AccessToken is a tenant access token and the instant it stops being valid.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// TokenFetcher issues a fresh token from the platform.
type TokenFetcher func(ctx context.Context) (AccessToken, error)

// TokenCache serves a tenant access token, refreshing it once it is within
// margin of expiry. Concurrent callers share a single in-flight refresh.
type TokenCache struct {
	fetch   TokenFetcher
	margin  time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	current *AccessToken
	group   singleflight.Group
}

// NewTokenCache builds a cache around fetch. A nil now defaults to time.Now.
func NewTokenCache(fetch TokenFetcher, margin time.Duration, now func() time.Time, logger *zap.Logger, metrics *observability.Metrics) *TokenCache {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenCache{
		fetch:   fetch,
		margin:  margin,
		now:     now,
		logger:  logger.Named("token_cache"),
		metrics: metrics,
	}
}

// Token returns a token that is valid for at least the safety margin.
// Refresh failures are reported as AUTH_ERROR and nothing is cached.
func (c *TokenCache) Token(ctx context.Context) (AccessToken, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	// The refresh is shared, so it must not be cancelled by whichever
	// caller happened to start it.
	refreshCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("tenant_access_token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		return c.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		return AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		tok := res.Val.(AccessToken)
		if !c.usable(tok) {
			return AccessToken{}, apperrors.NewAuthError(fmt.Errorf("token expired while awaiting refresh"))
		}
		return tok, nil
	}
}

// Invalidate drops the cached token so the next call refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

func (c *TokenCache) refresh(ctx context.Context) (AccessToken, error) {
	tok, err := c.fetch(ctx)
	if err == nil && !c.usable(tok) {
		err = fmt.Errorf("issued token expires at %s, inside the %s safety margin", tok.ExpiresAt.Format(time.RFC3339), c.margin)
	}
	c.metrics.RecordTokenRefresh(err)
	if err != nil {
		c.logger.Error("tenant token refresh failed", zap.Error(err))
		c.Invalidate()
		return AccessToken{}, apperrors.NewAuthError(err)
	}

	c.mu.Lock()
	c.current = &tok
	c.mu.Unlock()
	c.logger.Info("tenant token refreshed", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (c *TokenCache) cached() (AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil || !c.usable(*c.current) {
		return AccessToken{}, false
	}
	return *c.current, true
}

func (c *TokenCache) usable(tok AccessToken) bool {
	return tok.Value != "" && c.now().Add(c.margin).Before(tok.ExpiresAt)
}

type tenantTokenRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// NewTenantTokenFetcher issues internal-app tenant tokens from baseURL.
func NewTenantTokenFetcher(httpClient *http.Client, baseURL, appID, appSecret string, now func() time.Time) TokenFetcher {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (AccessToken, error) {
		var resp tenantTokenResponse
		err := postJSON(ctx, httpClient, baseURL+"/auth/v3/tenant_access_token/internal", "",
			tenantTokenRequest{AppID: appID, AppSecret: appSecret}, &resp)
		if err != nil {
			return AccessToken{}, err
		}
		if resp.Code != 0 {
			return AccessToken{}, &APIError{Code: resp.Code, Msg: resp.Msg}
		}
		if resp.TenantAccessToken == "" {
			return AccessToken{}, fmt.Errorf("token response carried no token")
		}
		return AccessToken{
			Value:     resp.TenantAccessToken,
			ExpiresAt: now().Add(time.Duration(resp.Expire) * time.Second),
		}, nil
	}
}
