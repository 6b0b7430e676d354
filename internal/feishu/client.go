package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/observability"
	"github.com/spec-kit/feishu-ticket-bot/internal/retry"
	apperrors "github.com/spec-kit/feishu-ticket-bot/pkg/util/errorutil"
)

const backendName = "feishu"

// Platform codes for tokens the server no longer accepts.
var invalidTokenCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991668: true,
}

// Platform code for request rate limiting.
const codeRateLimited = 99991400

// APIError is a non-zero platform response code.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feishu api error %d: %s", e.Code, e.Msg)
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("feishu http %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is transient: network failures, 5xx,
// 429 and rate-limit codes. Invalid-token codes are retried after the
// cache is invalidated.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeRateLimited || invalidTokenCodes[apiErr.Code]
	}
	return !apperrors.HasCode(err, apperrors.CodeAuth)
}

// ClientDeps groups the collaborators of Client.
type ClientDeps struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     *TokenCache
	// Policy bounds message and card operations.
	Policy retry.Policy
	// GroupChatPolicy bounds group chat creation, which is allowed more
	// attempts because losing the chat degrades the ticket.
	GroupChatPolicy retry.Policy
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// Client performs outbound chat operations with bounded retries.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	tokens          *TokenCache
	policy          retry.Policy
	groupChatPolicy retry.Policy
	logger          *zap.Logger
	metrics         *observability.Metrics
}

// NewClient builds the chat platform gateway.
func NewClient(deps ClientDeps) *Client {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		baseURL:    deps.BaseURL,
		httpClient: httpClient,
		tokens:     deps.Tokens,
		logger:     logger.Named("feishu"),
		metrics:    deps.Metrics,
	}
	c.policy = deps.Policy.WithRetryable(IsRetryable)
	c.groupChatPolicy = deps.GroupChatPolicy.WithRetryable(IsRetryable)
	return c
}

func (c *Client) onRetry(op string) func(attempt int, err error, delay time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		var apiErr *APIError
		if errors.As(err, &apiErr) && invalidTokenCodes[apiErr.Code] {
			c.tokens.Invalidate()
		}
		c.metrics.RecordRetry(backendName, op)
		c.logger.Warn("retrying feishu call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}

type messageRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
	UUID      string `json:"uuid,omitempty"`
}

type messageResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}

// SendText posts a text message. dedupKey makes re-sends within an hour no-ops
// on the platform side; it may be empty.
func (c *Client) SendText(ctx context.Context, chatID, text, dedupKey string) (string, error) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	return c.sendMessage(ctx, "send_text", chatID, "text", string(content), dedupKey)
}

// SendCard posts an interactive card and returns its message id.
func (c *Client) SendCard(ctx context.Context, chatID string, card any, dedupKey string) (string, error) {
	content, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	return c.sendMessage(ctx, "send_card", chatID, "interactive", string(content), dedupKey)
}

func (c *Client) sendMessage(ctx context.Context, op, chatID, msgType, content, dedupKey string) (string, error) {
	endpoint := c.baseURL + "/im/v1/messages?receive_id_type=chat_id"
	body := messageRequest{ReceiveID: chatID, MsgType: msgType, Content: content, UUID: dedupKey}

	var resp messageResponse
	if err := c.call(ctx, c.policy, op, http.MethodPost, endpoint, body, &resp, func() (int, string) { return resp.Code, resp.Msg }); err != nil {
		return "", err
	}
	return resp.Data.MessageID, nil
}

type updateCardRequest struct {
	Content string `json:"content"`
}

type baseResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// UpdateCard replaces the content of a previously sent card.
func (c *Client) UpdateCard(ctx context.Context, messageID string, card any) error {
	content, err := json.Marshal(card)
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/im/v1/messages/" + url.PathEscape(messageID)

	var resp baseResponse
	return c.call(ctx, c.policy, "update_card", http.MethodPatch, endpoint, updateCardRequest{Content: string(content)}, &resp,
		func() (int, string) { return resp.Code, resp.Msg })
}

// GroupChatRequest describes a companion chat for a ticket.
type GroupChatRequest struct {
	Name        string
	Description string
	OwnerUserID string
	MemberIDs   []string
	// IdempotencyKey deduplicates retried creations on the platform side.
	IdempotencyKey string
}

type createChatRequest struct {
	Name                   string   `json:"name"`
	Description            string   `json:"description,omitempty"`
	ChatMode               string   `json:"chat_mode"`
	ChatType               string   `json:"chat_type"`
	OwnerID                string   `json:"owner_id,omitempty"`
	UserIDList             []string `json:"user_id_list,omitempty"`
	JoinMessageVisibility  string   `json:"join_message_visibility"`
	LeaveMessageVisibility string   `json:"leave_message_visibility"`
	MembershipApproval     string   `json:"membership_approval"`
}

type createChatResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		ChatID string `json:"chat_id"`
	} `json:"data"`
}

// CreateGroupChat creates a private group chat and returns its id.
func (c *Client) CreateGroupChat(ctx context.Context, req GroupChatRequest) (string, error) {
	query := url.Values{}
	query.Set("user_id_type", "user_id")
	if req.IdempotencyKey != "" {
		query.Set("uuid", req.IdempotencyKey)
	}
	endpoint := c.baseURL + "/im/v1/chats?" + query.Encode()

	body := createChatRequest{
		Name:                   req.Name,
		Description:            req.Description,
		ChatMode:               "group",
		ChatType:               "private",
		OwnerID:                req.OwnerUserID,
		UserIDList:             req.MemberIDs,
		JoinMessageVisibility:  "all_members",
		LeaveMessageVisibility: "all_members",
		MembershipApproval:     "no_approval_required",
	}

	var resp createChatResponse
	if err := c.call(ctx, c.groupChatPolicy, "create_chat", http.MethodPost, endpoint, body, &resp,
		func() (int, string) { return resp.Code, resp.Msg }); err != nil {
		return "", err
	}
	if resp.Data.ChatID == "" {
		return "", apperrors.NewBackendUnavailable(backendName, errors.New("chat created without chat_id"))
	}
	return resp.Data.ChatID, nil
}

// call performs one authenticated request under policy. Exhausted retries
// surface as BACKEND_UNAVAILABLE; token failures keep their AUTH_ERROR code.
func (c *Client) call(ctx context.Context, policy retry.Policy, op, method, endpoint string, body, out any, status func() (int, string)) error {
	start := time.Now()
	err := policy.WithOnRetry(c.onRetry(op)).Do(ctx, func(ctx context.Context, _ int) error {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		if err := doJSON(ctx, c.httpClient, method, endpoint, tok.Value, body, out); err != nil {
			return err
		}
		if code, msg := status(); code != 0 {
			return &APIError{Code: code, Msg: msg}
		}
		return nil
	})
	c.metrics.RecordGatewayCall(backendName, op, err, time.Since(start))
	if err == nil {
		return nil
	}
	if apperrors.HasCode(err, apperrors.CodeAuth) {
		return err
	}
	c.logger.Error("feishu call failed", zap.String("op", op), zap.Error(err))
	return apperrors.NewBackendUnavailable(backendName, err)
}

func postJSON(ctx context.Context, httpClient *http.Client, endpoint, token string, body, out any) error {
	return doJSON(ctx, httpClient, http.MethodPost, endpoint, token, body, out)
}

func doJSON(ctx context.Context, httpClient *http.Client, method, endpoint, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The platform reports token problems with a 4xx status and a code body.
		var apiErr baseResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != 0 {
			return &APIError{Code: apiErr.Code, Msg: apiErr.Msg}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
