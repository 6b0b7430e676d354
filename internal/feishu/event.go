package feishu

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	apperrors "github.com/spec-kit/feishu-ticket-bot/pkg/util/errorutil"
)

// Request header names set by the platform on pushed deliveries.
const (
	HeaderTimestamp = "X-Lark-Request-Timestamp"
	HeaderNonce     = "X-Lark-Request-Nonce"
	HeaderSignature = "X-Lark-Signature"
)

// EventKind classifies a verified delivery.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventChallenge
	EventTextMessage
	EventCardAction
)

// SignatureHeaders carries the signing headers of a delivery.
type SignatureHeaders struct {
	Timestamp string
	Nonce     string
	Signature string
}

// InboundEvent is a verified and decoded delivery.
type InboundEvent struct {
	Kind      EventKind
	EventID   string
	EventType string
	Challenge string
	Message   *domain.TextMessage
	Action    *domain.CardAction
}

// EventVerifier authenticates and decodes pushed deliveries.
type EventVerifier struct {
	verificationToken string
	encryptKey        string
}

// NewEventVerifier builds a verifier. Either credential may be empty, but not both.
func NewEventVerifier(verificationToken, encryptKey string) *EventVerifier {
	return &EventVerifier{verificationToken: verificationToken, encryptKey: encryptKey}
}

type envelope struct {
	Encrypt string `json:"encrypt"`

	// schema 2.0
	Schema string `json:"schema"`
	Header *struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`

	// schema 1.0 and url verification
	UUID      string `json:"uuid"`
	Token     string `json:"token"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`

	// legacy card callback
	OpenID        string          `json:"open_id"`
	UserID        string          `json:"user_id"`
	OpenMessageID string          `json:"open_message_id"`
	OpenChatID    string          `json:"open_chat_id"`
	Action        json.RawMessage `json:"action"`
}

type messageEventV2 struct {
	Sender struct {
		SenderID struct {
			UserID string `json:"user_id"`
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

type messageEventV1 struct {
	Type             string `json:"type"`
	MsgType          string `json:"msg_type"`
	OpenChatID       string `json:"open_chat_id"`
	OpenMessageID    string `json:"open_message_id"`
	ChatType         string `json:"chat_type"`
	UserID           string `json:"user_id"`
	OpenID           string `json:"open_id"`
	Text             string `json:"text"`
	TextWithoutAtBot string `json:"text_without_at_bot"`
}

type cardTriggerEvent struct {
	Operator struct {
		UserID string `json:"user_id"`
		OpenID string `json:"open_id"`
	} `json:"operator"`
	Action  json.RawMessage `json:"action"`
	Context struct {
		OpenMessageID string `json:"open_message_id"`
		OpenChatID    string `json:"open_chat_id"`
	} `json:"context"`
}

type cardActionPayload struct {
	Tag   string            `json:"tag"`
	Value map[string]string `json:"value"`
}

// ParseEvent verifies and decodes an event subscription delivery.
func (v *EventVerifier) ParseEvent(h SignatureHeaders, body []byte) (*InboundEvent, error) {
	signed := false
	if v.encryptKey != "" && h.Signature != "" {
		if !v.matchesSHA256(h, body) {
			return nil, apperrors.NewUnverifiable("event signature mismatch")
		}
		signed = true
	}
	env, err := v.authenticate(body, signed)
	if err != nil {
		return nil, err
	}

	if env.Type == "url_verification" {
		return &InboundEvent{Kind: EventChallenge, Challenge: env.Challenge}, nil
	}
	if env.Header != nil {
		return v.parseV2(env)
	}
	if env.Type == "event_callback" {
		return parseV1(env)
	}
	return nil, apperrors.NewValidationError("unrecognised event envelope", nil)
}

// ParseCardAction verifies and decodes a card callback delivery, accepting
// both the legacy callback body and the card.action.trigger event.
func (v *EventVerifier) ParseCardAction(h SignatureHeaders, body []byte) (*InboundEvent, error) {
	signed := false
	if h.Signature != "" {
		if !v.matchesSHA1(h, body) && !v.matchesSHA256(h, body) {
			return nil, apperrors.NewUnverifiable("card callback signature mismatch")
		}
		signed = true
	}
	env, err := v.authenticate(body, signed)
	if err != nil {
		return nil, err
	}

	if env.Type == "url_verification" {
		return &InboundEvent{Kind: EventChallenge, Challenge: env.Challenge}, nil
	}
	if env.Header != nil {
		return v.parseV2(env)
	}
	if env.OpenMessageID == "" || len(env.Action) == 0 {
		return nil, apperrors.NewValidationError("card callback missing message or action", nil)
	}
	action, err := decodeAction(env.Action)
	if err != nil {
		return nil, err
	}
	action.CardMessageID = env.OpenMessageID
	action.ChatID = env.OpenChatID
	action.OperatorID = firstNonEmpty(env.UserID, env.OpenID)
	return &InboundEvent{Kind: EventCardAction, EventID: env.OpenMessageID + ":" + action.Token, Action: action}, nil
}

func (v *EventVerifier) parseV2(env *envelope) (*InboundEvent, error) {
	out := &InboundEvent{EventID: env.Header.EventID, EventType: env.Header.EventType}
	switch env.Header.EventType {
	case "im.message.receive_v1":
		var ev messageEventV2
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return nil, apperrors.NewValidationError("malformed message event", map[string]any{"cause": err.Error()})
		}
		if ev.Sender.SenderType != "" && ev.Sender.SenderType != "user" {
			return out, nil
		}
		if ev.Message.MessageType != "text" {
			return out, nil
		}
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(ev.Message.Content), &content); err != nil {
			return nil, apperrors.NewValidationError("malformed message content", nil)
		}
		msg := &domain.TextMessage{
			EventID:   env.Header.EventID,
			MessageID: ev.Message.MessageID,
			ChatID:    ev.Message.ChatID,
			ChatType:  ev.Message.ChatType,
			SenderID:  firstNonEmpty(ev.Sender.SenderID.UserID, ev.Sender.SenderID.OpenID),
			Text:      content.Text,
		}
		if msg.ChatID == "" || msg.SenderID == "" {
			return nil, apperrors.NewValidationError("message event missing chat or sender", nil)
		}
		out.Kind = EventTextMessage
		out.Message = msg
		return out, nil
	case "card.action.trigger":
		var ev cardTriggerEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return nil, apperrors.NewValidationError("malformed card action event", nil)
		}
		action, err := decodeAction(ev.Action)
		if err != nil {
			return nil, err
		}
		if ev.Context.OpenMessageID == "" {
			return nil, apperrors.NewValidationError("card action missing message id", nil)
		}
		action.CardMessageID = ev.Context.OpenMessageID
		action.ChatID = ev.Context.OpenChatID
		action.OperatorID = firstNonEmpty(ev.Operator.UserID, ev.Operator.OpenID)
		out.Kind = EventCardAction
		out.Action = action
		return out, nil
	default:
		return out, nil
	}
}

func parseV1(env *envelope) (*InboundEvent, error) {
	var ev messageEventV1
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return nil, apperrors.NewValidationError("malformed v1 event", nil)
	}
	out := &InboundEvent{EventID: env.UUID, EventType: ev.Type}
	if ev.Type != "message" || ev.MsgType != "text" {
		return out, nil
	}
	msg := &domain.TextMessage{
		EventID:   env.UUID,
		MessageID: ev.OpenMessageID,
		ChatID:    ev.OpenChatID,
		ChatType:  ev.ChatType,
		SenderID:  firstNonEmpty(ev.UserID, ev.OpenID),
		Text:      firstNonEmpty(ev.TextWithoutAtBot, ev.Text),
	}
	if msg.ChatID == "" || msg.SenderID == "" {
		return nil, apperrors.NewValidationError("message event missing chat or sender", nil)
	}
	out.Kind = EventTextMessage
	out.Message = msg
	return out, nil
}

func decodeAction(raw json.RawMessage) (*domain.CardAction, error) {
	var payload cardActionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperrors.NewValidationError("malformed card action value", nil)
	}
	if payload.Value["token"] == "" {
		return nil, apperrors.NewValidationError("card action carries no token", nil)
	}
	return &domain.CardAction{Action: payload.Value["action"], Token: payload.Value["token"]}, nil
}

// open decodes body, decrypting it when it is an encrypt envelope.
func (v *EventVerifier) open(body []byte) (*envelope, bool, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, apperrors.NewValidationError("body is not json", nil)
	}
	if env.Encrypt == "" {
		return &env, false, nil
	}
	if v.encryptKey == "" {
		return nil, false, apperrors.NewUnverifiable("encrypted delivery but no encrypt key configured")
	}
	plain, err := Decrypt(env.Encrypt, v.encryptKey)
	if err != nil {
		return nil, false, apperrors.NewUnverifiable(fmt.Sprintf("decrypt delivery: %v", err))
	}
	var inner envelope
	if err := json.Unmarshal(plain, &inner); err != nil {
		return nil, false, apperrors.NewValidationError("decrypted body is not json", nil)
	}
	return &inner, true, nil
}

// authenticate opens body and accepts it only when at least one credential
// vouches for it: a valid signature, a successful decryption, or a matching
// verification token.
func (v *EventVerifier) authenticate(body []byte, signed bool) (*envelope, error) {
	env, encrypted, err := v.open(body)
	if err != nil {
		return nil, err
	}
	if err := v.checkToken(env); err != nil {
		return nil, err
	}
	if v.verificationToken == "" && !signed && !encrypted {
		return nil, apperrors.NewUnverifiable("unsigned plaintext delivery")
	}
	return env, nil
}

func (v *EventVerifier) checkToken(env *envelope) error {
	if v.verificationToken == "" {
		return nil
	}
	token := env.Token
	if env.Header != nil {
		token = env.Header.Token
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.verificationToken)) != 1 {
		return apperrors.NewUnverifiable("verification token mismatch")
	}
	return nil
}

func (v *EventVerifier) matchesSHA256(h SignatureHeaders, body []byte) bool {
	if v.encryptKey == "" {
		return false
	}
	return signatureEqual(h.Signature, SignSHA256(h.Timestamp, h.Nonce, v.encryptKey, body))
}

func (v *EventVerifier) matchesSHA1(h SignatureHeaders, body []byte) bool {
	if v.verificationToken == "" {
		return false
	}
	return signatureEqual(h.Signature, SignSHA1(h.Timestamp, h.Nonce, v.verificationToken, body))
}

// SignSHA256 computes the event subscription signature.
func SignSHA256(timestamp, nonce, key string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp + nonce + key))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// SignSHA1 computes the legacy card callback signature.
func SignSHA1(timestamp, nonce, token string, body []byte) string {
	h := sha1.New()
	h.Write([]byte(timestamp + nonce + token))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func signatureEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(want)) == 1
}

// Decrypt opens an AES-256-CBC payload whose key is SHA-256(encryptKey) and
// whose first block is the IV.
func Decrypt(encoded, encryptKey string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	if len(buf) < 2*aes.BlockSize || len(buf)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext has invalid length")
	}
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	iv, data := buf[:aes.BlockSize], buf[aes.BlockSize:]
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return unpad(plain)
}

// Encrypt is the inverse of Decrypt. It is used to build signed test deliveries.
func Encrypt(plain []byte, encryptKey string, iv []byte) (string, error) {
	if len(iv) != aes.BlockSize {
		return "", errors.New("iv must be one block")
	}
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	padLen := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	return b[:len(b)-n], nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
