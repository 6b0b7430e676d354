// Package cards renders the interactive cards that drive ticket drafts.
package cards

import (
	"fmt"
	"strings"

	"github.com/spec-kit/feishu-ticket-bot/internal/auth"
	"github.com/spec-kit/feishu-ticket-bot/internal/catalog"
	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
)

// Card is an interactive message card.
type Card struct {
	Config   Config    `json:"config"`
	Header   Header    `json:"header"`
	Elements []Element `json:"elements"`
}

type Config struct {
	WideScreenMode bool `json:"wide_screen_mode"`
	UpdateMulti    bool `json:"update_multi"`
}

type Header struct {
	Template string `json:"template"`
	Title    Text   `json:"title"`
}

type Text struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// Element is a div, hr or action row.
type Element struct {
	Tag     string   `json:"tag"`
	Text    *Text    `json:"text,omitempty"`
	Actions []Button `json:"actions,omitempty"`
}

type Button struct {
	Tag   string            `json:"tag"`
	Text  Text              `json:"text"`
	Type  string            `json:"type"`
	Value map[string]string `json:"value"`
}

// Renderer builds cards from drafts. Every button carries a signed token
// binding it to the draft, step and choice it was rendered for.
type Renderer struct {
	tokens  *auth.TokenManager
	catalog *catalog.Store
}

// NewRenderer builds a renderer.
func NewRenderer(tokens *auth.TokenManager, catalog *catalog.Store) *Renderer {
	return &Renderer{tokens: tokens, catalog: catalog}
}

// ForDraft renders the card for the draft's current step.
func (r *Renderer) ForDraft(d *domain.TicketDraft) (Card, error) {
	cat := r.catalog.Current()
	switch d.Step {
	case domain.StepAwaitingServiceType:
		buttons := make([]Button, 0, len(cat.Services))
		for _, s := range cat.Services {
			b, err := r.button(d, auth.ActionSelectService, s.Key, s.Label, "default")
			if err != nil {
				return Card{}, err
			}
			buttons = append(buttons, b)
		}
		return r.stepCard(d, cat, "请选择服务类型", buttons)
	case domain.StepAwaitingSeverity:
		buttons := make([]Button, 0, len(cat.Severities))
		for _, s := range cat.Severities {
			b, err := r.button(d, auth.ActionSelectSeverity, s.Key, s.Label, "default")
			if err != nil {
				return Card{}, err
			}
			buttons = append(buttons, b)
		}
		return r.stepCard(d, cat, "请选择严重性", buttons)
	case domain.StepAwaitingConfirmation:
		confirm, err := r.button(d, auth.ActionConfirm, "", "确认提交", "primary")
		if err != nil {
			return Card{}, err
		}
		return r.stepCard(d, cat, "请确认工单信息", []Button{confirm})
	case domain.StepFinalizing:
		return newCard("wathet", "⏳ 正在创建工单", summary(d, cat)+"\n\n正在提交到AWS支持中心，请稍候..."), nil
	case domain.StepCancelled:
		return r.Cancelled(d), nil
	default:
		return Card{}, fmt.Errorf("no card for step %s", d.Step)
	}
}

func (r *Renderer) stepCard(d *domain.TicketDraft, cat *catalog.Catalog, prompt string, buttons []Button) (Card, error) {
	cancel, err := r.button(d, auth.ActionCancel, "", "取消", "danger")
	if err != nil {
		return Card{}, err
	}
	body := summary(d, cat) + "\n\n**" + prompt + "**"
	if d.Failure != "" {
		body += "\n\n⚠️ " + d.Failure
	}
	card := newCard("blue", "🎫 创建AWS工单", body)
	card.Elements = append(card.Elements,
		Element{Tag: "action", Actions: buttons},
		Element{Tag: "action", Actions: []Button{cancel}},
	)
	return card, nil
}

// Completed renders the terminal success card. A nil group chat renders the
// degraded variant.
func (r *Renderer) Completed(t *domain.Ticket) Card {
	cat := r.catalog.Current()
	lines := []string{
		"📋 **工单ID:** " + ticketLabel(t),
		"📝 **标题:** " + t.Title,
		"🔧 **服务:** " + cat.ServiceLabel(t.ServiceType),
		"⚠️ **严重性:** " + cat.SeverityLabel(t.Severity),
	}
	if t.HasGroupChat() {
		lines = append(lines, "💬 **讨论群聊:** "+cat.ChatName(ticketLabel(t)))
		lines = append(lines, "", "请使用 `内容 [详细描述]` 命令添加工单详细信息。")
		return newCard("green", "✅ 工单创建成功", strings.Join(lines, "\n"))
	}
	lines = append(lines, "⚠️ 创建群聊失败，请联系管理员", "", "请使用 `内容 [详细描述]` 命令添加工单详细信息。")
	return newCard("orange", "✅ 工单已创建（群聊创建失败）", strings.Join(lines, "\n"))
}

// Failed renders the terminal failure card shown when the case could not be created.
func (r *Renderer) Failed(d *domain.TicketDraft, reason string) Card {
	body := summary(d, r.catalog.Current()) + "\n\n❌ " + reason + "\n请重新发送「开工单 标题」发起新的工单。"
	return newCard("red", "工单创建失败", body)
}

// Cancelled renders the card of a cancelled draft.
func (r *Renderer) Cancelled(d *domain.TicketDraft) Card {
	body := summary(d, r.catalog.Current())
	if d.Failure != "" {
		body += "\n\n" + d.Failure
	}
	return newCard("grey", "已取消", body)
}

func (r *Renderer) button(d *domain.TicketDraft, action, choice, label, kind string) (Button, error) {
	tok, err := r.tokens.GenerateToken(d.ID, d.Step, action, choice)
	if err != nil {
		return Button{}, fmt.Errorf("sign %s button: %w", action, err)
	}
	return Button{
		Tag:   "button",
		Text:  Text{Tag: "plain_text", Content: label},
		Type:  kind,
		Value: map[string]string{"action": action, "token": tok},
	}, nil
}

func newCard(template, title, body string) Card {
	return Card{
		Config: Config{WideScreenMode: true, UpdateMulti: true},
		Header: Header{Template: template, Title: Text{Tag: "plain_text", Content: title}},
		Elements: []Element{
			{Tag: "div", Text: &Text{Tag: "lark_md", Content: body}},
		},
	}
}

func summary(d *domain.TicketDraft, cat *catalog.Catalog) string {
	lines := []string{"📝 **标题:** " + d.Title}
	if d.ServiceType != nil {
		lines = append(lines, "🔧 **服务:** "+cat.ServiceLabel(*d.ServiceType))
	}
	if d.Severity != nil {
		lines = append(lines, "⚠️ **严重性:** "+cat.SeverityLabel(*d.Severity))
	}
	return strings.Join(lines, "\n")
}

func ticketLabel(t *domain.Ticket) string {
	if t.DisplayID != "" {
		return t.DisplayID
	}
	return t.ID
}
