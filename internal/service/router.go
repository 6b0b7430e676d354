package service

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Action is the closed set of commands a text message can trigger.
type Action interface {
	isAction()
}

// StartTicketCreation opens a new draft. Title may be empty, which only
// yields a usage hint.
type StartTicketCreation struct {
	Title string
}

// ShowDetail shows one ticket, or the owner's most recent one when TicketID is empty.
type ShowDetail struct {
	OwnerUserID string
	TicketID    string
}

type ShowHistory struct {
	OwnerUserID string
}

type ShowHelp struct{}

// AddCommunication appends Body to the owner's most recent ticket.
type AddCommunication struct {
	OwnerUserID string
	Body        string
}

func (StartTicketCreation) isAction() {}
func (ShowDetail) isAction()          {}
func (ShowHistory) isAction()         {}
func (ShowHelp) isAction()            {}
func (AddCommunication) isAction()    {}

var mentionPattern = regexp.MustCompile(`^@_user_\d+\s*`)

// Normalize strips leading bot mentions and surrounding whitespace.
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	for {
		loc := mentionPattern.FindStringIndex(text)
		if loc == nil {
			return text
		}
		text = strings.TrimSpace(text[loc[1]:])
	}
}

// Route classifies a text message. Unrecognized text yields nil.
func Route(text, senderID string) Action {
	text = Normalize(text)
	if text == "" {
		return nil
	}

	if rest, ok := cutCommand(text, "开工单", "create ticket"); ok {
		return StartTicketCreation{Title: rest}
	}
	if rest, ok := cutCommand(text, "详情", "detail"); ok {
		return ShowDetail{OwnerUserID: senderID, TicketID: rest}
	}
	if rest, ok := cutCommand(text, "内容", "content"); ok {
		return AddCommunication{OwnerUserID: senderID, Body: rest}
	}
	if text == "历史" || strings.EqualFold(text, "history") {
		return ShowHistory{OwnerUserID: senderID}
	}
	if text == "帮助" || strings.EqualFold(text, "help") {
		return ShowHelp{}
	}
	return nil
}

// cutCommand matches a prefix command. The Chinese keyword is matched
// exactly and may be followed directly by its argument; the English alias is
// case-insensitive and must end at a word boundary.
func cutCommand(text, keyword, alias string) (string, bool) {
	if rest, ok := strings.CutPrefix(text, keyword); ok {
		return strings.TrimSpace(rest), true
	}
	if len(text) < len(alias) || !strings.EqualFold(text[:len(alias)], alias) {
		return "", false
	}
	rest := text[len(alias):]
	if r, _ := utf8.DecodeRuneInString(rest); rest != "" && !unicode.IsSpace(r) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
