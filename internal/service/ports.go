package service

import (
	"context"

	"github.com/spec-kit/feishu-ticket-bot/internal/feishu"
	"github.com/spec-kit/feishu-ticket-bot/internal/support"
)

// ChatGateway is the subset of the chat platform client the services drive.
// Implementations retry internally; an error means retries are exhausted.
type ChatGateway interface {
	SendText(ctx context.Context, chatID, text, dedupKey string) (string, error)
	SendCard(ctx context.Context, chatID string, card any, dedupKey string) (string, error)
	UpdateCard(ctx context.Context, messageID string, card any) error
	CreateGroupChat(ctx context.Context, req feishu.GroupChatRequest) (string, error)
}

// CaseGateway is the subset of the support backend the services drive.
type CaseGateway interface {
	CreateCase(ctx context.Context, req support.CreateCaseRequest) (string, error)
	GetCase(ctx context.Context, caseID string) (*support.CaseSummary, error)
	ListCases(ctx context.Context, caseIDs []string) ([]support.CaseSummary, error)
	AddCommunication(ctx context.Context, caseID, body string) error
}

var (
	_ ChatGateway = (*feishu.Client)(nil)
	_ CaseGateway = (*support.Gateway)(nil)
)
