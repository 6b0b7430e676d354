package support

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/support"
	"github.com/aws/aws-sdk-go-v2/service/support/types"

	"github.com/spec-kit/feishu-ticket-bot/internal/config"
	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	"github.com/spec-kit/feishu-ticket-bot/internal/retry"
	apperrors "github.com/spec-kit/feishu-ticket-bot/pkg/util/errorutil"
)

type codedError struct{ code string }

func (e *codedError) Error() string     { return e.code }
func (e *codedError) ErrorCode() string { return e.code }

type mockCaseAPI struct {
	createFunc   func(*support.CreateCaseInput) (*support.CreateCaseOutput, error)
	describeFunc func(*support.DescribeCasesInput) (*support.DescribeCasesOutput, error)
	addFunc      func(*support.AddCommunicationToCaseInput) (*support.AddCommunicationToCaseOutput, error)

	creates   []*support.CreateCaseInput
	describes []*support.DescribeCasesInput
}

func (m *mockCaseAPI) CreateCase(_ context.Context, in *support.CreateCaseInput, _ ...func(*support.Options)) (*support.CreateCaseOutput, error) {
	m.creates = append(m.creates, in)
	return m.createFunc(in)
}

func (m *mockCaseAPI) DescribeCases(_ context.Context, in *support.DescribeCasesInput, _ ...func(*support.Options)) (*support.DescribeCasesOutput, error) {
	m.describes = append(m.describes, in)
	if m.describeFunc == nil {
		return &support.DescribeCasesOutput{}, nil
	}
	return m.describeFunc(in)
}

func (m *mockCaseAPI) AddCommunicationToCase(_ context.Context, in *support.AddCommunicationToCaseInput, _ ...func(*support.Options)) (*support.AddCommunicationToCaseOutput, error) {
	return m.addFunc(in)
}

func newTestGateway(api CaseAPI) *Gateway {
	return NewGateway(Deps{
		API:    api,
		Config: config.AWSConfig{Language: "zh", CategoryCode: "general-guidance", IssueType: "technical"},
		Policy: retry.New(3, 0, 0),
		Now:    func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
	})
}

func TestCreateCaseEmbedsReference(t *testing.T) {
	api := &mockCaseAPI{createFunc: func(*support.CreateCaseInput) (*support.CreateCaseOutput, error) {
		return &support.CreateCaseOutput{CaseId: aws.String("case-1")}, nil
	}}
	gw := newTestGateway(api)

	id, err := gw.CreateCase(context.Background(), CreateCaseRequest{
		Reference: "draft-1", Subject: "EC2实例无法启动", ServiceCode: "amazon-elastic-compute-cloud-linux", SeverityCode: "high", Body: "details",
	})
	if err != nil || id != "case-1" {
		t.Fatalf("CreateCase() = %s, %v", id, err)
	}
	in := api.creates[0]
	if !strings.Contains(aws.ToString(in.CommunicationBody), ReferenceMarker("draft-1")) {
		t.Errorf("body = %q", aws.ToString(in.CommunicationBody))
	}
	if aws.ToString(in.SeverityCode) != "high" || aws.ToString(in.IssueType) != "technical" {
		t.Errorf("input = %+v", in)
	}
	if len(api.describes) != 0 {
		t.Error("first attempt must not search for existing cases")
	}
}

func TestCreateCaseRetryFindsEarlierCase(t *testing.T) {
	api := &mockCaseAPI{}
	api.createFunc = func(*support.CreateCaseInput) (*support.CreateCaseOutput, error) {
		return nil, errors.New("connection reset after request was sent")
	}
	api.describeFunc = func(*support.DescribeCasesInput) (*support.DescribeCasesOutput, error) {
		return &support.DescribeCasesOutput{Cases: []types.CaseDetails{{
			CaseId: aws.String("case-lost"),
			RecentCommunications: &types.RecentCaseCommunications{Communications: []types.Communication{
				{Body: aws.String("details\n\n" + ReferenceMarker("draft-7"))},
			}},
		}}}, nil
	}
	gw := newTestGateway(api)

	id, err := gw.CreateCase(context.Background(), CreateCaseRequest{Reference: "draft-7", Subject: "s"})
	if err != nil {
		t.Fatalf("CreateCase() error = %v", err)
	}
	if id != "case-lost" {
		t.Errorf("case id = %s", id)
	}
	if len(api.creates) != 1 {
		t.Errorf("creates = %d, want 1", len(api.creates))
	}
}

func TestCreateCaseExhaustedRetries(t *testing.T) {
	api := &mockCaseAPI{createFunc: func(*support.CreateCaseInput) (*support.CreateCaseOutput, error) {
		return nil, &codedError{"InternalServerError"}
	}}
	gw := newTestGateway(api)

	_, err := gw.CreateCase(context.Background(), CreateCaseRequest{Reference: "d", Subject: "s"})
	if !apperrors.HasCode(err, apperrors.CodeBackendUnavailable) {
		t.Errorf("err = %v, want BACKEND_UNAVAILABLE", err)
	}
	if len(api.creates) != 3 {
		t.Errorf("creates = %d, want 3", len(api.creates))
	}
}

func TestCreateCasePermanentErrorNotRetried(t *testing.T) {
	api := &mockCaseAPI{createFunc: func(*support.CreateCaseInput) (*support.CreateCaseOutput, error) {
		return nil, &codedError{"CaseCreationLimitExceeded"}
	}}
	gw := newTestGateway(api)

	if _, err := gw.CreateCase(context.Background(), CreateCaseRequest{Reference: "d"}); err == nil {
		t.Fatal("expected error")
	}
	if len(api.creates) != 1 {
		t.Errorf("creates = %d, want 1", len(api.creates))
	}
}

func TestListCasesOrdersNewestFirst(t *testing.T) {
	api := &mockCaseAPI{describeFunc: func(in *support.DescribeCasesInput) (*support.DescribeCasesOutput, error) {
		if !in.IncludeResolvedCases {
			t.Error("resolved cases must be included")
		}
		return &support.DescribeCasesOutput{Cases: []types.CaseDetails{
			{CaseId: aws.String("old"), Status: aws.String("resolved"), TimeCreated: aws.String("2024-05-01T10:00:00.000Z")},
			{CaseId: aws.String("new"), Status: aws.String("work-in-progress"), TimeCreated: aws.String("2024-05-03T10:00:00.000Z")},
		}}, nil
	}}
	gw := newTestGateway(api)

	cases, err := gw.ListCases(context.Background(), []string{"old", "new"})
	if err != nil {
		t.Fatal(err)
	}
	if cases[0].CaseID != "new" || cases[0].Status != domain.TicketStatusInProgress || cases[1].Status != domain.TicketStatusResolved {
		t.Errorf("cases = %+v", cases)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	api := &mockCaseAPI{describeFunc: func(*support.DescribeCasesInput) (*support.DescribeCasesOutput, error) {
		return nil, &codedError{"CaseIdNotFound"}
	}}
	gw := newTestGateway(api)

	if _, err := gw.GetCase(context.Background(), "x"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestMapStatus(t *testing.T) {
	tests := map[string]domain.TicketStatus{
		"opened":                  domain.TicketStatusOpen,
		"unassigned":              domain.TicketStatusOpen,
		"reopened":                domain.TicketStatusOpen,
		"work-in-progress":        domain.TicketStatusInProgress,
		"pending-customer-action": domain.TicketStatusInProgress,
		"resolved":                domain.TicketStatusResolved,
	}
	for in, want := range tests {
		if got := MapStatus(in); got != want {
			t.Errorf("MapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAddCommunicationRejected(t *testing.T) {
	api := &mockCaseAPI{addFunc: func(*support.AddCommunicationToCaseInput) (*support.AddCommunicationToCaseOutput, error) {
		return &support.AddCommunicationToCaseOutput{Result: false}, nil
	}}
	gw := newTestGateway(api)

	if err := gw.AddCommunication(context.Background(), "case-1", "more info"); !apperrors.HasCode(err, apperrors.CodeBackendUnavailable) {
		t.Errorf("err = %v", err)
	}
}
