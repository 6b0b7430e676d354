// Package support is the ticket backend gateway over the AWS Support API.
package support

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/support"
	"github.com/aws/aws-sdk-go-v2/service/support/types"
	"go.uber.org/zap"

	"github.com/spec-kit/feishu-ticket-bot/internal/config"
	"github.com/spec-kit/feishu-ticket-bot/internal/domain"
	"github.com/spec-kit/feishu-ticket-bot/internal/observability"
	"github.com/spec-kit/feishu-ticket-bot/internal/retry"
	apperrors "github.com/spec-kit/feishu-ticket-bot/pkg/util/errorutil"
)

const backendName = "aws-support"

// CaseAPI is the subset of the AWS Support client used by the gateway.
type CaseAPI interface {
	CreateCase(ctx context.Context, params *support.CreateCaseInput, optFns ...func(*support.Options)) (*support.CreateCaseOutput, error)
	DescribeCases(ctx context.Context, params *support.DescribeCasesInput, optFns ...func(*support.Options)) (*support.DescribeCasesOutput, error)
	AddCommunicationToCase(ctx context.Context, params *support.AddCommunicationToCaseInput, optFns ...func(*support.Options)) (*support.AddCommunicationToCaseOutput, error)
}

// NewAWSClient builds a Support client. SDK-level retries are disabled
// because the gateway's policy owns them.
func NewAWSClient(ctx context.Context, cfg config.AWSConfig) (*support.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return support.NewFromConfig(awsCfg, func(o *support.Options) {
		if cfg.SupportEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SupportEndpoint)
		}
	}), nil
}

// Error codes that no amount of retrying will fix.
var permanentCodes = map[string]bool{
	"CaseIdNotFound":                true,
	"CaseCreationLimitExceeded":     true,
	"AttachmentSetIdNotFound":       true,
	"ValidationException":           true,
	"AccessDeniedException":         true,
	"SubscriptionRequiredException": true,
}

type errorCoder interface {
	ErrorCode() string
}

// IsRetryable reports whether an AWS error is transient.
func IsRetryable(err error) bool {
	var coded errorCoder
	if errors.As(err, &coded) {
		return !permanentCodes[coded.ErrorCode()]
	}
	return true
}

// MapStatus folds AWS case statuses onto the local lifecycle.
func MapStatus(status string) domain.TicketStatus {
	switch status {
	case "work-in-progress", "pending-customer-action", "customer-action-completed":
		return domain.TicketStatusInProgress
	case "resolved":
		return domain.TicketStatusResolved
	default:
		return domain.TicketStatusOpen
	}
}

// Deps groups Gateway collaborators.
type Deps struct {
	API     CaseAPI
	Config  config.AWSConfig
	Policy  retry.Policy
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Gateway creates and reads support cases with bounded retries.
type Gateway struct {
	api       CaseAPI
	language  string
	category  string
	issueType string
	lookback  int
	policy    retry.Policy
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewGateway builds the gateway.
func NewGateway(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	lookback := deps.Config.ReferenceLookback
	if lookback <= 0 {
		lookback = 20
	}
	return &Gateway{
		api:       deps.API,
		language:  deps.Config.Language,
		category:  deps.Config.CategoryCode,
		issueType: deps.Config.IssueType,
		lookback:  lookback,
		policy:    deps.Policy.WithRetryable(IsRetryable),
		logger:    logger.Named("support"),
		metrics:   deps.Metrics,
		now:       now,
	}
}

// CreateCaseRequest describes a new case. Reference identifies the logical
// creation (the draft id) and is embedded in the case body.
type CreateCaseRequest struct {
	Reference    string
	Subject      string
	ServiceCode  string
	SeverityCode string
	Body         string
	// CheckExisting searches for a case carrying Reference before the
	// first attempt, for resumed creations whose outcome is unknown.
	CheckExisting bool
}

// ReferenceMarker is the body suffix that ties a case to its draft.
func ReferenceMarker(reference string) string {
	return fmt.Sprintf("[ticketbot-ref:%s]", reference)
}

// CreateCase opens a case and returns its id. Re-attempts first look for a
// case already carrying the reference so a lost response never yields a
// duplicate case.
func (g *Gateway) CreateCase(ctx context.Context, req CreateCaseRequest) (string, error) {
	start := g.now()
	body := strings.TrimSpace(req.Body) + "\n\n" + ReferenceMarker(req.Reference)

	var caseID string
	err := g.policy.WithOnRetry(g.onRetry("create_case")).Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 || req.CheckExisting {
			existing, err := g.findByReference(ctx, req.Reference)
			if err != nil {
				return err
			}
			if existing != "" {
				g.logger.Info("found case created by an earlier attempt",
					zap.String("reference", req.Reference), zap.String("case_id", existing))
				caseID = existing
				return nil
			}
		}

		out, err := g.api.CreateCase(ctx, &support.CreateCaseInput{
			Subject:           aws.String(req.Subject),
			CommunicationBody: aws.String(body),
			ServiceCode:       optional(req.ServiceCode),
			SeverityCode:      optional(req.SeverityCode),
			CategoryCode:      optional(g.category),
			IssueType:         optional(g.issueType),
			Language:          optional(g.language),
		})
		if err != nil {
			return err
		}
		caseID = aws.ToString(out.CaseId)
		if caseID == "" {
			return retry.Permanent(errors.New("create case returned no case id"))
		}
		return nil
	})
	return caseID, g.finish("create_case", start, err)
}

func (g *Gateway) findByReference(ctx context.Context, reference string) (string, error) {
	marker := ReferenceMarker(reference)
	out, err := g.api.DescribeCases(ctx, &support.DescribeCasesInput{
		AfterTime:             aws.String(g.now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)),
		IncludeResolvedCases:  true,
		IncludeCommunications: aws.Bool(true),
		MaxResults:            aws.Int32(int32(g.lookback)),
		Language:              optional(g.language),
	})
	if err != nil {
		return "", err
	}
	for _, c := range out.Cases {
		if c.RecentCommunications == nil {
			continue
		}
		for _, comm := range c.RecentCommunications.Communications {
			if strings.Contains(aws.ToString(comm.Body), marker) {
				return aws.ToString(c.CaseId), nil
			}
		}
	}
	return "", nil
}

// CaseSummary is the backend's view of a case.
type CaseSummary struct {
	CaseID     string
	DisplayID  string
	Subject    string
	RawStatus  string
	Status     domain.TicketStatus
	CreatedAt  time.Time
	LastUpdate string
}

// GetCase returns the current state of one case.
func (g *Gateway) GetCase(ctx context.Context, caseID string) (*CaseSummary, error) {
	cases, err := g.describe(ctx, "get_case", []string{caseID})
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, apperrors.NewNotFound("case", map[string]any{"case_id": caseID})
	}
	return &cases[0], nil
}

// ListCases returns the given cases, most recent first.
func (g *Gateway) ListCases(ctx context.Context, caseIDs []string) ([]CaseSummary, error) {
	if len(caseIDs) == 0 {
		return nil, nil
	}
	cases, err := g.describe(ctx, "list_cases", caseIDs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].CreatedAt.After(cases[j].CreatedAt)
	})
	return cases, nil
}

func (g *Gateway) describe(ctx context.Context, op string, caseIDs []string) ([]CaseSummary, error) {
	start := g.now()
	var result []CaseSummary
	err := g.policy.WithOnRetry(g.onRetry(op)).Do(ctx, func(ctx context.Context, _ int) error {
		result = result[:0]
		input := &support.DescribeCasesInput{
			CaseIdList:            caseIDs,
			IncludeResolvedCases:  true,
			IncludeCommunications: aws.Bool(true),
			Language:              optional(g.language),
		}
		for {
			out, err := g.api.DescribeCases(ctx, input)
			if err != nil {
				return err
			}
			for _, c := range out.Cases {
				result = append(result, toSummary(c))
			}
			if aws.ToString(out.NextToken) == "" {
				return nil
			}
			input.NextToken = out.NextToken
		}
	})
	if err := g.finish(op, start, err); err != nil {
		return nil, err
	}
	return result, nil
}

// AddCommunication appends a message to a case.
func (g *Gateway) AddCommunication(ctx context.Context, caseID, body string) error {
	start := g.now()
	err := g.policy.WithOnRetry(g.onRetry("add_communication")).Do(ctx, func(ctx context.Context, _ int) error {
		out, err := g.api.AddCommunicationToCase(ctx, &support.AddCommunicationToCaseInput{
			CaseId:            aws.String(caseID),
			CommunicationBody: aws.String(body),
		})
		if err != nil {
			return err
		}
		if !out.Result {
			return errors.New("communication was not accepted")
		}
		return nil
	})
	return g.finish("add_communication", start, err)
}

func (g *Gateway) onRetry(op string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		g.metrics.RecordRetry(backendName, op)
		g.logger.Warn("retrying support call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}

func (g *Gateway) finish(op string, start time.Time, err error) error {
	g.metrics.RecordGatewayCall(backendName, op, err, g.now().Sub(start))
	if err == nil {
		return nil
	}
	var coded errorCoder
	if errors.As(err, &coded) && coded.ErrorCode() == "CaseIdNotFound" {
		return apperrors.NewNotFound("case", nil)
	}
	g.logger.Error("support call failed", zap.String("op", op), zap.Error(err))
	return apperrors.NewBackendUnavailable(backendName, err)
}

func toSummary(c types.CaseDetails) CaseSummary {
	summary := CaseSummary{
		CaseID:    aws.ToString(c.CaseId),
		DisplayID: aws.ToString(c.DisplayId),
		Subject:   aws.ToString(c.Subject),
		RawStatus: aws.ToString(c.Status),
		Status:    MapStatus(aws.ToString(c.Status)),
	}
	if created, err := time.Parse(time.RFC3339, aws.ToString(c.TimeCreated)); err == nil {
		summary.CreatedAt = created
	}
	if c.RecentCommunications != nil && len(c.RecentCommunications.Communications) > 0 {
		summary.LastUpdate = aws.ToString(c.RecentCommunications.Communications[0].TimeCreated)
	}
	return summary
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return aws.String(v)
}
