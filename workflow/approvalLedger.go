package workflow

import (
	"context"
	"time"

	"github.com/lwhitworth8/ngi-capital-backend/config"
	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/lwhitworth8/ngi-capital-backend/utils"
	"github.com/sirupsen/logrus"
)

// ApprovalStore is the durable store behind the approval substrate. The gorm
// implementation lives in gormStores.go; tests use in-memory fakes.
type ApprovalStore interface {
	// InsertApproval appends one approval fact. Returns applied=false without
	// error when the (subject, approver) pair already exists.
	InsertApproval(ctx context.Context, record models.ApprovalRecord) (applied bool, err error)
	// ListApprovals returns the normalized identities that have approved.
	ListApprovals(ctx context.Context, subject models.ApprovalSubject) ([]string, error)
	// ListRequirement returns the snapshot requirement rows for a subject
	// (journal entries only; conversions derive theirs from entity policy).
	ListRequirement(ctx context.Context, subject models.ApprovalSubject) ([]string, error)
	// ReplaceRequirement rewrites the snapshot requirement for a subject.
	ReplaceRequirement(ctx context.Context, subject models.ApprovalSubject, approvers []string) error
	// ConversionPolicy returns the configured partner list for an entity.
	ConversionPolicy(ctx context.Context, entityId string) ([]string, error)
}

type RecordOutcome struct {
	Applied bool `json:"applied"`
}

// ApprovalLedger owns ApprovalRecord writes. It records facts and nothing
// else: satisfaction is always Approval Policy's derivation, so the ledger
// can never drift from policy changes.
type ApprovalLedger struct {
	Store  ApprovalStore
	Logger *logrus.Logger
}

// RecordApproval appends the approval fact for a subject. Idempotent: a
// second call by the same identity returns applied=false without error and
// without advancing progress.
func (l *ApprovalLedger) RecordApproval(ctx context.Context, subject models.ApprovalSubject, approverIdentity string) (RecordOutcome, error) {
	identity := utils.NormalizeEmail(approverIdentity)
	cid, _ := utils.GetCorrelationIdFromContext(ctx)

	applied, err := l.Store.InsertApproval(ctx, models.ApprovalRecord{
		SubjectKind:   subject.Kind,
		EntityId:      subject.EntityId,
		Reference:     subject.Reference,
		ApproverEmail: identity,
		ApprovedAt:    time.Now().UTC(),
		CorrelationId: cid,
	})
	if err != nil {
		config.LogError(l.logger(), "approvalLedger.go", "RecordApproval", "InsertApproval", subject, err)
		return RecordOutcome{}, err
	}
	return RecordOutcome{Applied: applied}, nil
}

func (l *ApprovalLedger) ListApprovals(ctx context.Context, subject models.ApprovalSubject) ([]string, error) {
	return l.Store.ListApprovals(ctx, subject)
}

func (l *ApprovalLedger) logger() *logrus.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return config.GetLogger()
}
