package workflow

import (
	"context"

	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/lwhitworth8/ngi-capital-backend/utils"
)

// ApprovalPolicy computes who must approve a subject and whether the recorded
// approvals satisfy that set. It never stores satisfaction: the answer is
// recomputed from approval records every time, so editing the required set
// going forward needs no migration of history.
type ApprovalPolicy struct {
	Store ApprovalStore
}

// RequiredApprovers returns the required-approver set for a subject.
// Conversions derive it live from the entity's configured partner list;
// journal entries read the snapshot written at submission (which already
// excludes the preparer).
func (p *ApprovalPolicy) RequiredApprovers(ctx context.Context, subject models.ApprovalSubject) ([]string, error) {
	var approvers []string
	var err error
	switch subject.Kind {
	case models.ApprovalSubjectConversion:
		approvers, err = p.Store.ConversionPolicy(ctx, subject.EntityId)
	default:
		approvers, err = p.Store.ListRequirement(ctx, subject)
	}
	if err != nil {
		return nil, err
	}
	approvers = utils.NormalizeEmails(approvers)
	if len(approvers) == 0 {
		return nil, ErrPolicyNotConfigured
	}
	return approvers, nil
}

// IsSatisfied is true iff every required identity has an approval record.
// Extra approvals from identities outside the set never count.
func (p *ApprovalPolicy) IsSatisfied(ctx context.Context, subject models.ApprovalSubject) (bool, error) {
	required, err := p.RequiredApprovers(ctx, subject)
	if err != nil {
		return false, err
	}
	approved, err := p.Store.ListApprovals(ctx, subject)
	if err != nil {
		return false, err
	}
	return containsAll(approved, required), nil
}

// CanApprove reports whether an identity may approve the subject. Identities
// outside the required set cannot; the journal-entry preparer is excluded
// when the requirement snapshot is written, and double approvals are handled
// downstream by the ledger's idempotent insert.
func (p *ApprovalPolicy) CanApprove(ctx context.Context, subject models.ApprovalSubject, identity string) (bool, error) {
	required, err := p.RequiredApprovers(ctx, subject)
	if err != nil {
		return false, err
	}
	id := utils.NormalizeEmail(identity)
	for _, r := range required {
		if r == id {
			return true, nil
		}
	}
	return false, nil
}

// Progress is the caller-facing view of a subject's approval state.
type Progress struct {
	Subject   models.ApprovalSubject `json:"subject"`
	Required  []string               `json:"required_approvers"`
	Approved  []string               `json:"approvals"`
	Satisfied bool                   `json:"is_satisfied"`
}

func (p *ApprovalPolicy) ProgressFor(ctx context.Context, subject models.ApprovalSubject) (*Progress, error) {
	required, err := p.RequiredApprovers(ctx, subject)
	if err != nil {
		return nil, err
	}
	approved, err := p.Store.ListApprovals(ctx, subject)
	if err != nil {
		return nil, err
	}
	return &Progress{
		Subject:   subject,
		Required:  required,
		Approved:  utils.NormalizeEmails(approved),
		Satisfied: containsAll(approved, required),
	}, nil
}

func containsAll(have []string, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[utils.NormalizeEmail(h)] = true
	}
	for _, w := range want {
		if !set[utils.NormalizeEmail(w)] {
			return false
		}
	}
	return true
}
