package workflow

import (
	"context"
	"time"

	"github.com/lwhitworth8/ngi-capital-backend/config"
	"github.com/sirupsen/logrus"
)

// LedgerHealth is the query contract the prerequisite evaluator consumes.
// Whatever provides it must answer within bounded time; a slow or failing
// check is treated as a blocker, never as "ok".
type LedgerHealth interface {
	IsTrialBalanceBalanced(ctx context.Context, entityId string) (bool, error)
	HasUnapprovedDrafts(ctx context.Context, entityId string) (bool, error)
	HasUnpostedDocuments(ctx context.Context, entityId string) (bool, error)
	HasUnreconciledBankActivity(ctx context.Context, entityId string) (bool, error)
}

type Blocker struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

type PrerequisiteBlockers struct {
	BankUnreconciled       Blocker `json:"bank_unreconciled"`
	DraftsUnapproved       Blocker `json:"drafts_unapproved"`
	UnpostedDocs           Blocker `json:"unposted_docs"`
	TrialBalanceUnbalanced Blocker `json:"trial_balance_unbalanced"`
}

// PrerequisiteVerdict is a snapshot, not a cache. The execute path always
// re-evaluates; never trust a verdict from an earlier read.
type PrerequisiteVerdict struct {
	EntityId      string               `json:"entity_id"`
	EffectiveDate time.Time            `json:"effective_date"`
	Ok            bool                 `json:"ok"`
	Blockers      PrerequisiteBlockers `json:"blockers"`
	CheckedAt     time.Time            `json:"checked_at"`
}

// Reasons returns the itemized blocker reasons, for error surfaces.
func (v *PrerequisiteVerdict) Reasons() []string {
	var out []string
	for _, b := range []Blocker{
		v.Blockers.BankUnreconciled,
		v.Blockers.DraftsUnapproved,
		v.Blockers.UnpostedDocs,
		v.Blockers.TrialBalanceUnbalanced,
	} {
		if b.Blocked {
			out = append(out, b.Reason)
		}
	}
	return out
}

// PrerequisiteEvaluator computes the four gating conditions for a conversion.
// Each check runs independently with its own timeout; a check error fails
// closed (blocker set, reason recorded). No caching across calls: the
// conditions mutate concurrently with approval activity.
type PrerequisiteEvaluator struct {
	Health       LedgerHealth
	CheckTimeout time.Duration
	Logger       *logrus.Logger
}

const defaultCheckTimeout = 10 * time.Second

func (e *PrerequisiteEvaluator) Evaluate(ctx context.Context, entityId string, effectiveDate time.Time) PrerequisiteVerdict {
	verdict := PrerequisiteVerdict{
		EntityId:      entityId,
		EffectiveDate: effectiveDate,
		CheckedAt:     time.Now().UTC(),
	}

	verdict.Blockers.BankUnreconciled = e.check(ctx, entityId, "bank_unreconciled",
		"unreconciled bank activity exists", e.Health.HasUnreconciledBankActivity)
	verdict.Blockers.DraftsUnapproved = e.check(ctx, entityId, "drafts_unapproved",
		"journal entries are awaiting approval", e.Health.HasUnapprovedDrafts)
	verdict.Blockers.UnpostedDocs = e.check(ctx, entityId, "unposted_docs",
		"source documents have not been posted", e.Health.HasUnpostedDocuments)
	verdict.Blockers.TrialBalanceUnbalanced = e.checkNegated(ctx, entityId, "trial_balance_unbalanced",
		"trial balance does not balance", e.Health.IsTrialBalanceBalanced)

	verdict.Ok = !verdict.Blockers.BankUnreconciled.Blocked &&
		!verdict.Blockers.DraftsUnapproved.Blocked &&
		!verdict.Blockers.UnpostedDocs.Blocked &&
		!verdict.Blockers.TrialBalanceUnbalanced.Blocked
	return verdict
}

// check runs one sub-check where true means "blocked".
func (e *PrerequisiteEvaluator) check(ctx context.Context, entityId, name, reason string, fn func(context.Context, string) (bool, error)) Blocker {
	blocked, err := e.run(ctx, entityId, fn)
	if err != nil {
		config.LogError(e.logger(), "prerequisites.go", "Evaluate", name, entityId, err)
		return Blocker{Blocked: true, Reason: name + " check failed: " + err.Error()}
	}
	if blocked {
		return Blocker{Blocked: true, Reason: reason}
	}
	return Blocker{}
}

// checkNegated runs one sub-check where true means "healthy".
func (e *PrerequisiteEvaluator) checkNegated(ctx context.Context, entityId, name, reason string, fn func(context.Context, string) (bool, error)) Blocker {
	ok, err := e.run(ctx, entityId, fn)
	if err != nil {
		config.LogError(e.logger(), "prerequisites.go", "Evaluate", name, entityId, err)
		return Blocker{Blocked: true, Reason: name + " check failed: " + err.Error()}
	}
	if !ok {
		return Blocker{Blocked: true, Reason: reason}
	}
	return Blocker{}
}

func (e *PrerequisiteEvaluator) run(ctx context.Context, entityId string, fn func(context.Context, string) (bool, error)) (bool, error) {
	timeout := e.CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(checkCtx, entityId)
}

func (e *PrerequisiteEvaluator) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return config.GetLogger()
}
