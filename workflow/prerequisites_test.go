package workflow

import (
	"context"
	"testing"
	"time"
)

// slowHealth blocks every check until its context expires.
type slowHealth struct{}

func (slowHealth) wait(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (h slowHealth) IsTrialBalanceBalanced(ctx context.Context, entityId string) (bool, error) {
	return h.wait(ctx)
}
func (h slowHealth) HasUnapprovedDrafts(ctx context.Context, entityId string) (bool, error) {
	return h.wait(ctx)
}
func (h slowHealth) HasUnpostedDocuments(ctx context.Context, entityId string) (bool, error) {
	return h.wait(ctx)
}
func (h slowHealth) HasUnreconciledBankActivity(ctx context.Context, entityId string) (bool, error) {
	return h.wait(ctx)
}

func TestPrerequisites_CleanLedgerPasses(t *testing.T) {
	s := newMemStores()
	e := &PrerequisiteEvaluator{Health: s, CheckTimeout: time.Second, Logger: quietLogger()}

	verdict := e.Evaluate(context.Background(), "entity-1", time.Now())
	if !verdict.Ok {
		t.Fatalf("expected ok verdict, got %v", verdict.Reasons())
	}
	if len(verdict.Reasons()) != 0 {
		t.Fatalf("ok verdict must have no reasons, got %v", verdict.Reasons())
	}
}

func TestPrerequisites_EachConditionBlocksIndependently(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*memStores)
		pick  func(PrerequisiteBlockers) Blocker
	}{
		{"bank", func(s *memStores) { s.bankUnreconciled = true }, func(b PrerequisiteBlockers) Blocker { return b.BankUnreconciled }},
		{"drafts", func(s *memStores) { s.draftsUnapproved = true }, func(b PrerequisiteBlockers) Blocker { return b.DraftsUnapproved }},
		{"docs", func(s *memStores) { s.unpostedDocs = true }, func(b PrerequisiteBlockers) Blocker { return b.UnpostedDocs }},
		{"trial", func(s *memStores) { s.trialBalanced = false }, func(b PrerequisiteBlockers) Blocker { return b.TrialBalanceUnbalanced }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newMemStores()
			tc.setup(s)
			e := &PrerequisiteEvaluator{Health: s, CheckTimeout: time.Second, Logger: quietLogger()}

			verdict := e.Evaluate(context.Background(), "entity-1", time.Now())
			if verdict.Ok {
				t.Fatal("expected blocked verdict")
			}
			if !tc.pick(verdict.Blockers).Blocked {
				t.Fatalf("expected %s blocker set, got %+v", tc.name, verdict.Blockers)
			}
			if len(verdict.Reasons()) != 1 {
				t.Fatalf("expected exactly one reason, got %v", verdict.Reasons())
			}
		})
	}
}

func TestPrerequisites_SlowChecksFailClosed(t *testing.T) {
	e := &PrerequisiteEvaluator{Health: slowHealth{}, CheckTimeout: 20 * time.Millisecond, Logger: quietLogger()}

	start := time.Now()
	verdict := e.Evaluate(context.Background(), "entity-1", time.Now())
	if verdict.Ok {
		t.Fatal("timed-out checks must block")
	}
	if got := len(verdict.Reasons()); got != 4 {
		t.Fatalf("expected all 4 checks blocked, got %d", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("evaluation did not respect per-check timeout: %s", elapsed)
	}
}
