package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/shopspring/decimal"
)

func TestConversion_EvaluateCreatesRequestAndAdvances(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	req, verdict, err := w.EvaluatePrerequisites(ctx, input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Ok {
		t.Fatalf("expected clean verdict, got blockers %v", verdict.Reasons())
	}
	if req.Status != models.ConversionStatusAwaitingApproval {
		t.Fatalf("expected AwaitingApproval, got %s", req.Status)
	}

	// Second evaluation reuses the same request row.
	req2, _, err := w.EvaluatePrerequisites(ctx, input)
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if req2.ID != req.ID {
		t.Fatalf("expected same request row, got %d and %d", req.ID, req2.ID)
	}
}

func TestConversion_BlockedVerdictItemizesAllBlockers(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	s.bankUnreconciled = true
	s.draftsUnapproved = true
	s.unpostedDocs = true
	s.trialBalanced = false
	w := newTestConversionWorkflow(s)

	req, verdict, err := w.EvaluatePrerequisites(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Ok {
		t.Fatal("expected blocked verdict")
	}
	if got := len(verdict.Reasons()); got != 4 {
		t.Fatalf("expected all 4 blockers reported, got %d: %v", got, verdict.Reasons())
	}
	if req.Status != models.ConversionStatusPrerequisitesBlocked {
		t.Fatalf("expected PrerequisitesBlocked, got %s", req.Status)
	}
}

func TestConversion_HealthCheckErrorFailsClosed(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	s.healthErr = errors.New("reconciliation service down")
	w := newTestConversionWorkflow(s)

	req, verdict, err := w.EvaluatePrerequisites(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Ok {
		t.Fatal("check errors must block, never pass")
	}
	if req.Status != models.ConversionStatusPrerequisitesBlocked {
		t.Fatalf("expected PrerequisitesBlocked, got %s", req.Status)
	}
}

func TestConversion_ApproveRequiresMembership(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	if _, _, err := w.EvaluatePrerequisites(ctx, input); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	_, err := w.Approve(ctx, input.EntityId, input.EffectiveDate, "outsider@elsewhere.com")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConversion_ApproveBeforeEvaluateIsInvalid(t *testing.T) {
	s := newMemStores()
	seedConversionFixture(s)
	w := newTestConversionWorkflow(s)

	_, err := w.Approve(context.Background(), "entity-1", mustDate("2026-01-01"), "andre@ngicapital.com")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConversion_PolicyNotConfigured(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	s.policies["entity-1"] = nil
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	if _, _, err := w.EvaluatePrerequisites(ctx, input); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	_, err := w.Approve(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if !errors.Is(err, ErrPolicyNotConfigured) {
		t.Fatalf("expected ErrPolicyNotConfigured, got %v", err)
	}
}

func TestConversion_DualApprovalAdvancesToApproved(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	if _, _, err := w.EvaluatePrerequisites(ctx, input); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	progress, err := w.Approve(ctx, input.EntityId, input.EffectiveDate, "Andre@NGICapital.com")
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if progress.Satisfied {
		t.Fatal("one of two approvals must not satisfy")
	}

	// Re-approval by the same identity is a no-op, case-insensitive.
	progress, err = w.Approve(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if err != nil {
		t.Fatalf("re-approval: %v", err)
	}
	if progress.Satisfied || len(progress.Approved) != 1 {
		t.Fatalf("duplicate approval must not advance progress: %+v", progress)
	}

	progress, err = w.Approve(ctx, input.EntityId, input.EffectiveDate, "landon@ngicapital.com")
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if !progress.Satisfied {
		t.Fatal("both partners approved, expected satisfied")
	}

	req, _ := s.Get(ctx, input.EntityId, input.EffectiveDate)
	if req.Status != models.ConversionStatusApproved {
		t.Fatalf("expected Approved, got %s", req.Status)
	}
	if got := s.eventCount(models.ApprovalEventRecorded); got != 2 {
		t.Fatalf("expected 2 recorded events, got %d", got)
	}
	if got := s.eventCount(models.ApprovalEventSatisfied); got != 1 {
		t.Fatalf("expected 1 satisfied event, got %d", got)
	}
}

func TestConversion_ApprovalOrderDoesNotMatter(t *testing.T) {
	orders := [][]string{
		{"andre@ngicapital.com", "landon@ngicapital.com"},
		{"landon@ngicapital.com", "andre@ngicapital.com"},
	}
	for _, order := range orders {
		s := newMemStores()
		input := seedConversionFixture(s)
		w := newTestConversionWorkflow(s)
		ctx := context.Background()

		if _, _, err := w.EvaluatePrerequisites(ctx, input); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		var progress *Progress
		var err error
		for _, identity := range order {
			progress, err = w.Approve(ctx, input.EntityId, input.EffectiveDate, identity)
			if err != nil {
				t.Fatalf("approve %s: %v", identity, err)
			}
		}
		if !progress.Satisfied {
			t.Fatalf("order %v: expected satisfied", order)
		}
	}
}

func TestConversion_ExecuteHappyPath(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	approveConversion(t, ctx, w, input)

	result, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.AlreadyPosted {
		t.Fatal("first execution must not report already posted")
	}

	// 100,000 member equity, 10M shares at 0.0001 par: 1,000 common stock,
	// 99,000 APIC.
	var commonStock, apic decimal.Decimal
	for _, line := range result.Lines {
		switch line.AccountId {
		case 20:
			commonStock = line.Credit
		case 21:
			apic = line.Credit
		}
	}
	if !commonStock.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("common stock credit = %s, want 1000", commonStock)
	}
	if !apic.Equal(decimal.NewFromInt(99000)) {
		t.Fatalf("apic credit = %s, want 99000", apic)
	}

	req, _ := s.Get(ctx, input.EntityId, input.EffectiveDate)
	if req.Status != models.ConversionStatusExecuted {
		t.Fatalf("expected Executed, got %s", req.Status)
	}
	if req.ExecutedJournalId == nil || *req.ExecutedJournalId != result.JournalEntryId {
		t.Fatalf("executed journal id not recorded: %+v", req)
	}
	if got := s.eventCount(models.ApprovalEventConversionExecuted); got != 1 {
		t.Fatalf("expected 1 executed event, got %d", got)
	}
}

func TestConversion_DuplicateExecuteReturnsOriginalResult(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	approveConversion(t, ctx, w, input)

	first, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.AlreadyPosted {
		t.Fatal("duplicate execute must report already posted")
	}
	if second.JournalEntryId != first.JournalEntryId {
		t.Fatalf("duplicate execute returned a different journal: %d vs %d", second.JournalEntryId, first.JournalEntryId)
	}
	if len(s.journals) != 1 {
		t.Fatalf("expected exactly one posted journal, got %d", len(s.journals))
	}
}

func TestConversion_ExecuteWithoutApprovalIsInvalid(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	if _, _, err := w.EvaluatePrerequisites(ctx, input); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	_, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConversion_ExecuteReValidationDemotesOnRegression(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	approveConversion(t, ctx, w, input)

	// A bank transaction lands between approval and execution.
	s.mu.Lock()
	s.bankUnreconciled = true
	s.mu.Unlock()

	_, verdict, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if !errors.Is(err, ErrPrerequisitesBlocked) {
		t.Fatalf("expected ErrPrerequisitesBlocked, got %v", err)
	}
	if verdict == nil || verdict.Ok {
		t.Fatal("expected failing verdict from re-validation")
	}
	req, _ := s.Get(ctx, input.EntityId, input.EffectiveDate)
	if req.Status != models.ConversionStatusPrerequisitesBlocked {
		t.Fatalf("expected demotion to PrerequisitesBlocked, got %s", req.Status)
	}
	if len(s.journals) != 0 {
		t.Fatal("nothing may post when re-validation fails")
	}

	// Fixing the blocker allows the normal path to resume.
	s.mu.Lock()
	s.bankUnreconciled = false
	s.mu.Unlock()
	approveConversion(t, ctx, w, input)
	if _, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com"); err != nil {
		t.Fatalf("execute after recovery: %v", err)
	}
}

func TestConversion_ExecuteDemotesWhenPolicyGrew(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	approveConversion(t, ctx, w, input)

	// A third partner joins the policy after approval.
	s.mu.Lock()
	s.policies["entity-1"] = append(s.policies["entity-1"], "priya@ngicapital.com")
	s.mu.Unlock()

	_, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	req, _ := s.Get(ctx, input.EntityId, input.EffectiveDate)
	if req.Status != models.ConversionStatusAwaitingApproval {
		t.Fatalf("expected demotion to AwaitingApproval, got %s", req.Status)
	}
}

func TestConversion_PostingFailureIsRecoverable(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	approveConversion(t, ctx, w, input)

	s.mu.Lock()
	s.postErr = errors.New("accounting period closed")
	s.mu.Unlock()

	_, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if !errors.Is(err, ErrExternalPostingFailure) {
		t.Fatalf("expected ErrExternalPostingFailure, got %v", err)
	}
	req, _ := s.Get(ctx, input.EntityId, input.EffectiveDate)
	if req.Status != models.ConversionStatusExecutionFailed {
		t.Fatalf("expected ExecutionFailed, got %s", req.Status)
	}
	if req.LastError == nil {
		t.Fatal("expected the posting failure to be recorded")
	}
	if got := s.eventCount(models.ApprovalEventConversionFailed); got != 1 {
		t.Fatalf("expected 1 failure event, got %d", got)
	}

	// Recovery: clear the fault, re-run the pipeline.
	s.mu.Lock()
	s.postErr = nil
	s.mu.Unlock()
	approveConversion(t, ctx, w, input)
	result, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if err != nil {
		t.Fatalf("execute after recovery: %v", err)
	}
	if result.AlreadyPosted {
		t.Fatal("nothing was posted before recovery")
	}
}

func TestConversion_TerminalStateRejectsFurtherApprovals(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	approveConversion(t, ctx, w, input)
	if _, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := w.Approve(ctx, input.EntityId, input.EffectiveDate, "landon@ngicapital.com"); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted on approve, got %v", err)
	}

	// Evaluation is a read; it still answers after execution.
	req, verdict, err := w.EvaluatePrerequisites(ctx, input)
	if err != nil {
		t.Fatalf("evaluate after execute: %v", err)
	}
	if verdict == nil || !verdict.Ok {
		t.Fatalf("expected clean verdict after execute, got %+v", verdict)
	}
	if req.Status != models.ConversionStatusExecuted {
		t.Fatalf("evaluate must not move an executed request, got %s", req.Status)
	}
}

func TestConversion_EvaluateAfterExecuteReportsLiveVerdict(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	approveConversion(t, ctx, w, input)
	if _, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// New ledger activity after the conversion shows up in the verdict but
	// never touches the executed row.
	s.bankUnreconciled = true

	req, verdict, err := w.EvaluatePrerequisites(ctx, input)
	if err != nil {
		t.Fatalf("evaluate after execute: %v", err)
	}
	if verdict.Ok {
		t.Fatal("expected the new blocker to be reported")
	}
	if got := len(verdict.Reasons()); got != 1 {
		t.Fatalf("expected 1 blocker, got %d: %v", got, verdict.Reasons())
	}
	if req.Status != models.ConversionStatusExecuted {
		t.Fatalf("expected Executed, got %s", req.Status)
	}
	fresh, _ := s.Get(ctx, input.EntityId, input.EffectiveDate)
	if fresh.Status != models.ConversionStatusExecuted {
		t.Fatalf("stored request must stay Executed, got %s", fresh.Status)
	}
}

func TestConversion_LaterRequestFillsInCapitalDetails(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	// First contact is a bare prerequisite check, no capital structure yet.
	bare := models.ConversionRequest{EntityId: input.EntityId, EffectiveDate: input.EffectiveDate}
	if _, _, err := w.EvaluatePrerequisites(ctx, bare); err != nil {
		t.Fatalf("bare evaluate: %v", err)
	}

	// The real submission arrives with par value and share counts.
	req, _, err := w.EvaluatePrerequisites(ctx, input)
	if err != nil {
		t.Fatalf("detailed evaluate: %v", err)
	}
	if !req.ParValue.Equal(input.ParValue) || req.IssuedShares != input.IssuedShares {
		t.Fatalf("details were dropped: par=%s issued=%d", req.ParValue, req.IssuedShares)
	}

	for _, identity := range []string{"andre@ngicapital.com", "landon@ngicapital.com"} {
		if _, err := w.Approve(ctx, input.EntityId, input.EffectiveDate, identity); err != nil {
			t.Fatalf("approve %s: %v", identity, err)
		}
	}
	result, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// 10M shares at 0.0001 par: common stock 1000, not zero.
	var commonStock decimal.Decimal
	for _, line := range result.Lines {
		if line.AccountId == 20 {
			commonStock = line.Credit
		}
	}
	if !commonStock.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected common stock credit 1000, got %s", commonStock)
	}
}

func TestConversion_ExecutedRowIgnoresLateDetailChanges(t *testing.T) {
	s := newMemStores()
	input := seedConversionFixture(s)
	w := newTestConversionWorkflow(s)
	ctx := context.Background()

	approveConversion(t, ctx, w, input)
	if _, _, err := w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	revised := input
	revised.IssuedShares = 42
	req, _, err := w.EvaluatePrerequisites(ctx, revised)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if req.IssuedShares != input.IssuedShares {
		t.Fatalf("executed row must keep its details, got issued=%d", req.IssuedShares)
	}
}

func TestConversion_ConcurrentExecutePostsExactlyOnce(t *testing.T) {
	for run := 0; run < 50; run++ {
		s := newMemStores()
		input := seedConversionFixture(s)
		w := newTestConversionWorkflow(s)
		ctx := context.Background()

		approveConversion(t, ctx, w, input)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, _ = w.Execute(ctx, input.EntityId, input.EffectiveDate, "andre@ngicapital.com")
			}()
		}
		wg.Wait()

		if len(s.journals) != 1 {
			t.Fatalf("run=%d expected exactly 1 posted journal, got %d", run, len(s.journals))
		}
		req, _ := s.Get(ctx, input.EntityId, input.EffectiveDate)
		if req.Status != models.ConversionStatusExecuted {
			t.Fatalf("run=%d expected Executed, got %s", run, req.Status)
		}
	}
}

func approveConversion(t *testing.T, ctx context.Context, w *ConversionWorkflow, input models.ConversionRequest) {
	t.Helper()
	if _, _, err := w.EvaluatePrerequisites(ctx, input); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, identity := range []string{"andre@ngicapital.com", "landon@ngicapital.com"} {
		if _, err := w.Approve(ctx, input.EntityId, input.EffectiveDate, identity); err != nil {
			t.Fatalf("approve %s: %v", identity, err)
		}
	}
}

func mustDate(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}
