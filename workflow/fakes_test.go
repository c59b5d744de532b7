package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NOTE: These tests are intentionally DB-free. The in-memory stores mirror the
// gorm implementations' contracts: idempotent approval inserts, CAS status
// transitions, per-entity exclusive scopes, and idempotent ledger writes.
// Full DB integration tests should be added in an environment that can run
// MySQL.

type memStores struct {
	mu sync.Mutex

	approvals    map[string][]string // subject -> approver emails, insert order
	requirements map[string][]string
	policies     map[string][]string // entityId -> partner emails

	conversions map[int]*models.ConversionRequest
	convByKey   map[string]int
	nextConvId  int

	entries map[int]*models.JournalEntry

	bankUnreconciled bool
	draftsUnapproved bool
	unpostedDocs     bool
	trialBalanced    bool
	healthErr        error

	journals    []*models.AccountJournal
	nextJournal int
	postErr     error
	postCalls   int

	equity   []models.EquityBalance
	accounts map[models.AccountDetailType]*models.Account

	idem map[string]models.IdempotencyStatus

	events []string

	entityLocks map[string]*sync.Mutex
}

func newMemStores() *memStores {
	return &memStores{
		approvals:     map[string][]string{},
		requirements:  map[string][]string{},
		policies:      map[string][]string{},
		conversions:   map[int]*models.ConversionRequest{},
		convByKey:     map[string]int{},
		entries:       map[int]*models.JournalEntry{},
		trialBalanced: true,
		accounts:      map[models.AccountDetailType]*models.Account{},
		idem:          map[string]models.IdempotencyStatus{},
		entityLocks:   map[string]*sync.Mutex{},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ---- ExecutionScope ----

func (s *memStores) RunExclusive(ctx context.Context, entityId string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	lock := s.entityLocks[entityId]
	if lock == nil {
		lock = &sync.Mutex{}
		s.entityLocks[entityId] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

// ---- ApprovalStore ----

func (s *memStores) InsertApproval(ctx context.Context, record models.ApprovalRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(record.SubjectKind) + "/" + record.EntityId + "/" + record.Reference
	for _, email := range s.approvals[key] {
		if email == record.ApproverEmail {
			return false, nil
		}
	}
	s.approvals[key] = append(s.approvals[key], record.ApproverEmail)
	return true, nil
}

func (s *memStores) ListApprovals(ctx context.Context, subject models.ApprovalSubject) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.approvals[subject.String()]...), nil
}

func (s *memStores) ListRequirement(ctx context.Context, subject models.ApprovalSubject) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requirements[subject.String()]...), nil
}

func (s *memStores) ReplaceRequirement(ctx context.Context, subject models.ApprovalSubject, approvers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requirements[subject.String()] = append([]string(nil), approvers...)
	return nil
}

func (s *memStores) ConversionPolicy(ctx context.Context, entityId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.policies[entityId]...), nil
}

func (s *memStores) RequiredApproversForEntry(ctx context.Context, entry *models.JournalEntry) ([]string, error) {
	return s.ConversionPolicy(ctx, entry.EntityId)
}

// ---- ConversionStore ----

func convKey(entityId string, effectiveDate time.Time) string {
	return entityId + "|" + effectiveDate.UTC().Format("2006-01-02")
}

func (s *memStores) GetOrCreate(ctx context.Context, req models.ConversionRequest) (*models.ConversionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := convKey(req.EntityId, req.EffectiveDate)
	if id, ok := s.convByKey[key]; ok {
		row := s.conversions[id]
		if !row.Status.IsTerminal() {
			models.ApplyConversionDetails(row, &req)
		}
		clone := *row
		return &clone, nil
	}
	s.nextConvId++
	req.ID = s.nextConvId
	stored := req
	s.conversions[req.ID] = &stored
	s.convByKey[key] = req.ID
	clone := stored
	return &clone, nil
}

func (s *memStores) Get(ctx context.Context, entityId string, effectiveDate time.Time) (*models.ConversionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.convByKey[convKey(entityId, effectiveDate)]
	if !ok {
		return nil, nil
	}
	clone := *s.conversions[id]
	return &clone, nil
}

func (s *memStores) GetForUpdate(ctx context.Context, entityId string, effectiveDate time.Time) (*models.ConversionRequest, error) {
	return s.Get(ctx, entityId, effectiveDate)
}

func (s *memStores) Transition(ctx context.Context, requestId int, from []models.ConversionStatus, to models.ConversionStatus, updates map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.conversions[requestId]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if row.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	row.Status = to
	for k, v := range updates {
		switch k {
		case "executed_journal_id":
			id := v.(int)
			row.ExecutedJournalId = &id
		case "executed_at":
			at := v.(time.Time)
			row.ExecutedAt = &at
		case "last_error":
			if v == nil {
				row.LastError = nil
			} else {
				row.LastError = v.(*string)
			}
		case "last_verdict":
			if raw, ok := v.([]byte); ok {
				row.LastVerdict = raw
			}
		}
	}
	return true, nil
}

// ---- JournalEntryStore ----

func (s *memStores) GetEntry(ctx context.Context, entityId string, entryId int) (*models.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryId]
	if !ok || entry.EntityId != entityId {
		return nil, errors.New("journal entry not found")
	}
	clone := *entry
	return &clone, nil
}

func (s *memStores) TransitionEntry(ctx context.Context, entryId int, from, to models.JournalEntryStatus, updates map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryId]
	if !ok || entry.Status != from {
		return false, nil
	}
	entry.Status = to
	for k, v := range updates {
		switch k {
		case "posted_journal_id":
			id := v.(int)
			entry.PostedJournalId = &id
		case "submitted_at":
			at := v.(time.Time)
			entry.SubmittedAt = &at
		case "approved_at":
			at := v.(time.Time)
			entry.ApprovedAt = &at
		case "posted_at":
			at := v.(time.Time)
			entry.PostedAt = &at
		}
	}
	return true, nil
}

type memEntryStore struct{ stores *memStores }

func (m memEntryStore) Get(ctx context.Context, entityId string, entryId int) (*models.JournalEntry, error) {
	return m.stores.GetEntry(ctx, entityId, entryId)
}

func (m memEntryStore) Transition(ctx context.Context, entryId int, from, to models.JournalEntryStatus, updates map[string]interface{}) (bool, error) {
	return m.stores.TransitionEntry(ctx, entryId, from, to, updates)
}

// ---- LedgerHealth ----

func (s *memStores) IsTrialBalanceBalanced(ctx context.Context, entityId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthErr != nil {
		return false, s.healthErr
	}
	return s.trialBalanced, nil
}

func (s *memStores) HasUnapprovedDrafts(ctx context.Context, entityId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthErr != nil {
		return false, s.healthErr
	}
	return s.draftsUnapproved, nil
}

func (s *memStores) HasUnpostedDocuments(ctx context.Context, entityId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthErr != nil {
		return false, s.healthErr
	}
	return s.unpostedDocs, nil
}

func (s *memStores) HasUnreconciledBankActivity(ctx context.Context, entityId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthErr != nil {
		return false, s.healthErr
	}
	return s.bankUnreconciled, nil
}

// ---- LedgerPoster / EquitySource ----

func (s *memStores) PostBalancedEntry(ctx context.Context, entityId string, effectiveDate time.Time, details string, referenceId int, referenceType models.AccountReferenceType, lines []models.AccountTransaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postCalls++
	if s.postErr != nil {
		return 0, s.postErr
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return 0, fmt.Errorf("unbalanced: %s vs %s", debit, credit)
	}
	s.nextJournal++
	journal := &models.AccountJournal{
		ID:                  s.nextJournal,
		EntityId:            entityId,
		TransactionDateTime: effectiveDate,
		TransactionDetails:  details,
		ReferenceId:         referenceId,
		ReferenceType:       referenceType,
		AccountTransactions: lines,
	}
	s.journals = append(s.journals, journal)
	return journal.ID, nil
}

func (s *memStores) ExistingEntry(ctx context.Context, referenceId int, referenceType models.AccountReferenceType) (*models.AccountJournal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.journals {
		if j.ReferenceId == referenceId && j.ReferenceType == referenceType {
			clone := *j
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *memStores) MemberEquityBalances(ctx context.Context, entityId string, asOf time.Time) ([]models.EquityBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EquityBalance(nil), s.equity...), nil
}

func (s *memStores) FindAccountByDetailType(ctx context.Context, entityId string, detailType models.AccountDetailType) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[detailType]
	if !ok {
		return nil, errors.New("no active account with detail type " + string(detailType))
	}
	return acct, nil
}

// ---- EventSink ----

func (s *memStores) Emit(ctx context.Context, entityId, eventType string, subject models.ApprovalSubject, actorEmail string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	return nil
}

func (s *memStores) eventCount(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// ---- IdempotencyGuard ----

func (s *memStores) Begin(ctx context.Context, entityId, handlerName, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityId + "|" + handlerName + "|" + reference
	if s.idem[key] == models.IdempotencyStatusSucceeded {
		return true, nil
	}
	s.idem[key] = models.IdempotencyStatusStarted
	return false, nil
}

func (s *memStores) MarkSucceeded(ctx context.Context, entityId, handlerName, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idem[entityId+"|"+handlerName+"|"+reference] = models.IdempotencyStatusSucceeded
	return nil
}

func (s *memStores) MarkFailed(ctx context.Context, entityId, handlerName, reference string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idem[entityId+"|"+handlerName+"|"+reference] = models.IdempotencyStatusFailed
	return nil
}

// ---- wiring helpers ----

func newTestConversionWorkflow(s *memStores) *ConversionWorkflow {
	logger := quietLogger()
	policy := &ApprovalPolicy{Store: s}
	return &ConversionWorkflow{
		Store:       s,
		Evaluator:   &PrerequisiteEvaluator{Health: s, CheckTimeout: time.Second, Logger: logger},
		Policy:      policy,
		Ledger:      &ApprovalLedger{Store: s, Logger: logger},
		Engine:      &ExecutionEngine{Poster: s, Source: s},
		Scope:       s,
		Idempotency: s,
		Events:      s,
		Logger:      logger,
	}
}

func newTestJournalWorkflow(s *memStores) *JournalApprovalWorkflow {
	logger := quietLogger()
	policy := &ApprovalPolicy{Store: s}
	return &JournalApprovalWorkflow{
		Entries:      memEntryStore{stores: s},
		Requirements: s,
		Store:        s,
		Policy:       policy,
		Ledger:       &ApprovalLedger{Store: s, Logger: logger},
		Poster:       s,
		Scope:        s,
		Events:       s,
		Logger:       logger,
	}
}

// seedConversionFixture configures a healthy two-partner entity with member
// equity ready to reclassify.
func seedConversionFixture(s *memStores) models.ConversionRequest {
	s.policies["entity-1"] = []string{"andre@ngicapital.com", "landon@ngicapital.com"}
	s.equity = []models.EquityBalance{
		{AccountId: 10, AccountName: "Member Capital - Andre", Balance: decimal.NewFromInt(60000)},
		{AccountId: 11, AccountName: "Member Capital - Landon", Balance: decimal.NewFromInt(40000)},
	}
	s.accounts[models.AccountDetailTypeCommonStock] = &models.Account{ID: 20, EntityId: "entity-1", Name: "Common Stock"}
	s.accounts[models.AccountDetailTypeAdditionalPaidInCapital] = &models.Account{ID: 21, EntityId: "entity-1", Name: "Additional Paid-In Capital"}
	return models.ConversionRequest{
		EntityId:      "entity-1",
		EffectiveDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ParValue:      decimal.RequireFromString("0.0001"),
		IssuedShares:  10000000,
	}
}
