package workflow

import (
	"context"
	"time"

	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type txKey struct{}

// WithTx carries an open transaction through a context so store calls made
// inside RunExclusive join it instead of opening their own connections.
func WithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GormStores is the MySQL-backed implementation of every store interface the
// workflows consume. A single value is shared across workflows; per-call
// state is the context (and the transaction it may carry).
type GormStores struct {
	DB *gorm.DB
}

func NewGormStores(db *gorm.DB) *GormStores {
	return &GormStores{DB: db}
}

func (s *GormStores) db(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return s.DB.WithContext(ctx)
}

// RunExclusive opens a transaction, takes the per-entity advisory lock, and
// runs fn with the transaction in the context. The lock and the transaction
// share a connection, so the critical section holds across instances.
func (s *GormStores) RunExclusive(ctx context.Context, entityId string, fn func(ctx context.Context) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireEntityPostingLock(tx, entityId); err != nil {
			return err
		}
		defer ReleaseEntityPostingLock(tx, entityId)
		return fn(WithTx(ctx, tx))
	})
}

// ---- ApprovalStore ----

func (s *GormStores) InsertApproval(ctx context.Context, record models.ApprovalRecord) (bool, error) {
	err := s.db(ctx).Create(&record).Error
	if err == nil {
		return true, nil
	}
	if isDuplicateKeyErr(err) {
		// Same identity already approved this subject: idempotent no-op.
		return false, nil
	}
	return false, err
}

func (s *GormStores) ListApprovals(ctx context.Context, subject models.ApprovalSubject) ([]string, error) {
	var emails []string
	err := s.db(ctx).Model(&models.ApprovalRecord{}).
		Where("subject_kind = ? AND entity_id = ? AND reference = ?", subject.Kind, subject.EntityId, subject.Reference).
		Order("approved_at ASC").
		Pluck("approver_email", &emails).Error
	return emails, err
}

func (s *GormStores) ListRequirement(ctx context.Context, subject models.ApprovalSubject) ([]string, error) {
	var emails []string
	err := s.db(ctx).Model(&models.ApprovalRequirement{}).
		Where("subject_kind = ? AND entity_id = ? AND reference = ?", subject.Kind, subject.EntityId, subject.Reference).
		Pluck("approver_email", &emails).Error
	return emails, err
}

func (s *GormStores) ReplaceRequirement(ctx context.Context, subject models.ApprovalSubject, approvers []string) error {
	run := func(tx *gorm.DB) error {
		if err := tx.Where("subject_kind = ? AND entity_id = ? AND reference = ?",
			subject.Kind, subject.EntityId, subject.Reference).
			Delete(&models.ApprovalRequirement{}).Error; err != nil {
			return err
		}
		for _, email := range approvers {
			row := models.ApprovalRequirement{
				SubjectKind:   subject.Kind,
				EntityId:      subject.EntityId,
				Reference:     subject.Reference,
				ApproverEmail: email,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	}
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return run(tx)
	}
	return s.DB.WithContext(ctx).Transaction(run)
}

func (s *GormStores) ConversionPolicy(ctx context.Context, entityId string) ([]string, error) {
	var emails []string
	err := s.db(ctx).Model(&models.EntityApprovalPolicy{}).
		Where("entity_id = ?", entityId).
		Order("approver_email ASC").
		Pluck("approver_email", &emails).Error
	return emails, err
}

// RequiredApproversForEntry derives a draft's requirement from the entity's
// configured approver list. Submit strikes the preparer afterwards.
func (s *GormStores) RequiredApproversForEntry(ctx context.Context, entry *models.JournalEntry) ([]string, error) {
	return s.ConversionPolicy(ctx, entry.EntityId)
}

// ---- ConversionStore ----

func (s *GormStores) GetOrCreate(ctx context.Context, req models.ConversionRequest) (*models.ConversionRequest, error) {
	err := s.db(ctx).Create(&req).Error
	if err == nil {
		return &req, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, err
	}
	existing, err := models.GetConversionRequest(s.db(ctx), req.EntityId, req.EffectiveDate)
	if err != nil || existing == nil {
		return existing, err
	}
	if existing.Status.IsTerminal() {
		return existing, nil
	}
	// The row is often created by a bare prerequisite check; a later request
	// carrying the capital-structure details fills them in. Guarded on status
	// so an executed row is never rewritten.
	updates := models.ApplyConversionDetails(existing, &req)
	if len(updates) == 0 {
		return existing, nil
	}
	res := s.db(ctx).Model(&models.ConversionRequest{}).
		Where("id = ? AND status != ?", existing.ID, models.ConversionStatusExecuted).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Executed concurrently; return what is actually stored.
		return models.GetConversionRequest(s.db(ctx), req.EntityId, req.EffectiveDate)
	}
	return existing, nil
}

func (s *GormStores) Get(ctx context.Context, entityId string, effectiveDate time.Time) (*models.ConversionRequest, error) {
	return models.GetConversionRequest(s.db(ctx), entityId, effectiveDate)
}

func (s *GormStores) GetForUpdate(ctx context.Context, entityId string, effectiveDate time.Time) (*models.ConversionRequest, error) {
	return models.GetConversionRequestForUpdate(s.db(ctx), entityId, effectiveDate)
}

func (s *GormStores) Transition(ctx context.Context, requestId int, from []models.ConversionStatus, to models.ConversionStatus, updates map[string]interface{}) (bool, error) {
	return models.TransitionConversionStatus(s.db(ctx), requestId, from, to, updates)
}

// ---- JournalEntryStore ----

type gormJournalEntries struct {
	stores *GormStores
}

// JournalEntries exposes the draft store with its own method set so its Get
// and Transition do not collide with the conversion store's.
func (s *GormStores) JournalEntries() JournalEntryStore {
	return gormJournalEntries{stores: s}
}

func (j gormJournalEntries) Get(ctx context.Context, entityId string, entryId int) (*models.JournalEntry, error) {
	return models.GetJournalEntry(j.stores.db(ctx), entityId, entryId)
}

func (j gormJournalEntries) Transition(ctx context.Context, entryId int, from, to models.JournalEntryStatus, updates map[string]interface{}) (bool, error) {
	return models.TransitionJournalEntryStatus(j.stores.db(ctx), entryId, from, to, updates)
}

// ---- LedgerHealth ----

func (s *GormStores) IsTrialBalanceBalanced(ctx context.Context, entityId string) (bool, error) {
	return models.IsTrialBalanceBalanced(s.db(ctx), entityId)
}

func (s *GormStores) HasUnapprovedDrafts(ctx context.Context, entityId string) (bool, error) {
	return models.HasUnapprovedDrafts(s.db(ctx), entityId)
}

func (s *GormStores) HasUnpostedDocuments(ctx context.Context, entityId string) (bool, error) {
	return models.HasUnpostedDocuments(s.db(ctx), entityId)
}

func (s *GormStores) HasUnreconciledBankActivity(ctx context.Context, entityId string) (bool, error) {
	return models.HasUnreconciledBankActivity(s.db(ctx), entityId)
}

// ---- LedgerPoster / EquitySource ----

func (s *GormStores) PostBalancedEntry(ctx context.Context, entityId string, effectiveDate time.Time, details string, referenceId int, referenceType models.AccountReferenceType, lines []models.AccountTransaction) (int, error) {
	post := func(tx *gorm.DB) (int, error) {
		if err := models.ValidateAccountingLock(tx, effectiveDate, entityId); err != nil {
			return 0, err
		}
		debit, credit := decimal.Zero, decimal.Zero
		for _, line := range lines {
			debit = debit.Add(line.Debit)
			credit = credit.Add(line.Credit)
		}
		if !debit.Equal(credit) {
			return 0, ErrUnbalancedResult
		}
		journal := models.AccountJournal{
			EntityId:            entityId,
			TransactionDateTime: effectiveDate,
			TransactionDetails:  details,
			ReferenceId:         referenceId,
			ReferenceType:       referenceType,
			AccountTransactions: lines,
		}
		if err := tx.Create(&journal).Error; err != nil {
			return 0, err
		}
		return journal.ID, nil
	}
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return post(tx)
	}
	var id int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = post(tx)
		return err
	})
	return id, err
}

func (s *GormStores) ExistingEntry(ctx context.Context, referenceId int, referenceType models.AccountReferenceType) (*models.AccountJournal, error) {
	return models.GetExistingAccountJournal(s.db(ctx), referenceId, referenceType)
}

func (s *GormStores) MemberEquityBalances(ctx context.Context, entityId string, asOf time.Time) ([]models.EquityBalance, error) {
	return models.MemberEquityBalances(s.db(ctx), entityId, asOf)
}

func (s *GormStores) FindAccountByDetailType(ctx context.Context, entityId string, detailType models.AccountDetailType) (*models.Account, error) {
	return models.FindAccountByDetailType(s.db(ctx), entityId, detailType)
}

// ---- EventSink ----

func (s *GormStores) Emit(ctx context.Context, entityId, eventType string, subject models.ApprovalSubject, actorEmail string, payload interface{}) error {
	return models.EmitApprovalEvent(ctx, s.db(ctx), entityId, eventType, subject, actorEmail, payload)
}

// ---- IdempotencyGuard ----

func (s *GormStores) Begin(ctx context.Context, entityId, handlerName, reference string) (bool, error) {
	return BeginIdempotency(s.db(ctx), entityId, handlerName, reference)
}

func (s *GormStores) MarkSucceeded(ctx context.Context, entityId, handlerName, reference string) error {
	return MarkIdempotencySucceeded(s.db(ctx), entityId, handlerName, reference)
}

func (s *GormStores) MarkFailed(ctx context.Context, entityId, handlerName, reference string, cause error) error {
	return MarkIdempotencyFailed(s.db(ctx), entityId, handlerName, reference, cause)
}
