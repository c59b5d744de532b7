package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/shopspring/decimal"
)

// LedgerPoster is the posting contract of the external ledger engine. The
// gorm implementation enforces the accounting lock and balance before
// writing; any collaborator satisfying the interface works.
type LedgerPoster interface {
	// PostBalancedEntry writes one balanced journal and returns its id. Fails
	// if the accounting period is closed or the lines do not balance.
	PostBalancedEntry(ctx context.Context, entityId string, effectiveDate time.Time, details string, referenceId int, referenceType models.AccountReferenceType, lines []models.AccountTransaction) (int, error)
	// ExistingEntry returns the journal already posted for a reference, if
	// any. This is what makes the ledger write idempotent.
	ExistingEntry(ctx context.Context, referenceId int, referenceType models.AccountReferenceType) (*models.AccountJournal, error)
}

// EquitySource reads the capital-account state the reclassification is built
// from.
type EquitySource interface {
	MemberEquityBalances(ctx context.Context, entityId string, asOf time.Time) ([]models.EquityBalance, error)
	FindAccountByDetailType(ctx context.Context, entityId string, detailType models.AccountDetailType) (*models.Account, error)
}

type ExecutionResult struct {
	JournalEntryId int                         `json:"journal_entry_id"`
	Lines          []models.AccountTransaction `json:"lines"`
	AlreadyPosted  bool                        `json:"already_posted"`
}

// ExecutionEngine performs the ledger mutation for an approved conversion:
// each member-equity balance is debited to zero, common stock is credited at
// par times issued shares, and the remainder goes to additional paid-in
// capital. The result is rechecked for balance before posting even though the
// generator is internal — a future change to the split logic must not be able
// to post an unbalanced entry.
type ExecutionEngine struct {
	Poster LedgerPoster
	Source EquitySource
}

func (e *ExecutionEngine) Execute(ctx context.Context, req *models.ConversionRequest) (*ExecutionResult, error) {
	// Idempotent ledger write: if a reclassification for this request already
	// exists (a prior attempt posted but the status flag never landed), adopt
	// it instead of posting again.
	existing, err := e.Poster.ExistingEntry(ctx, req.ID, models.AccountReferenceTypeConversion)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &ExecutionResult{
			JournalEntryId: existing.ID,
			Lines:          existing.AccountTransactions,
			AlreadyPosted:  true,
		}, nil
	}

	lines, err := e.BuildReclassification(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := checkZeroSum(lines); err != nil {
		return nil, err
	}

	details := fmt.Sprintf("Entity conversion: member equity to common stock and additional paid-in capital, effective %s", req.EffectiveDateKey())
	journalId, err := e.Poster.PostBalancedEntry(ctx, req.EntityId, req.EffectiveDate, details, req.ID, models.AccountReferenceTypeConversion, lines)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternalPostingFailure, err)
	}
	return &ExecutionResult{JournalEntryId: journalId, Lines: lines}, nil
}

// BuildReclassification generates the balanced line set for the conversion.
func (e *ExecutionEngine) BuildReclassification(ctx context.Context, req *models.ConversionRequest) ([]models.AccountTransaction, error) {
	if req.IssuedShares <= 0 {
		return nil, fmt.Errorf("issued share count must be positive, got %d", req.IssuedShares)
	}

	balances, err := e.Source.MemberEquityBalances(ctx, req.EntityId, req.EffectiveDate)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b.Balance)
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("no member equity to reclassify: aggregate balance is %s", total.String())
	}

	commonStockAmount := req.ParValue.Mul(decimal.NewFromInt(req.IssuedShares))
	if commonStockAmount.GreaterThan(total) {
		return nil, fmt.Errorf("aggregate par value %s exceeds member equity %s", commonStockAmount.String(), total.String())
	}
	apicAmount := total.Sub(commonStockAmount)

	commonStock, err := e.Source.FindAccountByDetailType(ctx, req.EntityId, models.AccountDetailTypeCommonStock)
	if err != nil {
		return nil, err
	}
	apic, err := e.Source.FindAccountByDetailType(ctx, req.EntityId, models.AccountDetailTypeAdditionalPaidInCapital)
	if err != nil {
		return nil, err
	}

	lines := make([]models.AccountTransaction, 0, len(balances)+2)
	for _, b := range balances {
		if b.Balance.IsZero() {
			continue
		}
		lines = append(lines, models.AccountTransaction{
			EntityId:            req.EntityId,
			AccountId:           b.AccountId,
			TransactionDateTime: req.EffectiveDate,
			Description:         "Close out " + b.AccountName,
			Debit:               b.Balance,
		})
	}
	lines = append(lines, models.AccountTransaction{
		EntityId:            req.EntityId,
		AccountId:           commonStock.ID,
		TransactionDateTime: req.EffectiveDate,
		Description:         fmt.Sprintf("Common stock, %d shares at %s par", req.IssuedShares, req.ParValue.String()),
		Credit:              commonStockAmount,
	})
	if apicAmount.IsPositive() {
		lines = append(lines, models.AccountTransaction{
			EntityId:            req.EntityId,
			AccountId:           apic.ID,
			TransactionDateTime: req.EffectiveDate,
			Description:         "Additional paid-in capital",
			Credit:              apicAmount,
		})
	}
	return lines, nil
}

func checkZeroSum(lines []models.AccountTransaction) error {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s vs credit %s", ErrUnbalancedResult, debit.String(), credit.String())
	}
	return nil
}
