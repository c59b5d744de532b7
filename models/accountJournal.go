package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountJournal is a posted, immutable, balanced ledger entry. Rows are only
// ever created by the posting path; corrections are new journals, never edits.
type AccountJournal struct {
	ID                  int                  `gorm:"primary_key" json:"id"`
	EntityId            string               `gorm:"size:64;index;not null" json:"entity_id"`
	TransactionDateTime time.Time            `gorm:"not null;index" json:"transaction_date_time"`
	TransactionDetails  string               `gorm:"type:text" json:"transaction_details"`
	ReferenceId         int                  `gorm:"index:idx_journal_reference" json:"reference_id"`
	ReferenceType       AccountReferenceType `gorm:"size:10;index:idx_journal_reference" json:"reference_type"`
	AccountTransactions []AccountTransaction `gorm:"foreignKey:JournalId" json:"account_transactions"`
	CreatedAt           time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type AccountTransaction struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	JournalId           int             `gorm:"index;not null" json:"journal_id"`
	EntityId            string          `gorm:"size:64;index;not null" json:"entity_id"`
	AccountId           int             `gorm:"index;not null" json:"account_id"`
	TransactionDateTime time.Time       `gorm:"not null" json:"transaction_date_time"`
	Description         string          `gorm:"size:255" json:"description"`
	Debit               decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit"`
	Credit              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit"`
}

// GetExistingAccountJournal finds the posted journal for a document, if any.
// This is the idempotent-detection lookup the execution path relies on.
func GetExistingAccountJournal(tx *gorm.DB, referenceId int, referenceType AccountReferenceType) (*AccountJournal, error) {
	var journal AccountJournal
	err := tx.Preload("AccountTransactions").
		Where("reference_id = ? AND reference_type = ?", referenceId, referenceType).
		Order("id DESC").
		First(&journal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &journal, nil
}

// IsTrialBalanceBalanced checks that posted debits equal posted credits across
// the whole entity, at the ledger's 4-decimal precision.
func IsTrialBalanceBalanced(tx *gorm.DB, entityId string) (bool, error) {
	var imbalance int
	err := tx.Raw(`
SELECT
    CASE
        WHEN ROUND(COALESCE(SUM(debit), 0), 4) = ROUND(COALESCE(SUM(credit), 0), 4) THEN 0
        ELSE 1
    END AS imbalance
FROM account_transactions
WHERE entity_id = ?
`, entityId).Scan(&imbalance).Error
	if err != nil {
		return false, err
	}
	return imbalance == 0, nil
}
