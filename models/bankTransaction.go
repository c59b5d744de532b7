package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BankTransaction is imported bank feed activity. The reconciliation UI flips
// Reconciled once a row is matched against the ledger; this engine only reads
// the flag.
type BankTransaction struct {
	ID              int             `gorm:"primary_key" json:"id"`
	EntityId        string          `gorm:"size:64;index;not null" json:"entity_id"`
	AccountId       int             `gorm:"index" json:"account_id"`
	TransactionDate time.Time       `gorm:"not null" json:"transaction_date"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Description     string          `gorm:"size:255" json:"description"`
	Reconciled      bool            `gorm:"default:false;index" json:"reconciled"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SourceDocument is a document from the extraction pipeline. Posted means its
// resulting entry has hit the ledger; anything else blocks a conversion.
type SourceDocument struct {
	ID             int                  `gorm:"primary_key" json:"id"`
	EntityId       string               `gorm:"size:64;index;not null" json:"entity_id"`
	FileName       string               `gorm:"size:255" json:"file_name"`
	DocType        string               `gorm:"size:64" json:"doc_type"`
	Status         SourceDocumentStatus `gorm:"size:20;not null;default:'Uploaded';index" json:"status"`
	JournalEntryId *int                 `json:"journal_entry_id"`
	CreatedAt      time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// The four ledger-health reads backing the prerequisite evaluator. Each is a
// fresh query; nothing here caches.

func HasUnreconciledBankActivity(tx *gorm.DB, entityId string) (bool, error) {
	var count int64
	err := tx.Model(&BankTransaction{}).
		Where("entity_id = ? AND reconciled = 0", entityId).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func HasUnapprovedDrafts(tx *gorm.DB, entityId string) (bool, error) {
	var count int64
	err := tx.Model(&JournalEntry{}).
		Where("entity_id = ? AND status IN ?", entityId,
			[]JournalEntryStatus{JournalEntryStatusDraft, JournalEntryStatusPendingApproval}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func HasUnpostedDocuments(tx *gorm.DB, entityId string) (bool, error) {
	var count int64
	err := tx.Model(&SourceDocument{}).
		Where("entity_id = ? AND status <> ?", entityId, SourceDocumentStatusPosted).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
