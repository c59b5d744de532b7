package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// JournalEntry is the draft-side document. The posted ledger row it eventually
// produces is an AccountJournal; the two are linked by PostedJournalId.
type JournalEntry struct {
	ID              int                `gorm:"primary_key" json:"id"`
	EntityId        string             `gorm:"size:64;index;not null" json:"entity_id" binding:"required"`
	EntryNumber     string             `gorm:"size:64" json:"entry_number"`
	EntryDate       time.Time          `gorm:"not null" json:"entry_date" binding:"required"`
	Memo            string             `gorm:"type:text" json:"memo"`
	PreparedBy      string             `gorm:"size:255;not null" json:"prepared_by"`
	Status          JournalEntryStatus `gorm:"size:30;not null;default:'Draft';index" json:"status"`
	TotalAmount     decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	PostedJournalId *int               `json:"posted_journal_id"`
	SubmittedAt     *time.Time         `json:"submitted_at"`
	ApprovedAt      *time.Time         `json:"approved_at"`
	PostedAt        *time.Time         `json:"posted_at"`
	Lines           []JournalEntryLine `gorm:"foreignKey:JournalEntryId" json:"lines"`
	CreatedAt       time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type JournalEntryLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	JournalEntryId int             `gorm:"index;not null" json:"journal_entry_id"`
	AccountId      int             `gorm:"index;not null" json:"account_id" binding:"required"`
	Description    string          `gorm:"size:255" json:"description"`
	Debit          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit"`
	Credit         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit"`
}

func GetJournalEntry(tx *gorm.DB, entityId string, entryId int) (*JournalEntry, error) {
	var entry JournalEntry
	err := tx.Preload("Lines").
		Where("id = ? AND entity_id = ?", entryId, entityId).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("journal entry not found")
		}
		return nil, err
	}
	return &entry, nil
}

// CheckBalanced verifies debits equal credits across the draft's lines.
func (e *JournalEntry) CheckBalanced() error {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, line := range e.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return errors.New("journal entry is not balanced: debit " + debit.String() + " vs credit " + credit.String())
	}
	return nil
}

// TransitionJournalEntryStatus performs a compare-and-swap status update.
// Returns false (no error) if the row was not in the expected status, so the
// caller can reject with a stale-state error instead of silently overwriting.
func TransitionJournalEntryStatus(tx *gorm.DB, entryId int, from JournalEntryStatus, to JournalEntryStatus, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	res := tx.Model(&JournalEntry{}).
		Where("id = ? AND status = ?", entryId, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
