package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Account struct {
	ID         int               `gorm:"primary_key" json:"id"`
	EntityId   string            `gorm:"size:64;index;not null" json:"entity_id" binding:"required"`
	Name       string            `gorm:"size:255;not null" json:"name" binding:"required"`
	Code       string            `gorm:"size:32" json:"code"`
	MainType   AccountType       `gorm:"size:20;not null" json:"main_type"`
	DetailType AccountDetailType `gorm:"size:40;not null" json:"detail_type"`
	IsActive   bool              `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetAccount(tx *gorm.DB, accountId int) (*Account, error) {
	var acc Account
	if err := tx.Where("id = ?", accountId).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// FindAccountByDetailType returns the single active account of the given
// detail type for an entity. Conversion needs exactly one CommonStock and one
// AdditionalPaidInCapital account to exist.
func FindAccountByDetailType(tx *gorm.DB, entityId string, detailType AccountDetailType) (*Account, error) {
	var accs []Account
	if err := tx.Where("entity_id = ? AND detail_type = ? AND is_active = 1", entityId, detailType).
		Find(&accs).Error; err != nil {
		return nil, err
	}
	if len(accs) == 0 {
		return nil, errors.New("no active account with detail type " + string(detailType))
	}
	if len(accs) > 1 {
		return nil, errors.New("multiple active accounts with detail type " + string(detailType))
	}
	return &accs[0], nil
}

// EquityBalance is a member capital account's net credit balance as of a date.
type EquityBalance struct {
	AccountId   int             `json:"account_id"`
	AccountName string          `json:"account_name"`
	Balance     decimal.Decimal `json:"balance"`
}

// MemberEquityBalances returns the net balance (credits minus debits, the
// natural equity sign) of every member-equity account, from the posted ledger
// only, from posted ledger transactions as of the given date.
func MemberEquityBalances(tx *gorm.DB, entityId string, asOf time.Time) ([]EquityBalance, error) {
	var rows []EquityBalance
	err := tx.Raw(`
SELECT
    accounts.id AS account_id,
    accounts.name AS account_name,
    COALESCE(SUM(account_transactions.credit - account_transactions.debit), 0) AS balance
FROM
    accounts
    LEFT JOIN account_transactions ON account_transactions.account_id = accounts.id
        AND account_transactions.transaction_date_time <= ?
WHERE
    accounts.entity_id = ?
    AND accounts.detail_type = ?
    AND accounts.is_active = 1
GROUP BY accounts.id, accounts.name
ORDER BY accounts.id
`, asOf, entityId, AccountDetailTypeMemberEquity).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
