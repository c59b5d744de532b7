package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lwhitworth8/ngi-capital-backend/config"
	"github.com/lwhitworth8/ngi-capital-backend/utils"
	"gorm.io/gorm"
)

// Entity is one accounting entity (an LLC or the C-Corp it becomes).
// AccountingLockDate is the period-close boundary: nothing may post on or
// before it.
type Entity struct {
	ID                 string     `gorm:"primary_key;size:64" json:"id"`
	LegalName          string     `gorm:"size:255;not null" json:"legal_name" binding:"required"`
	EntityType         EntityType `gorm:"size:20;not null" json:"entity_type"`
	Timezone           string     `gorm:"size:64" json:"timezone"`
	AccountingLockDate time.Time  `json:"accounting_lock_date"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e *Entity) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func GetEntityById(ctx context.Context, entityId string) (*Entity, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	return getEntityById(db.WithContext(ctx), entityId)
}

// GetEntityById2 is the transaction-scoped variant used inside workflows.
func GetEntityById2(tx *gorm.DB, entityId string) (*Entity, error) {
	return getEntityById(tx, entityId)
}

func getEntityById(tx *gorm.DB, entityId string) (*Entity, error) {
	var entity Entity
	err := tx.Where("id = ?", entityId).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &entity, nil
}

// ValidateAccountingLock enforces the period close server-side. Safe to call
// from both API mutations and the execution path.
func ValidateAccountingLock(tx *gorm.DB, transactionDate time.Time, entityId string) error {
	entity, err := getEntityById(tx, entityId)
	if err != nil {
		return err
	}
	tDate, err := utils.ConvertToDate(transactionDate, entity.Timezone)
	if err != nil {
		return err
	}
	lDate, err := utils.ConvertToDate(entity.AccountingLockDate, entity.Timezone)
	if err != nil {
		return err
	}
	if !tDate.After(lDate) {
		return errors.New("accounting period has been closed for this date")
	}
	return nil
}
