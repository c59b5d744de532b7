package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ConversionRequest is the one-time entity restructuring request. The unique
// index on (entity_id, effective_date) is the storage-level half of the
// at-most-once execution guarantee: a second request row for the same key
// cannot exist, and the terminal status lives on the same row the index
// protects.
type ConversionRequest struct {
	ID               int              `gorm:"primary_key" json:"id"`
	EntityId         string           `gorm:"size:64;not null;index:uniq_conversion,unique" json:"entity_id" binding:"required"`
	EffectiveDate    time.Time        `gorm:"type:date;not null;index:uniq_conversion,unique" json:"effective_date" binding:"required"`
	Ein              string           `gorm:"size:20" json:"ein"`
	FormationState   string           `gorm:"size:40" json:"formation_state"`
	FormationDate    time.Time        `json:"formation_date"`
	ParValue         decimal.Decimal  `gorm:"type:decimal(20,6);default:0" json:"par_value"`
	AuthorizedShares int64            `json:"authorized_shares"`
	IssuedShares     int64            `json:"issued_shares"`
	DocumentIds      []byte           `gorm:"type:json" json:"document_ids"`
	Status           ConversionStatus `gorm:"size:30;not null;default:'Pending';index" json:"status"`
	LastVerdict      []byte           `gorm:"type:json" json:"last_verdict"`
	ExecutedJournalId *int            `json:"executed_journal_id"`
	ExecutedAt       *time.Time       `json:"executed_at"`
	LastError        *string          `gorm:"type:text" json:"last_error"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveDateKey formats the idempotency-key date the same way everywhere.
func (r *ConversionRequest) EffectiveDateKey() string {
	return r.EffectiveDate.UTC().Format("2006-01-02")
}

func (r *ConversionRequest) Subject() ApprovalSubject {
	return ConversionSubject(r.EntityId, r.EffectiveDate)
}

// ApplyConversionDetails copies the capital-structure fields of a repeat
// request onto the stored row. The first request for a key is often a bare
// prerequisite check; the EIN, par value, and share counts then arrive with a
// later submission and must not be dropped. Mutates row in place and returns
// the column map for persisting, empty when nothing changed.
func ApplyConversionDetails(row *ConversionRequest, incoming *ConversionRequest) map[string]interface{} {
	updates := map[string]interface{}{}
	if incoming.Ein != "" && incoming.Ein != row.Ein {
		row.Ein = incoming.Ein
		updates["ein"] = incoming.Ein
	}
	if incoming.FormationState != "" && incoming.FormationState != row.FormationState {
		row.FormationState = incoming.FormationState
		updates["formation_state"] = incoming.FormationState
	}
	if !incoming.FormationDate.IsZero() && !incoming.FormationDate.Equal(row.FormationDate) {
		row.FormationDate = incoming.FormationDate
		updates["formation_date"] = incoming.FormationDate
	}
	if incoming.ParValue.IsPositive() && !incoming.ParValue.Equal(row.ParValue) {
		row.ParValue = incoming.ParValue
		updates["par_value"] = incoming.ParValue
	}
	if incoming.AuthorizedShares > 0 && incoming.AuthorizedShares != row.AuthorizedShares {
		row.AuthorizedShares = incoming.AuthorizedShares
		updates["authorized_shares"] = incoming.AuthorizedShares
	}
	if incoming.IssuedShares > 0 && incoming.IssuedShares != row.IssuedShares {
		row.IssuedShares = incoming.IssuedShares
		updates["issued_shares"] = incoming.IssuedShares
	}
	if len(incoming.DocumentIds) > 0 {
		row.DocumentIds = incoming.DocumentIds
		updates["document_ids"] = incoming.DocumentIds
	}
	return updates
}

// GetConversionRequest loads the request for an idempotency key, or nil.
func GetConversionRequest(tx *gorm.DB, entityId string, effectiveDate time.Time) (*ConversionRequest, error) {
	var req ConversionRequest
	err := tx.Where("entity_id = ? AND effective_date = ?", entityId, effectiveDate.UTC().Format("2006-01-02")).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// GetConversionRequestForUpdate locks the row for the execute transaction.
func GetConversionRequestForUpdate(tx *gorm.DB, entityId string, effectiveDate time.Time) (*ConversionRequest, error) {
	var req ConversionRequest
	err := tx.Set("gorm:query_option", "FOR UPDATE").
		Where("entity_id = ? AND effective_date = ?", entityId, effectiveDate.UTC().Format("2006-01-02")).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// TransitionConversionStatus performs a compare-and-swap status update keyed
// on the expected current status. Returns false without error when the row
// was not in any of the expected statuses — the caller surfaces that as an
// invalid transition instead of overwriting concurrent progress.
func TransitionConversionStatus(tx *gorm.DB, requestId int, from []ConversionStatus, to ConversionStatus, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	res := tx.Model(&ConversionRequest{}).
		Where("id = ? AND status IN ?", requestId, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
