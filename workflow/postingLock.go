package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireEntityPostingLock serializes ledger mutations per entity across
// instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will do the posting transaction.
func AcquireEntityPostingLock(tx *gorm.DB, entityId string) error {
	lockName := fmt.Sprintf("posting:%s", entityId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for entity_id=%s", entityId)
	}
	return nil
}

func ReleaseEntityPostingLock(tx *gorm.DB, entityId string) {
	lockName := fmt.Sprintf("posting:%s", entityId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
