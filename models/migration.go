package models

import (
	"log"

	"github.com/lwhitworth8/ngi-capital-backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Entity{}, &Account{},
		&AccountJournal{}, &AccountTransaction{},
		&JournalEntry{}, &JournalEntryLine{},
		&BankTransaction{}, &SourceDocument{},
		&ApprovalRecord{}, &ApprovalRequirement{}, &EntityApprovalPolicy{},
		&ConversionRequest{},
		&IdempotencyKey{},
		&ApprovalEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
