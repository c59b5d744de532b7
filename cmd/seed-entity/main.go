// seed-entity creates (or refreshes) a development entity with a minimal
// chart of accounts and a partner approval policy, so the approval and
// conversion endpoints can be exercised against a fresh database.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//     go run ./cmd/seed-entity -entity-id ngi-capital-llc \
//     -legal-name "NGI Capital LLC" -partners andre@example.com,landon@example.com
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/lwhitworth8/ngi-capital-backend/config"
	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/lwhitworth8/ngi-capital-backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type seedAccount struct {
	name       string
	code       string
	mainType   models.AccountType
	detailType models.AccountDetailType
}

func defaultChart(partners []string) []seedAccount {
	chart := []seedAccount{
		{"Operating Bank Account", "1010", models.AccountTypeAsset, models.AccountDetailTypeBank},
		{"Petty Cash", "1000", models.AccountTypeAsset, models.AccountDetailTypeCash},
		{"Common Stock", "3100", models.AccountTypeEquity, models.AccountDetailTypeCommonStock},
		{"Additional Paid-In Capital", "3150", models.AccountTypeEquity, models.AccountDetailTypeAdditionalPaidInCapital},
		{"Retained Earnings", "3900", models.AccountTypeEquity, models.AccountDetailTypeRetainedEarnings},
	}
	// One member-equity account per partner so the conversion has balances to
	// reclassify.
	for i, p := range partners {
		chart = append(chart, seedAccount{
			name:       fmt.Sprintf("Member Equity - %s", p),
			code:       fmt.Sprintf("3%03d", i+1),
			mainType:   models.AccountTypeEquity,
			detailType: models.AccountDetailTypeMemberEquity,
		})
	}
	return chart
}

func main() {
	entityId := flag.String("entity-id", "ngi-capital-llc", "Entity id to seed")
	legalName := flag.String("legal-name", "NGI Capital LLC", "Entity legal name")
	timezone := flag.String("timezone", "America/Los_Angeles", "Entity timezone")
	partnersCsv := flag.String("partners", "", "Comma-separated partner emails (required; each becomes a required approver)")
	flag.Parse()

	partners := utils.NormalizeEmails(strings.Split(*partnersCsv, ","))
	if len(partners) < 2 {
		fmt.Fprintln(os.Stderr, "-partners requires at least two distinct emails; conversion approval needs more than one partner")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	models.MigrateTable()

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entity := models.Entity{
			ID:         *entityId,
			LegalName:  *legalName,
			EntityType: models.EntityTypeLLC,
			Timezone:   *timezone,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"legal_name", "timezone"}),
		}).Create(&entity).Error; err != nil {
			return fmt.Errorf("seed entity: %w", err)
		}

		for _, sa := range defaultChart(partners) {
			var existing models.Account
			err := tx.Where("entity_id = ? AND code = ?", *entityId, sa.code).First(&existing).Error
			if err == nil {
				continue
			}
			if err != gorm.ErrRecordNotFound {
				return fmt.Errorf("lookup account %s: %w", sa.code, err)
			}
			acc := models.Account{
				EntityId:   *entityId,
				Name:       sa.name,
				Code:       sa.code,
				MainType:   sa.mainType,
				DetailType: sa.detailType,
				IsActive:   true,
			}
			if err := tx.Create(&acc).Error; err != nil {
				return fmt.Errorf("seed account %s: %w", sa.code, err)
			}
		}

		// Replace the approval policy wholesale: the partner list passed on
		// the command line is the source of truth.
		if err := tx.Where("entity_id = ?", *entityId).Delete(&models.EntityApprovalPolicy{}).Error; err != nil {
			return fmt.Errorf("clear approval policy: %w", err)
		}
		for _, p := range partners {
			row := models.EntityApprovalPolicy{EntityId: *entityId, ApproverEmail: p}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("seed approver %s: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded entity %q with %d partner approvers: %s\n", *entityId, len(partners), strings.Join(partners, ", "))
}
