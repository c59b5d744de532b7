package reports

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lwhitworth8/ngi-capital-backend/config"
	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/xuri/excelize/v2"
)

// ApprovalAuditRow is one line of the approval audit trail: every recorded
// approval joined with the requirement it counted toward.
type ApprovalAuditRow struct {
	SubjectKind   string `json:"subject_kind"`
	Reference     string `json:"reference"`
	ApproverEmail string `json:"approver_email"`
	ApprovedAt    string `json:"approved_at"`
	CorrelationId string `json:"correlation_id"`
}

func getApprovalAuditRows(ctx context.Context, entityId string) ([]*ApprovalAuditRow, error) {
	if entityId == "" {
		return nil, errors.New("entity id is required")
	}
	var rows []*ApprovalAuditRow
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	err := db.WithContext(ctx).Model(&models.ApprovalRecord{}).
		Select("subject_kind, reference, approver_email, DATE_FORMAT(approved_at, '%Y-%m-%dT%H:%i:%sZ') AS approved_at, correlation_id").
		Where("entity_id = ?", entityId).
		Order("approved_at ASC, id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// WriteApprovalAuditExcel streams the audit trail of an entity as an xlsx
// workbook.
func WriteApprovalAuditExcel(ctx context.Context, w http.ResponseWriter, entityId string) error {
	rows, err := getApprovalAuditRows(ctx, entityId)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheet := "Sheet1"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	f.SetCellValue(sheet, "A1", "SubjectKind")
	f.SetCellValue(sheet, "B1", "Reference")
	f.SetCellValue(sheet, "C1", "ApproverEmail")
	f.SetCellValue(sheet, "D1", "ApprovedAt")
	f.SetCellValue(sheet, "E1", "CorrelationId")

	for i, row := range rows {
		f.SetCellValue(sheet, "A"+fmt.Sprint(i+2), row.SubjectKind)
		f.SetCellValue(sheet, "B"+fmt.Sprint(i+2), row.Reference)
		f.SetCellValue(sheet, "C"+fmt.Sprint(i+2), row.ApproverEmail)
		f.SetCellValue(sheet, "D"+fmt.Sprint(i+2), row.ApprovedAt)
		f.SetCellValue(sheet, "E"+fmt.Sprint(i+2), row.CorrelationId)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=approval-audit-"+entityId+".xlsx")
	return f.Write(w)
}
