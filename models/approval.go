package models

import (
	"fmt"
	"strconv"
	"time"
)

// ApprovalSubject identifies the thing being approved. Conversions are keyed
// by effective date, so two requests for the same (entity, date) share one
// subject — that pair is also the conversion idempotency key.
type ApprovalSubject struct {
	Kind      ApprovalSubjectKind `json:"kind"`
	EntityId  string              `json:"entity_id"`
	Reference string              `json:"reference"`
}

func JournalEntrySubject(entityId string, entryId int) ApprovalSubject {
	return ApprovalSubject{
		Kind:      ApprovalSubjectJournalEntry,
		EntityId:  entityId,
		Reference: strconv.Itoa(entryId),
	}
}

func ConversionSubject(entityId string, effectiveDate time.Time) ApprovalSubject {
	return ApprovalSubject{
		Kind:      ApprovalSubjectConversion,
		EntityId:  entityId,
		Reference: effectiveDate.UTC().Format("2006-01-02"),
	}
}

func (s ApprovalSubject) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Kind, s.EntityId, s.Reference)
}

// ApprovalRecord is one approver's recorded approval of one subject.
// Append-only. The unique index makes a second approval by the same identity
// a duplicate-key no-op rather than a second row.
type ApprovalRecord struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	SubjectKind   ApprovalSubjectKind `gorm:"size:20;not null;index:uniq_approval,unique" json:"subject_kind"`
	EntityId      string              `gorm:"size:64;not null;index:uniq_approval,unique" json:"entity_id"`
	Reference     string              `gorm:"size:64;not null;index:uniq_approval,unique" json:"reference"`
	ApproverEmail string              `gorm:"size:255;not null;index:uniq_approval,unique" json:"approver_email"`
	ApprovedAt    time.Time           `gorm:"not null" json:"approved_at"`
	CorrelationId string              `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// ApprovalRequirement is a snapshot row of one identity in a journal entry's
// required-approver set, written when the entry is submitted. Conversions do
// not use these rows; their requirement is derived live from the entity
// policy so partner changes apply to in-flight requests.
type ApprovalRequirement struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	SubjectKind   ApprovalSubjectKind `gorm:"size:20;not null;index:uniq_requirement,unique" json:"subject_kind"`
	EntityId      string              `gorm:"size:64;not null;index:uniq_requirement,unique" json:"entity_id"`
	Reference     string              `gorm:"size:64;not null;index:uniq_requirement,unique" json:"reference"`
	ApproverEmail string              `gorm:"size:255;not null;index:uniq_requirement,unique" json:"approver_email"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// EntityApprovalPolicy is the configured required-approver set for an
// entity's conversions (the partner list). One row per partner.
type EntityApprovalPolicy struct {
	ID            int       `gorm:"primary_key" json:"id"`
	EntityId      string    `gorm:"size:64;not null;index:uniq_policy,unique" json:"entity_id"`
	ApproverEmail string    `gorm:"size:255;not null;index:uniq_policy,unique" json:"approver_email"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
