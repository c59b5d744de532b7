package models

// AccountReferenceType tags a posted account journal with the document that
// produced it. The reference id + type pair is the idempotent-detection key
// for re-posting.
type AccountReferenceType string

const (
	AccountReferenceTypeJournalEntry AccountReferenceType = "JE"
	AccountReferenceTypeConversion   AccountReferenceType = "CV"
)

// ApprovalSubjectKind mirrors AccountReferenceType for the approval substrate.
// Kept as its own type so approval storage never depends on posting concerns.
type ApprovalSubjectKind string

const (
	ApprovalSubjectJournalEntry ApprovalSubjectKind = "JournalEntry"
	ApprovalSubjectConversion   ApprovalSubjectKind = "Conversion"
)

type ConversionStatus string

const (
	ConversionStatusPending              ConversionStatus = "Pending"
	ConversionStatusPrerequisitesBlocked ConversionStatus = "PrerequisitesBlocked"
	ConversionStatusAwaitingApproval     ConversionStatus = "AwaitingApproval"
	ConversionStatusApproved             ConversionStatus = "Approved"
	ConversionStatusExecuted             ConversionStatus = "Executed"
	ConversionStatusExecutionFailed      ConversionStatus = "ExecutionFailed"
)

// IsTerminal reports whether no further transition is permitted.
// Executed is one-way; ExecutionFailed re-enters via a fresh evaluation pass.
func (s ConversionStatus) IsTerminal() bool {
	return s == ConversionStatusExecuted
}

type JournalEntryStatus string

const (
	JournalEntryStatusDraft           JournalEntryStatus = "Draft"
	JournalEntryStatusPendingApproval JournalEntryStatus = "PendingApproval"
	JournalEntryStatusApproved        JournalEntryStatus = "Approved"
	JournalEntryStatusPosted          JournalEntryStatus = "Posted"
)

type EntityType string

const (
	EntityTypeLLC   EntityType = "LLC"
	EntityTypeCCorp EntityType = "C-Corp"
)

type AccountType string

const (
	AccountTypeAsset     AccountType = "Asset"
	AccountTypeLiability AccountType = "Liability"
	AccountTypeEquity    AccountType = "Equity"
	AccountTypeIncome    AccountType = "Income"
	AccountTypeExpense   AccountType = "Expense"
)

type AccountDetailType string

const (
	AccountDetailTypeCash                    AccountDetailType = "Cash"
	AccountDetailTypeBank                    AccountDetailType = "Bank"
	AccountDetailTypeMemberEquity            AccountDetailType = "MemberEquity"
	AccountDetailTypeCommonStock             AccountDetailType = "CommonStock"
	AccountDetailTypeAdditionalPaidInCapital AccountDetailType = "AdditionalPaidInCapital"
	AccountDetailTypeRetainedEarnings        AccountDetailType = "RetainedEarnings"
	AccountDetailTypeOther                   AccountDetailType = "Other"
)

type SourceDocumentStatus string

const (
	SourceDocumentStatusUploaded  SourceDocumentStatus = "Uploaded"
	SourceDocumentStatusExtracted SourceDocumentStatus = "Extracted"
	SourceDocumentStatusPosted    SourceDocumentStatus = "Posted"
)

// Outbox publish lifecycle, dispatcher-side.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Approval event types emitted through the outbox.
const (
	ApprovalEventRecorded           = "approval.recorded"
	ApprovalEventSatisfied          = "approval.satisfied"
	ApprovalEventConversionExecuted = "conversion.executed"
	ApprovalEventConversionFailed   = "conversion.execution_failed"
	ApprovalEventEntryPosted        = "journal_entry.posted"
)
