package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/lwhitworth8/ngi-capital-backend/config"
	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/lwhitworth8/ngi-capital-backend/utils"
	"github.com/sirupsen/logrus"
)

type JournalEntryStore interface {
	Get(ctx context.Context, entityId string, entryId int) (*models.JournalEntry, error)
	Transition(ctx context.Context, entryId int, from, to models.JournalEntryStatus, updates map[string]interface{}) (bool, error)
}

// RequirementSource supplies the required-approver set for a draft at
// submission time. Sensitivity rules (amount thresholds, account classes)
// live behind this interface, not in the engine.
type RequirementSource interface {
	RequiredApproversForEntry(ctx context.Context, entry *models.JournalEntry) ([]string, error)
}

// PostOutcome is the result of posting an approved draft.
type PostOutcome struct {
	JournalId     int  `json:"journal_id"`
	AlreadyPosted bool `json:"already_posted"`
}

// JournalApprovalWorkflow runs drafts through submit, approve and post. The
// requirement is snapshotted at submission with the preparer excluded;
// approval satisfaction is recomputed from records at every decision point.
type JournalApprovalWorkflow struct {
	Entries      JournalEntryStore
	Requirements RequirementSource
	Store        ApprovalStore
	Policy       *ApprovalPolicy
	Ledger       *ApprovalLedger
	Poster       LedgerPoster
	Scope        ExecutionScope
	Events       EventSink
	Logger       *logrus.Logger
}

// Submit moves a balanced draft into PendingApproval and snapshots its
// required-approver set. The preparer is struck from the set: nobody approves
// their own entry.
func (w *JournalApprovalWorkflow) Submit(ctx context.Context, entityId string, entryId int) (*Progress, error) {
	entry, err := w.Entries.Get(ctx, entityId, entryId)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.JournalEntryStatusDraft {
		return nil, fmt.Errorf("%w: cannot submit journal entry in status %s", ErrInvalidTransition, entry.Status)
	}
	if err := entry.CheckBalanced(); err != nil {
		return nil, err
	}

	approvers, err := w.Requirements.RequiredApproversForEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	approvers = excludeIdentity(utils.NormalizeEmails(approvers), entry.PreparedBy)
	if len(approvers) == 0 {
		return nil, ErrPolicyNotConfigured
	}

	subject := models.JournalEntrySubject(entityId, entryId)
	if err := w.Store.ReplaceRequirement(ctx, subject, approvers); err != nil {
		config.LogError(w.logger(), "journalApprovalWorkflow.go", "Submit", "ReplaceRequirement", subject, err)
		return nil, err
	}

	now := time.Now().UTC()
	moved, err := w.Entries.Transition(ctx, entryId,
		models.JournalEntryStatusDraft, models.JournalEntryStatusPendingApproval,
		map[string]interface{}{"submitted_at": now})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: journal entry status changed during submit", ErrInvalidTransition)
	}
	return w.Policy.ProgressFor(ctx, subject)
}

// Approve records one approver's sign-off on a pending draft. Re-approval is
// a no-op; the draft flips to Approved when the snapshot requirement is met.
func (w *JournalApprovalWorkflow) Approve(ctx context.Context, entityId string, entryId int, identity string) (*Progress, error) {
	entry, err := w.Entries.Get(ctx, entityId, entryId)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.JournalEntryStatusPendingApproval && entry.Status != models.JournalEntryStatusApproved {
		return nil, fmt.Errorf("%w: cannot approve journal entry in status %s", ErrInvalidTransition, entry.Status)
	}
	if utils.NormalizeEmail(identity) == utils.NormalizeEmail(entry.PreparedBy) {
		return nil, ErrUnauthorized
	}

	subject := models.JournalEntrySubject(entityId, entryId)
	can, err := w.Policy.CanApprove(ctx, subject, identity)
	if err != nil {
		return nil, err
	}
	if !can {
		return nil, ErrUnauthorized
	}

	outcome, err := w.Ledger.RecordApproval(ctx, subject, identity)
	if err != nil {
		return nil, err
	}
	if outcome.Applied {
		w.emit(ctx, entityId, models.ApprovalEventRecorded, subject, identity, nil)
	}

	satisfied, err := w.Policy.IsSatisfied(ctx, subject)
	if err != nil {
		return nil, err
	}
	if satisfied && entry.Status == models.JournalEntryStatusPendingApproval {
		now := time.Now().UTC()
		moved, err := w.Entries.Transition(ctx, entryId,
			models.JournalEntryStatusPendingApproval, models.JournalEntryStatusApproved,
			map[string]interface{}{"approved_at": now})
		if err != nil {
			return nil, err
		}
		if moved {
			w.emit(ctx, entityId, models.ApprovalEventSatisfied, subject, identity, nil)
		}
	}
	return w.Policy.ProgressFor(ctx, subject)
}

// Post writes an approved draft to the ledger. Satisfaction is recomputed
// from approval records before posting; the Approved status alone is never
// trusted. Posting the same entry twice returns the original journal.
func (w *JournalApprovalWorkflow) Post(ctx context.Context, entityId string, entryId int, actor string) (*PostOutcome, error) {
	var outcome *PostOutcome
	err := w.Scope.RunExclusive(ctx, entityId, func(ctx context.Context) error {
		entry, err := w.Entries.Get(ctx, entityId, entryId)
		if err != nil {
			return err
		}
		if entry.Status == models.JournalEntryStatusPosted {
			existing, err := w.Poster.ExistingEntry(ctx, entry.ID, models.AccountReferenceTypeJournalEntry)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("journal entry %d marked Posted but no posted journal found", entry.ID)
			}
			outcome = &PostOutcome{JournalId: existing.ID, AlreadyPosted: true}
			return nil
		}
		if entry.Status != models.JournalEntryStatusApproved {
			return fmt.Errorf("%w: cannot post journal entry in status %s", ErrInvalidTransition, entry.Status)
		}

		subject := models.JournalEntrySubject(entityId, entryId)
		satisfied, err := w.Policy.IsSatisfied(ctx, subject)
		if err != nil {
			return err
		}
		if !satisfied {
			_, terr := w.Entries.Transition(ctx, entryId,
				models.JournalEntryStatusApproved, models.JournalEntryStatusPendingApproval, nil)
			if terr != nil {
				return terr
			}
			return fmt.Errorf("%w: approval requirement is no longer satisfied", ErrInvalidTransition)
		}
		if err := entry.CheckBalanced(); err != nil {
			return err
		}

		lines := make([]models.AccountTransaction, 0, len(entry.Lines))
		for _, line := range entry.Lines {
			lines = append(lines, models.AccountTransaction{
				EntityId:            entityId,
				AccountId:           line.AccountId,
				TransactionDateTime: entry.EntryDate,
				Description:         line.Description,
				Debit:               line.Debit,
				Credit:              line.Credit,
			})
		}
		journalId, err := w.Poster.PostBalancedEntry(ctx, entityId, entry.EntryDate, entry.Memo, entry.ID, models.AccountReferenceTypeJournalEntry, lines)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExternalPostingFailure, err)
		}

		now := time.Now().UTC()
		moved, err := w.Entries.Transition(ctx, entryId,
			models.JournalEntryStatusApproved, models.JournalEntryStatusPosted,
			map[string]interface{}{"posted_journal_id": journalId, "posted_at": now})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: journal entry status changed during post", ErrInvalidTransition)
		}
		w.emit(ctx, entityId, models.ApprovalEventEntryPosted, subject, actor, map[string]int{"journal_id": journalId})
		outcome = &PostOutcome{JournalId: journalId}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (w *JournalApprovalWorkflow) emit(ctx context.Context, entityId, eventType string, subject models.ApprovalSubject, actor string, payload interface{}) {
	if w.Events == nil {
		return
	}
	if err := w.Events.Emit(ctx, entityId, eventType, subject, actor, payload); err != nil {
		config.LogError(w.logger(), "journalApprovalWorkflow.go", "emit", eventType, subject, err)
	}
}

func excludeIdentity(identities []string, excluded string) []string {
	ex := utils.NormalizeEmail(excluded)
	out := make([]string, 0, len(identities))
	for _, id := range identities {
		if id != ex {
			out = append(out, id)
		}
	}
	return out
}

func (w *JournalApprovalWorkflow) logger() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return config.GetLogger()
}
