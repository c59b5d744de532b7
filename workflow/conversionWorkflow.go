package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lwhitworth8/ngi-capital-backend/config"
	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/lwhitworth8/ngi-capital-backend/utils"
	"github.com/sirupsen/logrus"
)

// ConversionStore persists conversion requests. The gorm implementation backs
// Transition with a compare-and-swap UPDATE and GetForUpdate with a row lock.
type ConversionStore interface {
	// GetOrCreate returns the existing request for (entity, effective date) or
	// creates it in Pending. Creation races resolve to the winner's row.
	GetOrCreate(ctx context.Context, req models.ConversionRequest) (*models.ConversionRequest, error)
	Get(ctx context.Context, entityId string, effectiveDate time.Time) (*models.ConversionRequest, error)
	GetForUpdate(ctx context.Context, entityId string, effectiveDate time.Time) (*models.ConversionRequest, error)
	// Transition moves the request between statuses iff it is currently in
	// one of the from statuses. Returns false when the guard did not match.
	Transition(ctx context.Context, requestId int, from []models.ConversionStatus, to models.ConversionStatus, updates map[string]interface{}) (bool, error)
}

// ExecutionScope serializes the critical section per entity. The gorm
// implementation opens a transaction and takes the entity posting lock so the
// re-validation and the ledger write cannot interleave with a concurrent
// execute on another instance.
type ExecutionScope interface {
	RunExclusive(ctx context.Context, entityId string, fn func(ctx context.Context) error) error
}

// EventSink records workflow events for downstream consumers. The gorm
// implementation writes outbox rows in the caller's transaction.
type EventSink interface {
	Emit(ctx context.Context, entityId, eventType string, subject models.ApprovalSubject, actorEmail string, payload interface{}) error
}

// IdempotencyGuard is the durable started/succeeded/failed marker around the
// execution handler.
type IdempotencyGuard interface {
	Begin(ctx context.Context, entityId, handlerName, reference string) (skip bool, err error)
	MarkSucceeded(ctx context.Context, entityId, handlerName, reference string) error
	MarkFailed(ctx context.Context, entityId, handlerName, reference string, cause error) error
}

const handlerConversionExecute = "ConversionExecute"

// ConversionWorkflow orchestrates the one-time entity conversion:
// prerequisite evaluation, partner approval, and the guarded execution that
// reclassifies member equity into common stock and additional paid-in
// capital. Status on the request row is a projection for readers; every
// decision point recomputes prerequisites and approval satisfaction from
// source data.
type ConversionWorkflow struct {
	Store       ConversionStore
	Evaluator   *PrerequisiteEvaluator
	Policy      *ApprovalPolicy
	Ledger      *ApprovalLedger
	Engine      *ExecutionEngine
	Scope       ExecutionScope
	Idempotency IdempotencyGuard
	Events      EventSink
	Logger      *logrus.Logger
}

// EvaluatePrerequisites runs the four ledger-health checks and moves the
// request between Pending, PrerequisitesBlocked and AwaitingApproval. The
// first call for an (entity, effective date) key creates the request row.
// Safe to call repeatedly; each call records a fresh verdict. An executed
// request still answers with a live verdict; only transitions are barred.
func (w *ConversionWorkflow) EvaluatePrerequisites(ctx context.Context, input models.ConversionRequest) (*models.ConversionRequest, *PrerequisiteVerdict, error) {
	input.Status = models.ConversionStatusPending
	req, err := w.Store.GetOrCreate(ctx, input)
	if err != nil {
		config.LogError(w.logger(), "conversionWorkflow.go", "EvaluatePrerequisites", "GetOrCreate", input.EntityId, err)
		return nil, nil, err
	}
	if req.Status.IsTerminal() {
		v := w.Evaluator.Evaluate(ctx, req.EntityId, req.EffectiveDate)
		return req, &v, nil
	}

	verdict := w.Evaluator.Evaluate(ctx, req.EntityId, req.EffectiveDate)
	updates := map[string]interface{}{"last_verdict": marshalVerdict(w.logger(), &verdict)}

	to := req.Status
	if verdict.Ok {
		switch req.Status {
		case models.ConversionStatusPending, models.ConversionStatusPrerequisitesBlocked, models.ConversionStatusExecutionFailed:
			to = models.ConversionStatusAwaitingApproval
		}
	} else {
		to = models.ConversionStatusPrerequisitesBlocked
	}

	moved, err := w.Store.Transition(ctx, req.ID, []models.ConversionStatus{req.Status}, to, updates)
	if err != nil {
		return nil, nil, err
	}
	if !moved {
		// Lost a race with a concurrent transition; the reload below reflects
		// whoever won.
		w.logger().WithFields(logrus.Fields{
			"entity_id": req.EntityId,
			"from":      req.Status,
			"to":        to,
		}).Info("prerequisite evaluation lost a status race")
	}
	fresh, err := w.Store.Get(ctx, req.EntityId, req.EffectiveDate)
	if err != nil {
		return nil, nil, err
	}
	return fresh, &verdict, nil
}

// Approve records one partner's sign-off. Re-approval by the same identity is
// a no-op. When the final required partner approves, the request advances to
// Approved.
func (w *ConversionWorkflow) Approve(ctx context.Context, entityId string, effectiveDate time.Time, identity string) (*Progress, error) {
	req, err := w.Store.Get(ctx, entityId, effectiveDate)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: no conversion request for entity %s effective %s", ErrInvalidTransition, entityId, effectiveDate.Format("2006-01-02"))
	}
	if req.Status.IsTerminal() {
		return nil, ErrAlreadyExecuted
	}
	if req.Status != models.ConversionStatusAwaitingApproval && req.Status != models.ConversionStatusApproved {
		return nil, fmt.Errorf("%w: cannot approve conversion in status %s", ErrInvalidTransition, req.Status)
	}

	subject := req.Subject()
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
	if satisfied && req.Status == models.ConversionStatusAwaitingApproval {
		moved, err := w.Store.Transition(ctx, req.ID,
			[]models.ConversionStatus{models.ConversionStatusAwaitingApproval},
			models.ConversionStatusApproved, nil)
		if err != nil {
			return nil, err
		}
		if moved {
			w.emit(ctx, entityId, models.ApprovalEventSatisfied, subject, identity, nil)
		}
	}
	return w.Policy.ProgressFor(ctx, subject)
}

// Execute performs the conversion at most once. Inside the per-entity
// exclusive scope it re-validates prerequisites and approval satisfaction
// against current data, posts the reclassification, and marks the request
// Executed. A failed re-validation demotes the request instead of executing.
// Calling Execute again after success returns the original result.
func (w *ConversionWorkflow) Execute(ctx context.Context, entityId string, effectiveDate time.Time, actor string) (*ExecutionResult, *PrerequisiteVerdict, error) {
	var (
		result  *ExecutionResult
		verdict *PrerequisiteVerdict
	)
	err := w.Scope.RunExclusive(ctx, entityId, func(ctx context.Context) error {
		req, err := w.Store.GetForUpdate(ctx, entityId, effectiveDate)
		if err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("%w: no conversion request for entity %s effective %s", ErrInvalidTransition, entityId, effectiveDate.Format("2006-01-02"))
		}
		if req.Status.IsTerminal() {
			result, err = w.executedResult(ctx, req)
			return err
		}
		if req.Status != models.ConversionStatusApproved {
			return fmt.Errorf("%w: cannot execute conversion in status %s", ErrInvalidTransition, req.Status)
		}

		// Mandatory re-validation. The approval could be minutes or months
		// old; only current ledger state counts.
		v := w.Evaluator.Evaluate(ctx, req.EntityId, req.EffectiveDate)
		verdict = &v
		if !v.Ok {
			_, terr := w.Store.Transition(ctx, req.ID,
				[]models.ConversionStatus{models.ConversionStatusApproved},
				models.ConversionStatusPrerequisitesBlocked,
				map[string]interface{}{"last_verdict": marshalVerdict(w.logger(), &v)})
			if terr != nil {
				return terr
			}
			return fmt.Errorf("%w: %s", ErrPrerequisitesBlocked, strings.Join(v.Reasons(), "; "))
		}

		subject := req.Subject()
		satisfied, err := w.Policy.IsSatisfied(ctx, subject)
		if err != nil {
			return err
		}
		if !satisfied {
			// Policy changed underneath the Approved projection. Demote and
			// let the partners re-approve.
			_, terr := w.Store.Transition(ctx, req.ID,
				[]models.ConversionStatus{models.ConversionStatusApproved},
				models.ConversionStatusAwaitingApproval, nil)
			if terr != nil {
				return terr
			}
			return fmt.Errorf("%w: approval requirement is no longer satisfied", ErrInvalidTransition)
		}

		// Durable marker around the ledger write. If a prior attempt posted
		// the journal but crashed before flagging success, the engine's
		// existing-entry lookup adopts that journal instead of posting twice.
		if _, err := w.Idempotency.Begin(ctx, entityId, handlerConversionExecute, req.EffectiveDateKey()); err != nil {
			return err
		}

		res, err := w.Engine.Execute(ctx, req)
		if err != nil {
			w.failExecution(ctx, req, subject, actor, err)
			return err
		}

		now := time.Now().UTC()
		moved, err := w.Store.Transition(ctx, req.ID,
			[]models.ConversionStatus{models.ConversionStatusApproved},
			models.ConversionStatusExecuted,
			map[string]interface{}{
				"executed_journal_id": res.JournalEntryId,
				"executed_at":         now,
				"last_error":          nil,
				"last_verdict":        marshalVerdict(w.logger(), &v),
			})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: conversion status changed during execution", ErrInvalidTransition)
		}
		if err := w.Idempotency.MarkSucceeded(ctx, entityId, handlerConversionExecute, req.EffectiveDateKey()); err != nil {
			config.LogError(w.logger(), "conversionWorkflow.go", "Execute", "MarkSucceeded", entityId, err)
		}
		w.emit(ctx, entityId, models.ApprovalEventConversionExecuted, subject, actor, res)
		result = res
		return nil
	})
	if err != nil {
		return nil, verdict, err
	}
	return result, verdict, nil
}

// Status returns the stored request together with live approval progress.
func (w *ConversionWorkflow) Status(ctx context.Context, entityId string, effectiveDate time.Time) (*models.ConversionRequest, *Progress, error) {
	req, err := w.Store.Get(ctx, entityId, effectiveDate)
	if err != nil {
		return nil, nil, err
	}
	if req == nil {
		return nil, nil, utils.ErrorRecordNotFound
	}
	progress, err := w.Policy.ProgressFor(ctx, req.Subject())
	if err != nil {
		return req, nil, err
	}
	return req, progress, nil
}

// executedResult reconstructs the original outcome for a duplicate execute
// call against a terminal request.
func (w *ConversionWorkflow) executedResult(ctx context.Context, req *models.ConversionRequest) (*ExecutionResult, error) {
	existing, err := w.Engine.Poster.ExistingEntry(ctx, req.ID, models.AccountReferenceTypeConversion)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Executed status with no journal is corruption, not a duplicate.
		return nil, fmt.Errorf("conversion %d marked Executed but no posted journal found", req.ID)
	}
	return &ExecutionResult{
		JournalEntryId: existing.ID,
		Lines:          existing.AccountTransactions,
		AlreadyPosted:  true,
	}, nil
}

func (w *ConversionWorkflow) failExecution(ctx context.Context, req *models.ConversionRequest, subject models.ApprovalSubject, actor string, cause error) {
	if err := w.Idempotency.MarkFailed(ctx, req.EntityId, handlerConversionExecute, req.EffectiveDateKey(), cause); err != nil {
		config.LogError(w.logger(), "conversionWorkflow.go", "Execute", "MarkFailed", req.EntityId, err)
	}
	msg := cause.Error()
	if _, err := w.Store.Transition(ctx, req.ID,
		[]models.ConversionStatus{models.ConversionStatusApproved},
		models.ConversionStatusExecutionFailed,
		map[string]interface{}{"last_error": &msg}); err != nil {
		config.LogError(w.logger(), "conversionWorkflow.go", "Execute", "TransitionExecutionFailed", req.EntityId, err)
	}
	w.emit(ctx, req.EntityId, models.ApprovalEventConversionFailed, subject, actor, map[string]string{"error": msg})
}

func (w *ConversionWorkflow) emit(ctx context.Context, entityId, eventType string, subject models.ApprovalSubject, actor string, payload interface{}) {
	if w.Events == nil {
		return
	}
	if err := w.Events.Emit(ctx, entityId, eventType, subject, actor, payload); err != nil {
		config.LogError(w.logger(), "conversionWorkflow.go", "emit", eventType, subject, err)
	}
}

func marshalVerdict(logger *logrus.Logger, v *PrerequisiteVerdict) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		config.LogError(logger, "conversionWorkflow.go", "marshalVerdict", "Marshal", v.EntityId, err)
		return nil
	}
	return raw
}

func (w *ConversionWorkflow) logger() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return config.GetLogger()
}
