package workflow

import "errors"

var (
	// ErrPolicyNotConfigured: the entity has no required-approver set. Never
	// defaulted to "no approvers required".
	ErrPolicyNotConfigured = errors.New("approval policy not configured for entity")

	// ErrUnauthorized: caller identity is not in the required set, or is
	// excluded as a self-approver.
	ErrUnauthorized = errors.New("caller is not a required approver for this subject")

	// ErrInvalidTransition: the subject is not in a state that supports the
	// attempted operation. Indicates stale client state or a double submit.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyExecuted: the conversion for this (entity, effective date)
	// key reached its terminal state; nothing further may change it.
	ErrAlreadyExecuted = errors.New("conversion already executed")

	// ErrPrerequisitesBlocked: the ledger-health verdict failed. Not an
	// exceptional condition; callers display the itemized blockers and retry
	// after fixing them.
	ErrPrerequisitesBlocked = errors.New("conversion prerequisites not met")

	// ErrUnbalancedResult: the generated reclassification does not sum to
	// zero across debits and credits.
	ErrUnbalancedResult = errors.New("generated reclassification is not balanced")

	// ErrExternalPostingFailure: the ledger-posting collaborator rejected the
	// entry (for example the accounting period is closed).
	ErrExternalPostingFailure = errors.New("ledger posting rejected the entry")
)
