package approval

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned for batch status changes the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid batch status transition")

// BatchStatus defines the lifecycle of an approval batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusEditing   BatchStatus = "editing"
	BatchStatusApproved  BatchStatus = "approved"
	BatchStatusExecuting BatchStatus = "executing"
	BatchStatusExecuted  BatchStatus = "executed"
	BatchStatusCancelled BatchStatus = "cancelled"
	BatchStatusFailed    BatchStatus = "failed"
)

var validTransitions = map[BatchStatus]map[BatchStatus]struct{}{
	BatchStatusPending: {
		BatchStatusEditing:   {},
		BatchStatusApproved:  {},
		BatchStatusCancelled: {},
		BatchStatusFailed:    {},
	},
	BatchStatusEditing: {
		BatchStatusPending:   {},
		BatchStatusApproved:  {},
		BatchStatusCancelled: {},
		BatchStatusFailed:    {},
	},
	BatchStatusApproved: {
		BatchStatusExecuting: {},
		BatchStatusCancelled: {},
		// expired before execution started
		BatchStatusFailed: {},
	},
	BatchStatusExecuting: {
		BatchStatusExecuted: {},
		BatchStatusFailed:   {},
	},
}

// Valid reports whether s is a known status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusPending, BatchStatusEditing, BatchStatusApproved, BatchStatusExecuting,
		BatchStatusExecuted, BatchStatusCancelled, BatchStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusExecuted, BatchStatusCancelled, BatchStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	if s == next {
		return true
	}
	_, ok := validTransitions[s][next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next BatchStatus) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// References correlates a batch with the records that produced it.
type References struct {
	MailID   string `json:"mail_id,omitempty"`
	CaseID   string `json:"case_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
}

// Batch is the set of approved actions tied to one approval event.
type Batch struct {
	ID     string      `json:"id" validate:"required"`
	Status BatchStatus `json:"status"`
	// Actions is the edited collection the engine executes.
	Actions []Action `json:"actions_current" validate:"dive"`
	// OriginalActions is the snapshot proposed before any edits.
	OriginalActions   []Action   `json:"actions_original,omitempty"`
	Refs              References `json:"refs"`
	ApproverID        string     `json:"approver_id,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	RollbackPerformed bool       `json:"rollback_performed,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// NewBatch creates a pending batch. The proposed actions become both the
// current and the original collection.
func NewBatch(id string, refs References, actions []Action) *Batch {
	now := time.Now().UTC()
	return &Batch{
		ID:              id,
		Status:          BatchStatusPending,
		Actions:         cloneActions(actions),
		OriginalActions: cloneActions(actions),
		Refs:            refs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Expired reports whether the approval window has closed at now.
func (b *Batch) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// TransitionTo applies a status transition.
func (b *Batch) TransitionTo(next BatchStatus) error {
	if b == nil {
		return fmt.Errorf("batch cannot be nil")
	}
	if err := ValidateTransition(b.Status, next); err != nil {
		return err
	}

	now := time.Now().UTC()
	if next == BatchStatusApproved && b.Status != BatchStatusApproved {
		approved := now
		b.ApprovedAt = &approved
	}
	if next.IsTerminal() {
		done := now
		b.FinishedAt = &done
	}
	b.Status = next
	b.UpdatedAt = now
	return nil
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Actions = cloneActions(b.Actions)
	clone.OriginalActions = cloneActions(b.OriginalActions)
	clone.ExpiresAt = cloneTime(b.ExpiresAt)
	clone.ApprovedAt = cloneTime(b.ApprovedAt)
	clone.FinishedAt = cloneTime(b.FinishedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
