// Package ledger implements the reservation ledger: a persisted journal keyed
// by idempotency key that turns "was this action already attempted" into one
// atomic insert.
package ledger

import (
	"time"

	"github.com/lexflow/lexflow/pkg/approval"
)

// Status is the state of one reservation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the record has been closed out.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the durable evidence of one attempt at an action.
type Record struct {
	ID             string              `json:"id" dynamodbav:"id"`
	IdempotencyKey string              `json:"idempotency_key" dynamodbav:"idempotency_key"`
	BatchID        string              `json:"batch_id" dynamodbav:"batch_id"`
	ActionType     approval.ActionType `json:"action_type" dynamodbav:"action_type"`
	Status         Status              `json:"status" dynamodbav:"status"`
	Metadata       map[string]string   `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
	Result         *approval.Reference `json:"result,omitempty" dynamodbav:"result,omitempty"`
	Error          string              `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt      time.Time           `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at" dynamodbav:"updated_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty" dynamodbav:"completed_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	if r.Result != nil {
		ref := *r.Result
		if r.Result.Links != nil {
			ref.Links = make(map[string]string, len(r.Result.Links))
			for k, v := range r.Result.Links {
				ref.Links[k] = v
			}
		}
		clone.Result = &ref
	}
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

// Patch is a conditional update of one record. The preconditions are checked
// atomically with the write.
type Patch struct {
	// ExpectID guards against updating a record that was replaced.
	ExpectID string
	// ExpectStatus lists the statuses the record may currently hold.
	ExpectStatus []Status

	Status Status
	Result *approval.Reference
	Error  string
	At     time.Time
}

// Check validates the preconditions against rec.
func (p Patch) Check(rec *Record) error {
	if p.ExpectID != "" && rec.ID != p.ExpectID {
		return ErrPreconditionFailed
	}
	if len(p.ExpectStatus) == 0 {
		return nil
	}
	for _, status := range p.ExpectStatus {
		if rec.Status == status {
			return nil
		}
	}
	return ErrPreconditionFailed
}

// Apply writes the patch onto rec.
func (p Patch) Apply(rec *Record) {
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if p.Status != "" {
		rec.Status = p.Status
		if p.Status.IsTerminal() {
			rec.CompletedAt = &at
		}
	}
	if p.Result != nil {
		ref := *p.Result
		rec.Result = &ref
	}
	if p.Error != "" {
		rec.Error = p.Error
	}
	rec.UpdatedAt = at
}
