// Package models defines API request/response data structures.
package models

import (
	"time"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/executor"
	"github.com/lexflow/lexflow/pkg/ledger"
)

// ActionRequest is one action inside a batch intake or edit request.
type ActionRequest struct {
	// Type is the action type.
	Type string `json:"action_type" validate:"required,oneof=create_task billing create_deadline create_alert send_email save_file calendar_event"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`

	// IdempotencyKey identifies the logical action across retries.
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=256"`

	// Config holds type-specific parameters, already resolved.
	Config map[string]interface{} `json:"config,omitempty"`
}

// ToAction converts the request into a domain action.
func (a ActionRequest) ToAction() approval.Action {
	enabled := true
	if a.Enabled != nil {
		enabled = *a.Enabled
	}
	return approval.Action{
		Type:           approval.ActionType(a.Type),
		Enabled:        enabled,
		IdempotencyKey: a.IdempotencyKey,
		Config:         a.Config,
	}
}

// BatchRequest is the body of PUT /api/v1/batches.
type BatchRequest struct {
	// ID is optional; the server generates one when empty.
	ID string `json:"id,omitempty" validate:"omitempty,max=128"`

	// Refs correlates the batch with its originating records.
	Refs approval.References `json:"refs"`

	// ExpiresAt closes the approval window.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Actions is the proposed action list.
	Actions []ActionRequest `json:"actions" validate:"required,min=1,max=100,dive"`
}

// ToBatch converts the request into a domain batch.
func (r BatchRequest) ToBatch() *approval.Batch {
	b := approval.NewBatch(r.ID, r.Refs, ToActions(r.Actions))
	b.ExpiresAt = r.ExpiresAt
	return b
}

// EditRequest is the body of PATCH /api/v1/batches/{id}/actions.
type EditRequest struct {
	Actions []ActionRequest `json:"actions" validate:"required,min=1,max=100,dive"`
}

// ApproveRequest is the body of POST /api/v1/batches/{id}/approve.
type ApproveRequest struct {
	ApproverID string `json:"approver_id" validate:"required,max=128"`
}

// ExecuteRequest is the body of POST /api/v1/batches/{id}/execute.
type ExecuteRequest struct {
	// ActorID is the user on whose behalf the batch runs.
	ActorID string `json:"actor_id" validate:"required,max=128"`

	// Origin tags where the execution was triggered from.
	Origin string `json:"origin,omitempty" validate:"max=64"`
}

// ToExecContext converts the request into the engine context.
func (r ExecuteRequest) ToExecContext() approval.ExecContext {
	origin := r.Origin
	if origin == "" {
		origin = "api"
	}
	return approval.ExecContext{ActorID: r.ActorID, Origin: origin}
}

// ToActions converts a list of action requests.
func ToActions(reqs []ActionRequest) []approval.Action {
	actions := make([]approval.Action, len(reqs))
	for i, a := range reqs {
		actions[i] = a.ToAction()
	}
	return actions
}

// BatchListResponse is a page of batches.
type BatchListResponse struct {
	Batches []*approval.Batch `json:"batches"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// ExecuteResponse reports a finished execution.
type ExecuteResponse struct {
	Batch   *approval.Batch   `json:"batch"`
	Summary *executor.Summary `json:"summary,omitempty"`
	Outcome string            `json:"outcome,omitempty"`
}

// ReservationListResponse lists the ledger records of one batch.
type ReservationListResponse struct {
	BatchID      string           `json:"batch_id"`
	Reservations []*ledger.Record `json:"reservations"`
}
