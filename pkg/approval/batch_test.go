package approval

import (
	"errors"
	"testing"
	"time"
)

func TestBatchTransitions(t *testing.T) {
	tests := []struct {
		from BatchStatus
		to   BatchStatus
		ok   bool
	}{
		{BatchStatusPending, BatchStatusEditing, true},
		{BatchStatusPending, BatchStatusApproved, true},
		{BatchStatusEditing, BatchStatusPending, true},
		{BatchStatusEditing, BatchStatusApproved, true},
		{BatchStatusApproved, BatchStatusExecuting, true},
		{BatchStatusApproved, BatchStatusCancelled, true},
		{BatchStatusExecuting, BatchStatusExecuted, true},
		{BatchStatusExecuting, BatchStatusFailed, true},
		{BatchStatusPending, BatchStatusFailed, true},
		{BatchStatusApproved, BatchStatusFailed, true},
		{BatchStatusPending, BatchStatusExecuting, false},
		{BatchStatusApproved, BatchStatusPending, false},
		{BatchStatusExecuted, BatchStatusExecuting, false},
		{BatchStatusCancelled, BatchStatusApproved, false},
		{BatchStatusFailed, BatchStatusExecuting, false},
	}

	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
	}
}

func TestBatchTransitionToStampsTimes(t *testing.T) {
	batch := NewBatch("b1", References{MailID: "m1"}, []Action{{Type: ActionCreateTask}})
	if batch.Status != BatchStatusPending {
		t.Fatalf("new batch status = %s", batch.Status)
	}

	if err := batch.TransitionTo(BatchStatusApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if batch.ApprovedAt == nil {
		t.Fatal("expected ApprovedAt to be set")
	}
	if batch.FinishedAt != nil {
		t.Fatal("FinishedAt must stay nil before a terminal status")
	}

	if err := batch.TransitionTo(BatchStatusExecuting); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := batch.TransitionTo(BatchStatusExecuted); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if batch.FinishedAt == nil {
		t.Fatal("expected FinishedAt on terminal status")
	}
	if err := batch.TransitionTo(BatchStatusPending); err == nil {
		t.Fatal("expected terminal batch to reject transitions")
	}
}

func TestNewBatchSnapshotsOriginalActions(t *testing.T) {
	actions := []Action{{Type: ActionCreateTask, Config: map[string]any{"title": "draft"}}}
	batch := NewBatch("b1", References{}, actions)

	batch.Actions[0].Config["title"] = "edited"
	if batch.OriginalActions[0].Config["title"] != "draft" {
		t.Fatal("original actions must not follow edits")
	}
	if actions[0].Config["title"] != "draft" {
		t.Fatal("caller actions must not follow edits")
	}
}

func TestBatchExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := NewBatch("b1", References{}, nil)
	if batch.Expired(now) {
		t.Fatal("batch without expiry must never expire")
	}

	expires := now.Add(time.Minute)
	batch.ExpiresAt = &expires
	if batch.Expired(now) {
		t.Fatal("batch expired too early")
	}
	if !batch.Expired(expires) {
		t.Fatal("batch must be expired at its deadline")
	}
}
