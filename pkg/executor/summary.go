package executor

import (
	"time"

	"github.com/lexflow/lexflow/pkg/approval"
)

// ResultStatus is the per-action outcome.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusSkipped ResultStatus = "skipped"
)

// DetailDisabled is the skip detail for disabled actions.
const DetailDisabled = "disabled"

// ActionResult is one action's outcome.
type ActionResult struct {
	ActionType     approval.ActionType `json:"action_type"`
	IdempotencyKey string              `json:"idempotency_key"`
	Status         ResultStatus        `json:"status"`
	Detail         string              `json:"detail,omitempty"`
	RecordID       string              `json:"record_id,omitempty"`
	Reference      *approval.Reference `json:"reference,omitempty"`
	RolledBack     bool                `json:"rolled_back,omitempty"`
}

// Summary is the engine's return value for one batch run.
type Summary struct {
	BatchID           string         `json:"batch_id"`
	Total             int            `json:"total"`
	Success           int            `json:"success"`
	Failed            int            `json:"failed"`
	Skipped           int            `json:"skipped"`
	Results           []ActionResult `json:"results"`
	Duration          time.Duration  `json:"duration_ns"`
	RollbackPerformed bool           `json:"rollback_performed"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
}

// Outcome collapses the summary into one label for metrics and logs.
func (s *Summary) Outcome() string {
	switch {
	case s.RollbackPerformed:
		return "rolled_back"
	case s.Failed > 0 && s.Success == 0:
		return "failed"
	case s.Failed > 0:
		return "partial"
	default:
		return "succeeded"
	}
}

// aggregator builds a Summary as actions finish.
type aggregator struct {
	summary *Summary
	now     func() time.Time
}

func newAggregator(batchID string, total int, now func() time.Time) *aggregator {
	return &aggregator{
		summary: &Summary{
			BatchID:   batchID,
			Total:     total,
			Results:   make([]ActionResult, 0, total),
			StartedAt: now(),
		},
		now: now,
	}
}

// add records a result and returns its position.
func (a *aggregator) add(result ActionResult) int {
	switch result.Status {
	case StatusSuccess:
		a.summary.Success++
	case StatusFailed:
		a.summary.Failed++
	case StatusSkipped:
		a.summary.Skipped++
	}
	a.summary.Results = append(a.summary.Results, result)
	return len(a.summary.Results) - 1
}

func (a *aggregator) markRolledBack(index int) {
	if index >= 0 && index < len(a.summary.Results) {
		a.summary.Results[index].RolledBack = true
	}
}

func (a *aggregator) finish() *Summary {
	a.summary.FinishedAt = a.now()
	a.summary.Duration = a.summary.FinishedAt.Sub(a.summary.StartedAt)
	return a.summary
}
