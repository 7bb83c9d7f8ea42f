package executor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/ledger"
	"github.com/lexflow/lexflow/pkg/logger"
)

// Reverter undoes a dispatched action.
type Reverter interface {
	Revert(ctx context.Context, actionType approval.ActionType, ref approval.Reference) error
}

// stackEntry is one completed revertible action of the current run.
type stackEntry struct {
	actionType  approval.ActionType
	key         string
	ref         approval.Reference
	reservation ledger.Reservation
	resultIndex int
}

// RollbackReport counts what a rollback sweep did.
type RollbackReport struct {
	Attempted int
	Reverted  int
	Failed    int
}

// RollbackManager undoes completed revertible actions in reverse order.
// Failures are logged and never stop the sweep.
type RollbackManager struct {
	reverter Reverter
	ledger   *ledger.Ledger
	logger   logger.Logger
	metrics  MetricsRecorder
}

// NewRollbackManager creates a rollback manager.
func NewRollbackManager(reverter Reverter, l *ledger.Ledger, log logger.Logger, metrics MetricsRecorder) *RollbackManager {
	if log == nil {
		log = logger.Global()
	}
	if metrics == nil {
		metrics = &nopMetricsRecorder{}
	}
	return &RollbackManager{reverter: reverter, ledger: l, logger: log, metrics: metrics}
}

// Rollback walks the stack from the most recent entry back to the first.
// onReverted is called with each entry's result index once its entity is gone.
func (m *RollbackManager) Rollback(ctx context.Context, batchID string, stack []stackEntry, onReverted func(int)) RollbackReport {
	ctx, span := executorTracer().Start(ctx, spanRollback)
	defer span.End()
	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("rollback.entries", len(stack)),
	)

	var report RollbackReport
	m.metrics.RecordRollback(len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		entry := stack[i]
		report.Attempted++
		log := m.logger.With(
			"batch_id", batchID,
			"action_type", entry.actionType.String(),
			"idempotency_key", entry.key,
			"record_id", entry.reservation.RecordID,
		)

		ok := true
		message := ledger.RolledBackMessage
		if err := m.reverter.Revert(ctx, entry.actionType, entry.ref); err != nil {
			ok = false
			message = ledger.RollbackFailedMessage(entry.ref, err)
			log.ErrorContext(ctx, "rollback revert failed", "entity_id", entry.ref.EntityID, "error", err)
		} else if onReverted != nil {
			onReverted(entry.resultIndex)
		}
		if err := m.ledger.Fail(ctx, entry.reservation, message); err != nil {
			ok = false
			log.ErrorContext(ctx, "rollback ledger update failed", "error", err)
		}

		if ok {
			report.Reverted++
			m.metrics.RecordRollbackEntry("reverted")
			log.InfoContext(ctx, "action rolled back", "entity_id", entry.ref.EntityID)
			continue
		}
		report.Failed++
		m.metrics.RecordRollbackEntry("failed")
	}

	if report.Failed > 0 {
		span.SetStatus(codes.Error, "rollback incomplete")
	}
	span.SetAttributes(
		attribute.Int("rollback.reverted", report.Reverted),
		attribute.Int("rollback.failed", report.Failed),
	)
	return report
}
