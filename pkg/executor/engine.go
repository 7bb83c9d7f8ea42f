// Package executor runs an approved batch's actions with at-most-once local
// application, revertible-first ordering and LIFO compensation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/dispatch"
	"github.com/lexflow/lexflow/pkg/ledger"
	"github.com/lexflow/lexflow/pkg/logger"
)

// Dispatcher performs and reverts actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (approval.Reference, error)
	Reverter
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.logger = log
		}
	}
}

// WithMetrics wires a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the clock used for summary timing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine executes batches. It holds no per-batch state and is safe for
// concurrent use; the ledger is the only synchronization point.
type Engine struct {
	ledger     *ledger.Ledger
	dispatcher Dispatcher
	rollback   *RollbackManager
	logger     logger.Logger
	metrics    MetricsRecorder
	now        func() time.Time
}

// New creates an engine.
func New(l *ledger.Ledger, d Dispatcher, opts ...Option) (*Engine, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	e := &Engine{
		ledger:     l,
		dispatcher: d,
		logger:     logger.Global(),
		metrics:    &nopMetricsRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.rollback = NewRollbackManager(d, l, e.logger, e.metrics)
	return e, nil
}

// run is the state of one ExecuteBatchActions call.
type run struct {
	batch *approval.Batch
	exec  approval.ExecContext
	agg   *aggregator
	stack []stackEntry
	log   logger.Logger
}

// ExecuteBatchActions runs every action of batch in classifier order and
// returns the summary. The batch is not modified. The only error returned
// alongside a summary is a *ConfigurationError.
func (e *Engine) ExecuteBatchActions(ctx context.Context, batch *approval.Batch, exec approval.ExecContext) (*Summary, error) {
	if batch == nil {
		return nil, fmt.Errorf("batch cannot be nil")
	}

	ctx, span := executorTracer().Start(ctx, spanExecuteBatch, trace.WithAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.Int("batch.actions", len(batch.Actions)),
		attribute.String("exec.origin", exec.Origin),
	))
	defer span.End()

	e.metrics.IncActiveBatches()
	defer e.metrics.DecActiveBatches()

	ordered := approval.Order(batch.Actions)
	r := &run{
		batch: batch,
		exec:  exec,
		agg:   newAggregator(batch.ID, len(ordered), e.now),
		log:   e.logger.With("batch_id", batch.ID),
	}
	r.log.InfoContext(ctx, "batch execution started", "actions", len(ordered), "actor_id", exec.ActorID, "origin", exec.Origin)

	var fatal error
	for i, action := range ordered {
		stop, err := e.executeAction(ctx, r, i, action)
		if err != nil {
			fatal = err
			break
		}
		if stop {
			break
		}
	}

	summary := r.agg.finish()
	outcome := summary.Outcome()
	if fatal != nil {
		outcome = "aborted"
		span.RecordError(fatal)
		span.SetStatus(codes.Error, fatal.Error())
	}
	e.metrics.RecordBatchExecution(outcome, summary.Duration)
	span.SetAttributes(
		attribute.Int("batch.success", summary.Success),
		attribute.Int("batch.failed", summary.Failed),
		attribute.Int("batch.skipped", summary.Skipped),
		attribute.Bool("batch.rollback_performed", summary.RollbackPerformed),
	)
	r.log.InfoContext(ctx, "batch execution finished",
		"outcome", outcome,
		"success", summary.Success,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"rollback_performed", summary.RollbackPerformed,
		"duration", summary.Duration.String(),
	)
	return summary, fatal
}

// executeAction handles one action. stop ends the run without error; a
// non-nil error is fatal.
func (e *Engine) executeAction(ctx context.Context, r *run, index int, action approval.Action) (stop bool, err error) {
	ctx, span := executorTracer().Start(ctx, spanExecuteAction, trace.WithAttributes(
		attribute.String("action.type", action.Type.String()),
		attribute.String("action.idempotency_key", action.IdempotencyKey),
		attribute.Int("action.index", index),
	))
	defer span.End()

	log := r.log.With("action_type", action.Type.String(), "idempotency_key", action.IdempotencyKey)

	if !action.Enabled {
		e.record(r, span, ActionResult{
			ActionType:     action.Type,
			IdempotencyKey: action.IdempotencyKey,
			Status:         StatusSkipped,
			Detail:         DetailDisabled,
		})
		return false, nil
	}

	if action.IdempotencyKey == "" {
		cfgErr := &ConfigurationError{
			BatchID:    r.batch.ID,
			Index:      index,
			ActionType: action.Type,
			Err:        ErrMissingIdempotencyKey,
		}
		log.ErrorContext(ctx, "aborting batch on malformed action", "index", index, "error", cfgErr)
		e.rollbackRun(ctx, r)
		span.SetStatus(codes.Error, cfgErr.Error())
		return true, cfgErr
	}

	res, err := e.ledger.Reserve(ctx, ledger.Request{
		Key:        action.IdempotencyKey,
		BatchID:    r.batch.ID,
		ActionType: action.Type,
		Metadata:   r.exec.Metadata(),
	})
	if err != nil {
		e.metrics.RecordReservation("error")
		log.ErrorContext(ctx, "reservation failed", "error", err)
		e.record(r, span, ActionResult{
			ActionType:     action.Type,
			IdempotencyKey: action.IdempotencyKey,
			Status:         StatusFailed,
			Detail:         err.Error(),
		})
		return e.applyFailurePolicy(ctx, r, log, action, err), nil
	}

	if !res.Reserved() {
		e.metrics.RecordReservation(string(res.Reason))
		log.InfoContext(ctx, "action skipped", "reason", string(res.Reason), "record_id", res.RecordID)
		e.record(r, span, ActionResult{
			ActionType:     action.Type,
			IdempotencyKey: action.IdempotencyKey,
			Status:         StatusSkipped,
			Detail:         string(res.Reason),
			RecordID:       res.RecordID,
		})
		return false, nil
	}
	e.metrics.RecordReservation(string(ledger.OutcomeReserved))
	log = log.With("record_id", res.RecordID)

	ref, dispatchErr := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Action:  action,
		Batch:   r.batch,
		Context: r.exec,
	})
	if dispatchErr != nil {
		if err := e.ledger.Fail(ctx, res, dispatchErr.Error()); err != nil {
			log.ErrorContext(ctx, "ledger fail update failed", "error", err)
		}
		e.record(r, span, ActionResult{
			ActionType:     action.Type,
			IdempotencyKey: action.IdempotencyKey,
			Status:         StatusFailed,
			Detail:         dispatchErr.Error(),
			RecordID:       res.RecordID,
		})
		return e.applyFailurePolicy(ctx, r, log, action, dispatchErr), nil
	}

	if err := e.ledger.Complete(ctx, res, ref); err != nil {
		log.ErrorContext(ctx, "ledger complete update failed", "entity_id", ref.EntityID, "error", err)
	}
	resultRef := ref
	idx := e.record(r, span, ActionResult{
		ActionType:     action.Type,
		IdempotencyKey: action.IdempotencyKey,
		Status:         StatusSuccess,
		RecordID:       res.RecordID,
		Reference:      &resultRef,
	})
	log.InfoContext(ctx, "action succeeded", "entity_type", ref.EntityType, "entity_id", ref.EntityID)

	if action.Type.Revertible() {
		r.stack = append(r.stack, stackEntry{
			actionType:  action.Type,
			key:         action.IdempotencyKey,
			ref:         ref,
			reservation: res,
			resultIndex: idx,
		})
	}
	return false, nil
}

// applyFailurePolicy decides what a failed action means for the run and
// reports whether the run stops.
func (e *Engine) applyFailurePolicy(ctx context.Context, r *run, log logger.Logger, action approval.Action, cause error) bool {
	class := action.Type.Class()
	switch {
	case class.Revertible:
		log.ErrorContext(ctx, "revertible action failed, rolling back batch", "error", cause)
		e.rollbackRun(ctx, r)
		return true
	case class.BestEffort:
		log.InfoContext(ctx, "best-effort action failed", "error", cause)
	default:
		log.WarnContext(ctx, "action failed, continuing batch",
			"error", cause,
			"unsupported", errors.Is(cause, dispatch.ErrUnsupportedAction),
		)
	}
	return false
}

func (e *Engine) rollbackRun(ctx context.Context, r *run) {
	if len(r.stack) == 0 {
		return
	}
	report := e.rollback.Rollback(ctx, r.batch.ID, r.stack, r.agg.markRolledBack)
	r.stack = nil
	r.agg.summary.RollbackPerformed = true
	if report.Failed > 0 {
		r.log.ErrorContext(ctx, "rollback incomplete", "reverted", report.Reverted, "failed", report.Failed)
	}
}

func (e *Engine) record(r *run, span trace.Span, result ActionResult) int {
	e.metrics.RecordAction(result.ActionType.String(), string(result.Status))
	span.SetAttributes(attribute.String("action.status", string(result.Status)))
	if result.Status == StatusFailed {
		span.SetStatus(codes.Error, result.Detail)
	}
	return r.agg.add(result)
}
