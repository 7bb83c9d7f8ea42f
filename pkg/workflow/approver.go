// Package workflow drives approval batches through their lifecycle and hands
// approved batches to the execution engine.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/executor"
	"github.com/lexflow/lexflow/pkg/logger"
)

var (
	// ErrNotApproved is returned when execution is requested for a batch that
	// is not in the approved state.
	ErrNotApproved = errors.New("batch is not approved")
	// ErrBatchExpired is returned when the approval window has closed.
	ErrBatchExpired = errors.New("batch approval window expired")
	// ErrInvalidBatch is returned for batches that fail intake validation.
	ErrInvalidBatch = errors.New("invalid batch")
)

// Failure reasons recorded on batches the engine did not complete.
const (
	ReasonExpired       = "approval window expired"
	ReasonRolledBack    = "revertible action failed; completed actions rolled back"
	ReasonAllFailed     = "every executed action failed"
	ReasonEngineFailure = "execution engine error"
)

// Executor runs the actions of one batch.
type Executor interface {
	ExecuteBatchActions(ctx context.Context, batch *approval.Batch, exec approval.ExecContext) (*executor.Summary, error)
}

// Option customizes an Approver.
type Option func(*Approver)

// WithLogger sets the approver logger.
func WithLogger(log logger.Logger) Option {
	return func(a *Approver) {
		if log != nil {
			a.logger = log
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Approver) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIDGenerator overrides batch id generation on submit.
func WithIDGenerator(gen func() string) Option {
	return func(a *Approver) {
		if gen != nil {
			a.newID = gen
		}
	}
}

// Approver is the approval-workflow handler. It owns every batch status
// transition; the engine only reports what happened.
type Approver struct {
	batches  approval.BatchStore
	engine   Executor
	logger   logger.Logger
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

// Result is the outcome of one Execute call.
type Result struct {
	Batch   *approval.Batch   `json:"batch"`
	Summary *executor.Summary `json:"summary"`
}

// New creates an Approver.
func New(batches approval.BatchStore, engine Executor, opts ...Option) (*Approver, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	a := &Approver{
		batches:  batches,
		engine:   engine,
		logger:   logger.Global(),
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Submit stores a new pending batch. An empty id is generated.
func (a *Approver) Submit(ctx context.Context, batch *approval.Batch) (*approval.Batch, error) {
	if batch == nil {
		return nil, fmt.Errorf("%w: batch cannot be nil", ErrInvalidBatch)
	}
	b := approval.NewBatch(batch.ID, batch.Refs, batch.Actions)
	if b.ID == "" {
		b.ID = a.newID()
	}
	b.ExpiresAt = batch.ExpiresAt
	if err := a.validateActions(b); err != nil {
		return nil, err
	}
	if err := a.batches.Create(ctx, b); err != nil {
		if errors.Is(err, approval.ErrBatchExists) {
			return nil, fmt.Errorf("%w: batch %s already exists", ErrInvalidBatch, b.ID)
		}
		return nil, fmt.Errorf("save batch %s: %w", b.ID, err)
	}
	a.logger.InfoContext(ctx, "batch submitted", "batch_id", b.ID, "actions", len(b.Actions), "mail_id", b.Refs.MailID)
	return b, nil
}

// Edit replaces the current action list of a pending or editing batch.
func (a *Approver) Edit(ctx context.Context, batchID string, actions []approval.Action) (*approval.Batch, error) {
	b, err := a.batches.Update(ctx, batchID, func(b *approval.Batch) error {
		if b.Status != approval.BatchStatusPending && b.Status != approval.BatchStatusEditing {
			return fmt.Errorf("%w: cannot edit a %s batch", approval.ErrInvalidTransition, b.Status)
		}
		if err := b.TransitionTo(approval.BatchStatusEditing); err != nil {
			return err
		}
		b.Actions = make([]approval.Action, len(actions))
		for i, action := range actions {
			b.Actions[i] = action.Clone()
		}
		return a.validateActions(b)
	})
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "batch edited", "batch_id", batchID, "actions", len(b.Actions))
	return b, nil
}

// Approve moves a pending or editing batch to approved. An expired batch is
// marked failed instead and ErrBatchExpired is returned.
func (a *Approver) Approve(ctx context.Context, batchID, approverID string) (*approval.Batch, error) {
	expired := false
	b, err := a.batches.Update(ctx, batchID, func(b *approval.Batch) error {
		editable := b.Status == approval.BatchStatusPending || b.Status == approval.BatchStatusEditing
		if editable && b.Expired(a.now()) {
			expired = true
			b.FailureReason = ReasonExpired
			return b.TransitionTo(approval.BatchStatusFailed)
		}
		if b.Status == approval.BatchStatusApproved {
			return fmt.Errorf("%w: batch already approved", approval.ErrInvalidTransition)
		}
		if err := b.TransitionTo(approval.BatchStatusApproved); err != nil {
			return err
		}
		b.ApproverID = approverID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		a.logger.WarnContext(ctx, "batch expired before approval", "batch_id", batchID)
		return b, fmt.Errorf("%w: batch %s", ErrBatchExpired, batchID)
	}
	a.logger.InfoContext(ctx, "batch approved", "batch_id", batchID, "approver_id", approverID)
	return b, nil
}

// Cancel cancels a batch that has not started executing.
func (a *Approver) Cancel(ctx context.Context, batchID string) (*approval.Batch, error) {
	b, err := a.batches.Update(ctx, batchID, func(b *approval.Batch) error {
		if b.Status == approval.BatchStatusCancelled {
			return fmt.Errorf("%w: batch already cancelled", approval.ErrInvalidTransition)
		}
		return b.TransitionTo(approval.BatchStatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "batch cancelled", "batch_id", batchID)
	return b, nil
}

// Execute runs an approved batch and records the final status. The
// approved→executing transition is a compare-and-set, so concurrent triggers
// for one batch run it once; the others get ErrNotApproved. A
// *executor.ConfigurationError is returned together with the result.
func (a *Approver) Execute(ctx context.Context, batchID string, exec approval.ExecContext) (*Result, error) {
	expired := false
	batch, err := a.batches.Update(ctx, batchID, func(b *approval.Batch) error {
		if b.Status != approval.BatchStatusApproved {
			return fmt.Errorf("%w: batch %s is %s", ErrNotApproved, b.ID, b.Status)
		}
		if b.Expired(a.now()) {
			expired = true
			b.FailureReason = ReasonExpired
			return b.TransitionTo(approval.BatchStatusFailed)
		}
		return b.TransitionTo(approval.BatchStatusExecuting)
	})
	if err != nil {
		return nil, err
	}
	log := a.logger.With("batch_id", batchID)
	if expired {
		log.WarnContext(ctx, "batch expired before execution")
		return &Result{Batch: batch}, fmt.Errorf("%w: batch %s", ErrBatchExpired, batchID)
	}

	summary, runErr := a.engine.ExecuteBatchActions(ctx, batch, exec)

	final, reason := finalStatus(summary, runErr)
	// The outcome must be recorded even if the caller went away mid-run.
	finishCtx := context.WithoutCancel(ctx)
	batch, err = a.batches.Update(finishCtx, batchID, func(b *approval.Batch) error {
		if summary != nil && summary.RollbackPerformed {
			b.RollbackPerformed = true
		}
		b.FailureReason = reason
		return b.TransitionTo(final)
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to record batch outcome", "status", final, "error", err)
		return &Result{Summary: summary}, fmt.Errorf("record outcome of batch %s: %w", batchID, err)
	}

	if runErr != nil {
		log.ErrorContext(ctx, "batch execution aborted", "error", runErr)
	} else {
		log.InfoContext(ctx, "batch execution recorded", "status", final, "outcome", summary.Outcome())
	}
	return &Result{Batch: batch, Summary: summary}, runErr
}

// finalStatus maps an engine run onto the batch lifecycle.
func finalStatus(summary *executor.Summary, runErr error) (approval.BatchStatus, string) {
	var cfgErr *executor.ConfigurationError
	switch {
	case errors.As(runErr, &cfgErr):
		return approval.BatchStatusFailed, cfgErr.Error()
	case runErr != nil || summary == nil:
		if runErr != nil {
			return approval.BatchStatusFailed, ReasonEngineFailure + ": " + runErr.Error()
		}
		return approval.BatchStatusFailed, ReasonEngineFailure
	case summary.RollbackPerformed:
		return approval.BatchStatusFailed, ReasonRolledBack
	case summary.Failed > 0 && summary.Success == 0:
		return approval.BatchStatusFailed, ReasonAllFailed
	default:
		return approval.BatchStatusExecuted, ""
	}
}

func (a *Approver) validateActions(b *approval.Batch) error {
	if err := a.validate.Struct(b); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBatch, describeValidation(err))
	}
	for i, action := range b.Actions {
		if !action.Type.Known() {
			return fmt.Errorf("%w: actions[%d]: unknown action type %q", ErrInvalidBatch, i, action.Type)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
