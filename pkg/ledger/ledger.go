package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/logger"
)

// DefaultStaleAfter is how long a pending reservation is presumed to belong to
// a live attempt.
const DefaultStaleAfter = 10 * time.Minute

// RolledBackMessage is stored on records compensated by a rollback.
const RolledBackMessage = "rolled back due to subsequent failure"

// RollbackFailedMessage is stored on records whose entity could not be
// reverted. The record keeps its result reference so the orphan can be found.
func RollbackFailedMessage(ref approval.Reference, err error) string {
	return fmt.Sprintf("rollback failed: %s %s still exists: %v", ref.EntityType, ref.EntityID, err)
}

// Outcome is the result of a reservation attempt.
type Outcome string

const (
	OutcomeReserved Outcome = "reserved"
	OutcomeSkipped  Outcome = "skipped"
)

// SkipReason explains why a reservation was not granted.
type SkipReason string

const (
	SkipAlreadyCompleted SkipReason = "already_completed"
	SkipInProgress       SkipReason = "in_progress"
	SkipPreviouslyFailed SkipReason = "previously_failed"
)

// Request describes the action being reserved.
type Request struct {
	Key        string
	BatchID    string
	ActionType approval.ActionType
	Metadata   map[string]string
}

// Reservation is the handle returned by Reserve. A reserved handle makes the
// caller the exclusive owner of this attempt.
type Reservation struct {
	Outcome  Outcome
	Reason   SkipReason
	Key      string
	RecordID string
	// Existing is the conflicting record for skipped outcomes, when it could
	// be read.
	Existing *Record
}

// Reserved reports whether the caller owns the attempt.
func (r Reservation) Reserved() bool {
	return r.Outcome == OutcomeReserved
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStaleAfter overrides the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.logger = log
		}
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// Ledger grants, closes out and reclaims reservations on top of a Store.
type Ledger struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string
	logger     logger.Logger
}

// New creates a Ledger.
func New(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store cannot be nil")
	}
	l := &Ledger{
		store:      store,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		logger:     logger.Global(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// StaleAfter returns the configured staleness threshold.
func (l *Ledger) StaleAfter() time.Duration {
	return l.staleAfter
}

// Reserve tries to become the exclusive owner of the action identified by
// req.Key. Conflicts are never errors: they resolve into a skipped
// reservation. Store failures other than a uniqueness violation are returned.
func (l *Ledger) Reserve(ctx context.Context, req Request) (Reservation, error) {
	if req.Key == "" {
		return Reservation{}, fmt.Errorf("reserve: idempotency key is required")
	}

	now := l.now()
	rec := &Record{
		ID:             l.newID(),
		IdempotencyKey: req.Key,
		BatchID:        req.BatchID,
		ActionType:     req.ActionType,
		Status:         StatusPending,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := l.store.InsertIfAbsent(ctx, rec)
	if err == nil {
		return Reservation{Outcome: OutcomeReserved, Key: req.Key, RecordID: rec.ID}, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return Reservation{}, fmt.Errorf("reserve %s: %w", req.Key, err)
	}

	existing, err := l.store.Get(ctx, req.Key)
	if err != nil {
		l.logger.WarnContext(ctx, "reservation conflict could not be inspected",
			"idempotency_key", req.Key,
			"error", err,
		)
		return skipped(req.Key, SkipInProgress, nil), nil
	}
	return l.resolveConflict(ctx, existing, true), nil
}

func (l *Ledger) resolveConflict(ctx context.Context, existing *Record, reclaim bool) Reservation {
	key := existing.IdempotencyKey
	switch existing.Status {
	case StatusCompleted:
		return skipped(key, SkipAlreadyCompleted, existing)
	case StatusFailed:
		return skipped(key, SkipPreviouslyFailed, existing)
	case StatusPending:
		age := l.now().Sub(existing.CreatedAt)
		if age <= l.staleAfter || !reclaim {
			return skipped(key, SkipInProgress, existing)
		}
		reclaimed, err := l.store.Update(ctx, key, Patch{
			ExpectID:     existing.ID,
			ExpectStatus: []Status{StatusPending},
			Status:       StatusFailed,
			Error:        fmt.Sprintf("reservation abandoned: pending for %s", age.Truncate(time.Second)),
			At:           l.now(),
		})
		if err == nil {
			l.logger.WarnContext(ctx, "stale reservation reclaimed",
				"idempotency_key", key,
				"record_id", existing.ID,
				"age", age.String(),
			)
			return skipped(key, SkipPreviouslyFailed, reclaimed)
		}
		if errors.Is(err, ErrPreconditionFailed) {
			current, getErr := l.store.Get(ctx, key)
			if getErr == nil {
				return l.resolveConflict(ctx, current, false)
			}
		}
		l.logger.WarnContext(ctx, "stale reservation could not be reclaimed",
			"idempotency_key", key,
			"record_id", existing.ID,
			"error", err,
		)
		return skipped(key, SkipInProgress, existing)
	default:
		return skipped(key, SkipInProgress, existing)
	}
}

func skipped(key string, reason SkipReason, existing *Record) Reservation {
	res := Reservation{Outcome: OutcomeSkipped, Reason: reason, Key: key, Existing: existing}
	if existing != nil {
		res.RecordID = existing.ID
	}
	return res
}

// Complete closes a reserved record as completed with the created entity.
func (l *Ledger) Complete(ctx context.Context, res Reservation, ref approval.Reference) error {
	if !res.Reserved() {
		return fmt.Errorf("complete %s: reservation is not owned", res.Key)
	}
	_, err := l.store.Update(ctx, res.Key, Patch{
		ExpectID:     res.RecordID,
		ExpectStatus: []Status{StatusPending},
		Status:       StatusCompleted,
		Result:       &ref,
		At:           l.now(),
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", res.Key, err)
	}
	return nil
}

// Fail closes a reserved record as failed. A completed record may also be
// failed, which is how rollback compensates it.
func (l *Ledger) Fail(ctx context.Context, res Reservation, message string) error {
	if !res.Reserved() {
		return fmt.Errorf("fail %s: reservation is not owned", res.Key)
	}
	if message == "" {
		message = "action failed"
	}
	_, err := l.store.Update(ctx, res.Key, Patch{
		ExpectID:     res.RecordID,
		ExpectStatus: []Status{StatusPending, StatusCompleted},
		Status:       StatusFailed,
		Error:        message,
		At:           l.now(),
	})
	if err != nil {
		return fmt.Errorf("fail %s: %w", res.Key, err)
	}
	return nil
}

// Get returns the record for an idempotency key.
func (l *Ledger) Get(ctx context.Context, key string) (*Record, error) {
	return l.store.Get(ctx, key)
}

// ListByBatch returns every record of a batch, oldest first.
func (l *Ledger) ListByBatch(ctx context.Context, batchID string) ([]*Record, error) {
	return l.store.ListByBatch(ctx, batchID)
}
