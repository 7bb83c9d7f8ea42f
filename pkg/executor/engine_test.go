package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lexflow/pkg/approval"
	"github.com/lexflow/lexflow/pkg/dispatch"
	"github.com/lexflow/lexflow/pkg/ledger"
	"github.com/lexflow/lexflow/pkg/logger"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	revertErr map[string]error
	live      map[string]approval.Reference
	reverted  []string
	seq       int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		fail:      make(map[string]error),
		revertErr: make(map[string]error),
		live:      make(map[string]approval.Reference),
	}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request) (approval.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Action.IdempotencyKey)
	if err := f.fail[req.Action.IdempotencyKey]; err != nil {
		return approval.Reference{}, &dispatch.ActionError{
			ActionType:     req.Action.Type,
			IdempotencyKey: req.Action.IdempotencyKey,
			Err:            err,
		}
	}
	f.seq++
	ref := approval.Reference{EntityType: string(req.Action.Type), EntityID: fmt.Sprintf("ent-%d", f.seq)}
	f.live[ref.EntityID] = ref
	return ref, nil
}

func (f *fakeDispatcher) Revert(_ context.Context, _ approval.ActionType, ref approval.Reference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.revertErr[ref.EntityID]; err != nil {
		return err
	}
	delete(f.live, ref.EntityID)
	f.reverted = append(f.reverted, ref.EntityID)
	return nil
}

func (f *fakeDispatcher) callKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine     *Engine
	ledger     *ledger.Ledger
	dispatcher *fakeDispatcher
	clock      *testClock
}

func newHarness(t *testing.T, store ledger.Store, opts ...Option) *harness {
	t.Helper()
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	clock := newTestClock()
	l, err := ledger.New(store, ledger.WithClock(clock.Now), ledger.WithLogger(logger.NewNop()))
	require.NoError(t, err)
	d := newFakeDispatcher()
	opts = append([]Option{WithLogger(logger.NewNop())}, opts...)
	e, err := New(l, d, opts...)
	require.NoError(t, err)
	return &harness{engine: e, ledger: l, dispatcher: d, clock: clock}
}

func act(actionType approval.ActionType, key string) approval.Action {
	return approval.Action{Type: actionType, Enabled: true, IdempotencyKey: key, Config: map[string]any{}}
}

func newBatch(actions ...approval.Action) *approval.Batch {
	b := approval.NewBatch("batch-1", approval.References{CaseID: "case-1"}, actions)
	_ = b.TransitionTo(approval.BatchStatusApproved)
	return b
}

var execCtx = approval.ExecContext{ActorID: "user-1", Origin: "test"}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, newFakeDispatcher())
	require.Error(t, err)

	l, err := ledger.New(ledger.NewMemoryStore())
	require.NoError(t, err)
	_, err = New(l, nil)
	require.Error(t, err)
}

func TestExecuteNilBatch(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.ExecuteBatchActions(context.Background(), nil, execCtx)
	require.Error(t, err)
}

func TestExecuteAllSucceed(t *testing.T) {
	h := newHarness(t, nil)
	batch := newBatch(
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionSendEmail, "k2"),
	)

	summary, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Success)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.False(t, summary.RollbackPerformed)
	assert.Equal(t, "succeeded", summary.Outcome())
	require.Len(t, summary.Results, 2)
	require.NotNil(t, summary.Results[0].Reference)
	assert.Equal(t, "ent-1", summary.Results[0].Reference.EntityID)

	rec, err := h.ledger.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "ent-1", rec.Result.EntityID)
	assert.Equal(t, "user-1", rec.Metadata["actor_id"])
}

func TestIdempotentReplay(t *testing.T) {
	h := newHarness(t, nil)
	batch := newBatch(
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionBilling, "k2"),
		act(approval.ActionSendEmail, "k3"),
	)
	ctx := context.Background()

	first, err := h.engine.ExecuteBatchActions(ctx, batch, execCtx)
	require.NoError(t, err)
	require.Equal(t, 3, first.Success)

	second, err := h.engine.ExecuteBatchActions(ctx, batch, execCtx)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Total)
	assert.Equal(t, 3, second.Skipped)
	assert.Zero(t, second.Success)
	for _, r := range second.Results {
		assert.Equal(t, StatusSkipped, r.Status)
		assert.Equal(t, string(ledger.SkipAlreadyCompleted), r.Detail)
	}
	assert.Len(t, h.dispatcher.callKeys(), 3, "no duplicate side effects")
	assert.Len(t, h.dispatcher.live, 3)
}

func TestRevertibleActionsRunFirst(t *testing.T) {
	h := newHarness(t, nil)
	batch := newBatch(
		act(approval.ActionSendEmail, "email"),
		act(approval.ActionCreateTask, "task"),
		act(approval.ActionCalendarEvent, "calendar"),
		act(approval.ActionCreateDeadline, "deadline"),
		act(approval.ActionSaveFile, "file"),
		act(approval.ActionBilling, "billing"),
	)

	_, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task", "deadline", "billing", "email", "calendar", "file"}, h.dispatcher.callKeys())

	records, err := h.ledger.ListByBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

func TestRollbackOnRevertibleFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatcher.fail["k3"] = errors.New("store rejected task")
	batch := newBatch(
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionCreateTask, "k2"),
		act(approval.ActionCreateTask, "k3"),
		act(approval.ActionSendEmail, "k4"),
	)
	ctx := context.Background()

	summary, err := h.engine.ExecuteBatchActions(ctx, batch, execCtx)
	require.NoError(t, err)
	assert.True(t, summary.RollbackPerformed)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "rolled_back", summary.Outcome())
	require.Len(t, summary.Results, 3)
	assert.True(t, summary.Results[0].RolledBack)
	assert.True(t, summary.Results[1].RolledBack)
	assert.False(t, summary.Results[2].RolledBack)

	assert.Equal(t, []string{"ent-2", "ent-1"}, h.dispatcher.reverted, "reverse completion order")
	assert.Empty(t, h.dispatcher.live)
	assert.NotContains(t, h.dispatcher.callKeys(), "k4")

	for _, key := range []string{"k1", "k2"} {
		rec, err := h.ledger.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFailed, rec.Status)
		assert.Equal(t, ledger.RolledBackMessage, rec.Error)
	}
	rec, err := h.ledger.Get(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "store rejected task")

	_, err = h.ledger.Get(ctx, "k4")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRollbackContinuesPastRevertFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatcher.fail["k3"] = errors.New("boom")
	h.dispatcher.revertErr["ent-2"] = errors.New("delete refused")
	batch := newBatch(
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionCreateAlert, "k2"),
		act(approval.ActionCreateDeadline, "k3"),
	)

	summary, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
	require.NoError(t, err)
	assert.True(t, summary.RollbackPerformed)
	assert.Equal(t, []string{"ent-1"}, h.dispatcher.reverted)
	assert.True(t, summary.Results[0].RolledBack)
	assert.False(t, summary.Results[1].RolledBack)

	rec, err := h.ledger.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Equal(t, ledger.RolledBackMessage, rec.Error)

	// k2's entity survived; its record must say so and keep the reference.
	assert.Contains(t, h.dispatcher.live, "ent-2")
	rec, err = h.ledger.Get(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.NotEqual(t, ledger.RolledBackMessage, rec.Error)
	assert.Contains(t, rec.Error, "rollback failed")
	assert.Contains(t, rec.Error, "ent-2")
	assert.Contains(t, rec.Error, "delete refused")
	require.NotNil(t, rec.Result)
	assert.Equal(t, "ent-2", rec.Result.EntityID)
}

func TestStaleReservationIsReclaimed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	abandoned, err := h.ledger.Reserve(ctx, ledger.Request{Key: "k1", BatchID: "batch-1", ActionType: approval.ActionCreateTask})
	require.NoError(t, err)
	require.True(t, abandoned.Reserved())

	h.clock.Advance(ledger.DefaultStaleAfter + time.Second)

	summary, err := h.engine.ExecuteBatchActions(ctx, newBatch(act(approval.ActionCreateTask, "k1")), execCtx)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, StatusSkipped, summary.Results[0].Status)
	assert.Equal(t, string(ledger.SkipPreviouslyFailed), summary.Results[0].Detail)
	assert.Empty(t, h.dispatcher.callKeys(), "not retried in place")

	rec, err := h.ledger.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "abandoned")
}

func TestFreshPendingReservationIsInProgress(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ledger.Reserve(ctx, ledger.Request{Key: "k1", BatchID: "batch-1", ActionType: approval.ActionCreateTask})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	summary, err := h.engine.ExecuteBatchActions(ctx, newBatch(act(approval.ActionCreateTask, "k1")), execCtx)
	require.NoError(t, err)
	assert.Equal(t, string(ledger.SkipInProgress), summary.Results[0].Detail)
	assert.Empty(t, h.dispatcher.callKeys())
}

func TestMissingIdempotencyKeyFailsFast(t *testing.T) {
	h := newHarness(t, nil)
	batch := newBatch(
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionBilling, "k2"),
		act(approval.ActionCreateDeadline, ""),
		act(approval.ActionSendEmail, "k4"),
	)
	ctx := context.Background()

	summary, err := h.engine.ExecuteBatchActions(ctx, batch, execCtx)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMissingIdempotencyKey)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "batch-1", cfgErr.BatchID)
	assert.Equal(t, 2, cfgErr.Index)
	assert.Equal(t, approval.ActionCreateDeadline, cfgErr.ActionType)

	require.NotNil(t, summary)
	assert.True(t, summary.RollbackPerformed)
	assert.Equal(t, []string{"ent-2", "ent-1"}, h.dispatcher.reverted)
	assert.Equal(t, []string{"k1", "k2"}, h.dispatcher.callKeys())

	for _, key := range []string{"k1", "k2"} {
		rec, err := h.ledger.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFailed, rec.Status)
		assert.Equal(t, ledger.RolledBackMessage, rec.Error)
	}
}

func TestDisabledActionsAreInert(t *testing.T) {
	h := newHarness(t, nil)
	actions := []approval.Action{
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionSendEmail, "k2"),
		act(approval.ActionSaveFile, ""),
	}
	for i := range actions {
		actions[i].Enabled = false
	}

	summary, err := h.engine.ExecuteBatchActions(context.Background(), newBatch(actions...), execCtx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Zero(t, summary.Success)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, summary.Skipped)
	for _, r := range summary.Results {
		assert.Equal(t, DetailDisabled, r.Detail)
	}
	assert.Empty(t, h.dispatcher.callKeys())

	records, err := h.ledger.ListByBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNonRevertibleFailureContinues(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatcher.fail["email"] = errors.New("mailbox unavailable")
	batch := newBatch(
		act(approval.ActionCreateTask, "task"),
		act(approval.ActionSendEmail, "email"),
		act(approval.ActionCalendarEvent, "calendar"),
	)

	summary, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
	require.NoError(t, err)
	assert.False(t, summary.RollbackPerformed)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "partial", summary.Outcome())
	assert.Equal(t, []string{"task", "email", "calendar"}, h.dispatcher.callKeys())
	assert.Empty(t, h.dispatcher.reverted)

	rec, err := h.ledger.Get(context.Background(), "email")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
}

func TestBestEffortFailureContinues(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatcher.fail["file"] = errors.New("bucket missing")
	batch := newBatch(
		act(approval.ActionSaveFile, "file"),
		act(approval.ActionCalendarEvent, "calendar"),
	)

	summary, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.RollbackPerformed)
	assert.Equal(t, []string{"file", "calendar"}, h.dispatcher.callKeys())
}

type brokenInsertStore struct {
	*ledger.MemoryStore
	failKey string
}

func (s *brokenInsertStore) InsertIfAbsent(ctx context.Context, rec *ledger.Record) error {
	if rec.IdempotencyKey == s.failKey {
		return errors.New("connection reset")
	}
	return s.MemoryStore.InsertIfAbsent(ctx, rec)
}

func TestReservationErrorIsNotASkip(t *testing.T) {
	store := &brokenInsertStore{MemoryStore: ledger.NewMemoryStore(), failKey: "k2"}
	h := newHarness(t, store)
	batch := newBatch(
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionCreateTask, "k2"),
		act(approval.ActionSendEmail, "k3"),
	)

	summary, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.True(t, summary.RollbackPerformed)
	assert.Contains(t, summary.Results[1].Detail, "connection reset")
	assert.Equal(t, []string{"k1"}, h.dispatcher.callKeys())
	assert.Equal(t, []string{"ent-1"}, h.dispatcher.reverted)
}

func TestConcurrentDuplicateExecutionAppliesOnce(t *testing.T) {
	h := newHarness(t, nil)
	batch := newBatch(
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionBilling, "k2"),
		act(approval.ActionSendEmail, "k3"),
		act(approval.ActionCalendarEvent, "k4"),
	)

	const runs = 8
	var wg sync.WaitGroup
	summaries := make([]*Summary, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
			assert.NoError(t, err)
			summaries[i] = s
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.dispatcher.callKeys(), 4, "each action dispatched exactly once")
	success := 0
	for _, s := range summaries {
		require.NotNil(t, s)
		success += s.Success
		assert.Equal(t, 4, s.Success+s.Skipped)
	}
	assert.Equal(t, 4, success)
}

func TestBatchIsNotModified(t *testing.T) {
	h := newHarness(t, nil)
	batch := newBatch(
		act(approval.ActionSendEmail, "k1"),
		act(approval.ActionCreateTask, "k2"),
	)
	before := batch.Clone()

	_, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
	require.NoError(t, err)
	assert.Equal(t, before, batch)
}

type countingMetrics struct {
	mu           sync.Mutex
	batches      map[string]int
	actions      map[string]int
	reservations map[string]int
	rollbacks    int
	entries      map[string]int
	active       int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		batches:      make(map[string]int),
		actions:      make(map[string]int),
		reservations: make(map[string]int),
		entries:      make(map[string]int),
	}
}

func (m *countingMetrics) RecordBatchExecution(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[outcome]++
}

func (m *countingMetrics) IncActiveBatches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active++
}

func (m *countingMetrics) DecActiveBatches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
}

func (m *countingMetrics) RecordAction(actionType string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[actionType+"/"+status]++
}

func (m *countingMetrics) RecordReservation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[outcome]++
}

func (m *countingMetrics) RecordRollback(int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
}

func (m *countingMetrics) RecordRollbackEntry(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[status]++
}

func TestMetricsAreRecorded(t *testing.T) {
	metrics := newCountingMetrics()
	h := newHarness(t, nil, WithMetrics(metrics))
	h.dispatcher.fail["k2"] = errors.New("boom")
	batch := newBatch(
		act(approval.ActionCreateTask, "k1"),
		act(approval.ActionCreateTask, "k2"),
	)

	_, err := h.engine.ExecuteBatchActions(context.Background(), batch, execCtx)
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.batches["rolled_back"])
	assert.Equal(t, 1, metrics.actions["create_task/success"])
	assert.Equal(t, 1, metrics.actions["create_task/failed"])
	assert.Equal(t, 2, metrics.reservations["reserved"])
	assert.Equal(t, 1, metrics.rollbacks)
	assert.Equal(t, 1, metrics.entries["reverted"])
	assert.Zero(t, metrics.active)
}
