package workflow

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
	"github.com/lexflow/lexflow/pkg/entity"
	"github.com/lexflow/lexflow/pkg/executor"
	"github.com/lexflow/lexflow/pkg/ledger"
	"github.com/lexflow/lexflow/pkg/logger"
	"github.com/lexflow/lexflow/pkg/provider/calendar"
	"github.com/lexflow/lexflow/pkg/provider/docstore"
	"github.com/lexflow/lexflow/pkg/provider/mail"
)

var (
	baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	execCtx  = approval.ExecContext{ActorID: "attorney-7", Origin: "approval_ui"}
)

type stubCalendar struct{}

func (stubCalendar) CreateEvent(context.Context, calendar.Event) (calendar.Created, error) {
	return calendar.Created{EventID: "evt-1"}, nil
}

type fixture struct {
	approver *Approver
	batches  *approval.MemoryBatchStore
	entities *entity.MemoryStore
	ledger   *ledger.Ledger
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		batches:  approval.NewMemoryBatchStore(),
		entities: entity.NewMemoryStore(),
		now:      baseTime,
	}
	nop := logger.NewNop()

	d, err := dispatch.NewDefault(dispatch.Deps{
		Entities: f.entities,
		Mail:     mail.NewLogSender(nop),
		Files:    docstore.NewMemoryUploader(),
		Calendar: stubCalendar{},
		Logger:   nop,
	})
	require.NoError(t, err)

	f.ledger, err = ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(nop))
	require.NoError(t, err)
	engine, err := executor.New(f.ledger, d, executor.WithLogger(nop))
	require.NoError(t, err)

	ids := 0
	f.approver, err = New(f.batches, engine,
		WithLogger(nop),
		WithClock(func() time.Time { return f.now }),
		WithIDGenerator(func() string { ids++; return fmt.Sprintf("batch-%d", ids) }),
	)
	require.NoError(t, err)
	return f
}

func task(key, title string) approval.Action {
	return approval.Action{
		Type:           approval.ActionCreateTask,
		Enabled:        true,
		IdempotencyKey: key,
		Config:         map[string]any{"title": title},
	}
}

func email(key string) approval.Action {
	return approval.Action{
		Type:           approval.ActionSendEmail,
		Enabled:        true,
		IdempotencyKey: key,
		Config: map[string]any{
			"to":      []any{"client@example.com"},
			"subject": "Hearing scheduled",
			"body":    "Your hearing is on Monday.",
		},
	}
}

func (f *fixture) submitApproved(t *testing.T, actions ...approval.Action) *approval.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := f.approver.Submit(ctx, &approval.Batch{Refs: approval.References{CaseID: "case-9", MailID: "mail-3"}, Actions: actions})
	require.NoError(t, err)
	b, err = f.approver.Approve(ctx, b.ID, "attorney-7")
	require.NoError(t, err)
	return b
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
	_, err = New(approval.NewMemoryBatchStore(), nil)
	require.Error(t, err)
}

func TestSubmitAssignsIDAndSnapshots(t *testing.T) {
	f := newFixture(t)

	b, err := f.approver.Submit(context.Background(), &approval.Batch{Actions: []approval.Action{task("k1", "Draft motion")}})
	require.NoError(t, err)
	assert.Equal(t, "batch-1", b.ID)
	assert.Equal(t, approval.BatchStatusPending, b.Status)
	require.Len(t, b.OriginalActions, 1)

	_, err = f.approver.Submit(context.Background(), &approval.Batch{ID: "batch-1"})
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestConcurrentSubmitSameIDKeepsFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const submitters = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			title := fmt.Sprintf("Draft %d", i)
			_, err := f.approver.Submit(ctx, &approval.Batch{ID: "intake-1", Actions: []approval.Action{task("k1", title)}})
			if err == nil {
				mu.Lock()
				wins = append(wins, title)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInvalidBatch)
		}(i)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	stored, err := f.batches.Get(ctx, "intake-1")
	require.NoError(t, err)
	assert.Equal(t, wins[0], stored.Actions[0].Config["title"])
}

func TestSubmitRejectsInvalidActions(t *testing.T) {
	f := newFixture(t)

	_, err := f.approver.Submit(context.Background(), &approval.Batch{Actions: []approval.Action{{Enabled: true}}})
	assert.ErrorIs(t, err, ErrInvalidBatch)

	_, err = f.approver.Submit(context.Background(), &approval.Batch{Actions: []approval.Action{{Type: "fax", Enabled: true}}})
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestEditKeepsOriginalSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.approver.Submit(ctx, &approval.Batch{Actions: []approval.Action{task("k1", "Draft motion")}})
	require.NoError(t, err)

	edited, err := f.approver.Edit(ctx, b.ID, []approval.Action{task("k1", "Draft amended motion"), email("k2")})
	require.NoError(t, err)
	assert.Equal(t, approval.BatchStatusEditing, edited.Status)
	assert.Len(t, edited.Actions, 2)
	require.Len(t, edited.OriginalActions, 1)
	assert.Equal(t, "Draft motion", edited.OriginalActions[0].Config["title"])
}

func TestApproveExpiredBatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expires := baseTime.Add(time.Hour)
	b, err := f.approver.Submit(ctx, &approval.Batch{ExpiresAt: &expires, Actions: []approval.Action{task("k1", "Draft")}})
	require.NoError(t, err)

	f.now = expires.Add(time.Second)
	b, err = f.approver.Approve(ctx, b.ID, "attorney-7")
	require.ErrorIs(t, err, ErrBatchExpired)
	assert.Equal(t, approval.BatchStatusFailed, b.Status)
	assert.Equal(t, ReasonExpired, b.FailureReason)
}

func TestApproveTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	b := f.submitApproved(t, task("k1", "Draft"))
	assert.Equal(t, "attorney-7", b.ApproverID)

	_, err := f.approver.Approve(context.Background(), b.ID, "attorney-7")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	b := f.submitApproved(t, task("k1", "Draft"))

	cancelled, err := f.approver.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.BatchStatusCancelled, cancelled.Status)

	_, err = f.approver.Execute(context.Background(), b.ID, execCtx)
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = f.approver.Cancel(context.Background(), b.ID)
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
}

func TestExecuteSucceeds(t *testing.T) {
	f := newFixture(t)
	b := f.submitApproved(t, email("k-email"), task("k-task", "Prepare exhibits"))

	res, err := f.approver.Execute(context.Background(), b.ID, execCtx)
	require.NoError(t, err)
	assert.Equal(t, approval.BatchStatusExecuted, res.Batch.Status)
	assert.Empty(t, res.Batch.FailureReason)
	assert.Equal(t, 2, res.Summary.Success)
	assert.NotNil(t, res.Batch.FinishedAt)

	tasks, err := f.entities.List(context.Background(), entity.KindTask)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "case-9", tasks[0].Fields["case_id"])
	assert.Equal(t, "attorney-7", tasks[0].Fields["created_by"])

	stored, err := f.batches.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.BatchStatusExecuted, stored.Status)
}

func TestExecuteRollbackMarksFailed(t *testing.T) {
	f := newFixture(t)
	// The second task has no title and fails validation after the first was created.
	b := f.submitApproved(t, task("k1", "Prepare exhibits"), task("k2", ""), email("k3"))

	res, err := f.approver.Execute(context.Background(), b.ID, execCtx)
	require.NoError(t, err)
	assert.Equal(t, approval.BatchStatusFailed, res.Batch.Status)
	assert.True(t, res.Batch.RollbackPerformed)
	assert.Equal(t, ReasonRolledBack, res.Batch.FailureReason)

	tasks, err := f.entities.List(context.Background(), entity.KindTask)
	require.NoError(t, err)
	assert.Empty(t, tasks, "rolled back task must be deleted")

	rec, err := f.ledger.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
}

func TestExecuteAllFailedMarksFailed(t *testing.T) {
	f := newFixture(t)
	bad := email("k1")
	bad.Config["to"] = []any{"not-an-address"}
	b := f.submitApproved(t, bad)

	res, err := f.approver.Execute(context.Background(), b.ID, execCtx)
	require.NoError(t, err)
	assert.Equal(t, approval.BatchStatusFailed, res.Batch.Status)
	assert.False(t, res.Batch.RollbackPerformed)
	assert.Equal(t, ReasonAllFailed, res.Batch.FailureReason)
}

func TestExecuteMissingKeyMarksFailed(t *testing.T) {
	f := newFixture(t)
	b := f.submitApproved(t, task("k1", "Draft"), task("", "No key"))

	res, err := f.approver.Execute(context.Background(), b.ID, execCtx)
	var cfgErr *executor.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.NotNil(t, res)
	assert.Equal(t, approval.BatchStatusFailed, res.Batch.Status)
	assert.Contains(t, res.Batch.FailureReason, "idempotency key")
	assert.True(t, res.Batch.RollbackPerformed)
}

func TestExecuteExpiredApprovedBatch(t *testing.T) {
	f := newFixture(t)
	expires := baseTime.Add(time.Hour)
	b, err := f.approver.Submit(context.Background(), &approval.Batch{ExpiresAt: &expires, Actions: []approval.Action{task("k1", "Draft")}})
	require.NoError(t, err)
	_, err = f.approver.Approve(context.Background(), b.ID, "attorney-7")
	require.NoError(t, err)

	f.now = expires
	res, err := f.approver.Execute(context.Background(), b.ID, execCtx)
	require.ErrorIs(t, err, ErrBatchExpired)
	assert.Equal(t, approval.BatchStatusFailed, res.Batch.Status)
	assert.Nil(t, res.Summary)

	tasks, _ := f.entities.List(context.Background(), entity.KindTask)
	assert.Empty(t, tasks)
}

func TestExecuteRequiresApproval(t *testing.T) {
	f := newFixture(t)
	b, err := f.approver.Submit(context.Background(), &approval.Batch{Actions: []approval.Action{task("k1", "Draft")}})
	require.NoError(t, err)

	_, err = f.approver.Execute(context.Background(), b.ID, execCtx)
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = f.approver.Execute(context.Background(), "missing", execCtx)
	assert.ErrorIs(t, err, approval.ErrBatchNotFound)
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	f := newFixture(t)
	b := f.submitApproved(t, task("k1", "Draft"), task("k2", "Review"))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		executed int
		rejected int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.approver.Execute(context.Background(), b.ID, execCtx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				executed++
			case errors.Is(err, ErrNotApproved):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, executed)
	assert.Equal(t, 5, rejected)
	tasks, err := f.entities.List(context.Background(), entity.KindTask)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestExecuteFinishesAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	b := f.submitApproved(t, task("k1", "Draft"))

	ctx, cancel := context.WithCancel(context.Background())
	engine := cancellingExecutor{cancel: cancel, summary: &executor.Summary{BatchID: b.ID, Total: 1, Success: 1}}
	a, err := New(f.batches, engine, WithLogger(logger.NewNop()), WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)

	res, err := a.Execute(ctx, b.ID, execCtx)
	require.NoError(t, err)
	assert.Equal(t, approval.BatchStatusExecuted, res.Batch.Status)
}

type cancellingExecutor struct {
	cancel  context.CancelFunc
	summary *executor.Summary
}

func (c cancellingExecutor) ExecuteBatchActions(context.Context, *approval.Batch, approval.ExecContext) (*executor.Summary, error) {
	c.cancel()
	return c.summary, nil
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		name    string
		summary *executor.Summary
		err     error
		want    approval.BatchStatus
	}{
		{"all succeeded", &executor.Summary{Success: 2}, nil, approval.BatchStatusExecuted},
		{"partial", &executor.Summary{Success: 1, Failed: 1}, nil, approval.BatchStatusExecuted},
		{"only skipped", &executor.Summary{Skipped: 3}, nil, approval.BatchStatusExecuted},
		{"rolled back", &executor.Summary{Failed: 1, RollbackPerformed: true}, nil, approval.BatchStatusFailed},
		{"all failed", &executor.Summary{Failed: 2}, nil, approval.BatchStatusFailed},
		{"engine error", nil, errors.New("boom"), approval.BatchStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := finalStatus(tt.summary, tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
