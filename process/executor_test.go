package process_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dspflow/db/dbtest"
	"dspflow/process"
	"dspflow/task"
	"dspflow/task/tasktest"
)

type harness struct {
	repo  *widgetRepo
	tasks *tasktest.Store
	exec  *process.Executor[widget]
	tx    *dbtest.Tx
	runs  int
}

func newHarness(t *testing.T, w widget, run func(ctx context.Context, s *process.Step[widget]) error) *harness {
	t.Helper()
	h := &harness{
		repo:  newWidgetRepo(w),
		tasks: tasktest.NewStore(),
		tx:    &dbtest.Tx{},
	}
	counting := func(ctx context.Context, s *process.Step[widget]) error {
		h.runs++
		return run(ctx, s)
	}
	h.exec = process.NewExecutor(process.Config[widget]{
		Kind:       widgetKind,
		Repository: h.repo,
		Handlers: map[string]process.Handler[widget]{
			"Prepare": {Role: process.Consumer, Run: counting},
		},
		Clock: clock,
	})
	h.exec.Require("scheduler", process.NewScheduler[widget]("widget", h.tasks, nextWidgetTask, process.PendingGuard[widget](), nil).WithClock(clock))
	return h
}

func prepareTask(id, state string) task.Task {
	return task.New("widget", "Prepare", task.Payload{ProcessID: id, ProcessState: state, ProcessType: "CONSUMER"}, epoch)
}

func toSending(ctx context.Context, s *process.Step[widget]) error {
	next := s.Entity
	next.Base = next.Base.Enter(sending, s.Now())
	return s.Transition(ctx, next)
}

func TestHandle_TransitionsAndSchedulesFollowUp(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), toSending)

	err := h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT"))
	require.NoError(t, err)

	got := h.repo.get("w1")
	assert.Equal(t, sending, got.State)
	assert.Equal(t, 1, got.StateCount)
	assert.Equal(t, epoch, got.StateTimestamp)

	queued := h.tasks.All()
	require.Len(t, queued, 1)
	assert.Equal(t, "Send", queued[0].Name)
	assert.Equal(t, "widget", queued[0].Group)
	assert.Equal(t, task.Payload{ProcessID: "w1", ProcessState: "SENDING", ProcessType: "CONSUMER"}, queued[0].Payload)
}

func TestHandle_StateMismatchIsNoOp(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, sending), toSending)

	err := h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT"))
	require.NoError(t, err)

	assert.Zero(t, h.runs)
	assert.Zero(t, h.repo.saveCount())
	assert.Empty(t, h.tasks.All())
}

func TestHandle_TerminalIsNoOp(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, sent), toSending)

	err := h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "SENT"))
	require.NoError(t, err)

	assert.Zero(t, h.runs)
	assert.Zero(t, h.repo.saveCount())
}

func TestHandle_NotFoundIsDiscarded(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), toSending)

	err := h.exec.Handle(context.Background(), h.tx, prepareTask("missing", "DRAFT"))
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrNotFound)
	assert.ErrorIs(t, err, task.ErrDiscard)
}

func TestHandle_UnknownTaskNameIsNoOp(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), toSending)
	tk := prepareTask("w1", "DRAFT")
	tk.Name = "Polish"

	require.NoError(t, h.exec.Handle(context.Background(), h.tx, tk))
	assert.Zero(t, h.runs)
	assert.Zero(t, h.repo.saveCount())
}

func TestHandle_UnknownExpectedStateIsNoOp(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), toSending)

	require.NoError(t, h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "SHIPPED")))
	assert.Zero(t, h.runs)
}

func TestHandle_RoleMismatchIsSkipped(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Provider, draft), toSending)

	require.NoError(t, h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT")))

	assert.Zero(t, h.runs)
	assert.Equal(t, draft, h.repo.get("w1").State)
	assert.Empty(t, h.repo.get("w1").ErrorDetail)
}

func TestHandle_PendingGuardSuppressesHandlerAndTasks(t *testing.T) {
	w := newWidget("w1", process.Consumer, draft)
	w.Pending = true
	h := newHarness(t, w, toSending)

	require.NoError(t, h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT")))

	assert.Zero(t, h.runs)
	assert.Zero(t, h.repo.saveCount())
	assert.Empty(t, h.tasks.All())
}

func TestHandle_FatalErrorTerminatesWithDetail(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), func(context.Context, *process.Step[widget]) error {
		return process.DispatchFailure("WidgetMessage", errors.New("connection refused"))
	})

	err := h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT"))
	require.NoError(t, err)

	got := h.repo.get("w1")
	assert.Equal(t, failed, got.State)
	assert.Contains(t, got.ErrorDetail, "dispatch WidgetMessage: connection refused")
	assert.Empty(t, h.tasks.All())
}

func TestHandle_TransientErrorPropagatesWithoutMutation(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), func(context.Context, *process.Step[widget]) error {
		return errors.New("deadlock detected")
	})

	err := h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT"))
	require.Error(t, err)
	assert.False(t, process.IsFatal(err))
	assert.Equal(t, draft, h.repo.get("w1").State)
	assert.Zero(t, h.repo.saveCount())
}

func TestHandle_ObserverFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), toSending)

	var calls []string
	h.exec.Observe("broken", process.ObserverFunc[widget](func(context.Context, pgx.Tx, int, widget) error {
		calls = append(calls, "broken")
		return errors.New("observer down")
	}))
	h.exec.Observe("panicky", process.ObserverFunc[widget](func(context.Context, pgx.Tx, int, widget) error {
		calls = append(calls, "panicky")
		panic("observer exploded")
	}))
	h.exec.Observe("audit", process.ObserverFunc[widget](func(_ context.Context, _ pgx.Tx, from int, w widget) error {
		calls = append(calls, "audit")
		assert.Equal(t, draft, from)
		assert.Equal(t, sending, w.State)
		return nil
	}))

	require.NoError(t, h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT")))

	assert.Equal(t, []string{"broken", "panicky", "audit"}, calls)
	assert.Len(t, h.tasks.All(), 1)

	sps := h.tx.Savepoints()
	require.Len(t, sps, 4)
	assert.True(t, sps[0].Committed())
	assert.True(t, sps[1].RolledBack())
	assert.True(t, sps[2].RolledBack())
	assert.True(t, sps[3].Committed())
}

func TestHandle_SchedulerFailureFailsStep(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), toSending)
	h.tasks.CreateErr = errors.New("connection reset")

	var audited bool
	h.exec.Observe("audit", process.ObserverFunc[widget](func(context.Context, pgx.Tx, int, widget) error {
		audited = true
		return nil
	}))

	err := h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, process.IsFatal(err))
	assert.False(t, audited)
	assert.Empty(t, h.tasks.All())

	sps := h.tx.Savepoints()
	require.Len(t, sps, 1)
	assert.True(t, sps[0].RolledBack())
}

func TestHandle_SaveErrorPropagates(t *testing.T) {
	h := newHarness(t, newWidget("w1", process.Consumer, draft), toSending)
	h.repo.saveErr = errors.New("disk full")

	err := h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, h.tasks.All())
}

func TestHandle_ReenteringStateBumpsCount(t *testing.T) {
	w := newWidget("w1", process.Consumer, draft)
	h := newHarness(t, w, func(ctx context.Context, s *process.Step[widget]) error {
		next := s.Entity
		next.Base = next.Base.Enter(draft, s.Now())
		return s.Transition(ctx, next)
	})

	require.NoError(t, h.exec.Handle(context.Background(), h.tx, prepareTask("w1", "DRAFT")))
	assert.Equal(t, 2, h.repo.get("w1").StateCount)
}

func TestGraph(t *testing.T) {
	assert.True(t, widgetGraph.Allows(draft, sending))
	assert.False(t, widgetGraph.Allows(draft, sent))
	assert.True(t, widgetGraph.Allows(draft, failed))
	assert.False(t, widgetGraph.Allows(sent, failed))

	err := widgetGraph.Check(sending, draft, func(c int) string { return widgetStates[c] })
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrIllegalTransition)
	assert.Contains(t, err.Error(), "SENDING -> DRAFT")
}

func TestBase_ProcessIDsByRole(t *testing.T) {
	c := process.NewBase("local", process.Consumer, draft, epoch)
	c.CorrelationID = "remote"
	consumerPID, providerPID := c.ProcessIDs()
	assert.Equal(t, "local", consumerPID)
	assert.Equal(t, "remote", providerPID)

	p := c
	p.Role = process.Provider
	consumerPID, providerPID = p.ProcessIDs()
	assert.Equal(t, "remote", consumerPID)
	assert.Equal(t, "local", providerPID)
}

func TestParseRole(t *testing.T) {
	r, err := process.ParseRole("consumer")
	require.NoError(t, err)
	assert.Equal(t, process.Consumer, r)

	_, err = process.ParseRole("broker")
	assert.Error(t, err)
}
