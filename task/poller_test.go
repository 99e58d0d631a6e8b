package task_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dspflow/db/dbtest"
	"dspflow/task"
	"dspflow/task/tasktest"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

func newTask(group, name, processID string) task.Task {
	return task.New(group, name, task.Payload{
		ProcessID:    processID,
		ProcessState: "INITIAL",
		ProcessType:  "CONSUMER",
	}, epoch.Add(-time.Minute))
}

func TestPollOnce_SuccessDeletesTaskAndCommits(t *testing.T) {
	pool := &dbtest.Pool{}
	store := tasktest.NewStore(newTask("negotiation", "RequestNegotiation", "n1"))

	var seen []string
	handler := task.HandlerFunc(func(_ context.Context, _ pgx.Tx, tk task.Task) error {
		seen = append(seen, tk.Payload.ProcessID)
		return nil
	})

	p := task.NewPoller(pool, store, map[string]task.Handler{"negotiation": handler}, task.WithClock(fixedClock))
	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"n1"}, seen)
	assert.Empty(t, store.All())
	assert.True(t, pool.Last().Committed())
}

func TestPollOnce_UnknownGroupIsDeleted(t *testing.T) {
	pool := &dbtest.Pool{}
	store := tasktest.NewStore(newTask("legacy", "Whatever", "x1"))

	p := task.NewPoller(pool, store, map[string]task.Handler{}, task.WithClock(fixedClock))
	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, store.All())
}

func TestPollOnce_DiscardedTaskIsDeleted(t *testing.T) {
	pool := &dbtest.Pool{}
	store := tasktest.NewStore(newTask("transfer", "PrepareTransfer", "t1"))

	handler := task.HandlerFunc(func(context.Context, pgx.Tx, task.Task) error {
		return fmt.Errorf("load t1: %w", task.ErrDiscard)
	})

	p := task.NewPoller(pool, store, map[string]task.Handler{"transfer": handler}, task.WithClock(fixedClock))
	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, store.All())
	sp := pool.Last().Savepoints()
	require.Len(t, sp, 1)
	assert.True(t, sp[0].RolledBack())
}

func TestPollOnce_FailureReschedulesWithBackoff(t *testing.T) {
	pool := &dbtest.Pool{}
	tk := newTask("transfer", "SendTransferRequest", "t1")
	store := tasktest.NewStore(tk)

	handler := task.HandlerFunc(func(context.Context, pgx.Tx, task.Task) error {
		return errors.New("connection reset")
	})

	policy := task.RetryPolicy{MaxRetries: 3, Initial: time.Second, Max: 10 * time.Second}
	p := task.NewPoller(pool, store, map[string]task.Handler{"transfer": handler},
		task.WithClock(fixedClock),
		task.WithRetryPolicy(policy),
		task.WithDeadLetters(store),
	)

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	remaining := store.All()
	require.Len(t, remaining, 1)
	assert.Equal(t, 1, remaining[0].RetryCount)
	assert.Equal(t, "connection reset", remaining[0].LastError)
	assert.False(t, remaining[0].ScheduledAt.Before(epoch))
	assert.False(t, remaining[0].ScheduledAt.After(epoch.Add(time.Second)))
	assert.Empty(t, store.DeadLetters())
}

func TestPollOnce_ExhaustedTaskIsDeadLettered(t *testing.T) {
	pool := &dbtest.Pool{}
	tk := newTask("negotiation", "SendAgreement", "n9")
	tk.RetryCount = 2
	store := tasktest.NewStore(tk)

	handler := task.HandlerFunc(func(context.Context, pgx.Tx, task.Task) error {
		return errors.New("still broken")
	})

	p := task.NewPoller(pool, store, map[string]task.Handler{"negotiation": handler},
		task.WithClock(fixedClock),
		task.WithRetryPolicy(task.RetryPolicy{MaxRetries: 2, Initial: time.Millisecond}),
		task.WithDeadLetters(store),
	)

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, store.All())
	dead := store.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, tk.ID, dead[0].TaskID)
	assert.Equal(t, 3, dead[0].RetryCount)
	assert.Equal(t, "still broken", dead[0].Error)
	assert.Equal(t, epoch, dead[0].FailedAt)
}

func TestPollOnce_PanicIsRetried(t *testing.T) {
	pool := &dbtest.Pool{}
	store := tasktest.NewStore(newTask("negotiation", "AgreeNegotiation", "n2"))

	handler := task.HandlerFunc(func(context.Context, pgx.Tx, task.Task) error {
		panic("boom")
	})

	p := task.NewPoller(pool, store, map[string]task.Handler{"negotiation": handler}, task.WithClock(fixedClock))
	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	remaining := store.All()
	require.Len(t, remaining, 1)
	assert.Equal(t, 1, remaining[0].RetryCount)
	assert.Contains(t, remaining[0].LastError, "boom")
}

func TestPollOnce_OnlyDueTasksAreFetched(t *testing.T) {
	pool := &dbtest.Pool{}
	future := newTask("negotiation", "RequestNegotiation", "n3")
	future.ScheduledAt = epoch.Add(time.Hour)
	store := tasktest.NewStore(future)

	called := false
	handler := task.HandlerFunc(func(context.Context, pgx.Tx, task.Task) error {
		called = true
		return nil
	})

	p := task.NewPoller(pool, store, map[string]task.Handler{"negotiation": handler}, task.WithClock(fixedClock))
	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, n)
	assert.False(t, called)
	assert.Len(t, store.All(), 1)
}

func TestRun_FetchErrorDoesNotStopLoop(t *testing.T) {
	pool := &dbtest.Pool{}
	store := tasktest.NewStore()
	store.FetchErr = errors.New("relation \"tasks\" is locked")

	p := task.NewPoller(pool, store, nil,
		task.WithClock(fixedClock),
		task.WithPollInterval(time.Millisecond),
	)
	store.OnFetch = func(call int) {
		if call >= 2 {
			p.Stop()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.GreaterOrEqual(t, store.Fetches(), 2)
}

func TestRun_ReturnsOnContextCancel(t *testing.T) {
	pool := &dbtest.Pool{}
	store := tasktest.NewStore()

	p := task.NewPoller(pool, store, nil, task.WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestRetryPolicy(t *testing.T) {
	r := task.RetryPolicy{MaxRetries: 2, Initial: time.Second, Max: 4 * time.Second}

	assert.False(t, r.Exhausted(2))
	assert.True(t, r.Exhausted(3))
	assert.False(t, task.RetryPolicy{}.Exhausted(1000))

	for attempt := 1; attempt <= 6; attempt++ {
		d := r.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
