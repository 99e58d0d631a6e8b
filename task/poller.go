package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"dspflow/db"
	"dspflow/logging"
	"dspflow/telemetry"
)

// Handler executes one task inside tx. Returning nil deletes the task; an error
// wrapping ErrDiscard drops it; any other error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, tx pgx.Tx, t Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx pgx.Tx, t Task) error

func (f HandlerFunc) Handle(ctx context.Context, tx pgx.Tx, t Task) error {
	return f(ctx, tx, t)
}

// Poller drains the queue: each iteration locks a batch of due tasks in one
// transaction and routes every task to the handler registered for its group.
type Poller struct {
	pool        db.TxBeginner
	store       Store
	deadLetters DeadLetterStore
	handlers    map[string]Handler
	batchSize   int
	interval    time.Duration
	retry       RetryPolicy
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time

	stopped atomic.Bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

func WithBatchSize(n int) PollerOption {
	return func(p *Poller) { p.batchSize = n }
}

func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

func WithRetryPolicy(r RetryPolicy) PollerOption {
	return func(p *Poller) { p.retry = r }
}

// WithDeadLetters enables dead-lettering once the retry policy is exhausted.
// Without it exhausted tasks keep retrying at the maximum delay.
func WithDeadLetters(s DeadLetterStore) PollerOption {
	return func(p *Poller) { p.deadLetters = s }
}

func WithLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

func WithMetrics(m *telemetry.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller builds a poller. handlers maps task groups to their executor and
// is fixed for the poller's lifetime.
func NewPoller(pool db.TxBeginner, store Store, handlers map[string]Handler, opts ...PollerOption) *Poller {
	p := &Poller{
		pool:      pool,
		store:     store,
		handlers:  make(map[string]Handler, len(handlers)),
		batchSize: 5,
		interval:  time.Second,
		retry:     DefaultRetryPolicy(),
		logger:    logging.Discard(),
		now:       time.Now,
	}
	for group, h := range handlers {
		p.handlers[group] = h
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until Stop is called or ctx is cancelled. Poll failures are logged
// and the loop keeps going.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("task poller starting",
		slog.Int("batch_size", p.batchSize),
		slog.Duration("interval", p.interval),
	)
	defer p.logger.Info("task poller stopped")

	for !p.stopped.Load() {
		if ctx.Err() != nil {
			return nil
		}

		n, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("task poll failed", slog.String("error", err.Error()))
		}
		if n == 0 || err != nil {
			if !p.sleep(ctx) {
				return nil
			}
		}
	}
	return nil
}

// Stop asks Run to return after the current iteration.
func (p *Poller) Stop() {
	p.stopped.Store(true)
}

func (p *Poller) sleep(ctx context.Context) bool {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// PollOnce processes a single batch and reports how many tasks it fetched.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tasks, err := p.store.FetchForUpdate(ctx, tx, Criteria{Now: p.now(), Limit: p.batchSize})
	if err != nil {
		return 0, err
	}

	for _, t := range tasks {
		if err := p.execute(ctx, tx, t); err != nil {
			return len(tasks), err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return len(tasks), fmt.Errorf("task: commit batch: %w", err)
	}
	return len(tasks), nil
}

func (p *Poller) execute(ctx context.Context, tx pgx.Tx, t Task) error {
	start := time.Now()
	logger := p.logger.With(
		slog.String("task_id", t.ID),
		slog.String("task", t.Name),
		slog.String("group", t.Group),
		slog.String("process_id", t.Payload.ProcessID),
	)

	h, ok := p.handlers[t.Group]
	if !ok {
		logger.Warn("dropping task with unknown group")
		p.metrics.TaskExecuted(ctx, t.Group, t.Name, telemetry.OutcomeDropped, time.Since(start))
		return p.store.Delete(ctx, tx, t.ID)
	}

	var handleErr error
	err := db.InSavepoint(ctx, tx, func(sp pgx.Tx) error {
		handleErr = p.invoke(ctx, sp, h, t)
		if handleErr != nil {
			return handleErr
		}
		return p.store.Delete(ctx, sp, t.ID)
	})
	if err == nil {
		p.metrics.TaskExecuted(ctx, t.Group, t.Name, telemetry.OutcomeOK, time.Since(start))
		return nil
	}
	if handleErr == nil {
		// savepoint bookkeeping failed, abandon the batch
		return err
	}

	if errors.Is(handleErr, ErrDiscard) {
		logger.Warn("dropping task", slog.String("error", handleErr.Error()))
		p.metrics.TaskExecuted(ctx, t.Group, t.Name, telemetry.OutcomeDropped, time.Since(start))
		return p.store.Delete(ctx, tx, t.ID)
	}

	return p.reschedule(ctx, tx, t, handleErr, logger, start)
}

func (p *Poller) invoke(ctx context.Context, tx pgx.Tx, h Handler, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task handler panicked",
				slog.String("task_id", t.ID),
				slog.String("task", t.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in task %s: %v", t.Name, r)
		}
	}()
	return h.Handle(ctx, tx, t)
}

func (p *Poller) reschedule(ctx context.Context, tx pgx.Tx, t Task, cause error, logger *slog.Logger, start time.Time) error {
	now := p.now()
	t.RetryCount++
	t.LastError = cause.Error()

	if p.deadLetters != nil && p.retry.Exhausted(t.RetryCount) {
		logger.Error("task exhausted retries",
			slog.Int("retry_count", t.RetryCount),
			slog.String("error", t.LastError),
		)
		if err := p.deadLetters.PushDeadLetter(ctx, tx, NewDeadLetter(t, cause, now)); err != nil {
			return err
		}
		p.metrics.TaskExecuted(ctx, t.Group, t.Name, telemetry.OutcomeDead, time.Since(start))
		return p.store.Delete(ctx, tx, t.ID)
	}

	t.ScheduledAt = now.Add(p.retry.Delay(t.RetryCount))
	logger.Warn("task failed, retrying",
		slog.Int("retry_count", t.RetryCount),
		slog.Time("next_run_at", t.ScheduledAt),
		slog.String("error", t.LastError),
	)
	p.metrics.TaskExecuted(ctx, t.Group, t.Name, telemetry.OutcomeRetried, time.Since(start))
	return p.store.Update(ctx, tx, t)
}
