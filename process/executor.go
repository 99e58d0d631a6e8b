package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"dspflow/logging"
	"dspflow/task"
	"dspflow/telemetry"
)

// Repository loads and stores one process kind inside the caller's transaction.
type Repository[E Entity] interface {
	// FindForUpdate returns the entity with its row locked, or ErrNotFound.
	FindForUpdate(ctx context.Context, tx pgx.Tx, id string) (E, error)
	Save(ctx context.Context, tx pgx.Tx, e E) error
}

// Kind describes a process kind to the generic executor.
type Kind[E Entity] struct {
	// Name doubles as the task group.
	Name       string
	ParseState func(name string) (int, bool)
	StateName  func(code int) string
	// Terminate moves e straight to its terminated state recording detail.
	Terminate func(e E, detail string, now time.Time) E
}

// Handler runs one task kind. Role restricts it to entities of that role;
// empty accepts both.
type Handler[E Entity] struct {
	Role Role
	Run  func(ctx context.Context, s *Step[E]) error
}

// Step is the handle a Handler uses to read the locked entity and persist its
// single transition.
type Step[E Entity] struct {
	Entity E
	Task   task.Task

	tx   pgx.Tx
	exec *Executor[E]
}

func (s *Step[E]) Tx() pgx.Tx { return s.tx }

func (s *Step[E]) Now() time.Time { return s.exec.now() }

func (s *Step[E]) Logger() *slog.Logger {
	return s.exec.logger.With(
		slog.String("process_id", s.Entity.ProcessID()),
		slog.String("task", s.Task.Name),
	)
}

// Transition saves next and notifies observers. Subsequent reads of Entity see
// next.
func (s *Step[E]) Transition(ctx context.Context, next E) error {
	if err := s.exec.persist(ctx, s.tx, s.Entity, next); err != nil {
		return err
	}
	s.Entity = next
	return nil
}

// Config wires an Executor.
type Config[E Entity] struct {
	Kind       Kind[E]
	Repository Repository[E]
	Handlers   map[string]Handler[E]
	// Guard suppresses handler execution. Nil means PendingGuard.
	Guard   Guard[E]
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Clock   func() time.Time
}

// Executor turns a task into at most one state transition of one entity. It
// implements task.Handler for its kind's group.
type Executor[E Entity] struct {
	kind      Kind[E]
	repo      Repository[E]
	handlers  map[string]Handler[E]
	guard     Guard[E]
	observers *Observers[E]
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func NewExecutor[E Entity](cfg Config[E]) *Executor[E] {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(slog.String("kind", cfg.Kind.Name))

	guard := cfg.Guard
	if guard == nil {
		guard = PendingGuard[E]()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	handlers := make(map[string]Handler[E], len(cfg.Handlers))
	for name, h := range cfg.Handlers {
		handlers[name] = h
	}

	return &Executor[E]{
		kind:      cfg.Kind,
		repo:      cfg.Repository,
		handlers:  handlers,
		guard:     guard,
		observers: NewObservers[E](logger),
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// Observe registers a transition observer. Observers run in registration order.
func (x *Executor[E]) Observe(name string, o Observer[E]) {
	x.observers.Add(name, o)
}

// Require registers an observer whose failure fails the step. The task is
// then retried and the transition rolled back with it.
func (x *Executor[E]) Require(name string, o Observer[E]) {
	x.observers.AddRequired(name, o)
}

// Group returns the task group this executor serves.
func (x *Executor[E]) Group() string { return x.kind.Name }

// Handle executes t. Stale, misrouted and guarded tasks succeed without
// touching the entity. Fatal handler errors terminate the entity and succeed;
// other errors propagate so the task is retried.
func (x *Executor[E]) Handle(ctx context.Context, tx pgx.Tx, t task.Task) error {
	logger := x.logger.With(
		slog.String("task", t.Name),
		slog.String("task_id", t.ID),
		slog.String("process_id", t.Payload.ProcessID),
	)

	expected, ok := x.kind.ParseState(t.Payload.ProcessState)
	if !ok {
		logger.Warn("task expects unknown state",
			slog.String("expected_state", t.Payload.ProcessState),
			slog.Any("reason", ErrUnsupportedTask),
		)
		return nil
	}

	e, err := x.repo.FindForUpdate(ctx, tx, t.Payload.ProcessID)
	if err != nil {
		return err
	}

	if e.IsTerminal() {
		logger.Debug("process is terminal, skipping", slog.String("state", e.StateName()))
		return nil
	}
	if e.StateCode() != expected {
		logger.Debug("process moved on, skipping",
			slog.String("state", e.StateName()),
			slog.String("expected_state", t.Payload.ProcessState),
		)
		return nil
	}

	h, ok := x.handlers[t.Name]
	if !ok {
		logger.Warn("no handler for task", slog.Any("reason", ErrUnsupportedTask))
		return nil
	}
	if h.Role != "" && h.Role != e.ProcessRole() {
		logger.Warn("task role does not match process",
			slog.String("handler_role", string(h.Role)),
			slog.String("process_role", string(e.ProcessRole())),
			slog.Any("reason", ErrRoleMismatch),
		)
		return nil
	}
	if x.guard.Test(e) {
		logger.Debug("process is guarded, skipping")
		return nil
	}

	step := &Step[E]{Entity: e, Task: t, tx: tx, exec: x}
	if err := h.Run(ctx, step); err != nil {
		if IsFatal(err) {
			logger.Error("task failed fatally, terminating process", slog.String("error", err.Error()))
			return x.terminate(ctx, tx, step.Entity, err)
		}
		return fmt.Errorf("process: %s %s: %w", x.kind.Name, t.Name, err)
	}
	return nil
}

func (x *Executor[E]) terminate(ctx context.Context, tx pgx.Tx, e E, cause error) error {
	next := x.kind.Terminate(e, cause.Error(), x.now())
	return x.persist(ctx, tx, e, next)
}

func (x *Executor[E]) persist(ctx context.Context, tx pgx.Tx, prev, next E) error {
	if err := x.repo.Save(ctx, tx, next); err != nil {
		return fmt.Errorf("process: save %s %s: %w", x.kind.Name, next.ProcessID(), err)
	}
	if err := x.observers.Notify(ctx, tx, prev.StateCode(), next); err != nil {
		return err
	}
	x.metrics.Transitioned(ctx, x.kind.Name, prev.StateName(), next.StateName())
	return nil
}
