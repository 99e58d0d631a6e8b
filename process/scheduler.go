package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"dspflow/logging"
	"dspflow/task"
)

// Guard suppresses task creation for entities it matches.
type Guard[E Entity] interface {
	Test(e E) bool
}

// GuardFunc adapts a function to Guard.
type GuardFunc[E Entity] func(e E) bool

func (f GuardFunc[E]) Test(e E) bool { return f(e) }

// PendingGuard matches entities whose pending flag is set.
func PendingGuard[E Entity]() Guard[E] {
	return GuardFunc[E](func(e E) bool { return e.IsPending() })
}

// AnyGuard matches when any of guards matches.
func AnyGuard[E Entity](guards ...Guard[E]) Guard[E] {
	return GuardFunc[E](func(e E) bool {
		for _, g := range guards {
			if g != nil && g.Test(e) {
				return true
			}
		}
		return false
	})
}

// NextTask names the task that moves e out of its current state, if any.
type NextTask[E Entity] func(e E) (name string, ok bool)

// Scheduler queues the follow-up task for an entity's current state. It is
// registered as a transition observer and used by Machine for replicated
// transitions.
type Scheduler[E Entity] struct {
	group  string
	store  task.Store
	next   NextTask[E]
	guard  Guard[E]
	now    func() time.Time
	logger *slog.Logger
}

func NewScheduler[E Entity](group string, store task.Store, next NextTask[E], guard Guard[E], logger *slog.Logger) *Scheduler[E] {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler[E]{
		group:  group,
		store:  store,
		next:   next,
		guard:  guard,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the scheduling timestamp source.
func (s *Scheduler[E]) WithClock(now func() time.Time) *Scheduler[E] {
	s.now = now
	return s
}

// Schedule queues the next task for e unless e is terminal, guarded, has no
// follow-up in its state, or already has that task queued. It reports whether
// a task was created.
func (s *Scheduler[E]) Schedule(ctx context.Context, tx pgx.Tx, e E) (bool, error) {
	if e.IsTerminal() {
		return false, nil
	}
	if s.guard != nil && s.guard.Test(e) {
		s.logger.Debug("task creation suppressed by guard",
			slog.String("process_id", e.ProcessID()),
			slog.String("state", e.StateName()),
		)
		return false, nil
	}
	name, ok := s.next(e)
	if !ok {
		return false, nil
	}

	exists, err := s.store.Exists(ctx, tx, e.ProcessID(), name, e.StateName())
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	t := task.New(s.group, name, PayloadFor(e), s.now())
	if err := s.store.Create(ctx, tx, t); err != nil {
		if errors.Is(err, task.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("process: schedule %s for %s: %w", name, e.ProcessID(), err)
	}

	s.logger.Debug("task scheduled",
		slog.String("task", name),
		slog.String("process_id", e.ProcessID()),
		slog.String("state", e.StateName()),
	)
	return true, nil
}

func (s *Scheduler[E]) OnTransition(ctx context.Context, tx pgx.Tx, _ int, e E) error {
	_, err := s.Schedule(ctx, tx, e)
	return err
}

// PayloadFor builds the task payload expecting e's current state.
func PayloadFor[E Entity](e E) task.Payload {
	return task.Payload{
		ProcessID:    e.ProcessID(),
		ProcessState: e.StateName(),
		ProcessType:  string(e.ProcessRole()),
	}
}
