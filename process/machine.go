package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dspflow/db"
	"dspflow/logging"
)

// Machine reacts to transitions observed elsewhere (replicated over the bus)
// by queueing the task for the entity's new state.
type Machine[E Entity] struct {
	pool      db.TxBeginner
	kind      Kind[E]
	repo      Repository[E]
	scheduler *Scheduler[E]
	logger    *slog.Logger
}

func NewMachine[E Entity](pool db.TxBeginner, kind Kind[E], repo Repository[E], scheduler *Scheduler[E], logger *slog.Logger) *Machine[E] {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Machine[E]{
		pool:      pool,
		kind:      kind,
		repo:      repo,
		scheduler: scheduler,
		logger:    logger.With(slog.String("kind", kind.Name)),
	}
}

// Advance queues the next task for id if the entity is still in target. A
// missing, terminal, moved-on or guarded entity is a no-op.
func (m *Machine[E]) Advance(ctx context.Context, id string, target int) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("process: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := m.repo.FindForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Warn("advance for unknown process", slog.String("process_id", id))
			return nil
		}
		return err
	}

	if e.StateCode() != target {
		m.logger.Debug("stale transition event",
			slog.String("process_id", id),
			slog.String("state", e.StateName()),
			slog.String("event_state", m.kind.StateName(target)),
		)
		return nil
	}

	created, err := m.scheduler.Schedule(ctx, tx, e)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("process: commit advance: %w", err)
	}
	return nil
}
