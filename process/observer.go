package process

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/jackc/pgx/v5"

	"dspflow/db"
)

// Observer is told about every persisted transition while the transaction that
// wrote it is still open. from is the previous state code.
type Observer[E Entity] interface {
	OnTransition(ctx context.Context, tx pgx.Tx, from int, e E) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc[E Entity] func(ctx context.Context, tx pgx.Tx, from int, e E) error

func (f ObserverFunc[E]) OnTransition(ctx context.Context, tx pgx.Tx, from int, e E) error {
	return f(ctx, tx, from, e)
}

type observerEntry[E Entity] struct {
	name     string
	obs      Observer[E]
	required bool
}

// Observers notifies listeners in registration order. Each listener runs in
// its own savepoint; a failure or panic is logged and the next listener still
// runs. A failing required listener stops the fan-out and its error is
// returned, so the transition it belongs to is rolled back.
type Observers[E Entity] struct {
	entries []observerEntry[E]
	logger  *slog.Logger
}

func NewObservers[E Entity](logger *slog.Logger) *Observers[E] {
	return &Observers[E]{logger: logger}
}

func (o *Observers[E]) Add(name string, obs Observer[E]) {
	o.entries = append(o.entries, observerEntry[E]{name: name, obs: obs})
}

// AddRequired registers a listener the workflow cannot progress without.
func (o *Observers[E]) AddRequired(name string, obs Observer[E]) {
	o.entries = append(o.entries, observerEntry[E]{name: name, obs: obs, required: true})
}

func (o *Observers[E]) Len() int { return len(o.entries) }

func (o *Observers[E]) Notify(ctx context.Context, tx pgx.Tx, from int, e E) error {
	for _, entry := range o.entries {
		err := db.InSavepoint(ctx, tx, func(sp pgx.Tx) error {
			return o.call(ctx, sp, entry, from, e)
		})
		if err == nil {
			continue
		}
		if entry.required {
			return fmt.Errorf("process: observer %s: %w", entry.name, err)
		}
		o.logger.Error("transition observer failed",
			slog.String("observer", entry.name),
			slog.String("process_id", e.ProcessID()),
			slog.String("state", e.StateName()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (o *Observers[E]) call(ctx context.Context, tx pgx.Tx, entry observerEntry[E], from int, e E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("transition observer panicked",
				slog.String("observer", entry.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in observer %s: %v", entry.name, r)
		}
	}()
	return entry.obs.OnTransition(ctx, tx, from, e)
}
