package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"dspflow/logging"
	"dspflow/process"
)

// Consumer handles the records of one table.
type Consumer interface {
	Consume(ctx context.Context, rec Record) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, rec Record) error

func (f ConsumerFunc) Consume(ctx context.Context, rec Record) error { return f(ctx, rec) }

// ChangeListener is told about state changes of one process kind. before is
// nil for inserts.
type ChangeListener[E process.Entity] interface {
	OnChange(ctx context.Context, before *E, after E) error
}

// ChangeListenerFunc adapts a function to ChangeListener.
type ChangeListenerFunc[E process.Entity] func(ctx context.Context, before *E, after E) error

func (f ChangeListenerFunc[E]) OnChange(ctx context.Context, before *E, after E) error {
	return f(ctx, before, after)
}

// Decoder rebuilds an entity from a replicated row.
type Decoder[E process.Entity] func(row Row) (E, error)

// EntityConsumer turns inserts and state-changing updates of a process table
// into ChangeListener calls. Updates that leave the state untouched, deletes
// and truncates are ignored.
type EntityConsumer[E process.Entity] struct {
	decode    Decoder[E]
	listeners []ChangeListener[E]
	logger    *slog.Logger
}

func NewEntityConsumer[E process.Entity](decode Decoder[E], logger *slog.Logger, listeners ...ChangeListener[E]) *EntityConsumer[E] {
	if logger == nil {
		logger = logging.Discard()
	}
	return &EntityConsumer[E]{decode: decode, listeners: listeners, logger: logger}
}

// Listen adds a listener. Listeners are called in registration order.
func (c *EntityConsumer[E]) Listen(l ChangeListener[E]) {
	c.listeners = append(c.listeners, l)
}

func (c *EntityConsumer[E]) Consume(ctx context.Context, rec Record) error {
	if rec.Action != ActionInsert && rec.Action != ActionUpdate {
		return nil
	}

	after, err := c.decode(rec.Columns)
	if err != nil {
		return fmt.Errorf("cdc: %s: decode new row: %w", rec.Relation(), err)
	}

	var before *E
	if rec.Identity.Has("state") {
		old, err := c.decode(rec.Identity)
		if err != nil {
			return fmt.Errorf("cdc: %s: decode old row: %w", rec.Relation(), err)
		}
		if old.StateCode() == after.StateCode() {
			return nil
		}
		before = &old
	}

	c.logger.Debug("process state replicated",
		slog.String("table", rec.Relation()),
		slog.String("process_id", after.ProcessID()),
		slog.String("state", after.StateName()),
	)

	var errs []error
	for _, l := range c.listeners {
		if err := l.OnChange(ctx, before, after); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Router dispatches records to the consumer registered for their relation.
// Records of other relations are skipped.
type Router struct {
	consumers map[string]Consumer
}

func NewRouter() *Router {
	return &Router{consumers: make(map[string]Consumer)}
}

// Route registers c for relation (schema.table).
func (r *Router) Route(relation string, c Consumer) *Router {
	r.consumers[relation] = c
	return r
}

// Relations returns the registered relations.
func (r *Router) Relations() []string {
	out := make([]string, 0, len(r.consumers))
	for rel := range r.consumers {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Handle(ctx context.Context, rec Record) error {
	c, ok := r.consumers[rec.Relation()]
	if !ok {
		return nil
	}
	return c.Consume(ctx, rec)
}
