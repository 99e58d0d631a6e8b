package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"dspflow/logging"
	"dspflow/process"
	"dspflow/telemetry"
)

// ErrPublisherNotStarted is returned by OnChange before Start.
var ErrPublisherNotStarted = errors.New("bus: publisher not started")

// Sink publishes raw event payloads.
type Sink interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Entity is a process kind that can be snapshotted into an event.
type Entity interface {
	process.Entity
	Snapshot() process.Base
}

// Publisher announces replicated state changes of one process kind. It is a
// cdc.ChangeListener.
type Publisher[E Entity] struct {
	events  Events
	sink    Sink
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	started atomic.Bool
}

func NewPublisher[E Entity](events Events, sink Sink, logger *slog.Logger, metrics *telemetry.Metrics) *Publisher[E] {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher[E]{
		events:  events,
		sink:    sink,
		logger:  logger.With(slog.String("events", events.Prefix())),
		metrics: metrics,
		now:     time.Now,
	}
}

// WithClock overrides the event timestamp source.
func (p *Publisher[E]) WithClock(now func() time.Time) *Publisher[E] {
	p.now = now
	return p
}

func (p *Publisher[E]) Start() { p.started.Store(true) }

func (p *Publisher[E]) Stop() { p.started.Store(false) }

// OnChange publishes the event for after's state. States without an event
// type are skipped.
func (p *Publisher[E]) OnChange(ctx context.Context, _ *E, after E) error {
	if !p.started.Load() {
		return ErrPublisherNotStarted
	}
	eventType, ok := p.events.Type(after.StateCode())
	if !ok {
		p.logger.Debug("no event for state", slog.String("state", after.StateName()))
		return nil
	}

	env := NewEnvelope(eventType, after.Snapshot(), after.StateName(), p.now())
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", eventType, err)
	}

	subject := p.events.Subject(after.ProcessRole(), after.StateName())
	if err := p.sink.Publish(ctx, subject, data); err != nil {
		p.metrics.EventPublished(ctx, eventType, telemetry.OutcomeError)
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	p.metrics.EventPublished(ctx, eventType, telemetry.OutcomeOK)
	p.logger.Debug("event published",
		slog.String("subject", subject),
		slog.String("type", eventType),
		slog.String("process_id", after.ProcessID()),
	)
	return nil
}
