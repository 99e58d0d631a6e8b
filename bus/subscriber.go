package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"dspflow/logging"
	"dspflow/telemetry"
)

// Message is one delivered event. jetstream.Msg satisfies it.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
}

// Source pulls batches of messages. Fetch returns an empty batch when nothing
// arrived within wait.
type Source interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error)
}

// StateMachine advances a process after a replicated transition.
type StateMachine interface {
	Advance(ctx context.Context, id string, state int) error
}

// Subscriber feeds events of one process kind into its state machine.
type Subscriber struct {
	events  Events
	source  Source
	machine StateMachine
	batch   int
	wait    time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
	stopped atomic.Bool
}

// SubscriberOption customises a Subscriber.
type SubscriberOption func(*Subscriber)

func WithBatch(n int, wait time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.batch = n
		}
		if wait > 0 {
			s.wait = wait
		}
	}
}

func WithLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

func WithMetrics(m *telemetry.Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

func NewSubscriber(events Events, source Source, machine StateMachine, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		events:  events,
		source:  source,
		machine: machine,
		batch:   32,
		wait:    5 * time.Second,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("events", events.Prefix()))
	return s
}

// Run pulls and handles batches until Stop is called or ctx is cancelled.
// Fetch failures are logged and retried after the fetch wait.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("event subscriber starting", slog.Int("batch", s.batch))
	defer s.logger.Info("event subscriber stopped")

	for !s.stopped.Load() {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := s.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("event fetch failed", slog.String("error", err.Error()))
			if !sleep(ctx, s.wait) {
				return nil
			}
		}
	}
	return nil
}

func (s *Subscriber) Stop() { s.stopped.Store(true) }

// PollOnce fetches and handles one batch.
func (s *Subscriber) PollOnce(ctx context.Context) (int, error) {
	msgs, err := s.source.Fetch(ctx, s.batch, s.wait)
	for _, m := range msgs {
		s.handle(ctx, m)
	}
	if err != nil {
		return len(msgs), fmt.Errorf("bus: fetch: %w", err)
	}
	return len(msgs), nil
}

// handle acks a message once its process was advanced or when it can never be
// processed, and naks it for redelivery otherwise.
func (s *Subscriber) handle(ctx context.Context, m Message) {
	eventType := "unknown"
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("event handler panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}
		}()

		env, err := DecodeEnvelope(m.Data())
		if err != nil {
			s.logger.Warn("dropping undecodable event", slog.String("error", err.Error()))
			s.metrics.EventConsumed(ctx, eventType, telemetry.OutcomeDropped)
			return nil
		}
		eventType = env.Type

		state, ok := s.events.State(env.Type)
		if !ok {
			s.logger.Warn("dropping event of unknown type", slog.String("type", env.Type))
			s.metrics.EventConsumed(ctx, eventType, telemetry.OutcomeDropped)
			return nil
		}
		if err := s.machine.Advance(ctx, env.Payload.ID, state); err != nil {
			return err
		}
		s.metrics.EventConsumed(ctx, eventType, telemetry.OutcomeOK)
		return nil
	}()

	if err != nil {
		s.logger.Warn("event failed, requesting redelivery",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		s.metrics.EventConsumed(ctx, eventType, telemetry.OutcomeRetried)
		if nakErr := m.Nak(); nakErr != nil {
			s.logger.Error("event nak failed", slog.String("error", nakErr.Error()))
		}
		return
	}
	if ackErr := m.Ack(); ackErr != nil {
		s.logger.Error("event ack failed", slog.String("error", ackErr.Error()))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
