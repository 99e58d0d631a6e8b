package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"dspflow/bus"
	"dspflow/cdc"
	"dspflow/config"
	"dspflow/negotiation"
	"dspflow/process"
	"dspflow/protocol"
	"dspflow/task"
	"dspflow/telemetry"
	"dspflow/transfer"
)

// engine holds the wired components of one processd instance.
type engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	poller *task.Poller
	router *cdc.Router

	negotiationEvents bus.Events
	transferEvents    bus.Events

	negotiationPublisher *bus.Publisher[negotiation.Negotiation]
	transferPublisher    *bus.Publisher[transfer.Transfer]

	negotiations *process.Machine[negotiation.Negotiation]
	transfers    *process.Machine[transfer.Transfer]
}

// newEngine wires executors, schedulers, the task poller and the replication
// router. sink may be nil, in which case replicated changes are consumed but
// not published.
func newEngine(cfg *config.Config, pool *pgxpool.Pool, sink bus.Sink, logger *slog.Logger, metrics *telemetry.Metrics) *engine {
	e := &engine{
		cfg:               cfg,
		logger:            logger,
		metrics:           metrics,
		negotiationEvents: bus.NewEvents(negotiation.EventPrefix, negotiation.EventTypes()),
		transferEvents:    bus.NewEvents(transfer.EventPrefix, transfer.EventTypes()),
	}

	store := task.NewStore()
	dispatcher := protocol.NewHTTPDispatcher(&http.Client{}, cfg.Protocol.RequestTimeout(), logger)
	webhooks := webhooksFor(cfg.Protocol)

	negotiationRepo := negotiation.NewRepository()
	negotiationScheduler := negotiation.NewScheduler(store, logger)
	negotiationExec := process.NewExecutor(process.Config[negotiation.Negotiation]{
		Kind:       negotiation.Kind,
		Repository: negotiationRepo,
		Handlers: negotiation.Handlers(negotiation.Dependencies{
			Dispatcher:    dispatcher,
			Webhooks:      webhooks,
			ParticipantID: cfg.Protocol.ParticipantID,
		}),
		Logger:  logger,
		Metrics: metrics,
	})
	negotiationExec.Require("scheduler", negotiationScheduler)
	e.negotiations = process.NewMachine(pool, negotiation.Kind, negotiationRepo, negotiationScheduler, logger)

	transferRepo := transfer.NewRepository()
	transferScheduler := transfer.NewScheduler(store, logger)
	transferExec := process.NewExecutor(process.Config[transfer.Transfer]{
		Kind:       transfer.Kind,
		Repository: transferRepo,
		Handlers: transfer.Handlers(transfer.Dependencies{
			Dispatcher: dispatcher,
			Webhooks:   webhooks,
			Policies:   transfer.NewPolicyArchive(),
			DataFlows:  transfer.NewStaticDataPlane(cfg.DataPlane.ID, cfg.DataPlane.Endpoint, logger),
		}),
		Logger:  logger,
		Metrics: metrics,
	})
	transferExec.Require("scheduler", transferScheduler)
	e.transfers = process.NewMachine(pool, transfer.Kind, transferRepo, transferScheduler, logger)

	e.poller = task.NewPoller(pool, store,
		map[string]task.Handler{
			negotiationExec.Group(): negotiationExec,
			transferExec.Group():    transferExec,
		},
		task.WithBatchSize(cfg.Tasks.BatchSize),
		task.WithPollInterval(cfg.Tasks.PollInterval()),
		task.WithRetryPolicy(task.RetryPolicy{
			MaxRetries: cfg.Tasks.MaxRetries,
			Initial:    cfg.Tasks.RetryInitial(),
			Max:        cfg.Tasks.RetryMax(),
		}),
		task.WithDeadLetters(store),
		task.WithLogger(logger),
		task.WithMetrics(metrics),
	)

	negotiationConsumer := cdc.NewEntityConsumer[negotiation.Negotiation](negotiation.DecodeRow, logger)
	transferConsumer := cdc.NewEntityConsumer[transfer.Transfer](transfer.DecodeRow, logger)
	if sink != nil {
		e.negotiationPublisher = bus.NewPublisher[negotiation.Negotiation](e.negotiationEvents, sink, logger, metrics)
		e.transferPublisher = bus.NewPublisher[transfer.Transfer](e.transferEvents, sink, logger, metrics)
		negotiationConsumer.Listen(e.negotiationPublisher)
		transferConsumer.Listen(e.transferPublisher)
	}
	e.router = cdc.NewRouter()
	for _, table := range cfg.Replication.Tables {
		switch relationName(table) {
		case "negotiations":
			e.router.Route(table, negotiationConsumer)
		case "transfers":
			e.router.Route(table, transferConsumer)
		default:
			logger.Warn("replicated table has no consumer", slog.String("table", table))
		}
	}

	return e
}

// listener builds the replication listener feeding the router.
func (e *engine) listener(pool *pgxpool.Pool) *cdc.Listener {
	r := e.cfg.Replication
	return cdc.NewListener(cdc.ListenerConfig{
		ConnString:        e.cfg.Database.URL,
		Slot:              r.Slot,
		Tables:            e.router.Relations(),
		StandbyTimeout:    r.StandbyTimeout(),
		MaxRecordAttempts: r.MaxRecordAttempts,
		InitialBackoff:    r.ReconnectInitial(),
		MaxBackoff:        r.ReconnectMax(),
	}, e.router,
		cdc.WithListenerLogger(e.logger),
		cdc.WithListenerMetrics(e.metrics),
		cdc.WithDeadLetterSink(cdc.NewPGDeadLetters(pool)),
	)
}

// subscribers binds one durable consumer per process kind. Instances sharing
// the durable prefix split the event stream between them.
// webhooksFor advertises the configured callback for the configured protocol
// and for any process whose protocol is empty or unknown.
func webhooksFor(p config.Protocol) protocol.StaticWebhooks {
	return protocol.StaticWebhooks{
		"":                      p.CallbackAddress,
		strings.ToLower(p.Name): p.CallbackAddress,
	}
}

// eventStream is the part of bus.JetStream subscribers are bound through.
type eventStream interface {
	EnsureStream(ctx context.Context, name string, subjects []string) error
	Source(ctx context.Context, cfg bus.ConsumerConfig) (bus.Source, error)
}

func (e *engine) subscribers(ctx context.Context, js eventStream) ([]*bus.Subscriber, error) {
	b := e.cfg.Bus
	if b.AutoProvision {
		subjects := []string{e.negotiationEvents.Wildcard(), e.transferEvents.Wildcard()}
		if err := js.EnsureStream(ctx, b.Stream, subjects); err != nil {
			return nil, err
		}
	}

	kinds := []struct {
		group   string
		events  bus.Events
		machine bus.StateMachine
	}{
		{negotiation.Group, e.negotiationEvents, e.negotiations},
		{transfer.Group, e.transferEvents, e.transfers},
	}

	subs := make([]*bus.Subscriber, 0, len(kinds))
	for _, k := range kinds {
		source, err := js.Source(ctx, bus.ConsumerConfig{
			Stream:        b.Stream,
			Durable:       b.Durable + "-" + k.group,
			FilterSubject: k.events.Wildcard(),
			MaxDeliver:    b.MaxDeliver,
			AckWait:       b.AckWait(),
			Provision:     b.AutoProvision,
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s events: %w", k.group, err)
		}
		subs = append(subs, bus.NewSubscriber(k.events, source, k.machine,
			bus.WithBatch(b.FetchBatch, b.FetchWait()),
			bus.WithLogger(e.logger),
			bus.WithMetrics(e.metrics),
		))
	}
	return subs, nil
}

func (e *engine) startPublishers() {
	if e.negotiationPublisher != nil {
		e.negotiationPublisher.Start()
	}
	if e.transferPublisher != nil {
		e.transferPublisher.Start()
	}
}

func (e *engine) stopPublishers() {
	if e.negotiationPublisher != nil {
		e.negotiationPublisher.Stop()
	}
	if e.transferPublisher != nil {
		e.transferPublisher.Stop()
	}
}

// relationName strips the schema from schema.table.
func relationName(table string) string {
	return table[strings.LastIndex(table, ".")+1:]
}
