// Package actors drives concurrent negotiation traffic against a shared
// database: instances executing tasks, and a simulated counterparty whose
// inbound messages move consumer negotiations along.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dspflow/negotiation"
	"dspflow/process"
	"dspflow/protocol"
	"dspflow/task"
)

// Counterparty answers every dispatch with its own process id. One in
// failEvery calls fails, which terminates the negotiation.
type Counterparty struct {
	failEvery int
	calls     atomic.Int64
}

func NewCounterparty(failEvery int) *Counterparty {
	return &Counterparty{failEvery: failEvery}
}

func (c *Counterparty) Dispatch(_ context.Context, _ protocol.Participant, msg protocol.Message) (protocol.Response, error) {
	n := c.calls.Add(1)
	if c.failEvery > 0 && n%int64(c.failEvery) == 0 {
		return protocol.Response{}, fmt.Errorf("counterparty unavailable for %s", msg.Type())
	}
	return protocol.Response{ProcessID: "cp-" + msg.Correlated().ConsumerPID}, nil
}

// Calls reports how many messages were dispatched.
func (c *Counterparty) Calls() int64 { return c.calls.Load() }

// Instance is one processd replica: its own executor and poller over the
// shared tables.
func Instance(pool *pgxpool.Pool, dispatcher protocol.Dispatcher, store task.Store) *task.Poller {
	exec := process.NewExecutor(process.Config[negotiation.Negotiation]{
		Kind:       negotiation.Kind,
		Repository: negotiation.NewRepository(),
		Handlers: negotiation.Handlers(negotiation.Dependencies{
			Dispatcher:    dispatcher,
			Webhooks:      protocol.StaticWebhooks{"": "http://consumer.test/protocol"},
			ParticipantID: "consumer",
		}),
	})
	exec.Require("scheduler", negotiation.NewScheduler(store, nil))
	return task.NewPoller(pool, store, map[string]task.Handler{negotiation.Group: exec},
		task.WithBatchSize(5),
		task.WithPollInterval(20*time.Millisecond),
		task.WithRetryPolicy(task.RetryPolicy{Initial: 10 * time.Millisecond, Max: 200 * time.Millisecond}),
		task.WithDeadLetters(task.NewStore()),
	)
}

// Runner runs an Instance until stop closes.
func Runner(ctx context.Context, p *task.Poller, stop <-chan struct{}) error {
	go func() {
		select {
		case <-stop:
			p.Stop()
		case <-ctx.Done():
		}
	}()
	return p.Run(ctx)
}

// Initiator creates consumer negotiations together with their first task.
func Initiator(ctx context.Context, pool *pgxpool.Pool, store task.Store, created *atomic.Int64, stop <-chan struct{}) error {
	repo := negotiation.NewRepository()
	sched := negotiation.NewScheduler(store, nil)
	cp := protocol.Participant{ID: "provider", Address: "http://provider.test/protocol", Protocol: "dataspace-protocol-http"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		offer := protocol.Offer{ID: uuid.NewString(), AssetID: fmt.Sprintf("asset-%d", rand.Intn(20))}
		n := negotiation.NewConsumer(uuid.NewString(), cp, offer, time.Now())
		err := inTx(ctx, pool, func(tx pgx.Tx) error {
			if err := repo.Create(ctx, tx, n); err != nil {
				return err
			}
			_, err := sched.Schedule(ctx, tx, n)
			return err
		})
		if err == nil {
			created.Add(1)
		} else if !transient(ctx, err) {
			return fmt.Errorf("initiator: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Agreer plays the provider granting an agreement: a REQUESTED consumer
// negotiation receives it and moves to AGREED.
func Agreer(ctx context.Context, pool *pgxpool.Pool, store task.Store, stop <-chan struct{}) error {
	return inbound(ctx, pool, store, negotiation.Requested, stop, func(n negotiation.Negotiation, now time.Time) (negotiation.Negotiation, error) {
		offer, _ := n.LastOffer()
		return n.ReceiveAgreement(protocol.Agreement{
			ID:          uuid.NewString(),
			AssetID:     offer.AssetID,
			ConsumerID:  "consumer",
			ProviderID:  n.CounterPartyID,
			SigningDate: now.UTC(),
		}, now)
	})
}

// Finalizer plays the provider announcing FINALIZED to a VERIFIED consumer.
func Finalizer(ctx context.Context, pool *pgxpool.Pool, store task.Store, stop <-chan struct{}) error {
	return inbound(ctx, pool, store, negotiation.Verified, stop, func(n negotiation.Negotiation, now time.Time) (negotiation.Negotiation, error) {
		return n.TransitionFinalized(now)
	})
}

// Terminator plays a counterparty walking away from random active
// negotiations.
func Terminator(ctx context.Context, pool *pgxpool.Pool, store task.Store, stop <-chan struct{}) error {
	active := []negotiation.State{negotiation.Requesting, negotiation.Requested, negotiation.Agreed, negotiation.Verifying}
	for {
		state := active[rand.Intn(len(active))]
		err := inboundOnce(ctx, pool, store, state, func(n negotiation.Negotiation, now time.Time) (negotiation.Negotiation, error) {
			return n.TransitionTerminating("terminated by counterparty", true, now)
		})
		if err != nil {
			return fmt.Errorf("terminator: %w", err)
		}
		if !pause(ctx, stop, time.Duration(80+rand.Intn(120))*time.Millisecond) {
			return nil
		}
	}
}

type inboundFunc func(n negotiation.Negotiation, now time.Time) (negotiation.Negotiation, error)

func inbound(ctx context.Context, pool *pgxpool.Pool, store task.Store, state negotiation.State, stop <-chan struct{}, apply inboundFunc) error {
	for {
		if err := inboundOnce(ctx, pool, store, state, apply); err != nil {
			return err
		}
		if !pause(ctx, stop, time.Duration(15+rand.Intn(30))*time.Millisecond) {
			return nil
		}
	}
}

// inboundOnce applies one inbound message to a consumer negotiation in state,
// locking it the way the protocol API would and queueing its follow-up task.
func inboundOnce(ctx context.Context, pool *pgxpool.Pool, store task.Store, state negotiation.State, apply inboundFunc) error {
	repo := negotiation.NewRepository()
	sched := negotiation.NewScheduler(store, nil)
	err := inTx(ctx, pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM negotiations WHERE role = 'CONSUMER' AND state = $1 ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, int(state)).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := repo.FindForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := apply(n, time.Now())
		if err != nil {
			return err
		}
		if err := repo.Save(ctx, tx, next); err != nil {
			return err
		}
		_, err = sched.Schedule(ctx, tx, next)
		return err
	})
	if err != nil && !transient(ctx, err) {
		return err
	}
	return nil
}

func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// transient reports errors chaos is expected to cause: killed backends and
// cancellation at shutdown.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, process.ErrIllegalTransition) || errors.Is(err, process.ErrNotFound) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "57P01" || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	// connection resets surface as plain network errors
	return true
}

func pause(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
