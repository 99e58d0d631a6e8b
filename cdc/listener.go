package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"dspflow/db"
	"dspflow/logging"
	"dspflow/telemetry"
)

const outputPlugin = "wal2json"

var errStopped = errors.New("cdc: listener stopped")

// Handler processes one decoded change record. A returned error leaves the
// stream position where it is so the record is delivered again.
type Handler interface {
	Handle(ctx context.Context, rec Record) error
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// ConnString is a regular connection string; the listener adds
	// replication=database itself.
	ConnString string
	Slot       string
	// Tables restricts wal2json output to schema.table names. Empty streams
	// every table.
	Tables         []string
	StandbyTimeout time.Duration
	// MaxRecordAttempts is how often one record may fail before it is dead
	// lettered. Zero retries forever.
	MaxRecordAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// ListenerOption customises a Listener.
type ListenerOption func(*Listener)

func WithListenerLogger(l *slog.Logger) ListenerOption {
	return func(li *Listener) { li.logger = l }
}

func WithListenerMetrics(m *telemetry.Metrics) ListenerOption {
	return func(li *Listener) { li.metrics = m }
}

func WithDeadLetterSink(s DeadLetterSink) ListenerOption {
	return func(li *Listener) { li.deadLetters = s }
}

// Listener follows a logical replication slot and feeds change records to a
// Handler. The confirmed position only moves past a record once the handler
// accepted it or it was dead lettered.
type Listener struct {
	cfg         ListenerConfig
	handler     Handler
	deadLetters DeadLetterSink
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time

	confirmed atomic.Uint64
	failedLSN pglogrepl.LSN
	failures  int

	stopped atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

func NewListener(cfg ListenerConfig, handler Handler, opts ...ListenerOption) *Listener {
	if cfg.StandbyTimeout <= 0 {
		cfg.StandbyTimeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	l := &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logging.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("slot", cfg.Slot))
	return l
}

// Position returns the last confirmed WAL position.
func (l *Listener) Position() pglogrepl.LSN {
	return pglogrepl.LSN(l.confirmed.Load())
}

// Run streams changes until Stop is called or ctx is cancelled. Broken
// streams are reconnected with exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = l.cfg.InitialBackoff
	exp.MaxInterval = l.cfg.MaxBackoff
	exp.MaxElapsedTime = 0

	op := func() error {
		if l.stopped.Load() || ctx.Err() != nil {
			return backoff.Permanent(errStopped)
		}
		if err := l.stream(ctx, exp.Reset); err != nil {
			if l.stopped.Load() || ctx.Err() != nil {
				return backoff.Permanent(errStopped)
			}
			return err
		}
		return backoff.Permanent(errStopped)
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("replication stream failed, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(exp, ctx), notify)
	if errors.Is(err, errStopped) || ctx.Err() != nil {
		l.logger.Info("replication listener stopped", slog.String("position", l.Position().String()))
		return nil
	}
	return err
}

// Stop ends Run.
func (l *Listener) Stop() {
	l.stopped.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Listener) stream(ctx context.Context, connected func()) error {
	cfg, err := pgconn.ParseConfig(l.cfg.ConnString)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("cdc: parse connection string: %w", err))
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cdc: connect: %w", err)
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("cdc: identify system: %w", err)
	}
	if err := l.ensureSlot(ctx, conn); err != nil {
		return err
	}

	start := l.Position()
	if err := pglogrepl.StartReplication(ctx, conn, l.cfg.Slot, start, pglogrepl.StartReplicationOptions{
		PluginArgs: l.pluginArgs(),
	}); err != nil {
		return fmt.Errorf("cdc: start replication: %w", err)
	}
	l.logger.Info("replication started",
		slog.String("system_id", sys.SystemID),
		slog.Int("timeline", int(sys.Timeline)),
		slog.String("server_position", sys.XLogPos.String()),
		slog.String("position", start.String()),
	)
	connected()

	defer func() {
		// best effort so the server can release WAL we already handled
		flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.sendStandby(flushCtx, conn)
	}()

	deadline := time.Now().Add(l.cfg.StandbyTimeout)
	for !l.stopped.Load() {
		if ctx.Err() != nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			if err := l.sendStandby(ctx, conn); err != nil {
				return err
			}
			deadline = time.Now().Add(l.cfg.StandbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("cdc: receive: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("cdc: server error: %w", pgconn.ErrorResponseToPgError(m))
		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			switch m.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
				if err != nil {
					return fmt.Errorf("cdc: parse keepalive: %w", err)
				}
				if pkm.ReplyRequested {
					deadline = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(m.Data[1:])
				if err != nil {
					return fmt.Errorf("cdc: parse xlog data: %w", err)
				}
				if err := l.apply(ctx, xld.WALStart, xld.WALData); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *Listener) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, l.cfg.Slot, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
	if err == nil {
		l.logger.Info("replication slot created")
		return nil
	}
	if db.IsDuplicateObject(err) {
		return nil
	}
	return fmt.Errorf("cdc: create slot %s: %w", l.cfg.Slot, err)
}

func (l *Listener) pluginArgs() []string {
	args := []string{`"format-version" '2'`}
	if len(l.cfg.Tables) > 0 {
		args = append(args, fmt.Sprintf(`"add-tables" '%s'`, strings.Join(l.cfg.Tables, ",")))
	}
	return args
}

// sendStandby reports the confirmed position, never the received one.
func (l *Listener) sendStandby(ctx context.Context, conn *pgconn.PgConn) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: l.Position(),
		ClientTime:       l.now(),
	})
	if err != nil {
		return fmt.Errorf("cdc: standby status update: %w", err)
	}
	return nil
}

// apply decodes and handles one WAL message. A failure returns an error, and
// the stream is rebuilt from the confirmed position, until the same record has
// failed MaxRecordAttempts times. It is then dead lettered and skipped.
func (l *Listener) apply(ctx context.Context, start pglogrepl.LSN, data []byte) error {
	next := start + pglogrepl.LSN(len(data))

	rec, err := DecodeRecord(data)
	if err == nil {
		rec.LSN = start
		if !rec.IsChange() {
			l.advance(next)
			return nil
		}
		err = l.handler.Handle(ctx, rec)
	}
	if err == nil {
		l.metrics.RecordReplicated(ctx, rec.Relation(), string(rec.Action), telemetry.OutcomeOK)
		l.advance(next)
		return nil
	}

	if start != l.failedLSN {
		l.failedLSN = start
		l.failures = 0
	}
	l.failures++

	logger := l.logger.With(
		slog.String("lsn", start.String()),
		slog.String("table", rec.Relation()),
		slog.String("action", string(rec.Action)),
		slog.Int("attempts", l.failures),
	)

	if l.deadLetters != nil && l.cfg.MaxRecordAttempts > 0 && l.failures >= l.cfg.MaxRecordAttempts {
		dl := DeadLetter{
			Slot:      l.cfg.Slot,
			LSN:       start,
			Relation:  rec.Relation(),
			Action:    rec.Action,
			Record:    data,
			Error:     err.Error(),
			Attempts:  l.failures,
			CreatedAt: l.now(),
		}
		if perr := l.deadLetters.PushDeadLetter(ctx, dl); perr != nil {
			return fmt.Errorf("cdc: dead letter record at %s: %w", start, perr)
		}
		logger.Error("change record dead lettered", slog.String("error", err.Error()))
		l.metrics.RecordReplicated(ctx, rec.Relation(), string(rec.Action), telemetry.OutcomeDead)
		l.failures = 0
		l.advance(next)
		return nil
	}

	logger.Warn("change record failed", slog.String("error", err.Error()))
	l.metrics.RecordReplicated(ctx, rec.Relation(), string(rec.Action), telemetry.OutcomeError)
	return fmt.Errorf("cdc: handle record at %s: %w", start, err)
}

func (l *Listener) advance(lsn pglogrepl.LSN) {
	if lsn > l.Position() {
		l.confirmed.Store(uint64(lsn))
	}
}
