package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dspflow/bus"
	"dspflow/db"
	"dspflow/telemetry"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the task executor, replication listener and event subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			logger.Info("processd starting", slog.String("config", ctx.configPath), slog.Int("pid", os.Getpid()))

			runCtx := cmd.Context()
			pool, err := db.NewPool(runCtx, cfg.Database.URL, db.PoolOptions{MaxConns: int32(cfg.Database.MaxConns)})
			if err != nil {
				return err
			}
			defer pool.Close()

			if migrate {
				applied, err := db.Migrate(runCtx, pool)
				if err != nil {
					return err
				}
				logger.Info("migrations applied", slog.Any("versions", applied))
			}

			var events eventStream
			var sink bus.Sink
			if cfg.Bus.Enabled {
				js, err := bus.Connect(cfg.Bus.URL, "processd", logger)
				if err != nil {
					return err
				}
				defer js.Close()
				events = js
				sink = js.Sink()
			}

			eng := newEngine(cfg, pool, sink, logger, telemetry.NewGlobal())
			return eng.run(runCtx, pool, events)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before starting")
	return cmd
}

// run supervises every component until ctx is cancelled or one of them fails.
// Subscribers are bound before anything starts, so a binding failure leaves
// nothing running.
func (e *engine) run(ctx context.Context, pool *pgxpool.Pool, events eventStream) error {
	var subs []*bus.Subscriber
	if events != nil {
		var err error
		if subs, err = e.subscribers(ctx, events); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.poller.Run(gctx) })
	for _, sub := range subs {
		g.Go(func() error { return sub.Run(gctx) })
	}

	if e.cfg.Replication.Enabled {
		e.startPublishers()
		defer e.stopPublishers()

		listener := e.listener(pool)
		g.Go(func() error { return listener.Run(gctx) })
	}

	e.logger.Info("processd running",
		slog.Bool("replication", e.cfg.Replication.Enabled),
		slog.Bool("bus", events != nil),
	)
	err := g.Wait()
	e.logger.Info("processd stopped")
	return err
}
