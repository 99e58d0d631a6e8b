package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"dspflow/db"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			pool, err := db.NewPool(cmd.Context(), cfg.Database.URL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", slog.Any("versions", applied))

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, "Schema up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(out, "Applied %s\n", v)
			}
			return nil
		},
	}
}
