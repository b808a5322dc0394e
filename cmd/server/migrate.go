package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/lexisync/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "up"
		if len(args) == 1 {
			action = args[0]
		}
		fn := map[string]func(context.Context, string) error{
			"up":     migrate.Up,
			"down":   migrate.Down,
			"status": migrate.Status,
		}[action]

		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		if err := fn(cmd.Context(), cfg.Database.DSN); err != nil {
			return fmt.Errorf("migrate %s: %w", action, err)
		}
		log.Info("migrate done", zap.String("action", action))
		return nil
	},
}
