package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/restaurant-engine/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Create or update the database schema of the configured driver, then exit.

The schema statements are idempotent; running migrate against an
up-to-date database changes nothing.

Examples:
  server migrate
  DATABASE_DRIVER=postgres DATABASE_URL=postgres://... server migrate`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := db.close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	logger.Info("migration complete", "driver", cfg.DatabaseDriver)
	return nil
}
