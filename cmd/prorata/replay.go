package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"prorata/internal/config"
	"prorata/internal/replay"
	"prorata/internal/storage/postgres"
)

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReplay(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DSN); err != nil {
		return fmt.Errorf("migrate mirror schema: %w", err)
	}
	store, err := postgres.NewStore(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	runner := replay.NewRunner(replay.Config{
		BatchSize:      cfg.BatchSize,
		Rebuild:        cfg.Rebuild,
		CheckpointPath: cfg.Checkpoint,
	}, store, logger)

	logger.Info("replay start",
		zap.String("journal", cfg.Journal),
		zap.String("dsn", redactDSN(cfg.DSN)),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Bool("rebuild", cfg.Rebuild),
		zap.String("checkpoint", cfg.Checkpoint),
	)

	return runner.Run(ctx, cfg.Journal)
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
