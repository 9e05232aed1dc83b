package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"prorata/internal/api"
	"prorata/internal/config"
	"prorata/internal/journal"
	"prorata/internal/ledger"
	"prorata/internal/metrics"
	"prorata/internal/mirror"
	"prorata/internal/model"
	"prorata/internal/settle"
	"prorata/internal/settle/evm"
	"prorata/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "prorata",
		Short:        "Pro-rata pooling ledger service",
		SilenceUsage: true,
		RunE:         runServe,
	}

	root.PersistentFlags().String("config", "", "config file path")

	root.Flags().String("log.level", "info", "log level (debug, info, warn, error)")
	root.Flags().String("server.addr", ":8080", "HTTP listen address")
	root.Flags().String("server.auth_token", "", "accepted bearer tokens (comma-separated, empty disables auth)")
	root.Flags().Float64("server.rate_rps", 0, "per-caller rate for mutating routes (0 disables)")
	root.Flags().Int("server.rate_burst", 0, "rate limit burst")
	root.Flags().String("journal.path", "./data/journal.jsonl", "event journal path")
	root.Flags().String("engine.kind", config.EngineMemory, "settlement engine (memory, evm)")
	root.Flags().String("engine.custody", "", "custody address (memory engine)")
	root.Flags().String("engine.rpc_url", "", "EVM node RPC URL (evm engine)")
	root.Flags().Int64("engine.chain_id", 0, "chain id (0 queries the node)")
	root.Flags().String("engine.private_key", "", "hex-encoded custody key (evm engine)")
	root.Flags().String("engine.disperse_address", "", "batch payout contract address (evm engine)")
	root.Flags().Duration("engine.confirm_timeout", 90*time.Second, "receipt wait timeout (evm engine)")
	root.Flags().String("postgres.dsn", "", "read mirror Postgres DSN (empty disables the mirror)")
	root.Flags().Int("postgres.batch_size", 128, "mirror events per flush")
	root.Flags().Duration("postgres.flush_interval", time.Second, "mirror flush interval")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the Postgres read mirror from a journal",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("journal", "./data/journal.jsonl", "event journal path")
	replayCmd.Flags().String("dsn", "", "Postgres DSN")
	replayCmd.Flags().Int("batch-size", 500, "events per write batch")
	replayCmd.Flags().Bool("rebuild", false, "ignore saved offsets and rewrite every row")
	replayCmd.Flags().String("checkpoint", "./data/replay-checkpoint.json", "local resume file (empty disables)")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Fold a journal in memory and print per-pool summaries",
		RunE:  runInspect,
	}

	inspectCmd.Flags().String("journal", "./data/journal.jsonl", "event journal path")
	inspectCmd.Flags().Uint64("pool", 0, "only this pool id (0 means all)")
	inspectCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(inspectCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		engine  settle.Engine
		custody common.Address
		memory  *settle.Memory
	)
	switch cfg.Engine.Kind {
	case config.EngineMemory:
		memory = settle.NewMemory()
		engine = memory
		custody = common.HexToAddress(cfg.Engine.Custody)
	case config.EngineEVM:
		evmEngine, err := evm.New(ctx, evm.Config{
			RPCURL:         cfg.Engine.RPCURL,
			PrivateKey:     cfg.Engine.PrivateKey,
			ChainID:        cfg.Engine.ChainID,
			Disperse:       cfg.Engine.DisperseAddress,
			ConfirmTimeout: cfg.Engine.ConfirmTimeout,
		})
		if err != nil {
			return err
		}
		defer evmEngine.Close()
		engine = evmEngine
		custody = evmEngine.Custody()
	}

	led := ledger.New(engine, custody, logger)

	// Restore state before anything can subscribe or serve reads.
	stats, err := journal.Replay(cfg.Journal.Path, led.Restore)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if stats.TornTail {
		logger.Warn("journal ends mid-line, dropped the torn tail",
			zap.Uint64("last_seq", stats.LastSeq))
	}
	if stats.Events > 0 {
		logger.Info("ledger restored",
			zap.Int("events", stats.Events),
			zap.Uint64("last_seq", stats.LastSeq),
			zap.Uint64("pools", led.PoolCount()))
	}
	if memory != nil {
		// Development engine: custody must actually hold what the
		// restored buckets say it holds.
		for id, total := range led.TrackedTotals() {
			memory.Credit(custody, id, total)
		}
	}

	writer := journal.NewWriter(cfg.Journal.Path)
	led.Subscribe(func(ev model.Event) {
		if err := writer.Append([]model.Event{ev}); err != nil {
			logger.Error("journal append failed",
				zap.Uint64("seq", ev.Seq),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	})
	led.Subscribe(metrics.ObserveEvent)

	var (
		mirrorStop context.CancelFunc
		mirrorDone chan struct{}
	)
	if cfg.Postgres.DSN != "" {
		if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrate mirror schema: %w", err)
		}
		store, err := postgres.NewStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()

		runner := mirror.NewRunner(mirror.Config{
			JournalPath:   cfg.Journal.Path,
			BatchSize:     cfg.Postgres.BatchSize,
			FlushInterval: cfg.Postgres.FlushInterval,
		}, store, logger)
		led.Subscribe(runner.Feed())
		metrics.RegisterMirror(runner.Dropped, runner.Desynced)

		// The mirror outlives the signal context so events emitted
		// during shutdown still land; it is stopped explicitly after
		// the server drains.
		var mirrorCtx context.Context
		mirrorCtx, mirrorStop = context.WithCancel(context.Background())
		mirrorDone = make(chan struct{})
		go func() {
			defer close(mirrorDone)
			if err := runner.Run(mirrorCtx); err != nil && mirrorCtx.Err() == nil {
				logger.Error("mirror stopped", zap.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(led, logger, api.Config{
			AuthTokens: cfg.Server.AuthTokens,
			RatePerSec: cfg.Server.RateRPS,
			RateBurst:  cfg.Server.RateBurst,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("service start",
		zap.String("addr", cfg.Server.Addr),
		zap.String("journal", cfg.Journal.Path),
		zap.String("engine", cfg.Engine.Kind),
		zap.String("custody", custody.Hex()),
		zap.Bool("auth", len(cfg.Server.AuthTokens) > 0),
		zap.Bool("mirror", cfg.Postgres.DSN != ""),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if mirrorStop != nil {
		mirrorStop()
		<-mirrorDone
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
