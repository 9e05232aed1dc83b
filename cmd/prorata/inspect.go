package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"prorata/internal/config"
	"prorata/internal/journal"
	"prorata/internal/model"
	"prorata/internal/replay"
)

func runInspect(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadInspect(cfgFile, cmd.Flags())
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

	rebuilder := replay.NewRebuilder()
	eventCounts := make(map[uint64]int)
	stats, err := journal.Replay(cfg.Journal, func(ev model.Event) error {
		eventCounts[ev.PoolID]++
		return rebuilder.Apply(ev)
	})
	if err != nil {
		return err
	}
	if stats.TornTail {
		logger.Warn("journal ends mid-line, dropped the torn tail",
			zap.Uint64("last_seq", stats.LastSeq))
	}

	balances := make(map[uint64][]model.BalanceRow)
	for _, row := range rebuilder.Balances() {
		balances[row.PoolID] = append(balances[row.PoolID], row)
	}

	out := cmd.OutOrStdout()
	matched := false
	for _, pool := range rebuilder.Pools() {
		if cfg.Pool != 0 && pool.ID != cfg.Pool {
			continue
		}
		matched = true
		fmt.Fprintf(out, "pool %d\n", pool.ID)
		fmt.Fprintf(out, "  asset:             %s\n", pool.Asset)
		fmt.Fprintf(out, "  controller:        %s\n", pool.Controller)
		fmt.Fprintf(out, "  total contributed: %s\n", pool.TotalContributed)
		fmt.Fprintf(out, "  contributors:      %d\n", pool.Contributors)
		for _, bucket := range balances[pool.ID] {
			fmt.Fprintf(out, "  bucket %-10s %s\n", bucket.Asset+":", bucket.Amount)
		}
		fmt.Fprintf(out, "  events:            %d\n", eventCounts[pool.ID])
		fmt.Fprintf(out, "  last seq:          %d\n", pool.UpdatedSeq)
	}
	if cfg.Pool != 0 && !matched {
		return fmt.Errorf("pool %d not found in journal", cfg.Pool)
	}

	fmt.Fprintf(out, "%d events across %d pools, last seq %d\n",
		stats.Events, len(rebuilder.Pools()), stats.LastSeq)
	if stats.TornTail {
		fmt.Fprintln(out, "journal has a torn final line (ignored)")
	}
	return nil
}
