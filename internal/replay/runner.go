package replay

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"prorata/internal/journal"
	"prorata/internal/model"
)

// Store is the sink for rebuilt rows and the event archive, plus the
// resume offset: the sequence number through which stored rows are
// current.
type Store interface {
	UpsertPools(ctx context.Context, rows []model.PoolRow) error
	UpsertContributions(ctx context.Context, rows []model.ContributionRow) error
	UpsertBalances(ctx context.Context, rows []model.BalanceRow) error
	InsertEvents(ctx context.Context, events []model.Event) error
	LoadOffset(ctx context.Context) (uint64, bool, error)
	SaveOffset(ctx context.Context, seq uint64) error
}

// Sync folds the whole journal into rebuilder and writes everything
// newer than offset to the store, in batches of batchSize events. The
// full fold is required even below the offset, since rows are running
// totals; the offset only gates writes.
func Sync(ctx context.Context, journalPath string, store Store, rebuilder *Rebuilder, offset uint64, batchSize int) (journal.Stats, int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	written := 0
	pending := make([]model.Event, 0, batchSize)
	crossed := false

	flush := func(seq uint64) error {
		if err := store.InsertEvents(ctx, pending); err != nil {
			return fmt.Errorf("archive events: %w", err)
		}
		pools, contribs, balances := rebuilder.DrainDirty()
		if len(pools) > 0 {
			if err := store.UpsertPools(ctx, pools); err != nil {
				return fmt.Errorf("upsert pools: %w", err)
			}
		}
		if len(contribs) > 0 {
			if err := store.UpsertContributions(ctx, contribs); err != nil {
				return fmt.Errorf("upsert contributions: %w", err)
			}
		}
		if len(balances) > 0 {
			if err := store.UpsertBalances(ctx, balances); err != nil {
				return fmt.Errorf("upsert balances: %w", err)
			}
		}
		if err := store.SaveOffset(ctx, seq); err != nil {
			return fmt.Errorf("save offset: %w", err)
		}
		written += len(pending)
		pending = pending[:0]
		return nil
	}

	stats, err := journal.Replay(journalPath, func(ev model.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !crossed && ev.Seq > offset {
			rebuilder.ResetDirty()
			crossed = true
		}
		if err := rebuilder.Apply(ev); err != nil {
			return err
		}
		if ev.Seq <= offset {
			return nil
		}
		pending = append(pending, ev)
		if len(pending) >= batchSize {
			return flush(ev.Seq)
		}
		return nil
	})
	if err != nil {
		return stats, written, fmt.Errorf("replay journal: %w", err)
	}
	if len(pending) > 0 {
		if err := flush(rebuilder.LastSeq()); err != nil {
			return stats, written, err
		}
	}
	return stats, written, nil
}

// Config controls a replay run.
type Config struct {
	BatchSize int
	// Rebuild ignores saved offsets and rewrites every row.
	Rebuild bool
	// CheckpointPath, when set, keeps a local resume file alongside the
	// store offset so repeated offline runs skip settled work even
	// against a store that is being written by others.
	CheckpointPath string
}

// Runner replays a journal into a Store, resuming from the stored
// offset (or a newer local checkpoint) unless told to rebuild.
type Runner struct {
	cfg    Config
	store  Store
	logger *zap.Logger
}

func NewRunner(cfg Config, store Store, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, store: store, logger: logger}
}

// Run executes one replay pass over the journal file.
func (r *Runner) Run(ctx context.Context, journalPath string) error {
	if r.store == nil {
		return fmt.Errorf("store is nil")
	}

	checkpoints := NewCheckpointStore(r.cfg.CheckpointPath)
	var offset uint64
	if !r.cfg.Rebuild {
		saved, ok, err := r.store.LoadOffset(ctx)
		if err != nil {
			return fmt.Errorf("load offset: %w", err)
		}
		if ok {
			offset = saved
		}
		cp, ok, err := checkpoints.Load()
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if ok && cp.LastSeq > offset {
			offset = cp.LastSeq
		}
	}

	rebuilder := NewRebuilder()
	stats, written, err := Sync(ctx, journalPath, r.store, rebuilder, offset, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if stats.TornTail {
		r.logger.Warn("journal ends mid-line, dropping the torn tail",
			zap.Uint64("last_seq", rebuilder.LastSeq()))
	}
	if err := checkpoints.Save(rebuilder.LastSeq()); err != nil {
		return err
	}

	r.logger.Info("replay complete",
		zap.Int("events", stats.Events),
		zap.Int("written", written),
		zap.Int("skipped", stats.Events-written),
		zap.Int("pools", len(rebuilder.Pools())),
		zap.Uint64("last_seq", rebuilder.LastSeq()))
	return nil
}
