package mirror

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"prorata/internal/model"
	"prorata/internal/replay"
)

// Config holds runtime settings for the mirror.
type Config struct {
	JournalPath   string
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Runner tails the ledger's event feed and keeps the Postgres read
// model current. The journal, not the feed, is the system of record:
// whenever the feed gaps (full buffer, fold error, store outage past
// its retries) the runner re-syncs from the journal rather than trust
// what it heard.
type Runner struct {
	cfg    Config
	store  replay.Store
	logger *zap.Logger

	events   chan model.Event
	desynced atomic.Bool
	dropped  atomic.Uint64

	rebuilder *replay.Rebuilder
	nextSeq   uint64
}

func NewRunner(cfg Config, store replay.Store, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	return &Runner{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		events:    make(chan model.Event, cfg.Buffer),
		rebuilder: replay.NewRebuilder(),
	}
}

// Feed returns the subscriber to register with the ledger. It never
// blocks the caller: when the buffer is full the event is dropped here
// and recovered from the journal at the next re-sync.
func (r *Runner) Feed() func(model.Event) {
	return func(ev model.Event) {
		select {
		case r.events <- ev:
		default:
			r.dropped.Add(1)
			r.desynced.Store(true)
		}
	}
}

// Dropped reports how many events overflowed the buffer so far.
func (r *Runner) Dropped() uint64 { return r.dropped.Load() }

// Desynced reports whether the runner is waiting on a journal re-sync.
func (r *Runner) Desynced() bool { return r.desynced.Load() }

// Run pumps events into the store until the context ends. It starts
// with a journal sync so the store is current before live tailing.
func (r *Runner) Run(ctx context.Context) error {
	if r.store == nil {
		return fmt.Errorf("store is nil")
	}
	if r.cfg.JournalPath == "" {
		return fmt.Errorf("journal path is required")
	}

	if err := r.resync(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.Event, 0, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.flush(flushCtx, batch); err != nil {
				r.logger.Warn("final flush failed, journal will re-sync on next start", zap.Error(err))
			}
			return nil

		case ev := <-r.events:
			if r.desynced.Load() {
				continue
			}
			if ev.Seq < r.nextSeq {
				continue // already written by a journal sync
			}
			if ev.Seq > r.nextSeq {
				r.logger.Warn("event feed gap",
					zap.Uint64("expected", r.nextSeq),
					zap.Uint64("got", ev.Seq))
				r.desynced.Store(true)
				continue
			}
			if err := r.rebuilder.Apply(ev); err != nil {
				r.logger.Error("live event does not fold, re-syncing", zap.Error(err))
				r.desynced.Store(true)
				continue
			}
			r.nextSeq++
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				if err := r.flush(ctx, batch); err != nil {
					r.logger.Warn("flush failed, re-syncing", zap.Error(err))
					r.desynced.Store(true)
				}
				batch = batch[:0]
			}

		case <-ticker.C:
			if r.desynced.Load() {
				batch = batch[:0]
				if err := r.resync(ctx); err != nil {
					return err
				}
				continue
			}
			if err := r.flush(ctx, batch); err != nil {
				r.logger.Warn("flush failed, re-syncing", zap.Error(err))
				r.desynced.Store(true)
			}
			batch = batch[:0]
		}
	}
}

// resync rebuilds from the journal and writes everything the store is
// missing, then resumes live tailing from the journal's end.
func (r *Runner) resync(ctx context.Context) error {
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		offset, ok, err := r.store.LoadOffset(ctx)
		if err != nil {
			return fmt.Errorf("load offset: %w", err)
		}
		if !ok {
			offset = 0
		}
		rebuilder := replay.NewRebuilder()
		stats, written, err := replay.Sync(ctx, r.cfg.JournalPath, r.store, rebuilder, offset, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if stats.TornTail {
			r.logger.Warn("journal ends mid-line, dropping the torn tail",
				zap.Uint64("last_seq", rebuilder.LastSeq()))
		}
		r.rebuilder = rebuilder
		r.nextSeq = rebuilder.LastSeq() + 1
		if written > 0 {
			r.logger.Info("mirror synced from journal",
				zap.Int("written", written),
				zap.Uint64("through_seq", rebuilder.LastSeq()))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror re-sync: %w", err)
	}
	r.desynced.Store(false)
	return nil
}

func (r *Runner) flush(ctx context.Context, batch []model.Event) error {
	if len(batch) == 0 {
		return nil
	}
	pools, contribs, balances := r.rebuilder.DrainDirty()
	return withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		if err := r.store.InsertEvents(ctx, batch); err != nil {
			return fmt.Errorf("archive events: %w", err)
		}
		if len(pools) > 0 {
			if err := r.store.UpsertPools(ctx, pools); err != nil {
				return fmt.Errorf("upsert pools: %w", err)
			}
		}
		if len(contribs) > 0 {
			if err := r.store.UpsertContributions(ctx, contribs); err != nil {
				return fmt.Errorf("upsert contributions: %w", err)
			}
		}
		if len(balances) > 0 {
			if err := r.store.UpsertBalances(ctx, balances); err != nil {
				return fmt.Errorf("upsert balances: %w", err)
			}
		}
		return r.store.SaveOffset(ctx, batch[len(batch)-1].Seq)
	})
}
