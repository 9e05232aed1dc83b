package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"prorata/internal/model"
)

// offsetName keys the mirror's resume point in mirror_offset. The live
// mirror and the offline replay command share it, since they maintain
// the same rows.
const offsetName = "mirror"

// Store provides Postgres persistence for the read mirror.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertPools inserts or updates pool rows.
func (s *Store) UpsertPools(ctx context.Context, rows []model.PoolRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO pools (
				id, asset, controller, total_contributed, contributors, created_seq, updated_seq, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			ON CONFLICT (id)
			DO UPDATE SET
				total_contributed = EXCLUDED.total_contributed,
				contributors = EXCLUDED.contributors,
				updated_seq = EXCLUDED.updated_seq,
				updated_at = now()
		`,
			int64(row.ID),
			row.Asset,
			row.Controller,
			row.TotalContributed,
			row.Contributors,
			int64(row.CreatedSeq),
			int64(row.UpdatedSeq),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpsertContributions inserts or updates contribution rows.
func (s *Store) UpsertContributions(ctx context.Context, rows []model.ContributionRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO contributions (pool_id, contributor, amount, slot, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (pool_id, contributor)
			DO UPDATE SET
				amount = EXCLUDED.amount,
				updated_at = now()
		`,
			int64(row.PoolID),
			row.Contributor,
			row.Amount,
			row.Position,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpsertBalances inserts or updates per-asset bucket rows.
func (s *Store) UpsertBalances(ctx context.Context, rows []model.BalanceRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO balances (pool_id, asset, amount, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (pool_id, asset)
			DO UPDATE SET
				amount = EXCLUDED.amount,
				updated_at = now()
		`,
			int64(row.PoolID),
			row.Asset,
			row.Amount,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertEvents archives events. Replaying the same range is harmless;
// the sequence number keys the table.
func (s *Store) InsertEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event seq %d: %w", ev.Seq, err)
		}
		batch.Queue(`
			INSERT INTO events (seq, kind, pool_id, actor, emitted_at, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (seq) DO NOTHING
		`,
			int64(ev.Seq),
			string(ev.Kind),
			int64(ev.PoolID),
			ev.Actor,
			ev.EmittedAt,
			payload,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadOffset returns the sequence number the mirror is current through.
func (s *Store) LoadOffset(ctx context.Context) (uint64, bool, error) {
	var seq int64
	row := s.pool.QueryRow(ctx, `SELECT last_seq FROM mirror_offset WHERE name=$1`, offsetName)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(seq), true, nil
}

// SaveOffset upserts the mirror's resume point.
func (s *Store) SaveOffset(ctx context.Context, seq uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mirror_offset (name, last_seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_seq = EXCLUDED.last_seq, updated_at = now()
	`, offsetName, int64(seq))
	return err
}
