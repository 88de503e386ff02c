// Package store persists finalized minute buckets to Postgres so channel
// history survives a restart. It is a best-effort seed/restore cache, not a
// system of record: write failures are reported and dropped, never retried
// into the ingest path.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/peterbutler/sagrada/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS minute_buckets (
    channel      TEXT             NOT NULL,
    bucket_start TIMESTAMPTZ      NOT NULL,
    avg_value    DOUBLE PRECISION NOT NULL,
    min_value    DOUBLE PRECISION NOT NULL,
    max_value    DOUBLE PRECISION NOT NULL,
    sample_count INTEGER          NOT NULL,
    PRIMARY KEY (channel, bucket_start)
)`

// BucketStore reads and writes per-channel minute buckets.
type BucketStore struct {
	db  *sqlx.DB
	log *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, log *slog.Logger) (*BucketStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewBucketStore(db, log), nil
}

// NewBucketStore wraps an existing connection, which tests provide via
// sqlmock.
func NewBucketStore(db *sqlx.DB, log *slog.Logger) *BucketStore {
	if log == nil {
		log = slog.Default()
	}
	return &BucketStore{db: db, log: log}
}

// Init creates the schema. When TimescaleDB is installed the table is also
// promoted to a hypertable; on plain Postgres that step fails and is ignored.
func (s *BucketStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create minute_buckets: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`SELECT create_hypertable('minute_buckets', 'bucket_start', if_not_exists => TRUE)`); err != nil {
		s.log.Debug("hypertable_skipped", "err", err)
	}
	return nil
}

// Append stores finalized buckets for a channel. Inserts are idempotent on
// (channel, bucket_start) so at-least-once upstream delivery cannot duplicate
// rows.
func (s *BucketStore) Append(ctx context.Context, channel string, buckets []telemetry.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `
		INSERT INTO minute_buckets
			(channel, bucket_start, avg_value, min_value, max_value, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel, bucket_start) DO NOTHING`
	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx, insert,
			channel, b.Start, b.Avg, b.Min, b.Max, b.Count); err != nil {
			return fmt.Errorf("insert bucket %s %s: %w", channel, b.Start.Format(time.RFC3339), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns up to limit of the channel's newest buckets, oldest first,
// ready to feed Aggregator.Seed.
func (s *BucketStore) Recent(ctx context.Context, channel string, limit int) ([]telemetry.Bucket, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []bucketRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT channel, bucket_start, avg_value, min_value, max_value, sample_count
		FROM minute_buckets
		WHERE channel = $1
		ORDER BY bucket_start DESC
		LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent %s: %w", channel, err)
	}
	out := make([]telemetry.Bucket, len(rows))
	for i, r := range rows {
		// newest-first query, oldest-first result
		out[len(rows)-1-i] = telemetry.Bucket{
			Start: r.BucketStart.UTC(),
			Avg:   r.AvgValue,
			Min:   r.MinValue,
			Max:   r.MaxValue,
			Count: r.SampleCount,
		}
	}
	return out, nil
}

// Close releases the connection pool.
func (s *BucketStore) Close() error {
	return s.db.Close()
}

type bucketRow struct {
	Channel     string    `db:"channel"`
	BucketStart time.Time `db:"bucket_start"`
	AvgValue    float64   `db:"avg_value"`
	MinValue    float64   `db:"min_value"`
	MaxValue    float64   `db:"max_value"`
	SampleCount int       `db:"sample_count"`
}
