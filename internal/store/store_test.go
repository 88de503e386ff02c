package store

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/peterbutler/sagrada/internal/telemetry"
)

func newMockStore(t *testing.T) (*BucketStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewBucketStore(sqlx.NewDb(db, "sqlmock"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, mock
}

func TestAppendInsertsEachBucket(t *testing.T) {
	s, mock := newMockStore(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	buckets := []telemetry.Bucket{
		{Start: base, Avg: 118.5, Min: 118.0, Max: 119.0, Count: 4},
		{Start: base.Add(time.Minute), Avg: 119.2, Min: 119.0, Max: 119.5, Count: 3},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO minute_buckets").
		WithArgs("tank.temperature", buckets[0].Start, 118.5, 118.0, 119.0, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO minute_buckets").
		WithArgs("tank.temperature", buckets[1].Start, 119.2, 119.0, 119.5, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Append(context.Background(), "tank.temperature", buckets); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendNothingToDo(t *testing.T) {
	s, mock := newMockStore(t)
	if err := s.Append(context.Background(), "tank.temperature", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("empty append must not touch the database: %v", err)
	}
}

func TestRecentReversesToOldestFirst(t *testing.T) {
	s, mock := newMockStore(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"channel", "bucket_start", "avg_value", "min_value", "max_value", "sample_count"}
	rows := sqlmock.NewRows(cols).
		AddRow("tank.temperature", base.Add(2*time.Minute), 120.0, 119.5, 120.5, 5).
		AddRow("tank.temperature", base.Add(time.Minute), 119.0, 118.5, 119.5, 5).
		AddRow("tank.temperature", base, 118.0, 117.5, 118.5, 5)
	mock.ExpectQuery("SELECT channel, bucket_start").
		WithArgs("tank.temperature", 59).
		WillReturnRows(rows)

	got, err := s.Recent(context.Background(), "tank.temperature", 59)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(got))
	}
	if !got[0].Start.Equal(base) || !got[2].Start.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("expected oldest-first order, got %v .. %v", got[0].Start, got[2].Start)
	}
	if math.Abs(got[0].Avg-118.0) > 1e-6 {
		t.Fatalf("expected oldest avg 118.0, got %.6f", got[0].Avg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecentZeroLimit(t *testing.T) {
	s, mock := newMockStore(t)
	got, err := s.Recent(context.Background(), "tank.temperature", 0)
	if err != nil || got != nil {
		t.Fatalf("expected empty result, got %v err=%v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("zero limit must not query: %v", err)
	}
}

func TestInitCreatesSchemaOnPlainPostgres(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS minute_buckets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// no TimescaleDB installed; the promotion attempt fails and is tolerated
	mock.ExpectExec("create_hypertable").
		WillReturnError(errMissingExtension{})

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type errMissingExtension struct{}

func (errMissingExtension) Error() string { return `function create_hypertable does not exist` }
