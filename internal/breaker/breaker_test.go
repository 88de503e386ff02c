package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *time.Time) {
	b := New(Settings{Name: "test", FailureThreshold: threshold, OpenTimeout: timeout},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func fail(context.Context) error { return errBoom }
func okOp(context.Context) error { return nil }

func TestTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected op error, got %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}
	if err := b.Do(ctx, okOp); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fast ErrOpen, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if err := b.Do(ctx, okOp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != Closed {
		t.Fatalf("success must reset the consecutive count, got %v", b.State())
	}
}

func TestHalfOpenProbeCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	if b.State() != Open {
		t.Fatalf("expected open, got %v", b.State())
	}
	*clock = clock.Add(2 * time.Minute)
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open after timeout, got %v", b.State())
	}
	if err := b.Do(ctx, okOp); err != nil {
		t.Fatalf("probe should pass through, got %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("successful probe must close, got %v", b.State())
	}
}

func TestHalfOpenProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	*clock = clock.Add(2 * time.Minute)
	if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("failed probe must reopen, got %v", b.State())
	}
}
