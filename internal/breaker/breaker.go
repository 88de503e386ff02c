// Package breaker is a small circuit breaker used around the bucket store
// and the command publisher so a dead collaborator cannot stall ingestion.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position.
type State int

const (
	// Closed passes operations through, counting consecutive failures.
	Closed State = iota
	// Open fails fast until the open timeout has elapsed.
	Open
	// HalfOpen lets a single probe through to decide between the other two.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without invoking the operation while the breaker is
// open.
var ErrOpen = errors.New("circuit breaker open")

// Settings tune one breaker instance.
type Settings struct {
	Name             string
	FailureThreshold int           // consecutive failures before tripping
	OpenTimeout      time.Duration // how long to fail fast before a probe
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return s
}

// Breaker guards an unreliable collaborator. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      Settings
	log      *slog.Logger
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// New builds a closed breaker. A nil logger is promoted to slog.Default.
func New(cfg Settings, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// Do runs op through the breaker. While open it returns ErrOpen immediately;
// in half-open exactly one caller probes and the rest fail fast.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.settle(err)
	return err
}

// State reports the current position, advancing open to half-open when the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	switch b.state {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err == nil {
		if b.state != Closed {
			b.log.Info("breaker_closed", "name", b.cfg.Name)
		}
		b.state = Closed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != Open {
			b.log.Warn("breaker_open",
				"name", b.cfg.Name,
				"failures", b.failures,
				"retry_in", b.cfg.OpenTimeout.String(),
			)
		}
		b.state = Open
		b.openedAt = b.now()
	}
}

// advanceLocked moves an expired open breaker to half-open.
func (b *Breaker) advanceLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.probing = false
		b.log.Info("breaker_half_open", "name", b.cfg.Name)
	}
}
