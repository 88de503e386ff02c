// Package hub owns one minute aggregator per catalog channel and routes every
// incoming reading through a per-channel worker goroutine, so bucket state is
// only ever mutated from a single writer no matter how many transports feed
// it. It also assembles the cross-channel views: current rates, the thermal
// snapshot and the dashboard summary, and fans events out to stream
// subscribers.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterbutler/sagrada/internal/breaker"
	"github.com/peterbutler/sagrada/internal/catalog"
	"github.com/peterbutler/sagrada/internal/devices"
	"github.com/peterbutler/sagrada/internal/metrics"
	"github.com/peterbutler/sagrada/internal/telemetry"
	"github.com/peterbutler/sagrada/internal/thermal"
)

// ErrUnknownChannel reports a query or reading for a channel the catalog does
// not define.
var ErrUnknownChannel = errors.New("unknown channel")

// staleAfter is how old a channel's freshest point may be before the thermal
// model and the summary treat the channel as offline.
const staleAfter = 5 * time.Minute

// Reading is one normalized observation entering the hub.
type Reading struct {
	Channel string    `json:"channel"`
	Value   float64   `json:"value"`
	Unit    string    `json:"unit,omitempty"`
	Sensor  string    `json:"sensor,omitempty"`
	At      time.Time `json:"ts"`
}

// BucketStore is the persistence surface the hub needs: appending finalized
// buckets and reading them back for seeding.
type BucketStore interface {
	Append(ctx context.Context, channel string, buckets []telemetry.Bucket) error
	Recent(ctx context.Context, channel string, limit int) ([]telemetry.Bucket, error)
}

// Roles maps thermal model inputs to catalog channel ids. Empty ids leave the
// corresponding input absent.
type Roles struct {
	Tank    string
	Floor   string
	Room    string
	Outside string
	Supply  string
	Return  string
}

// Options configure a Hub.
type Options struct {
	Catalog  *catalog.Catalog
	Capacity int // minute buckets kept per channel
	Lookback int // rate comparison offset in buckets
	Thermal  thermal.Params
	Roles    Roles
	Devices  *devices.Tracker
	Store    BucketStore      // optional
	Breaker  *breaker.Breaker // guards Store writes when set
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	// QueueSize bounds each channel's pending readings; beyond it new
	// readings are dropped and counted rather than blocking the transport.
	QueueSize int

	Now func() time.Time
}

type persistJob struct {
	channel string
	bucket  telemetry.Bucket
}

// Hub routes readings and answers queries. Construct with New, then Seed (if
// a store is configured) and Start before submitting.
type Hub struct {
	opts    Options
	log     *slog.Logger
	workers map[string]*worker
	bcast   *broadcaster
	persist chan persistJob

	lastIngest atomic.Int64 // unix nanos of the newest accepted reading
	wg         sync.WaitGroup
}

// New builds the hub with one worker per catalog channel. Temperature
// channels get an aggregator; state channels feed the device tracker.
func New(opts Options) *Hub {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Lookback <= 0 {
		opts.Lookback = telemetry.DefaultLookback
	}
	h := &Hub{
		opts:    opts,
		log:     opts.Log,
		workers: make(map[string]*worker),
		bcast:   newBroadcaster(),
		persist: make(chan persistJob, 256),
	}
	for _, ch := range opts.Catalog.All() {
		w := &worker{
			id:   ch.ID,
			kind: ch.Kind,
			unit: ch.Unit,
			in:   make(chan Reading, opts.QueueSize),
		}
		if ch.Kind == catalog.KindTemperature {
			w.agg = telemetry.NewAggregator(opts.Capacity)
		}
		h.workers[ch.ID] = w
	}
	return h
}

// Seed initializes every temperature channel's history from the store. It
// must run before Start; aggregators reject seeding once ingestion began.
func (h *Hub) Seed(ctx context.Context) error {
	if h.opts.Store == nil {
		return nil
	}
	for _, ch := range h.opts.Catalog.Temperatures() {
		w := h.workers[ch.ID]
		buckets, err := h.opts.Store.Recent(ctx, ch.ID, w.agg.Capacity())
		if err != nil {
			return err
		}
		if len(buckets) == 0 {
			continue
		}
		if err := w.agg.Seed(buckets); err != nil {
			return err
		}
		h.log.Info("history_seeded", "channel", ch.ID, "buckets", len(buckets))
	}
	return nil
}

// Start launches the channel workers and the persistence drain. They stop
// when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	for _, w := range h.workers {
		h.wg.Add(1)
		go func(w *worker) {
			defer h.wg.Done()
			h.runWorker(ctx, w)
		}(w)
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runPersist(ctx)
	}()
}

// Wait blocks until all workers have exited after context cancellation.
func (h *Hub) Wait() { h.wg.Wait() }

// Submit routes one reading to its channel worker without blocking. Unknown
// channels and full queues drop the reading with a counter bump.
func (h *Hub) Submit(r Reading) {
	w, ok := h.workers[r.Channel]
	if !ok {
		h.drop(metrics.ReasonUnknownChannel)
		h.log.Debug("reading_dropped", "reason", "unknown_channel", "channel", r.Channel)
		return
	}
	select {
	case w.in <- r:
	default:
		h.drop(metrics.ReasonQueueFull)
		h.log.Warn("reading_dropped", "reason", "queue_full", "channel", r.Channel)
	}
}

// LastIngest reports when the hub last accepted a reading, zero before the
// first one.
func (h *Hub) LastIngest() time.Time {
	n := h.lastIngest.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (h *Hub) runWorker(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.in:
			if w.kind == catalog.KindState {
				h.applyState(w, r)
				continue
			}
			h.ingest(w, r)
		}
	}
}

func (h *Hub) ingest(w *worker, r Reading) {
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) || r.At.IsZero() {
		h.drop(metrics.ReasonMalformed)
		h.log.Debug("reading_dropped", "reason", "malformed", "channel", w.id)
		return
	}

	w.mu.Lock()
	finalized, err := w.agg.Ingest(r.Value, r.At)
	live, liveOK := w.agg.Live()
	w.mu.Unlock()

	if err != nil {
		if errors.Is(err, telemetry.ErrOutOfOrder) {
			h.drop(metrics.ReasonOutOfOrder)
			h.log.Debug("reading_dropped", "reason", "out_of_order", "channel", w.id, "ts", r.At)
		}
		return
	}
	if !liveOK {
		return
	}

	h.lastIngest.Store(h.opts.Now().UnixNano())
	if m := h.opts.Metrics; m != nil {
		m.ReadingsIngested.WithLabelValues(w.id).Inc()
		m.LiveValue.WithLabelValues(w.id).Set(live.Avg)
		if age := h.opts.Now().Sub(r.At); age > 0 {
			m.IngestLag.Observe(age.Seconds())
		}
	}

	if finalized != nil {
		if m := h.opts.Metrics; m != nil {
			m.BucketsFinalized.WithLabelValues(w.id).Inc()
		}
		h.enqueuePersist(w.id, *finalized)
		h.bcast.publish(Event{Type: EventBucket, Channel: w.id, Bucket: finalized})
	}
	liveCopy := live
	h.bcast.publish(Event{Type: EventLive, Channel: w.id, Live: &liveCopy})
}

// applyState feeds a 0/1 state reading into the device tracker. The device
// name is the channel id minus its ".state" suffix.
func (h *Hub) applyState(w *worker, r Reading) {
	name := strings.TrimSuffix(w.id, ".state")
	on := r.Value >= 0.5
	h.opts.Devices.Apply(name, on, r.At)
	h.lastIngest.Store(h.opts.Now().UnixNano())
	if m := h.opts.Metrics; m != nil {
		m.ReadingsIngested.WithLabelValues(w.id).Inc()
	}
	if st, ok := h.opts.Devices.Get(name); ok {
		h.bcast.publish(Event{Type: EventDevice, Channel: w.id, Device: &st})
	}
}

func (h *Hub) enqueuePersist(channel string, b telemetry.Bucket) {
	if h.opts.Store == nil {
		return
	}
	select {
	case h.persist <- persistJob{channel: channel, bucket: b}:
	default:
		if m := h.opts.Metrics; m != nil {
			m.StoreErrors.Inc()
		}
		h.log.Warn("bucket_persist_dropped", "channel", channel, "bucket_start", b.Start)
	}
}

// runPersist drains finalized buckets into the store behind the breaker so a
// dead database degrades to memory-only operation instead of stalling
// ingestion.
func (h *Hub) runPersist(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-h.persist:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := h.writeBucket(writeCtx, job)
			cancel()
			if err != nil {
				if m := h.opts.Metrics; m != nil {
					m.StoreErrors.Inc()
				}
				if !errors.Is(err, context.Canceled) {
					h.log.Error("bucket_store_error", "channel", job.channel, "err", err)
				}
			}
		}
	}
}

func (h *Hub) writeBucket(ctx context.Context, job persistJob) error {
	op := func(ctx context.Context) error {
		return h.opts.Store.Append(ctx, job.channel, []telemetry.Bucket{job.bucket})
	}
	if h.opts.Breaker != nil {
		return h.opts.Breaker.Do(ctx, op)
	}
	return op(ctx)
}

func (h *Hub) drop(reason string) {
	if m := h.opts.Metrics; m != nil {
		m.ReadingsDropped.WithLabelValues(reason).Inc()
	}
}

// worker owns one channel's state. The goroutine started by Start is the only
// writer; queries take the mutex for a consistent read.
type worker struct {
	id   string
	kind catalog.Kind
	unit string
	in   chan Reading

	mu  sync.Mutex
	agg *telemetry.Aggregator
}

func (w *worker) history() []telemetry.Bucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agg.History()
}

func (w *worker) live() (telemetry.Bucket, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agg.Live()
}

func (w *worker) series() []telemetry.Bucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agg.SeriesWithLive()
}

func (w *worker) bucketAt(minute time.Time) (telemetry.Bucket, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agg.BucketAt(minute)
}
