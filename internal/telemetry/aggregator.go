// Package telemetry turns an irregular stream of per-channel scalar readings
// into bounded minute-resolution history and rate-of-change estimates. One
// Aggregator owns one channel's state; it is not safe for concurrent use and
// relies on the caller to serialize ingestion per channel.
package telemetry

import (
	"errors"
	"math"
	"time"
)

// DefaultCapacity is the bounded history length kept per channel, chosen so
// that one hour of minute buckets plus the live point fits on a dashboard.
const DefaultCapacity = 59

var (
	// ErrOutOfOrder reports a reading whose minute is earlier than the open
	// bucket. The sample is discarded; a finalized bucket is never reopened.
	ErrOutOfOrder = errors.New("reading older than open bucket")
	// ErrSeeded reports a repeated Seed call.
	ErrSeeded = errors.New("history already seeded")
	// ErrSeedAfterIngest reports a Seed call after live ingestion started,
	// which would break bucket ordering.
	ErrSeedAfterIngest = errors.New("seed after ingestion started")
)

// Bucket is a finalized one-minute summary. Start is minute-aligned. Buckets
// are immutable once appended to history.
type Bucket struct {
	Start time.Time `json:"start"`
	Avg   float64   `json:"avg"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Count int       `json:"count"`
}

// Aggregator accumulates readings for a single channel into minute buckets
// and keeps a bounded, time-ordered history of finalized ones. The in-progress
// minute is exposed as a live point so consumers always see the freshest
// value even before the first boundary is crossed.
type Aggregator struct {
	capacity int
	hist     []Bucket

	// open-bucket accumulation state
	open     bool
	key      time.Time
	sum      float64
	count    int
	min, max float64

	seeded   bool
	ingested bool
}

// NewAggregator creates an empty aggregator with the given history capacity.
// Non-positive capacities are promoted to DefaultCapacity.
func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{capacity: capacity}
}

// Capacity reports the configured history bound.
func (a *Aggregator) Capacity() int { return a.capacity }

// Ingest accepts one reading. Non-finite values and zero timestamps are
// dropped silently with no effect on the open bucket. A reading in a later
// minute finalizes the open bucket; the finalized bucket is returned so the
// caller can persist or publish it. A reading in an earlier minute than the
// open bucket is discarded and reported as ErrOutOfOrder.
func (a *Aggregator) Ingest(value float64, ts time.Time) (*Bucket, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || ts.IsZero() {
		return nil, nil
	}
	key := ts.Truncate(time.Minute)

	if !a.open {
		// a seeded history tail counts as finalized too
		if n := len(a.hist); n > 0 && !key.After(a.hist[n-1].Start) {
			return nil, ErrOutOfOrder
		}
		a.openBucket(key, value)
		return nil, nil
	}
	switch {
	case key.Equal(a.key):
		a.accumulate(value)
		return nil, nil
	case key.After(a.key):
		done := a.finalize()
		a.openBucket(key, value)
		return &done, nil
	default:
		return nil, ErrOutOfOrder
	}
}

func (a *Aggregator) openBucket(key time.Time, value float64) {
	a.open = true
	a.ingested = true
	a.key = key
	a.sum = value
	a.count = 1
	a.min = value
	a.max = value
}

func (a *Aggregator) accumulate(value float64) {
	a.sum += value
	a.count++
	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}
}

// finalize closes the open bucket, appends it to history and evicts from the
// front when the capacity bound is exceeded.
func (a *Aggregator) finalize() Bucket {
	b := Bucket{
		Start: a.key,
		Avg:   a.sum / float64(a.count),
		Min:   a.min,
		Max:   a.max,
		Count: a.count,
	}
	a.hist = append(a.hist, b)
	if len(a.hist) > a.capacity {
		// copy to avoid holding the old backing array alive
		a.hist = append([]Bucket(nil), a.hist[len(a.hist)-a.capacity:]...)
	}
	a.open = false
	return b
}

// History returns a copy of the finalized buckets, oldest first.
func (a *Aggregator) History() []Bucket {
	return append([]Bucket(nil), a.hist...)
}

// Live returns the open bucket's running state: its minute key, the running
// average and min/max over the samples accumulated so far. With exactly one
// sample the running average is that raw value. ok is false only before the
// first accepted reading.
func (a *Aggregator) Live() (Bucket, bool) {
	if !a.open {
		return Bucket{}, false
	}
	return Bucket{
		Start: a.key,
		Avg:   a.sum / float64(a.count),
		Min:   a.min,
		Max:   a.max,
		Count: a.count,
	}, true
}

// SeriesWithLive returns the finalized history with the live point appended
// as the final element, which is the input shape the rate estimator expects.
func (a *Aggregator) SeriesWithLive() []Bucket {
	out := a.History()
	if live, ok := a.Live(); ok {
		out = append(out, live)
	}
	return out
}

// BucketAt looks up the bucket whose Start equals the given minute, checking
// the live point as well. Minutes with no readings have no bucket.
func (a *Aggregator) BucketAt(minute time.Time) (Bucket, bool) {
	minute = minute.Truncate(time.Minute)
	if live, ok := a.Live(); ok && live.Start.Equal(minute) {
		return live, true
	}
	for i := len(a.hist) - 1; i >= 0; i-- {
		if a.hist[i].Start.Equal(minute) {
			return a.hist[i], true
		}
		if a.hist[i].Start.Before(minute) {
			break
		}
	}
	return Bucket{}, false
}

// Seed initializes history from persisted buckets, once, before any live
// ingestion. Buckets are taken verbatim subject to capacity trimming (the
// newest entries win). Repeat calls return ErrSeeded; calls after Ingest
// return ErrSeedAfterIngest.
func (a *Aggregator) Seed(buckets []Bucket) error {
	if a.seeded {
		return ErrSeeded
	}
	if a.ingested {
		return ErrSeedAfterIngest
	}
	if len(buckets) > a.capacity {
		buckets = buckets[len(buckets)-a.capacity:]
	}
	a.hist = append([]Bucket(nil), buckets...)
	a.seeded = true
	return nil
}
