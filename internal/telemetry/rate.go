package telemetry

import (
	"fmt"
	"math"
	"time"
)

// DefaultLookback is how many buckets back the rate estimator compares
// against. Five minutes is short enough to track a heating cycle and long
// enough to smooth single-bucket noise.
const DefaultLookback = 5

// Display thresholds, in channel units per hour.
const (
	// below this magnitude the channel is reported as stable
	stableBand = 0.5
	// above this magnitude the display switches to a per-minute figure to
	// avoid implying false urgency on short-term spikes
	perMinuteAbove = 10.0
)

// Rate is a rate-of-change estimate. PerHour is in channel units per hour.
// Elapsed is the actual wall-clock span between the two compared buckets;
// with gap-free history it equals lookback minutes, and a larger value tells
// the caller the estimate stretched across missing buckets.
type Rate struct {
	PerHour float64       `json:"perHour"`
	Elapsed time.Duration `json:"-"`
}

// ElapsedMinutes reports the comparison span in whole-ish minutes for
// display and serialization.
func (r Rate) ElapsedMinutes() float64 {
	return r.Elapsed.Minutes()
}

// RateAt computes the rate at points[index] by comparing against the bucket
// exactly lookback positions earlier. points is a channel's finalized history
// with the live point appended (see Aggregator.SeriesWithLive), so index ==
// len(points)-1 yields the freshest estimate. The comparison is by position,
// not wall clock: a gap in history widens the real window instead of shifting
// it, which keeps the estimator O(1) and gap-tolerant. ok is false, never a
// zero rate, when index is out of range, index < lookback, lookback is not
// positive, or either endpoint is missing.
func RateAt(points []Bucket, index, lookback int) (Rate, bool) {
	if lookback <= 0 || index < lookback || index >= len(points) {
		return Rate{}, false
	}
	newer, older := points[index], points[index-lookback]
	if newer.Count == 0 || older.Count == 0 {
		return Rate{}, false
	}
	if !finite(newer.Avg) || !finite(older.Avg) {
		return Rate{}, false
	}
	hours := float64(lookback) / 60.0
	return Rate{
		PerHour: (newer.Avg - older.Avg) / hours,
		Elapsed: newer.Start.Sub(older.Start),
	}, true
}

// RateSeries applies RateAt over every index of points. The result has the
// same length and is aligned 1:1; leading entries are nil until enough
// history exists, as are entries with a missing endpoint.
func RateSeries(points []Bucket, lookback int) []*Rate {
	out := make([]*Rate, len(points))
	for i := range points {
		if r, ok := RateAt(points, i, lookback); ok {
			rc := r
			out[i] = &rc
		}
	}
	return out
}

// Trend classifies a rate for display.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendSteady  Trend = "steady"
)

// RateDisplay is the human-facing rendering of a rate.
type RateDisplay struct {
	Text  string `json:"text"`
	Trend Trend  `json:"trend"`
}

// FormatRate renders a rate for the given unit. A nil or non-finite rate and
// anything inside the stable band render as "stable". Up to perMinuteAbove
// the figure is shown per hour with one decimal; beyond it the display
// switches to a per-minute figure with two decimals. Direction is carried by
// the arrow and the trend tag.
func FormatRate(r *Rate, unit string) RateDisplay {
	if r == nil || !finite(r.PerHour) {
		return RateDisplay{Text: "stable", Trend: TrendSteady}
	}
	mag := math.Abs(r.PerHour)
	if mag < stableBand {
		return RateDisplay{Text: "stable", Trend: TrendSteady}
	}
	arrow, trend := "↑", TrendRising
	if r.PerHour < 0 {
		arrow, trend = "↓", TrendFalling
	}
	if mag > perMinuteAbove {
		return RateDisplay{
			Text:  fmt.Sprintf("%s %.2f %s/min", arrow, mag/60.0, unit),
			Trend: trend,
		}
	}
	return RateDisplay{
		Text:  fmt.Sprintf("%s %.1f %s/hr", arrow, mag, unit),
		Trend: trend,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
