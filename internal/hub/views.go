package hub

import (
	"errors"
	"time"

	"github.com/peterbutler/sagrada/internal/catalog"
	"github.com/peterbutler/sagrada/internal/devices"
	"github.com/peterbutler/sagrada/internal/telemetry"
	"github.com/peterbutler/sagrada/internal/thermal"
)

// ErrNoSeries reports a numeric query against a state channel, which carries
// device events rather than a minute series.
var ErrNoSeries = errors.New("channel has no numeric series")

// RateView is the rate endpoint's payload. PerHour and ElapsedMinutes are nil
// until the estimator has both endpoints.
type RateView struct {
	Channel        string                `json:"channel"`
	Unit           string                `json:"unit"`
	PerHour        *float64              `json:"perHour"`
	ElapsedMinutes *float64              `json:"elapsedMinutes,omitempty"`
	Display        telemetry.RateDisplay `json:"display"`
}

// ChannelSummary is one temperature channel's row in the dashboard summary.
type ChannelSummary struct {
	ID      string                `json:"id"`
	Label   string                `json:"label"`
	Unit    string                `json:"unit"`
	Value   *float64              `json:"value"`
	At      *time.Time            `json:"at,omitempty"`
	Rate    telemetry.RateDisplay `json:"rate"`
	Buckets int                   `json:"buckets"`
	Stale   bool                  `json:"stale"`
}

// Summary is the single-call view the console monitor renders.
type Summary struct {
	Now      time.Time        `json:"now"`
	Channels []ChannelSummary `json:"channels"`
	Devices  []devices.State  `json:"devices"`
	Thermal  thermal.Snapshot `json:"thermal"`
}

// Catalog exposes the channel definitions the hub was built with.
func (h *Hub) Catalog() *catalog.Catalog { return h.opts.Catalog }

// Devices lists every device that has reported, sorted by name.
func (h *Hub) Devices() []devices.State { return h.opts.Devices.All() }

// History returns the channel's finalized minute buckets, oldest first.
func (h *Hub) History(id string) ([]telemetry.Bucket, error) {
	w, err := h.seriesWorker(id)
	if err != nil {
		return nil, err
	}
	return w.history(), nil
}

// Live returns the channel's open minute bucket, nil when no sample has
// arrived for the current minute yet.
func (h *Hub) Live(id string) (*telemetry.Bucket, error) {
	w, err := h.seriesWorker(id)
	if err != nil {
		return nil, err
	}
	if b, ok := w.live(); ok {
		return &b, nil
	}
	return nil, nil
}

// Rate returns the channel's freshest rate estimate with its display form.
func (h *Hub) Rate(id string) (RateView, error) {
	w, err := h.seriesWorker(id)
	if err != nil {
		return RateView{}, err
	}
	view := RateView{Channel: w.id, Unit: w.unit}
	points := w.series()
	if r, ok := telemetry.RateAt(points, len(points)-1, h.opts.Lookback); ok {
		view.PerHour = &r.PerHour
		mins := r.ElapsedMinutes()
		view.ElapsedMinutes = &mins
		view.Display = telemetry.FormatRate(&r, w.unit)
	} else {
		view.Display = telemetry.FormatRate(nil, w.unit)
	}
	return view, nil
}

// Thermal assembles the model inputs from the role channels and computes one
// energy-flow snapshot. Channels that are offline or stale enter as absent,
// and the model degrades per field.
func (h *Hub) Thermal() thermal.Snapshot {
	now := h.opts.Now()
	roles := h.opts.Roles
	in := thermal.Inputs{
		Tank:        h.roleValue(roles.Tank, now),
		Floor:       h.roleValue(roles.Floor, now),
		Room:        h.roleValue(roles.Room, now),
		Outside:     h.roleValue(roles.Outside, now),
		ReturnNow:   h.roleValue(roles.Return, now),
		SupplyPast:  h.shiftedSupply(roles.Supply, now),
		HeaterOn:    h.opts.Devices.On(devices.Heater),
		PumpOn:      h.opts.Devices.On(devices.Pump),
		HeaterPower: h.opts.Devices.Power(devices.Heater),
	}
	if w, err := h.seriesWorker(roles.Tank); err == nil {
		points := w.series()
		if r, ok := telemetry.RateAt(points, len(points)-1, h.opts.Lookback); ok {
			in.TankRatePerHour = &r.PerHour
		}
	}
	return thermal.Compute(in, h.opts.Thermal)
}

// Summary snapshots every temperature channel, the devices and the thermal
// model in one pass.
func (h *Hub) Summary() Summary {
	now := h.opts.Now()
	out := Summary{
		Now:     now,
		Devices: h.opts.Devices.All(),
		Thermal: h.Thermal(),
	}
	for _, ch := range h.opts.Catalog.Temperatures() {
		w := h.workers[ch.ID]
		row := ChannelSummary{ID: ch.ID, Label: ch.Label, Unit: ch.Unit}
		row.Buckets = len(w.history())
		points := w.series()
		if len(points) > 0 {
			last := points[len(points)-1]
			v := last.Avg
			at := last.Start
			row.Value = &v
			row.At = &at
			row.Stale = now.Sub(last.Start) > staleAfter
		}
		if r, ok := telemetry.RateAt(points, len(points)-1, h.opts.Lookback); ok {
			row.Rate = telemetry.FormatRate(&r, ch.Unit)
		} else {
			row.Rate = telemetry.FormatRate(nil, ch.Unit)
		}
		out.Channels = append(out.Channels, row)
	}
	return out
}

// CurrentValue returns the channel's freshest known value. fresh is false
// when the channel is unknown, has no data yet or went stale.
func (h *Hub) CurrentValue(id string) (*float64, bool) {
	v := h.roleValue(id, h.opts.Now())
	return v, v != nil
}

func (h *Hub) seriesWorker(id string) (*worker, error) {
	w, ok := h.workers[id]
	if !ok {
		return nil, ErrUnknownChannel
	}
	if w.agg == nil {
		return nil, ErrNoSeries
	}
	return w, nil
}

// roleValue resolves a model input from the channel's freshest point, nil
// when the channel is unset, unknown, empty or stale.
func (h *Hub) roleValue(id string, now time.Time) *float64 {
	w, err := h.seriesWorker(id)
	if err != nil {
		return nil
	}
	points := w.series()
	if len(points) == 0 {
		return nil
	}
	last := points[len(points)-1]
	if now.Sub(last.Start) > staleAfter {
		return nil
	}
	v := last.Avg
	return &v
}

// shiftedSupply looks the supply channel up at now minus the loop transit
// time, so the value describes the water currently arriving back at the
// return sensor.
func (h *Hub) shiftedSupply(id string, now time.Time) *float64 {
	w, err := h.seriesWorker(id)
	if err != nil {
		return nil
	}
	transit := time.Duration(h.opts.Thermal.TransitMinutes) * time.Minute
	minute := now.Add(-transit).Truncate(time.Minute)
	if b, ok := w.bucketAt(minute); ok {
		v := b.Avg
		return &v
	}
	return nil
}
