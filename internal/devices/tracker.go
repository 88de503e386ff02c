// Package devices tracks the last known on/off state of the loop's
// controllable nodes. States are written by the ingest path and read by the
// thermal model, the controller and the HTTP surface.
package devices

import (
	"sort"
	"sync"
	"time"
)

// Known device names on the heating loop.
const (
	Heater = "heater"
	Pump   = "pump"
	Fan    = "fan"
)

// State is one device's last reported condition. ChangedAt is the time of the
// last on/off transition; UpdatedAt the time of the last report of any kind.
type State struct {
	Name      string    `json:"name"`
	On        bool      `json:"on"`
	PowerW    float64   `json:"powerW,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker keeps device states, safe for concurrent use. Rated power figures
// are fixed at construction; the bus only carries on/off.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]State
	power  map[string]float64
}

// NewTracker builds a tracker with rated power per device name, in watts.
func NewTracker(power map[string]float64) *Tracker {
	t := &Tracker{states: make(map[string]State), power: make(map[string]float64, len(power))}
	for name, w := range power {
		t.power[name] = w
	}
	return t
}

// Apply records a state report. Reports older than the last seen one are
// ignored so a replayed retained message cannot roll a device backwards.
func (t *Tracker) Apply(name string, on bool, at time.Time) {
	if name == "" || at.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, seen := t.states[name]
	if seen && at.Before(cur.UpdatedAt) {
		return
	}
	next := State{
		Name:      name,
		On:        on,
		PowerW:    t.power[name],
		ChangedAt: cur.ChangedAt,
		UpdatedAt: at,
	}
	if !seen || cur.On != on {
		next.ChangedAt = at
	}
	t.states[name] = next
}

// Get returns the device's last state, ok=false when it never reported.
func (t *Tracker) Get(name string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[name]
	return s, ok
}

// On is a convenience wrapper: a never-reported device counts as off.
func (t *Tracker) On(name string) bool {
	s, ok := t.Get(name)
	return ok && s.On
}

// Power returns the configured rated watts for the device, 0 when unknown.
func (t *Tracker) Power(name string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.power[name]
}

// All returns every reported device sorted by name.
func (t *Tracker) All() []State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
