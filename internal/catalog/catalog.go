// Package catalog is the static registry of telemetry channels: which scalar
// streams exist, what unit they carry, and how a display should label them.
package catalog

import "sort"

// Kind distinguishes continuous measurements from on/off device channels.
type Kind string

const (
	// KindTemperature marks a continuous temperature stream.
	KindTemperature Kind = "temperature"
	// KindState marks a 0/1 device-state stream (heater, pump, fan).
	KindState Kind = "state"
)

// Channel describes one named scalar telemetry source.
type Channel struct {
	ID    string `json:"id"`
	Unit  string `json:"unit"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Catalog maps channel ids to their definitions. It is built once at startup
// and read-only afterwards.
type Catalog struct {
	byID  map[string]Channel
	order []string
}

// Default returns the catalog for the shed heating loop. Ids follow the
// <location>.<metric> convention used on the bus topics.
func Default() *Catalog {
	return New([]Channel{
		{ID: "tank.temperature", Unit: "F", Label: "Tank", Kind: KindTemperature},
		{ID: "floor.temperature", Unit: "F", Label: "Floor surface", Kind: KindTemperature},
		{ID: "room.temperature", Unit: "F", Label: "Shed interior", Kind: KindTemperature},
		{ID: "outside.temperature", Unit: "F", Label: "Outside", Kind: KindTemperature},
		{ID: "loop.supply.temperature", Unit: "F", Label: "Loop supply", Kind: KindTemperature},
		{ID: "loop.return.temperature", Unit: "F", Label: "Loop return", Kind: KindTemperature},
		{ID: "pretank.temperature", Unit: "F", Label: "Pre-tank", Kind: KindTemperature},
		{ID: "heater.state", Unit: "state", Label: "Heater", Kind: KindState},
		{ID: "pump.state", Unit: "state", Label: "Pump", Kind: KindState},
		{ID: "fan.state", Unit: "state", Label: "Fan", Kind: KindState},
	})
}

// New builds a catalog from explicit definitions, preserving order and
// dropping entries with empty ids. Later duplicates win.
func New(channels []Channel) *Catalog {
	c := &Catalog{byID: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		if ch.ID == "" {
			continue
		}
		if _, seen := c.byID[ch.ID]; !seen {
			c.order = append(c.order, ch.ID)
		}
		c.byID[ch.ID] = ch
	}
	return c
}

// Lookup returns the channel definition for id.
func (c *Catalog) Lookup(id string) (Channel, bool) {
	ch, ok := c.byID[id]
	return ch, ok
}

// All returns every channel in declaration order.
func (c *Catalog) All() []Channel {
	out := make([]Channel, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Temperatures returns the continuous channels only, in declaration order.
func (c *Catalog) Temperatures() []Channel {
	out := make([]Channel, 0, len(c.order))
	for _, id := range c.order {
		if ch := c.byID[id]; ch.Kind == KindTemperature {
			out = append(out, ch)
		}
	}
	return out
}

// IDs returns all channel ids sorted alphabetically, for stable logs.
func (c *Catalog) IDs() []string {
	out := append([]string(nil), c.order...)
	sort.Strings(out)
	return out
}

// Len reports the number of registered channels.
func (c *Catalog) Len() int { return len(c.byID) }
