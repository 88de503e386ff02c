package catalog

import (
	"sort"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	if got := c.Len(); got != 10 {
		t.Fatalf("Len() = %d, want 10", got)
	}
	if got := len(c.Temperatures()); got != 7 {
		t.Fatalf("Temperatures() returned %d channels, want 7", got)
	}

	tank, ok := c.Lookup("tank.temperature")
	if !ok {
		t.Fatal("tank.temperature missing from default catalog")
	}
	if tank.Unit != "F" || tank.Kind != KindTemperature || tank.Label != "Tank" {
		t.Errorf("tank.temperature = %+v", tank)
	}

	heater, ok := c.Lookup("heater.state")
	if !ok {
		t.Fatal("heater.state missing from default catalog")
	}
	if heater.Kind != KindState {
		t.Errorf("heater.state kind = %q, want %q", heater.Kind, KindState)
	}

	if _, ok := c.Lookup("attic.temperature"); ok {
		t.Error("Lookup returned a channel that was never registered")
	}
}

func TestNewPreservesOrderAndDropsEmptyIDs(t *testing.T) {
	c := New([]Channel{
		{ID: "b", Unit: "F", Kind: KindTemperature},
		{ID: "", Unit: "F", Kind: KindTemperature},
		{ID: "a", Unit: "F", Kind: KindTemperature},
	})
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	all := c.All()
	if all[0].ID != "b" || all[1].ID != "a" {
		t.Errorf("All() order = [%s %s], want [b a]", all[0].ID, all[1].ID)
	}
	ids := c.IDs()
	if !sort.StringsAreSorted(ids) {
		t.Errorf("IDs() not sorted: %v", ids)
	}
}

func TestNewLaterDuplicateWins(t *testing.T) {
	c := New([]Channel{
		{ID: "x", Unit: "F", Label: "first", Kind: KindTemperature},
		{ID: "x", Unit: "C", Label: "second", Kind: KindTemperature},
	})
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	ch, _ := c.Lookup("x")
	if ch.Label != "second" || ch.Unit != "C" {
		t.Errorf("duplicate resolution kept %+v, want the later entry", ch)
	}
	if got := len(c.All()); got != 1 {
		t.Errorf("All() returned %d entries, want 1", got)
	}
}
