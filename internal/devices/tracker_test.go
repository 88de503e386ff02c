package devices

import (
	"testing"
	"time"
)

func TestApplyTracksTransitions(t *testing.T) {
	tr := NewTracker(map[string]float64{Heater: 1400})
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tr.Apply(Heater, true, t0)
	s, ok := tr.Get(Heater)
	if !ok || !s.On {
		t.Fatalf("expected heater on, got %+v ok=%v", s, ok)
	}
	if s.PowerW != 1400 {
		t.Fatalf("expected rated power 1400, got %v", s.PowerW)
	}
	if !s.ChangedAt.Equal(t0) {
		t.Fatalf("expected first report to set ChangedAt")
	}

	// same state again: UpdatedAt moves, ChangedAt stays
	tr.Apply(Heater, true, t0.Add(30*time.Second))
	s, _ = tr.Get(Heater)
	if !s.ChangedAt.Equal(t0) {
		t.Fatalf("repeat report must not move ChangedAt")
	}
	if !s.UpdatedAt.Equal(t0.Add(30 * time.Second)) {
		t.Fatalf("repeat report must move UpdatedAt")
	}

	tr.Apply(Heater, false, t0.Add(time.Minute))
	s, _ = tr.Get(Heater)
	if s.On || !s.ChangedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("transition must flip state and ChangedAt: %+v", s)
	}
}

func TestStaleReportIgnored(t *testing.T) {
	tr := NewTracker(nil)
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	tr.Apply(Pump, true, t0)
	tr.Apply(Pump, false, t0.Add(-time.Minute))
	if !tr.On(Pump) {
		t.Fatalf("stale report must not roll the pump back")
	}
}

func TestAllSortedAndUnknownOff(t *testing.T) {
	tr := NewTracker(nil)
	if tr.On(Fan) {
		t.Fatalf("never-reported device must count as off")
	}
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	tr.Apply(Pump, true, t0)
	tr.Apply(Fan, false, t0)
	tr.Apply(Heater, true, t0)
	all := tr.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(all))
	}
	if all[0].Name != Fan || all[1].Name != Heater || all[2].Name != Pump {
		t.Fatalf("expected name-sorted order, got %+v", all)
	}
}
