package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/peterbutler/sagrada/internal/devices"
)

func testSettings() Settings {
	return Settings{
		TankChannel: "tank.temperature",
		RoomChannel: "room.temperature",
		TankTarget:  140,
		Deadband:    1,
		FreezeLimit: 40,
		MinOn:       3 * time.Minute,
		MinOff:      10 * time.Minute,
		Interval:    30 * time.Second,
	}
}

func on(since time.Duration) deviceCond {
	return deviceCond{Known: true, On: true, SinceChange: since}
}

func off(since time.Duration) deviceCond {
	return deviceCond{Known: true, SinceChange: since}
}

func TestDecideHysteresis(t *testing.T) {
	cfg := testSettings()
	cases := []struct {
		name string
		cond conditions
		want *pending
	}{
		{name: "heater state unknown holds",
			cond: conditions{Tank: f(100)},
			want: nil},
		{name: "min on interlock",
			cond: conditions{Tank: f(150), Heater: on(time.Minute)},
			want: nil},
		{name: "tank at target turns off",
			cond: conditions{Tank: f(140), Heater: on(5 * time.Minute)},
			want: &pending{action: ActionOff, reason: ReasonTankAtTarget}},
		{name: "inside band holds while on",
			cond: conditions{Tank: f(139.5), Heater: on(5 * time.Minute)},
			want: nil},
		{name: "missing tank holds while on",
			cond: conditions{Heater: on(5 * time.Minute)},
			want: nil},
		{name: "freeze keeps heater on past target",
			cond: conditions{Tank: f(145), Room: f(35), Heater: on(5 * time.Minute)},
			want: nil},
		{name: "min off interlock",
			cond: conditions{Tank: f(130), Heater: off(5 * time.Minute)},
			want: nil},
		{name: "tank below target turns on",
			cond: conditions{Tank: f(138.9), Heater: off(15 * time.Minute)},
			want: &pending{action: ActionOn, reason: ReasonTankBelowTarget}},
		{name: "inside band holds while off",
			cond: conditions{Tank: f(139.5), Heater: off(15 * time.Minute)},
			want: nil},
		{name: "freeze turns on regardless of tank",
			cond: conditions{Room: f(39), Heater: off(15 * time.Minute)},
			want: &pending{action: ActionOn, reason: ReasonFreezeGuard}},
		{name: "min off beats freeze",
			cond: conditions{Room: f(39), Heater: off(5 * time.Minute)},
			want: nil},
		{name: "missing tank holds while off",
			cond: conditions{Heater: off(15 * time.Minute)},
			want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decide(tc.cond, cfg)
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("decide = %+v, want %+v", got, tc.want)
			}
			if got != nil && *got != *tc.want {
				t.Fatalf("decide = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecidePump(t *testing.T) {
	cfg := testSettings()
	heaterOn := &pending{action: ActionOn, reason: ReasonTankBelowTarget}
	heaterOff := &pending{action: ActionOff, reason: ReasonTankAtTarget}
	cases := []struct {
		name       string
		cond       conditions
		heaterNext *pending
		want       *pending
	}{
		{name: "pump state unknown holds",
			cond: conditions{Heater: on(15 * time.Minute)},
			want: nil},
		{name: "pump starts with heater command",
			cond:       conditions{Heater: off(15 * time.Minute), Pump: off(15 * time.Minute)},
			heaterNext: heaterOn,
			want:       &pending{action: ActionOn, reason: ReasonPumpFollows}},
		{name: "pump stops with heater command",
			cond:       conditions{Heater: on(15 * time.Minute), Pump: on(15 * time.Minute)},
			heaterNext: heaterOff,
			want:       &pending{action: ActionOff, reason: ReasonPumpFollows}},
		{name: "pump catches up to running heater",
			cond: conditions{Heater: on(15 * time.Minute), Pump: off(15 * time.Minute)},
			want: &pending{action: ActionOn, reason: ReasonPumpFollows}},
		{name: "pump already matches",
			cond: conditions{Heater: on(15 * time.Minute), Pump: on(15 * time.Minute)},
			want: nil},
		{name: "pump min off interlock",
			cond:       conditions{Heater: off(15 * time.Minute), Pump: off(5 * time.Minute)},
			heaterNext: heaterOn,
			want:       nil},
		{name: "pump min on interlock",
			cond:       conditions{Heater: on(15 * time.Minute), Pump: on(time.Minute)},
			heaterNext: heaterOff,
			want:       nil},
		{name: "freeze circulates despite heater interlock",
			cond: conditions{Room: f(35), Heater: off(time.Minute), Pump: off(15 * time.Minute)},
			want: &pending{action: ActionOn, reason: ReasonFreezeGuard}},
		{name: "freeze keeps pump running",
			cond:       conditions{Room: f(35), Heater: on(15 * time.Minute), Pump: on(15 * time.Minute)},
			heaterNext: heaterOff,
			want:       nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decidePump(tc.cond, tc.heaterNext, cfg)
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("decidePump = %+v, want %+v", got, tc.want)
			}
			if got != nil && *got != *tc.want {
				t.Fatalf("decidePump = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestTickPublishesCommands(t *testing.T) {
	pub := &stubPublisher{}
	c, tracker := newTestController(t, pub, map[string]float64{
		"tank.temperature": 130,
		"room.temperature": 55,
	})
	t0 := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	tracker.Apply(devices.Heater, false, t0)
	tracker.Apply(devices.Pump, false, t0)
	c.now = func() time.Time { return t0.Add(15 * time.Minute) }

	c.Tick(context.Background())
	msgs := pub.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want heater and pump", len(msgs))
	}
	if string(msgs[0].Key) != devices.Heater || string(msgs[1].Key) != devices.Pump {
		t.Fatalf("message keys = %q, %q, want heater then pump", msgs[0].Key, msgs[1].Key)
	}
	var cmd Command
	if err := json.Unmarshal(msgs[0].Value, &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.Action != ActionOn || cmd.Reason != ReasonTankBelowTarget {
		t.Fatalf("command = %+v, want turn-on for cold tank", cmd)
	}
	if cmd.ID == "" || cmd.Device != devices.Heater {
		t.Fatalf("command = %+v, want uuid id and heater device", cmd)
	}
	var pumpCmd Command
	if err := json.Unmarshal(msgs[1].Value, &pumpCmd); err != nil {
		t.Fatalf("decode pump command: %v", err)
	}
	if pumpCmd.Action != ActionOn || pumpCmd.Reason != ReasonPumpFollows {
		t.Fatalf("pump command = %+v, want follow-on", pumpCmd)
	}
}

func TestTickDoesNotRepeatWhileEchoPending(t *testing.T) {
	pub := &stubPublisher{}
	c, tracker := newTestController(t, pub, map[string]float64{
		"tank.temperature": 130,
		"room.temperature": 55,
	})
	t0 := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	tracker.Apply(devices.Heater, false, t0)
	now := t0.Add(15 * time.Minute)
	c.now = func() time.Time { return now }

	c.Tick(context.Background())
	c.Tick(context.Background())
	if n := len(pub.messages()); n != 1 {
		t.Fatalf("published %d messages across two ticks, want 1", n)
	}

	// after the echo window lapses without a state change, ask again
	now = now.Add(2 * time.Minute)
	c.Tick(context.Background())
	if n := len(pub.messages()); n != 2 {
		t.Fatalf("published %d messages after echo window, want 2", n)
	}
}

func TestTickRetriesAfterPublishError(t *testing.T) {
	pub := &stubPublisher{failFirst: true}
	c, tracker := newTestController(t, pub, map[string]float64{
		"tank.temperature": 130,
		"room.temperature": 55,
	})
	t0 := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	tracker.Apply(devices.Heater, false, t0)
	c.now = func() time.Time { return t0.Add(15 * time.Minute) }

	c.Tick(context.Background())
	if n := len(pub.messages()); n != 0 {
		t.Fatalf("published %d messages on failing bus, want 0", n)
	}
	c.Tick(context.Background())
	if n := len(pub.messages()); n != 1 {
		t.Fatalf("published %d messages after retry, want 1", n)
	}
}

func TestTickHoldsWithoutFreshTank(t *testing.T) {
	pub := &stubPublisher{}
	c, tracker := newTestController(t, pub, map[string]float64{
		"room.temperature": 55,
	})
	t0 := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	tracker.Apply(devices.Heater, false, t0)
	c.now = func() time.Time { return t0.Add(time.Hour) }

	c.Tick(context.Background())
	if n := len(pub.messages()); n != 0 {
		t.Fatalf("published %d messages without tank data, want 0", n)
	}
}

// stubValues serves fixed channel values; absent keys read as stale.
type stubValues struct {
	vals map[string]float64
}

func (s *stubValues) CurrentValue(channel string) (*float64, bool) {
	v, ok := s.vals[channel]
	if !ok {
		return nil, false
	}
	return &v, true
}

type stubPublisher struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	failFirst bool
	calls     int
}

func (p *stubPublisher) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failFirst && p.calls == 1 {
		return context.DeadlineExceeded
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *stubPublisher) messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.msgs...)
}

func newTestController(t *testing.T, pub Publisher, vals map[string]float64) (*Controller, *devices.Tracker) {
	t.Helper()
	tracker := devices.NewTracker(nil)
	c, err := NewController(
		testSettings(),
		&stubValues{vals: vals},
		tracker,
		pub,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c, tracker
}

func f(v float64) *float64 { return &v }
