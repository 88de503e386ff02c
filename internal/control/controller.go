// Package control runs the bang-bang heating loop: it watches the tank and
// room temperatures and publishes heater and pump commands to the bus. The
// daemon only suggests; the actuator firmware stays the last line of defense
// and simply sees one more publisher on the commands topic.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/peterbutler/sagrada/internal/devices"
	"github.com/peterbutler/sagrada/internal/metrics"
)

// Command is the wire form published on the commands topic.
type Command struct {
	ID     string    `json:"id"`
	Device string    `json:"device"`
	Action string    `json:"action"`
	Reason string    `json:"reason"`
	At     time.Time `json:"ts"`
}

// Command actions and reasons.
const (
	ActionOn  = "on"
	ActionOff = "off"

	ReasonTankBelowTarget = "tank_below_target"
	ReasonTankAtTarget    = "tank_at_target"
	ReasonFreezeGuard     = "freeze_protection"
	ReasonPumpFollows     = "pump_follows_heater"
)

// Settings tune the loop. Channel ids name where the controller reads its
// temperatures from.
type Settings struct {
	TankChannel string
	RoomChannel string

	TankTarget  float64 // degrees the tank is held at
	Deadband    float64 // drop below target before the heater re-lights
	FreezeLimit float64 // room temperature that forces heater and pump on

	// Minimum hold times are hard interlocks against short-cycling,
	// tracked per device. Freeze protection bypasses the temperature
	// thresholds but never these.
	MinOn  time.Duration
	MinOff time.Duration

	Interval time.Duration
}

// Values is the telemetry the controller reads. The hub satisfies it; fresh
// is false when the channel is offline or stale.
type Values interface {
	CurrentValue(channel string) (value *float64, fresh bool)
}

// Publisher is the bus capability the controller needs.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds the commands-topic writer. Keyed by device so one
// device's commands stay ordered on a single partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Controller evaluates the loop on a fixed interval.
type Controller struct {
	cfg     Settings
	values  Values
	tracker *devices.Tracker
	pub     Publisher
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	// last command sent per device, kept to avoid re-publishing the same
	// action every tick while the device's state echo is still in flight
	lastAction map[string]string
	lastSentAt map[string]time.Time
}

// NewController wires the loop. metrics may be nil.
func NewController(cfg Settings, values Values, tracker *devices.Tracker, pub Publisher, m *metrics.Metrics, log *slog.Logger) (*Controller, error) {
	if values == nil || tracker == nil || pub == nil {
		return nil, errors.New("values, tracker and publisher are required")
	}
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Controller{
		cfg:        cfg,
		values:     values,
		tracker:    tracker,
		pub:        pub,
		metrics:    m,
		log:        log,
		now:        time.Now,
		lastAction: make(map[string]string),
		lastSentAt: make(map[string]time.Time),
	}, nil
}

// Run evaluates the loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("controller_started",
		slog.Float64("tankTarget", c.cfg.TankTarget),
		slog.Float64("deadband", c.cfg.Deadband),
		slog.Float64("freezeLimit", c.cfg.FreezeLimit),
		slog.Duration("interval", c.cfg.Interval),
	)
	defer c.log.Info("controller_stopped")

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass and publishes at most one command per device:
// the heater decision first, then the pump following it.
func (c *Controller) Tick(ctx context.Context) {
	now := c.now()
	cond := c.observe(now)
	heaterNext := decide(cond, c.cfg)
	c.send(ctx, now, devices.Heater, heaterNext)
	c.send(ctx, now, devices.Pump, decidePump(cond, heaterNext, c.cfg))
}

func (c *Controller) send(ctx context.Context, now time.Time, device string, next *pending) {
	if next == nil {
		return
	}
	if next.action == c.lastAction[device] && now.Sub(c.lastSentAt[device]) < 2*c.cfg.Interval {
		// already asked; give the state echo time to come back
		return
	}
	cmd := Command{
		ID:     uuid.NewString(),
		Device: device,
		Action: next.action,
		Reason: next.reason,
		At:     now,
	}
	if err := c.publish(ctx, cmd); err != nil {
		c.log.Error("command_publish_failed", slog.Any("err", err),
			slog.String("device", device), slog.String("action", cmd.Action))
		return
	}
	c.lastAction[device] = next.action
	c.lastSentAt[device] = now
	if c.metrics != nil {
		c.metrics.CommandsSent.WithLabelValues(cmd.Device, cmd.Action).Inc()
	}
	c.log.Info("command_published",
		slog.String("id", cmd.ID),
		slog.String("device", cmd.Device),
		slog.String("action", cmd.Action),
		slog.String("reason", cmd.Reason),
	)
}

func (c *Controller) publish(ctx context.Context, cmd Command) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.pub.WriteMessages(ctx, kafka.Message{
		Key:   []byte(cmd.Device),
		Value: b,
	})
}

// deviceCond is one device's observed state. Known is false until its first
// state echo arrives.
type deviceCond struct {
	Known       bool
	On          bool
	SinceChange time.Duration
}

// conditions is the decision input, separated out so the rule tables are pure
// functions.
type conditions struct {
	Tank   *float64
	Room   *float64
	Heater deviceCond
	Pump   deviceCond
}

type pending struct {
	action string
	reason string
}

func (c *Controller) observe(now time.Time) conditions {
	cond := conditions{}
	if v, fresh := c.values.CurrentValue(c.cfg.TankChannel); fresh {
		cond.Tank = v
	}
	if v, fresh := c.values.CurrentValue(c.cfg.RoomChannel); fresh {
		cond.Room = v
	}
	cond.Heater = c.deviceState(devices.Heater, now)
	cond.Pump = c.deviceState(devices.Pump, now)
	return cond
}

func (c *Controller) deviceState(name string, now time.Time) deviceCond {
	st, ok := c.tracker.Get(name)
	if !ok {
		return deviceCond{}
	}
	return deviceCond{Known: true, On: st.On, SinceChange: now.Sub(st.ChangedAt)}
}

func freezing(c conditions, cfg Settings) bool {
	return c.Room != nil && *c.Room < cfg.FreezeLimit
}

// decide applies the heater hysteresis rules: on below target minus deadband,
// off at or above target. nil means hold the current state; missing telemetry
// always holds rather than guessing.
func decide(c conditions, cfg Settings) *pending {
	if !c.Heater.Known {
		return nil
	}
	freeze := freezing(c, cfg)

	if c.Heater.On {
		if c.Heater.SinceChange < cfg.MinOn {
			return nil
		}
		if freeze {
			return nil
		}
		if c.Tank == nil {
			return nil
		}
		if *c.Tank >= cfg.TankTarget {
			return &pending{action: ActionOff, reason: ReasonTankAtTarget}
		}
		return nil
	}

	if c.Heater.SinceChange < cfg.MinOff {
		return nil
	}
	if freeze {
		return &pending{action: ActionOn, reason: ReasonFreezeGuard}
	}
	if c.Tank == nil {
		return nil
	}
	if *c.Tank < cfg.TankTarget-cfg.Deadband {
		return &pending{action: ActionOn, reason: ReasonTankBelowTarget}
	}
	return nil
}

// decidePump makes the pump follow the heater, using the heater state this
// tick asked for when there is a pending command. A freeze keeps the loop
// circulating even while the heater sits in an interlock. The pump's own
// hold times still apply.
func decidePump(c conditions, heaterNext *pending, cfg Settings) *pending {
	if !c.Pump.Known {
		return nil
	}
	want := c.Heater.Known && c.Heater.On
	if heaterNext != nil {
		want = heaterNext.action == ActionOn
	}
	reason := ReasonPumpFollows
	if freezing(c, cfg) {
		want = true
		reason = ReasonFreezeGuard
	}
	if want == c.Pump.On {
		return nil
	}
	if c.Pump.On {
		if c.Pump.SinceChange < cfg.MinOn {
			return nil
		}
		return &pending{action: ActionOff, reason: ReasonPumpFollows}
	}
	if c.Pump.SinceChange < cfg.MinOff {
		return nil
	}
	return &pending{action: ActionOn, reason: reason}
}
