// Synthetic shed for local runs: a lumped thermal model publishes plausible
// readings for every catalog channel and reacts to heater/pump commands the
// way the real actuators would.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/peterbutler/sagrada/internal/control"
	"github.com/peterbutler/sagrada/internal/devices"
	"github.com/peterbutler/sagrada/internal/hub"
)

// Rates are per minute, tuned for plausible shapes rather than physical
// accuracy. A 1.4 kW element in a 50 gallon tank gains roughly 0.2 F/min.
const (
	heaterGainF    = 0.22
	tankLossCoeff  = 0.004
	supplyDropF    = 2.0
	loopReturnFrac = 0.55
	extractCoeff   = 0.035
	floorGainCoeff = 0.06
	floorLossCoeff = 0.02
	roomGainCoeff  = 0.035
	envelopeCoeff  = 0.012
	idleLoopCoeff  = 0.08
	pretankCoeff   = 0.01
)

type simConfig struct {
	Brokers       []string
	ReadingsTopic string
	CommandsTopic string
	Group         string
	Listen        string
	Step          time.Duration
	Publish       time.Duration
	Sensor        string
	Noise         float64
	OutsideMean   float64
	OutsideSwing  float64
	TankInit      float64
	RoomInit      float64
}

func parseConfig() simConfig {
	var (
		brokers  = flag.String("brokers", "localhost:9092", "comma-separated kafka brokers")
		readings = flag.String("readings-topic", "shed.readings", "topic for sensor readings")
		commands = flag.String("commands-topic", "shed.commands", "topic carrying heater/pump commands")
		group    = flag.String("group", "sagrada-simulator", "consumer group for the commands topic")
		listen   = flag.String("listen", ":8090", "status endpoint address")
		step     = flag.Duration("step", time.Second, "physics step")
		publish  = flag.Duration("publish", 2*time.Second, "reading publish cadence")
		sensor   = flag.String("sensor", "sim", "sensor tag stamped on readings")
		noise    = flag.Float64("noise", 0.05, "gaussian sensor noise stddev in F")
		tank     = flag.Float64("tank", 135, "initial tank temperature F")
		room     = flag.Float64("room", 55, "initial room temperature F")
		outside  = flag.Float64("outside", 28, "mean outside temperature F")
		swing    = flag.Float64("swing", 12, "outside day/night swing F")
	)
	flag.Parse()

	return simConfig{
		Brokers:       splitCSV(*brokers),
		ReadingsTopic: *readings,
		CommandsTopic: *commands,
		Group:         *group,
		Listen:        *listen,
		Step:          *step,
		Publish:       *publish,
		Sensor:        *sensor,
		Noise:         *noise,
		OutsideMean:   *outside,
		OutsideSwing:  *swing,
		TankInit:      *tank,
		RoomInit:      *room,
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// shed owns the lumped model. All state lives behind the mutex; the physics
// ticker, the publishers and the command consumer share it.
type shed struct {
	cfg simConfig

	mu      sync.Mutex
	tank    float64
	floor   float64
	room    float64
	outside float64
	supply  float64
	ret     float64
	pretank float64
	heater  bool
	pump    bool
	fan     bool
	rng     *rand.Rand
}

func newShed(cfg simConfig) *shed {
	return &shed{
		cfg:     cfg,
		tank:    cfg.TankInit,
		floor:   cfg.RoomInit + 4,
		room:    cfg.RoomInit,
		outside: cfg.OutsideMean,
		supply:  cfg.RoomInit,
		ret:     cfg.RoomInit,
		pretank: cfg.RoomInit + 8,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *shed) step(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dt := s.cfg.Step.Minutes()

	// Outside follows a day/night sine peaking mid-afternoon.
	frac := float64(now.Unix()%86400) / 86400
	s.outside = s.cfg.OutsideMean + s.cfg.OutsideSwing*math.Sin(2*math.Pi*(frac-0.3))

	if s.heater {
		s.tank += heaterGainF * dt
	}
	s.tank -= tankLossCoeff * (s.tank - s.room) * dt

	if s.pump {
		s.supply += (s.tank - supplyDropF - s.supply) * 0.5
		s.floor += floorGainCoeff * (s.supply - s.floor) * dt
		s.ret = s.floor + loopReturnFrac*(s.supply-s.floor)
		s.tank -= extractCoeff * (s.supply - s.ret) * dt
	} else {
		s.supply += idleLoopCoeff * (s.room - s.supply) * dt
		s.ret += idleLoopCoeff * (s.room - s.ret) * dt
	}

	s.floor -= floorLossCoeff * (s.floor - s.room) * dt
	s.room += roomGainCoeff*(s.floor-s.room)*dt - envelopeCoeff*(s.room-s.outside)*dt
	s.pretank += pretankCoeff * ((s.room+s.tank)/2 - s.pretank) * dt
}

func (s *shed) readings(now time.Time) []hub.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	noisy := func(v float64) float64 { return v + s.rng.NormFloat64()*s.cfg.Noise }
	temp := func(channel string, v float64) hub.Reading {
		return hub.Reading{Channel: channel, Value: noisy(v), Unit: "F", Sensor: s.cfg.Sensor, At: now}
	}
	state := func(channel string, on bool) hub.Reading {
		return hub.Reading{Channel: channel, Value: stateValue(on), Unit: "state", Sensor: s.cfg.Sensor, At: now}
	}
	return []hub.Reading{
		temp("tank.temperature", s.tank),
		temp("floor.temperature", s.floor),
		temp("room.temperature", s.room),
		temp("outside.temperature", s.outside),
		temp("loop.supply.temperature", s.supply),
		temp("loop.return.temperature", s.ret),
		temp("pretank.temperature", s.pretank),
		state("heater.state", s.heater),
		state("pump.state", s.pump),
		state("fan.state", s.fan),
	}
}

func (s *shed) apply(cmd control.Command) bool {
	var on bool
	switch cmd.Action {
	case control.ActionOn:
		on = true
	case control.ActionOff:
		on = false
	default:
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd.Device {
	case devices.Heater:
		s.heater = on
	case devices.Pump:
		s.pump = on
	case devices.Fan:
		s.fan = on
	default:
		return false
	}
	return true
}

func (s *shed) stateReading(device string, now time.Time) (hub.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var on bool
	switch device {
	case devices.Heater:
		on = s.heater
	case devices.Pump:
		on = s.pump
	case devices.Fan:
		on = s.fan
	default:
		return hub.Reading{}, false
	}
	return hub.Reading{
		Channel: device + ".state",
		Value:   stateValue(on),
		Unit:    "state",
		Sensor:  s.cfg.Sensor,
		At:      now,
	}, true
}

func stateValue(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

func (s *shed) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := map[string]any{
		"tank":    s.tank,
		"floor":   s.floor,
		"room":    s.room,
		"outside": s.outside,
		"supply":  s.supply,
		"return":  s.ret,
		"pretank": s.pretank,
		"heater":  s.heater,
		"pump":    s.pump,
		"fan":     s.fan,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:  kafka.TCP(brokers...),
		Topic: topic,
		// Hash keyed by channel keeps each channel's samples in one
		// partition, so they arrive in order.
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

func publish(ctx context.Context, w *kafka.Writer, rs ...hub.Reading) error {
	msgs := make([]kafka.Message, 0, len(rs))
	for _, rd := range rs {
		b, err := json.Marshal(rd)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(rd.Channel), Value: b, Time: rd.At})
	}
	return w.WriteMessages(ctx, msgs...)
}

func runCommands(ctx context.Context, log *slog.Logger, cfg simConfig, sh *shed, w *kafka.Writer) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.Group,
		Topic:       cfg.CommandsTopic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Error("command reader close failed", "err", err)
		}
	}()
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("command read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		var cmd control.Command
		if err := json.Unmarshal(m.Value, &cmd); err != nil {
			log.Warn("invalid command json", "err", err, "offset", m.Offset)
			continue
		}
		if !sh.apply(cmd) {
			log.Warn("command ignored", "device", cmd.Device, "action", cmd.Action)
			continue
		}
		log.Info("command applied", "id", cmd.ID, "device", cmd.Device, "action", cmd.Action, "reason", cmd.Reason)
		// Echo the new state right away so the controller sees the flip
		// without waiting for the next publish tick.
		if rd, ok := sh.stateReading(cmd.Device, time.Now().UTC()); ok {
			if err := publish(ctx, w, rd); err != nil {
				log.Warn("state echo failed", "err", err)
			}
		}
	}
}

func main() {
	cfg := parseConfig()
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	log.Info("shed simulator starting",
		"brokers", cfg.Brokers,
		"readings", cfg.ReadingsTopic,
		"commands", cfg.CommandsTopic,
		"step", cfg.Step,
		"publish", cfg.Publish,
	)

	sh := newShed(cfg)
	writer := newKafkaWriter(cfg.Brokers, cfg.ReadingsTopic)
	defer func() {
		if err := writer.Close(); err != nil {
			log.Error("writer close failed", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		t := time.NewTicker(cfg.Step)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				sh.step(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		t := time.NewTicker(cfg.Publish)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := publish(ctx, writer, sh.readings(time.Now().UTC())...); err != nil {
					log.Warn("publish failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go runCommands(ctx, log, cfg, sh, writer)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", sh.handleStatus)
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("status endpoint listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	_ = srv.Close()
	cancel()
	time.Sleep(300 * time.Millisecond)
	log.Info("simulator stopped")
}
