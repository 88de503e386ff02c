// Package config loads the daemon configuration from defaults, an optional
// config.yaml and SAGRADA_-prefixed environment variables, in that order of
// precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/peterbutler/sagrada/internal/catalog"
	"github.com/peterbutler/sagrada/internal/thermal"
)

// Config is the root of the daemon's configuration tree.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Database DatabaseConfig `mapstructure:"database"`
	History  HistoryConfig  `mapstructure:"history"`
	Rate     RateConfig     `mapstructure:"rate"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Thermal  ThermalConfig  `mapstructure:"thermal"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Control  ControlConfig  `mapstructure:"control"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	ReadingsTopic string        `mapstructure:"readings_topic"`
	CommandsTopic string        `mapstructure:"commands_topic"`
	GroupID       string        `mapstructure:"group_id"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type HistoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type RateConfig struct {
	Lookback int `mapstructure:"lookback"`
}

// CatalogConfig lists extra channels layered over the built-in catalog.
// An entry reusing a built-in id replaces that channel.
type CatalogConfig struct {
	Channels []ChannelConfig `mapstructure:"channels"`
}

type ChannelConfig struct {
	ID    string `mapstructure:"id"`
	Unit  string `mapstructure:"unit"`
	Label string `mapstructure:"label"`
	Kind  string `mapstructure:"kind"`
}

// Build resolves the effective channel catalog. Configured entries are
// appended after the built-ins, so a duplicate id wins over the default.
func (c CatalogConfig) Build() *catalog.Catalog {
	if len(c.Channels) == 0 {
		return catalog.Default()
	}
	chans := catalog.Default().All()
	for _, cc := range c.Channels {
		kind := catalog.Kind(cc.Kind)
		if kind == "" {
			kind = catalog.KindTemperature
		}
		chans = append(chans, catalog.Channel{
			ID:    strings.TrimSpace(cc.ID),
			Unit:  cc.Unit,
			Label: cc.Label,
			Kind:  kind,
		})
	}
	return catalog.New(chans)
}

// ThermalConfig carries the model constants plus the mapping from model roles
// to catalog channel ids.
type ThermalConfig struct {
	thermal.Params `mapstructure:",squash"`
	Channels       ThermalChannels `mapstructure:"channels"`
}

type ThermalChannels struct {
	Tank    string `mapstructure:"tank"`
	Floor   string `mapstructure:"floor"`
	Room    string `mapstructure:"room"`
	Outside string `mapstructure:"outside"`
	Supply  string `mapstructure:"supply"`
	Return  string `mapstructure:"return"`
}

type DevicesConfig struct {
	HeaterPowerW float64 `mapstructure:"heater_power_w"`
	PumpPowerW   float64 `mapstructure:"pump_power_w"`
}

type ControlConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	TankTarget   float64       `mapstructure:"tank_target"`
	TankDeadband float64       `mapstructure:"tank_deadband"`
	FreezeLimit  float64       `mapstructure:"freeze_limit"`
	MinOn        time.Duration `mapstructure:"min_on"`
	MinOff       time.Duration `mapstructure:"min_off"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// Load reads configuration. A .env file is applied first when present so
// local runs can keep secrets out of the shell.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SAGRADA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.readings_topic", "shed.readings")
	v.SetDefault("kafka.commands_topic", "shed.commands")
	v.SetDefault("kafka.group_id", "sagrada-server")
	v.SetDefault("kafka.poll_timeout", "5s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sagrada")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "sagrada")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("history.capacity", 59)
	v.SetDefault("rate.lookback", 5)

	p := thermal.DefaultParams()
	v.SetDefault("thermal.tank_thermal_mass", p.TankThermalMass)
	v.SetDefault("thermal.tank_loss_coeff", p.TankLossCoeff)
	v.SetDefault("thermal.floor_transfer_coeff", p.FloorTransferCoeff)
	v.SetDefault("thermal.envelope_coeff", p.EnvelopeCoeff)
	v.SetDefault("thermal.loop_flow", p.LoopFlow)
	v.SetDefault("thermal.loop_specific_heat", p.LoopSpecificHeat)
	v.SetDefault("thermal.heater_power", p.HeaterPower)
	v.SetDefault("thermal.transit_minutes", p.TransitMinutes)
	v.SetDefault("thermal.channels.tank", "tank.temperature")
	v.SetDefault("thermal.channels.floor", "floor.temperature")
	v.SetDefault("thermal.channels.room", "room.temperature")
	v.SetDefault("thermal.channels.outside", "outside.temperature")
	v.SetDefault("thermal.channels.supply", "loop.supply.temperature")
	v.SetDefault("thermal.channels.return", "loop.return.temperature")

	v.SetDefault("devices.heater_power_w", 1400)
	v.SetDefault("devices.pump_power_w", 45)

	v.SetDefault("control.enabled", false)
	v.SetDefault("control.interval", "30s")
	v.SetDefault("control.tank_target", 140)
	v.SetDefault("control.tank_deadband", 1.0)
	v.SetDefault("control.freeze_limit", 40)
	v.SetDefault("control.min_on", "3m")
	v.SetDefault("control.min_off", "10m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
}

func validate(c *Config) error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.History.Capacity < 2 {
		return fmt.Errorf("history.capacity must be at least 2, got %d", c.History.Capacity)
	}
	if c.Rate.Lookback < 1 {
		return fmt.Errorf("rate.lookback must be positive, got %d", c.Rate.Lookback)
	}
	if c.Rate.Lookback >= c.History.Capacity {
		return fmt.Errorf("rate.lookback %d must be below history.capacity %d",
			c.Rate.Lookback, c.History.Capacity)
	}
	for _, ch := range c.Catalog.Channels {
		if strings.TrimSpace(ch.ID) == "" {
			return errors.New("catalog.channels entries need an id")
		}
		switch catalog.Kind(ch.Kind) {
		case "", catalog.KindTemperature, catalog.KindState:
		default:
			return fmt.Errorf("catalog channel %q has unknown kind %q", ch.ID, ch.Kind)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers required when kafka is enabled")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return errors.New("database host, user and dbname required when database is enabled")
		}
	}
	t := c.Thermal
	if t.TankThermalMass <= 0 || t.TankLossCoeff <= 0 || t.FloorTransferCoeff <= 0 || t.EnvelopeCoeff <= 0 {
		return errors.New("thermal coefficients must be positive")
	}
	if t.TransitMinutes < 1 {
		return fmt.Errorf("thermal.transit_minutes must be at least 1, got %d", t.TransitMinutes)
	}
	if c.Control.Enabled && c.Control.TankTarget <= c.Control.FreezeLimit {
		return fmt.Errorf("control.tank_target %.1f must exceed control.freeze_limit %.1f",
			c.Control.TankTarget, c.Control.FreezeLimit)
	}
	return nil
}
