// Package ingest consumes sensor readings from the Kafka bus, decodes the
// wire payloads tolerantly and hands them to the hub. Malformed messages are
// logged and skipped; the stream never stops for a bad payload.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/peterbutler/sagrada/internal/hub"
	"github.com/peterbutler/sagrada/internal/metrics"
)

// Config captures the runtime tunables for the readings consumer. Brokers,
// Topic and GroupID must be populated by the caller.
type Config struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

// Sink receives decoded readings. The hub satisfies it.
type Sink interface {
	Submit(hub.Reading)
}

// messageSource is the reader capability the run loop needs, split out so
// tests can drive the loop without a broker.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer streams readings from the bus into the sink.
type Consumer struct {
	cfg     Config
	reader  *kafka.Reader
	source  messageSource
	sink    Sink
	metrics *metrics.Metrics
	log     *slog.Logger
	poll    time.Duration
}

// NewConsumer builds a Kafka reader for the readings topic. The group starts
// at the newest offset on first contact; history comes from the bucket store,
// not from replaying the bus.
func NewConsumer(cfg Config, sink Sink, m *metrics.Metrics, log *slog.Logger) (*Consumer, error) {
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	if sink == nil {
		return nil, errors.New("sink must not be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("readings topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}

	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	return &Consumer{
		cfg:     cfg,
		reader:  reader,
		source:  reader,
		sink:    sink,
		metrics: m,
		log:     log,
		poll:    poll,
	}, nil
}

// Close shuts down the underlying Kafka reader.
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Run blocks until the context is cancelled or the reader is closed,
// consuming messages and submitting decoded readings to the sink.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("readings_consumer_started",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.GroupID),
		slog.String("brokers", strings.Join(c.cfg.Brokers, ",")),
		slog.Duration("pollTimeout", c.poll),
	)
	defer c.log.Info("readings_consumer_stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.source.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			c.log.Error("readings_fetch_error", slog.Any("err", err))
			continue
		}

		reading, decodeErr := DecodeReading(msg.Value)
		if decodeErr != nil {
			if c.metrics != nil {
				c.metrics.ReadingsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
			}
			c.log.Warn("readings_decode_error", slog.Any("err", decodeErr), slog.Int64("offset", msg.Offset))
		} else {
			c.sink.Submit(reading)
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.poll)
		if err := c.source.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				c.log.Error("readings_commit_error", slog.Any("err", err))
			}
		}
		commitCancel()
	}
}

// wireReading mirrors the bus payload while tolerating producers that send
// numbers as strings or timestamps in several forms.
type wireReading struct {
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
	Unit    string          `json:"unit"`
	TS      json.RawMessage `json:"ts"`
	Sensor  string          `json:"sensor"`
}

// DecodeReading extracts one reading from a wire payload, enforcing the
// required fields while ignoring extensions. The HTTP ingest endpoint shares
// it so both transports accept the same forms.
func DecodeReading(raw []byte) (hub.Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env wireReading
	if err := dec.Decode(&env); err != nil {
		return hub.Reading{}, fmt.Errorf("decode reading payload: %w", err)
	}
	channel := strings.TrimSpace(env.Channel)
	if channel == "" {
		return hub.Reading{}, errors.New("channel missing or empty")
	}
	value, err := parseValue(env.Value)
	if err != nil {
		return hub.Reading{}, err
	}
	at, err := parseTimestamp(env.TS)
	if err != nil {
		return hub.Reading{}, err
	}
	return hub.Reading{
		Channel: channel,
		Value:   value,
		Unit:    strings.TrimSpace(env.Unit),
		Sensor:  strings.TrimSpace(env.Sensor),
		At:      at,
	}, nil
}

// parseValue reads the value field accepting numeric JSON values or numeric
// strings.
func parseValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, errors.New("value field missing")
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if f, err := asNumber.Float64(); err == nil {
			return f, nil
		}
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return 0, errors.New("value string empty")
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, fmt.Errorf("parse value: %w", err)
		}
		return f, nil
	}
	return 0, errors.New("value format not recognized")
}

// parseTimestamp resolves the ts field accepting RFC3339/RFC3339Nano strings
// as well as Unix epoch seconds or milliseconds, as string or numeric JSON
// values. Millisecond inputs are recognized by magnitude.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, errors.New("ts field missing")
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return time.Time{}, errors.New("ts string empty")
		}
		if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return ts.UTC(), nil
		}
		if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return ts.UTC(), nil
		}
		if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return fromUnix(n), nil
		}
		return time.Time{}, fmt.Errorf("unsupported ts string %q", trimmed)
	}

	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if f, err := asNumber.Float64(); err == nil {
			return fromUnix(f), nil
		}
	}

	return time.Time{}, errors.New("ts format not recognized")
}

// fromUnix converts an epoch number to a time, treating magnitudes beyond
// 1e12 as milliseconds and everything else as seconds.
func fromUnix(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
