package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/peterbutler/sagrada/internal/hub"
)

func TestDecodeReadingRFC3339(t *testing.T) {
	raw := []byte(`{
                "channel":"tank.temperature",
                "value":131.4,
                "unit":"F",
                "ts":"2024-05-02T15:04:05Z",
                "sensor":"ds18b20-tank",
                "firmware":"2.1"
        }`)

	r, err := DecodeReading(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Channel != "tank.temperature" || r.Unit != "F" || r.Sensor != "ds18b20-tank" {
		t.Fatalf("unexpected fields: %+v", r)
	}
	if r.Value != 131.4 {
		t.Fatalf("unexpected value: %v", r.Value)
	}
	want := time.Date(2024, 5, 2, 15, 4, 5, 0, time.UTC)
	if !r.At.Equal(want) {
		t.Fatalf("unexpected ts: %v", r.At)
	}
}

func TestDecodeReadingEpochForms(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want time.Time
	}{
		{name: "seconds", raw: `{"channel":"room.temperature","value":55,"ts":1714662245}`,
			want: time.Unix(1714662245, 0).UTC()},
		{name: "milliseconds", raw: `{"channel":"room.temperature","value":55,"ts":1714662245123}`,
			want: time.UnixMilli(1714662245123).UTC()},
		{name: "seconds string", raw: `{"channel":"room.temperature","value":55,"ts":"1714662245"}`,
			want: time.Unix(1714662245, 0).UTC()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := DecodeReading([]byte(tc.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !r.At.Equal(tc.want) {
				t.Fatalf("ts = %v, want %v", r.At, tc.want)
			}
		})
	}
}

func TestDecodeReadingStringValue(t *testing.T) {
	r, err := DecodeReading([]byte(`{"channel":"outside.temperature","value":"23.75","ts":"2024-05-02T15:04:05Z"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Value != 23.75 {
		t.Fatalf("unexpected value: %v", r.Value)
	}
}

func TestDecodeReadingRejectsIncomplete(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "missing channel", raw: `{"value":55,"ts":"2024-05-02T15:04:05Z"}`},
		{name: "blank channel", raw: `{"channel":"  ","value":55,"ts":"2024-05-02T15:04:05Z"}`},
		{name: "missing value", raw: `{"channel":"room.temperature","ts":"2024-05-02T15:04:05Z"}`},
		{name: "missing ts", raw: `{"channel":"room.temperature","value":55}`},
		{name: "junk ts", raw: `{"channel":"room.temperature","value":55,"ts":"yesterday"}`},
		{name: "junk value", raw: `{"channel":"room.temperature","value":"warm","ts":"2024-05-02T15:04:05Z"}`},
		{name: "not json", raw: `55.1;room`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeReading([]byte(tc.raw)); err == nil {
				t.Fatal("expected a decode error")
			}
		})
	}
}

func TestRunSubmitsDecodedAndCommitsAll(t *testing.T) {
	src := &stubSource{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"channel":"tank.temperature","value":130,"ts":"2024-05-02T15:04:05Z"}`)},
		{Offset: 2, Value: []byte(`not a reading`)},
		{Offset: 3, Value: []byte(`{"channel":"pump.state","value":1,"ts":"2024-05-02T15:04:06Z"}`)},
	}}
	sink := &stubSink{}
	c := &Consumer{
		cfg:    Config{Topic: "shed.readings", GroupID: "test"},
		source: src,
		sink:   sink,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		poll:   time.Second,
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run returned %v, want nil on closed group", err)
	}
	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("submitted %d readings, want 2", len(got))
	}
	if got[0].Channel != "tank.temperature" || got[1].Channel != "pump.state" {
		t.Fatalf("unexpected readings: %+v", got)
	}
	// the malformed message is committed too so the group moves past it
	if n := src.committedCount(); n != 3 {
		t.Fatalf("committed %d messages, want 3", n)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	src := &stubSource{block: true}
	sink := &stubSink{}
	c := &Consumer{
		cfg:    Config{Topic: "shed.readings", GroupID: "test"},
		source: src,
		sink:   sink,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		poll:   50 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

// stubSource serves canned messages, then reports the group as closed. With
// block set it parks every fetch until the context expires instead.
type stubSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	idx       int
	committed []kafka.Message
	block     bool
}

func (s *stubSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if s.block {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.msgs) {
		return kafka.Message{}, kafka.ErrGroupClosed
	}
	msg := s.msgs[s.idx]
	s.idx++
	return msg, nil
}

func (s *stubSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msgs...)
	return nil
}

func (s *stubSource) committedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

type stubSink struct {
	mu       sync.Mutex
	readings []hub.Reading
}

func (s *stubSink) Submit(r hub.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
}

func (s *stubSink) all() []hub.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hub.Reading(nil), s.readings...)
}
