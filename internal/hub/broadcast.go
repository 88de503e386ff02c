package hub

import (
	"sync"

	"github.com/peterbutler/sagrada/internal/devices"
	"github.com/peterbutler/sagrada/internal/telemetry"
)

// Event types carried on the stream.
const (
	EventLive   = "live"
	EventBucket = "bucket"
	EventDevice = "device"
)

// Event is one stream notification. Exactly one of Live, Bucket or Device is
// set, matching Type.
type Event struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Live    *telemetry.Bucket `json:"live,omitempty"`
	Bucket  *telemetry.Bucket `json:"bucket,omitempty"`
	Device  *devices.State    `json:"device,omitempty"`
}

// broadcaster fans events out to subscribers. Sends never block: a subscriber
// whose buffer is full misses the event and catches up from the next one.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buf int) (int, <-chan Event) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = ch
	return id, ch
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscribe registers a stream consumer and returns its event channel plus an
// unsubscribe func. The channel is never closed by the hub; consumers stop
// reading and unsubscribe.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	id, ch := h.bcast.subscribe(buf)
	if m := h.opts.Metrics; m != nil {
		m.SSEClients.Set(float64(h.bcast.count()))
	}
	return ch, func() {
		h.bcast.unsubscribe(id)
		if m := h.opts.Metrics; m != nil {
			m.SSEClients.Set(float64(h.bcast.count()))
		}
	}
}
