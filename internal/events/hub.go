package events

import (
	"sync"
	"time"
)

// Kind classifies instance lifecycle events.
type Kind string

const (
	KindSpawned    Kind = "instance.spawned"
	KindSpawnError Kind = "instance.spawn_error"
	KindExited     Kind = "instance.exited"
)

// Event is one instance lifecycle notification.
type Event struct {
	Kind     Kind
	Instance string
	At       time.Time

	// ExitCode is set for KindExited when the exit status is known.
	ExitCode *int
	// Err is set for KindSpawnError and for abnormal exits.
	Err error
}

// Hub is a small in-memory pub/sub for instance events. Publishing never
// blocks; a subscriber that falls behind loses events rather than stalling
// the process monitors.
type Hub struct {
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a buffered event channel and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}
