package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/changerelay/telemetry"
)

// DefaultBufferSize is the per-subscriber buffer when none is configured.
// A subscriber whose buffer is full when a message arrives is closed, so it
// never silently misses a message.
const DefaultBufferSize = 256

// Message is a payload published on a named channel.
type Message struct {
	Channel string
	Payload []byte
}

// Filter selects channels for a subscription. Empty means all channels.
type Filter struct {
	Channels []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Message
	closed atomic.Bool
}

// matches checks if the channel matches this subscription's filter.
func (s *subscription) matches(channel string) bool {
	if len(s.filter.Channels) == 0 {
		return true
	}

	for _, c := range s.filter.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe, in-process pub/sub fan-out.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	bufferSize    int
	closed        bool
}

// NewHub creates a new notification hub. bufferSize <= 0 uses DefaultBufferSize.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
		bufferSize:    bufferSize,
	}
}

// Signal sends payload to all matching subscribers without blocking and
// returns how many subscribers received it. Subscribers that could not take
// the message are unsubscribed and their channel closed.
func (h *Hub) Signal(channel string, payload []byte) int {
	msg := Message{Channel: channel, Payload: payload}

	h.mu.RLock()
	delivered := 0
	var overflowed []uint64
	for _, sub := range h.subscriptions {
		if !sub.matches(channel) {
			continue
		}

		select {
		case sub.ch <- msg:
			delivered++
		default:
			telemetry.HubMessagesDropped.With(channel).Inc()
			overflowed = append(overflowed, sub.id)
		}
	}
	h.mu.RUnlock()

	for _, id := range overflowed {
		h.unsubscribe(id)
	}
	return delivered
}

// Subscribe creates a new subscription and returns its channel and an
// idempotent cancel function. A closed hub returns an already-closed channel.
func (h *Hub) Subscribe(filter Filter) (<-chan Message, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Message, h.bufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close closes every subscription channel. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
