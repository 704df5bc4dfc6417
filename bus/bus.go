// Package bus fans status, heartbeat and event messages out to subscribers
// and keeps the most recent events for backfilling new subscribers.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/changerelay/store"
	"github.com/maxpert/changerelay/telemetry"
)

// Kind tags a bus message
type Kind string

const (
	KindStatus    Kind = "status"
	KindHeartbeat Kind = "heartbeat"
	KindEvent     Kind = "event"
)

// AllKinds lists every kind in relay order
var AllKinds = []Kind{KindStatus, KindHeartbeat, KindEvent}

// RecentKey is the store list holding recent events, newest first
const RecentKey = "event-recent"

// DefaultRecentCapacity bounds the recent buffer
const DefaultRecentCapacity = 100

// Message is one published payload
type Message struct {
	Kind    Kind
	Payload []byte
}

// Backend is the store capability the bus runs on
type Backend interface {
	store.PubSub
	store.Lists
}

// Bus publishes on the backend's channels, one channel per kind
type Bus struct {
	backend  Backend
	capacity int
}

// New creates a bus. capacity <= 0 uses DefaultRecentCapacity.
func New(backend Backend, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &Bus{backend: backend, capacity: capacity}
}

// Capacity returns the recent buffer bound
func (b *Bus) Capacity() int {
	return b.capacity
}

// Publish fans payload out to kind's subscribers. Events are first added to
// the recent buffer, trimmed to capacity in the same step.
func (b *Bus) Publish(ctx context.Context, kind Kind, payload []byte) error {
	if kind == KindEvent {
		if _, err := b.backend.ListPrependCapped(ctx, RecentKey, payload, b.capacity); err != nil {
			telemetry.BusPublishTotal.With(string(kind), "error").Inc()
			return fmt.Errorf("append recent event: %w", err)
		}
	}

	if err := b.backend.Publish(ctx, string(kind), payload); err != nil {
		telemetry.BusPublishTotal.With(string(kind), "error").Inc()
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	telemetry.BusPublishTotal.With(string(kind), "ok").Inc()
	return nil
}

// Recent returns the buffered events oldest first
func (b *Bus) Recent(ctx context.Context) ([][]byte, error) {
	items, err := b.backend.ListRange(ctx, RecentKey, 0, b.capacity-1)
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// RecentLen returns the number of buffered events
func (b *Bus) RecentLen(ctx context.Context) (int, error) {
	items, err := b.backend.ListRange(ctx, RecentKey, 0, -1)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Subscribe delivers messages of the given kinds, all kinds when none are
// given. Per kind, messages arrive in publish order.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Message, func(), error) {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	channels := make([]string, len(kinds))
	for i, k := range kinds {
		channels[i] = string(k)
	}

	in, cancel, err := b.backend.Subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Message, cap(in))
	done := make(chan struct{})
	go func() {
		defer close(out)
		for m := range in {
			select {
			case out <- Message{Kind: Kind(m.Channel), Payload: m.Payload}:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() { close(done) })
		cancel()
	}, nil
}
