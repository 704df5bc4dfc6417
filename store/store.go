// Package store defines the durable key-value / pub-sub capability the relay
// keeps its state in: checkpoints, cached names, the status snapshot, the
// recent-event buffer and the fan-out channels.
//
// Backends:
//
//   - MemoryStore: process-local, nothing survives a restart
//   - PebbleStore: Pebble database under the data directory, process-local pub/sub
//   - NatsStore:   JetStream KV for values and lists, core NATS subjects for pub/sub;
//     the only backend that lets web and worker processes share state
//
// List operations follow Redis LRANGE/LTRIM index semantics: inclusive
// bounds, negative indexes count from the tail.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/maxpert/changerelay/notify"
)

// ErrNotFound is returned by Get for missing or expired keys
var ErrNotFound = errors.New("store: key not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store: closed")

// Message is a payload received from a subscribed channel
type Message = notify.Message

// KV is durable get/set with optional expiry
type KV interface {
	// Get returns the value for key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 never expires
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// PubSub is fire-and-forget channel fan-out
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages published on any of channels until cancel
	// is called or ctx is done; the returned channel is then closed.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error)
}

// Lists stores ordered sequences of values with the newest at index 0
type Lists interface {
	ListPrepend(ctx context.Context, key string, value []byte) (int, error)
	ListTrim(ctx context.Context, key string, start, stop int) error
	ListRange(ctx context.Context, key string, start, stop int) ([][]byte, error)
	// ListPrependCapped prepends value and trims the list to capacity
	// entries as one atomic step. Returns the resulting length.
	ListPrependCapped(ctx context.Context, key string, value []byte, capacity int) (int, error)
}

// Store is the full capability
type Store interface {
	KV
	PubSub
	Lists
	Close() error
}

// rangeBounds converts inclusive Redis-style indexes to a half-open slice
// range over a list of length n. ok is false when the range is empty.
func rangeBounds(start, stop, n int) (lo, hi int, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

// prependCapped returns a new list with value at the head, at most capacity long
func prependCapped(list [][]byte, value []byte, capacity int) [][]byte {
	size := len(list) + 1
	if capacity > 0 && size > capacity {
		size = capacity
	}
	out := make([][]byte, 0, size)
	out = append(out, value)
	for _, v := range list {
		if len(out) == size {
			break
		}
		out = append(out, v)
	}
	return out
}

// trimList keeps only the elements in the inclusive [start, stop] range
func trimList(list [][]byte, start, stop int) [][]byte {
	lo, hi, ok := rangeBounds(start, stop, len(list))
	if !ok {
		return nil
	}
	return append([][]byte(nil), list[lo:hi]...)
}

// rangeList copies the elements in the inclusive [start, stop] range
func rangeList(list [][]byte, start, stop int) [][]byte {
	lo, hi, ok := rangeBounds(start, stop, len(list))
	if !ok {
		return [][]byte{}
	}
	out := make([][]byte, 0, hi-lo)
	for _, v := range list[lo:hi] {
		out = append(out, cloneBytes(v))
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
