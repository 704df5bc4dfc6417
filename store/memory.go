package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/changerelay/notify"
	"github.com/puzpuzpuz/xsync/v3"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	kv     *xsync.MapOf[string, memoryEntry]
	listMu sync.Mutex
	lists  map[string][][]byte
	hub    *notify.Hub
	now    func() time.Time
	closed atomic.Bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(bufferSize int) *MemoryStore {
	return &MemoryStore{
		kv:    xsync.NewMapOf[string, memoryEntry](),
		lists: make(map[string][][]byte),
		hub:   notify.NewHub(bufferSize),
		now:   time.Now,
	}
}

// SetClock overrides the time source used for expiry
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.now = now
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := m.kv.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.kv.Delete(key)
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	e := memoryEntry{value: cloneBytes(value)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.kv.Store(key, e)
	return nil
}

func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.hub.Signal(channel, cloneBytes(payload))
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	if m.closed.Load() {
		return nil, nil, ErrClosed
	}
	ch, cancel := m.hub.Subscribe(notify.Filter{Channels: channels})
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

func (m *MemoryStore) ListPrepend(ctx context.Context, key string, value []byte) (int, error) {
	return m.ListPrependCapped(ctx, key, value, 0)
}

func (m *MemoryStore) ListPrependCapped(_ context.Context, key string, value []byte, capacity int) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.listMu.Lock()
	defer m.listMu.Unlock()

	list := prependCapped(m.lists[key], cloneBytes(value), capacity)
	m.lists[key] = list
	return len(list), nil
}

func (m *MemoryStore) ListTrim(_ context.Context, key string, start, stop int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.listMu.Lock()
	defer m.listMu.Unlock()

	list := trimList(m.lists[key], start, stop)
	if len(list) == 0 {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) ListRange(_ context.Context, key string, start, stop int) ([][]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.listMu.Lock()
	defer m.listMu.Unlock()

	return rangeList(m.lists[key], start, stop), nil
}

// SubscriberCount returns the number of open subscriptions
func (m *MemoryStore) SubscriberCount() int {
	return m.hub.Len()
}

// Close closes all subscriptions
func (m *MemoryStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.hub.Close()
	return nil
}
