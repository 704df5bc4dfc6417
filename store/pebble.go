package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/changerelay/encoding"
	"github.com/maxpert/changerelay/notify"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixKV   = "/kv/"   // /kv/{key} -> envelope
	prefixList = "/list/" // /list/{key} -> envelope(msgpack [][]byte)
)

// Pebble configuration constants
const (
	memTableSize                = 16 << 20 // 16MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	maxConcurrentCompactions    = 2
)

// DefaultSweepInterval is how often expired keys are removed from disk
const DefaultSweepInterval = 10 * time.Minute

// PebbleStore persists keys and lists in a Pebble database. Pub/sub is
// process-local.
type PebbleStore struct {
	db   *pebble.DB
	path string
	hub  *notify.Hub
	now  func() time.Time

	// list read-modify-write
	listMu sync.Mutex

	stopCh  chan struct{}
	sweepWg sync.WaitGroup
	closed  atomic.Bool
}

// NewPebbleStore creates or opens the store under dataDir
func NewPebbleStore(dataDir string, bufferSize int) (*PebbleStore, error) {
	path := filepath.Join(dataDir, "store")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	return &PebbleStore{
		db:     db,
		path:   path,
		hub:    notify.NewHub(bufferSize),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}, nil
}

// SetClock overrides the time source used for expiry
func (s *PebbleStore) SetClock(now func() time.Time) {
	s.now = now
}

// StartSweeper removes expired keys every interval until Close
func (s *PebbleStore) StartSweeper(interval time.Duration) {
	s.sweepWg.Add(1)
	go func() {
		defer s.sweepWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := s.sweep(); err != nil {
					log.Warn().Err(err).Msg("Failed to sweep expired keys")
				} else if n > 0 {
					log.Debug().Int("removed", n).Msg("Swept expired keys")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// sweep deletes every expired key and returns how many were removed
func (s *PebbleStore) sweep() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	prefix := []byte(prefixKV)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}

	now := s.now()
	batch := s.db.NewBatch()
	defer batch.Close()

	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		env, err := encoding.DecodeEnvelope(iter.Value())
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Removing undecodable entry")
		} else if !env.Expired(now) {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return 0, err
		}
		removed++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, batch.Commit(pebble.Sync)
}

func (s *PebbleStore) read(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return cloneBytes(val), nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	raw, err := s.read([]byte(prefixKV + key))
	if err != nil {
		return nil, err
	}

	env, err := encoding.DecodeEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", key, err)
	}
	if env.Expired(s.now()) {
		if err := s.db.Delete([]byte(prefixKV+key), pebble.NoSync); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Failed to delete expired key")
		}
		return nil, ErrNotFound
	}
	return env.Value, nil
}

func (s *PebbleStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}

	data, err := encoding.EncodeEnvelope(value, ttl, s.now())
	if err != nil {
		return err
	}
	return s.db.Set([]byte(prefixKV+key), data, pebble.Sync)
}

func (s *PebbleStore) Publish(_ context.Context, channel string, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.hub.Signal(channel, cloneBytes(payload))
	return nil
}

func (s *PebbleStore) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	ch, cancel := s.hub.Subscribe(notify.Filter{Channels: channels})
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

// loadList must be called with listMu held
func (s *PebbleStore) loadList(key string) ([][]byte, error) {
	raw, err := s.read([]byte(prefixList + key))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	env, err := encoding.DecodeEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}

	var list [][]byte
	if err := encoding.Unmarshal(env.Value, &list); err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	return list, nil
}

// storeList must be called with listMu held
func (s *PebbleStore) storeList(key string, list [][]byte) error {
	if len(list) == 0 {
		return s.db.Delete([]byte(prefixList+key), pebble.Sync)
	}

	packed, err := encoding.Marshal(list)
	if err != nil {
		return err
	}
	data, err := encoding.EncodeEnvelope(packed, 0, s.now())
	if err != nil {
		return err
	}
	return s.db.Set([]byte(prefixList+key), data, pebble.Sync)
}

func (s *PebbleStore) ListPrepend(ctx context.Context, key string, value []byte) (int, error) {
	return s.ListPrependCapped(ctx, key, value, 0)
}

func (s *PebbleStore) ListPrependCapped(_ context.Context, key string, value []byte, capacity int) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.listMu.Lock()
	defer s.listMu.Unlock()

	list, err := s.loadList(key)
	if err != nil {
		return 0, err
	}
	list = prependCapped(list, value, capacity)
	if err := s.storeList(key, list); err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *PebbleStore) ListTrim(_ context.Context, key string, start, stop int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.listMu.Lock()
	defer s.listMu.Unlock()

	list, err := s.loadList(key)
	if err != nil {
		return err
	}
	return s.storeList(key, trimList(list, start, stop))
}

func (s *PebbleStore) ListRange(_ context.Context, key string, start, stop int) ([][]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.listMu.Lock()
	defer s.listMu.Unlock()

	list, err := s.loadList(key)
	if err != nil {
		return nil, err
	}
	return rangeList(list, start, stop), nil
}

// Close stops the sweeper, closes subscriptions and the database
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.sweepWg.Wait()
	s.hub.Close()
	return s.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
