package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/changerelay/encoding"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	// maxCASAttempts bounds optimistic list updates under contention
	maxCASAttempts = 16

	errCodeWrongLastSequence = 10071
)

// NatsStore keeps values and lists in a JetStream KV bucket and fans out
// messages on core NATS subjects, so every process connected to the same
// server shares state.
type NatsStore struct {
	nc         *nats.Conn
	kv         jetstream.KeyValue
	prefix     string
	bufferSize int
	now        func() time.Time
}

// NewNatsStore connects to url and creates the bucket if needed
func NewNatsStore(ctx context.Context, url, bucket, subjectPrefix string, bufferSize int) (*NatsStore, error) {
	nc, err := nats.Connect(url,
		nats.Name("changerelay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Store connection lost")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("Store connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", bucket, err)
	}

	if bufferSize <= 0 {
		bufferSize = 256
	}

	return &NatsStore{
		nc:         nc,
		kv:         kv,
		prefix:     subjectPrefix,
		bufferSize: bufferSize,
		now:        time.Now,
	}, nil
}

// bucketKey maps a store key to a valid KV key; ':' is not allowed there
func bucketKey(prefix, key string) string {
	return prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (n *NatsStore) subject(channel string) string {
	if n.prefix == "" {
		return channel
	}
	return n.prefix + "." + channel
}

func (n *NatsStore) Get(ctx context.Context, key string) ([]byte, error) {
	k := bucketKey("kv", key)
	entry, err := n.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	env, err := encoding.DecodeEnvelope(entry.Value())
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", key, err)
	}
	if env.Expired(n.now()) {
		if err := n.kv.Delete(ctx, k); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Failed to delete expired key")
		}
		return nil, ErrNotFound
	}
	return env.Value, nil
}

func (n *NatsStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := encoding.EncodeEnvelope(value, ttl, n.now())
	if err != nil {
		return err
	}
	_, err = n.kv.Put(ctx, bucketKey("kv", key), data)
	return err
}

func (n *NatsStore) Publish(_ context.Context, channel string, payload []byte) error {
	return n.nc.Publish(n.subject(channel), payload)
}

func (n *NatsStore) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	ch := make(chan Message, n.bufferSize)

	var (
		mu     sync.Mutex
		closed bool
		subs   []*nats.Subscription
	)

	deliver := func(channel string) nats.MsgHandler {
		return func(m *nats.Msg) {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			select {
			case ch <- Message{Channel: channel, Payload: m.Data}:
			default:
				// A reader that fell behind is cut off rather than left with a gap
				telemetry.HubMessagesDropped.With(channel).Inc()
				closed = true
				close(ch)
			}
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			for _, s := range subs {
				if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
					log.Debug().Err(err).Str("subject", s.Subject).Msg("Failed to unsubscribe")
				}
			}
			mu.Lock()
			if !closed {
				closed = true
				close(ch)
			}
			mu.Unlock()
		})
	}

	for _, c := range channels {
		s, err := n.nc.Subscribe(n.subject(c), deliver(c))
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", c, err)
		}
		subs = append(subs, s)
	}

	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

// loadList returns the list and its revision; revision 0 means absent
func (n *NatsStore) loadList(ctx context.Context, k string) ([][]byte, uint64, error) {
	entry, err := n.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	env, err := encoding.DecodeEnvelope(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	var list [][]byte
	if err := encoding.Unmarshal(env.Value, &list); err != nil {
		return nil, 0, err
	}
	return list, entry.Revision(), nil
}

// updateList applies fn with optimistic concurrency on the entry revision
func (n *NatsStore) updateList(ctx context.Context, key string, fn func([][]byte) [][]byte) ([][]byte, error) {
	k := bucketKey("list", key)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		list, rev, err := n.loadList(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", key, err)
		}

		next := fn(list)
		packed, err := encoding.Marshal(next)
		if err != nil {
			return nil, err
		}
		data, err := encoding.EncodeEnvelope(packed, 0, n.now())
		if err != nil {
			return nil, err
		}

		if rev == 0 {
			_, err = n.kv.Create(ctx, k, data)
		} else {
			_, err = n.kv.Update(ctx, k, data, rev)
		}
		if err == nil {
			return next, nil
		}
		if !isRevisionConflict(err) {
			return nil, fmt.Errorf("list %s: %w", key, err)
		}
	}

	return nil, fmt.Errorf("list %s: too much contention after %d attempts", key, maxCASAttempts)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence
}

func (n *NatsStore) ListPrepend(ctx context.Context, key string, value []byte) (int, error) {
	return n.ListPrependCapped(ctx, key, value, 0)
}

func (n *NatsStore) ListPrependCapped(ctx context.Context, key string, value []byte, capacity int) (int, error) {
	list, err := n.updateList(ctx, key, func(list [][]byte) [][]byte {
		return prependCapped(list, value, capacity)
	})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (n *NatsStore) ListTrim(ctx context.Context, key string, start, stop int) error {
	_, err := n.updateList(ctx, key, func(list [][]byte) [][]byte {
		return trimList(list, start, stop)
	})
	return err
}

func (n *NatsStore) ListRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	list, _, err := n.loadList(ctx, bucketKey("list", key))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	return rangeList(list, start, stop), nil
}

// Close drains the connection
func (n *NatsStore) Close() error {
	if n.nc == nil {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}
