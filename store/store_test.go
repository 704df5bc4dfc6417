package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every store implementation available in this environment
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	b := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(16)
		},
		"pebble": func(t *testing.T) Store {
			s, err := NewPebbleStore(t.TempDir(), 16)
			require.NoError(t, err)
			return s
		},
	}

	if url := os.Getenv("NATS_URL"); url != "" {
		b["nats"] = func(t *testing.T) Store {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			bucket := fmt.Sprintf("changerelay_test_%d", time.Now().UnixNano())
			s, err := NewNatsStore(ctx, url, bucket, bucket, 16)
			require.NoError(t, err)
			return s
		}
	}
	return b
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestRangeBounds(t *testing.T) {
	tests := []struct {
		name        string
		start, stop int
		n           int
		lo, hi      int
		ok          bool
	}{
		{"whole list", 0, -1, 5, 0, 5, true},
		{"head", 0, 1, 5, 0, 2, true},
		{"tail", -2, -1, 5, 3, 5, true},
		{"stop past end", 2, 100, 5, 2, 5, true},
		{"start past end", 7, 10, 5, 0, 0, false},
		{"inverted", 3, 1, 5, 0, 0, false},
		{"negative start clamps", -100, 1, 5, 0, 2, true},
		{"empty list", 0, -1, 0, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, ok := rangeBounds(tt.start, tt.stop, tt.n)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.lo, lo)
				assert.Equal(t, tt.hi, hi)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "replayId:/data/AccountChangeEvent")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SetGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "replayId:/data/AccountChangeEvent", []byte("42"), 0))

		v, err := s.Get(ctx, "replayId:/data/AccountChangeEvent")
		require.NoError(t, err)
		assert.Equal(t, "42", string(v))

		require.NoError(t, s.Set(ctx, "replayId:/data/AccountChangeEvent", []byte("43"), 0))
		v, err = s.Get(ctx, "replayId:/data/AccountChangeEvent")
		require.NoError(t, err)
		assert.Equal(t, "43", string(v))
	})
}

func TestStore_LargeValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		big := make([]byte, 64<<10)
		for i := range big {
			big[i] = byte('a' + i%26)
		}
		require.NoError(t, s.Set(ctx, "big", big, 0))

		v, err := s.Get(ctx, "big")
		require.NoError(t, err)
		assert.Equal(t, big, v)
	})
}

func TestStore_ListPrependAndRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			n, err := s.ListPrepend(ctx, "event-recent", []byte(fmt.Sprintf("e%d", i)))
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}

		all, err := s.ListRange(ctx, "event-recent", 0, -1)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "e3", string(all[0]))
		assert.Equal(t, "e1", string(all[2]))

		head, err := s.ListRange(ctx, "event-recent", 0, 0)
		require.NoError(t, err)
		require.Len(t, head, 1)
		assert.Equal(t, "e3", string(head[0]))

		empty, err := s.ListRange(ctx, "missing", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_ListTrim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			_, err := s.ListPrepend(ctx, "l", []byte(fmt.Sprintf("e%d", i)))
			require.NoError(t, err)
		}

		require.NoError(t, s.ListTrim(ctx, "l", 0, 1))
		all, err := s.ListRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "e5", string(all[0]))
		assert.Equal(t, "e4", string(all[1]))

		require.NoError(t, s.ListTrim(ctx, "l", 5, 10))
		all, err = s.ListRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestStore_ListPrependCapped(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 1; i <= 105; i++ {
			n, err := s.ListPrependCapped(ctx, "event-recent", []byte(fmt.Sprintf("e%d", i)), 100)
			require.NoError(t, err)
			assert.LessOrEqual(t, n, 100)
		}

		all, err := s.ListRange(ctx, "event-recent", 0, -1)
		require.NoError(t, err)
		require.Len(t, all, 100)
		assert.Equal(t, "e105", string(all[0]))
		assert.Equal(t, "e6", string(all[99]))
	})
}

func TestStore_ListPrependCappedConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					_, err := s.ListPrependCapped(ctx, "l", []byte(fmt.Sprintf("w%d-%d", w, i)), 25)
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		all, err := s.ListRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Len(t, all, 25)
	})
}

func TestStore_PublishSubscribe(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ch, cancel, err := s.Subscribe(ctx, "status", "event")
		require.NoError(t, err)
		defer cancel()

		require.NoError(t, s.Publish(ctx, "heartbeat", []byte("{}")))
		require.NoError(t, s.Publish(ctx, "event", []byte(`{"n":1}`)))

		select {
		case msg := <-ch:
			assert.Equal(t, "event", msg.Channel)
			assert.Equal(t, `{"n":1}`, string(msg.Payload))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	})
}

func TestStore_SubscribeContextCancel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx, cancelCtx := context.WithCancel(context.Background())
		ch, cancel, err := s.Subscribe(ctx, "status")
		require.NoError(t, err)
		defer cancel()

		cancelCtx()

		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not closed after context cancel")
		}
	})
}

func TestStore_SlowSubscriberIsClosed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ch, cancel, err := s.Subscribe(ctx, "event")
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			require.NoError(t, s.Publish(ctx, "event", []byte(fmt.Sprintf(`{"n":%d}`, i))))
		}

		received := 0
		timeout := time.After(5 * time.Second)
	drain:
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					break drain
				}
				received++
			case <-timeout:
				t.Fatal("slow subscription was never closed")
			}
		}
		assert.Equal(t, 16, received)

		// cancelling after the overflow close is a no-op
		assert.NotPanics(t, cancel)
	})
}

func TestMemoryStore_TTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewMemoryStore(4)
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "name-cache:User:005", []byte("Ada"), 24*time.Hour))

	now = now.Add(23 * time.Hour)
	v, err := s.Get(ctx, "name-cache:User:005")
	require.NoError(t, err)
	assert.Equal(t, "Ada", string(v))

	now = now.Add(time.Hour)
	_, err = s.Get(ctx, "name-cache:User:005")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore(4)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", nil, 0), ErrClosed)
}

func TestPebbleStore_TTLAndSweep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s, err := NewPebbleStore(t.TempDir(), 4)
	require.NoError(t, err)
	defer s.Close()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("a"), time.Minute))
	require.NoError(t, s.Set(ctx, "long", []byte("b"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("c"), 0))

	now = now.Add(2 * time.Minute)
	removed, err := s.sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := s.Get(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, "b", string(v))

	now = now.Add(2 * time.Hour)
	_, err = s.Get(ctx, "long")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err = s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, "c", string(v))
}

func TestPebbleStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewPebbleStore(dir, 4)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "replayId:/data/X", []byte("7"), 0))
	_, err = s.ListPrepend(ctx, "event-recent", []byte("e1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir, 4)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, "replayId:/data/X")
	require.NoError(t, err)
	assert.Equal(t, "7", string(v))

	l, err := s.ListRange(ctx, "event-recent", 0, -1)
	require.NoError(t, err)
	require.Len(t, l, 1)
	assert.Equal(t, "e1", string(l[0]))
}

func TestBucketKey(t *testing.T) {
	k := bucketKey("kv", "replayId:/data/AccountChangeEvent")
	assert.Regexp(t, `^[-/_=.a-zA-Z0-9]+$`, k)
	assert.NotEqual(t, k, bucketKey("list", "replayId:/data/AccountChangeEvent"))
}
