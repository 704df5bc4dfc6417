package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maxpert/changerelay/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "replayId:/data/ChangeEvents", Key("/data/ChangeEvents"))
}

func TestGet_Absent(t *testing.T) {
	cp := New(store.NewMemoryStore(1))

	pos, ok, err := cp.Get(context.Background(), "/data/ChangeEvents")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, pos)
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	cp := New(store.NewMemoryStore(1))

	require.NoError(t, cp.Set(ctx, "/data/ChangeEvents", 5000))
	pos, ok, err := cp.Get(ctx, "/data/ChangeEvents")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5000), pos)

	require.NoError(t, cp.Set(ctx, "/data/ChangeEvents", 5001))
	pos, _, err = cp.Get(ctx, "/data/ChangeEvents")
	require.NoError(t, err)
	assert.Equal(t, int64(5001), pos)

	_, ok, err = cp.Get(ctx, "/data/OtherEvents")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSet_StoresDecimalString(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore(1)
	cp := New(kv)

	require.NoError(t, cp.Set(ctx, "/data/ChangeEvents", -2))
	raw, err := kv.Get(ctx, "replayId:/data/ChangeEvents")
	require.NoError(t, err)
	assert.Equal(t, "-2", string(raw))
}

func TestGet_Corrupt(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore(1)
	require.NoError(t, kv.Set(ctx, "replayId:/data/X", []byte("not-a-number"), 0))

	_, _, err := New(kv).Get(ctx, "/data/X")
	assert.Error(t, err)
}

type failingKV struct{ err error }

func (f failingKV) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingKV) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}

func TestStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")
	cp := New(failingKV{err: boom})

	_, _, err := cp.Get(context.Background(), "/data/X")
	assert.ErrorIs(t, err, boom)

	err = cp.Set(context.Background(), "/data/X", 1)
	assert.ErrorIs(t, err, boom)
}
