package encoding

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"name": "Acme"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))

	_, isString := out["name"].(string)
	assert.True(t, isString, "expected string, got %T", out["name"])
}

func TestEnvelope_NoTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	data, err := EncodeEnvelope([]byte("hello"), 0, now)
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), env.Value)
	assert.Zero(t, env.ExpiresAt)
	assert.False(t, env.Expired(now.Add(1000*time.Hour)))
}

func TestEnvelope_Expiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	data, err := EncodeEnvelope([]byte("Acme"), 24*time.Hour, now)
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.False(t, env.Expired(now.Add(23*time.Hour)))
	assert.True(t, env.Expired(now.Add(24*time.Hour)))
}

func TestEnvelope_CompressesLargeValues(t *testing.T) {
	value := bytes.Repeat([]byte(`{"Name":"Acme Corporation"},`), 1000)
	require.Greater(t, len(value), CompressThreshold)

	data, err := EncodeEnvelope(value, 0, time.Now())
	require.NoError(t, err)
	assert.Less(t, len(data), len(value))

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.False(t, env.Compressed)
	assert.Equal(t, value, env.Value)
}

func TestEnvelope_Corrupt(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xc1})
	assert.Error(t, err)
}

func TestCompress_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	payload := bytes.Repeat([]byte("change-event "), 500)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c, err := Compress(payload)
				if err != nil {
					t.Errorf("Compress failed: %v", err)
					return
				}
				d, err := Decompress(c)
				if err != nil || !bytes.Equal(d, payload) {
					t.Errorf("round trip mismatch: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
