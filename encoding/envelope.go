package encoding

import (
	"fmt"
	"time"
)

// Envelope wraps a stored value with its expiry.
// ExpiresAt is unix milliseconds; zero means the value never expires.
type Envelope struct {
	Value      []byte `msgpack:"v"`
	ExpiresAt  int64  `msgpack:"exp,omitempty"`
	Compressed bool   `msgpack:"z,omitempty"`
}

// Expired reports whether the envelope is past its expiry at now
func (e Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixMilli() >= e.ExpiresAt
}

// EncodeEnvelope builds the persisted form of value. A ttl <= 0 never expires.
func EncodeEnvelope(value []byte, ttl time.Duration, now time.Time) ([]byte, error) {
	env := Envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixMilli()
	}

	if len(value) > CompressThreshold {
		compressed, err := Compress(value)
		if err != nil {
			return nil, err
		}
		env.Value = compressed
		env.Compressed = true
	}

	data, err := Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses data written by EncodeEnvelope and returns the
// envelope with its value decompressed.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	if env.Compressed {
		value, err := Decompress(env.Value)
		if err != nil {
			return Envelope{}, err
		}
		env.Value = value
		env.Compressed = false
	}

	return env, nil
}
