// Package checkpoint persists the last acknowledged replay position per topic.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/maxpert/changerelay/store"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "replayId:"

// Key returns the store key holding the checkpoint for topic
func Key(topic string) string {
	return keyPrefix + topic
}

// Store reads and writes checkpoints. Writes are last-write-wins.
type Store struct {
	kv store.KV
}

// New creates a checkpoint store over kv
func New(kv store.KV) *Store {
	return &Store{kv: kv}
}

// Get returns the stored position for topic; ok is false when none was saved
func (s *Store) Get(ctx context.Context, topic string) (int64, bool, error) {
	raw, err := s.kv.Get(ctx, Key(topic))
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint for %s: %w", topic, err)
	}

	pos, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt checkpoint for %s: %q", topic, raw)
	}
	return pos, true, nil
}

// Set overwrites the stored position for topic. Checkpoints never expire.
func (s *Store) Set(ctx context.Context, topic string, position int64) error {
	if err := s.kv.Set(ctx, Key(topic), []byte(strconv.FormatInt(position, 10)), 0); err != nil {
		telemetry.CheckpointWriteFailuresTotal.With(topic).Inc()
		return fmt.Errorf("write checkpoint for %s: %w", topic, err)
	}

	telemetry.CheckpointPosition.With(topic).Set(float64(position))
	log.Debug().Str("topic", topic).Int64("replay_id", position).Msg("Checkpoint saved")
	return nil
}
