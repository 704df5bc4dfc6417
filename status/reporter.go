package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/changerelay/bus"
	"github.com/maxpert/changerelay/store"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

// Key is the store key of the persisted snapshot
const Key = "status-recent"

// Publisher sends a payload to the bus
type Publisher interface {
	Publish(ctx context.Context, kind bus.Kind, payload []byte) error
}

// Reporter merges partial updates into the persisted snapshot and
// publishes the result. Concurrent reporters in other processes are
// last-write-wins.
type Reporter struct {
	kv  store.KV
	pub Publisher
	mu  sync.Mutex
}

// NewReporter creates a reporter
func NewReporter(kv store.KV, pub Publisher) *Reporter {
	return &Reporter{kv: kv, pub: pub}
}

var errCorrupt = errors.New("corrupt status snapshot")

// Current returns the persisted snapshot, empty when none was reported
func (r *Reporter) Current(ctx context.Context) (Snapshot, error) {
	raw, err := r.kv.Get(ctx, Key)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if s == nil {
		s = Snapshot{}
	}
	return s, nil
}

// Report merges update, persists and publishes the merged snapshot
func (r *Reporter) Report(ctx context.Context, update Snapshot) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Current(ctx)
	if errors.Is(err, errCorrupt) {
		log.Warn().Err(err).Msg("Replacing unreadable status snapshot")
		current = Snapshot{}
	} else if err != nil {
		telemetry.StatusReportsTotal.With("error").Inc()
		return nil, err
	}

	merged := Merge(current, update)
	data, err := json.Marshal(merged)
	if err != nil {
		telemetry.StatusReportsTotal.With("error").Inc()
		return nil, fmt.Errorf("encode status: %w", err)
	}

	if err := r.kv.Set(ctx, Key, data, 0); err != nil {
		telemetry.StatusReportsTotal.With("error").Inc()
		return nil, fmt.Errorf("write status: %w", err)
	}
	if err := r.pub.Publish(ctx, bus.KindStatus, data); err != nil {
		telemetry.StatusReportsTotal.With("error").Inc()
		return nil, err
	}

	telemetry.StatusReportsTotal.With("ok").Inc()
	log.Debug().RawJSON("status", data).Msg("Status reported")
	return merged, nil
}
