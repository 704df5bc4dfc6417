// Package subscriber consumes one upstream topic at a time: it resumes from
// the stored checkpoint, enriches each event, publishes it to the bus and
// only then advances the checkpoint.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maxpert/changerelay/bus"
	"github.com/maxpert/changerelay/enrich"
	"github.com/maxpert/changerelay/mirror"
	"github.com/maxpert/changerelay/source"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrFatal marks errors that must stop the process
var ErrFatal = errors.New("fatal subscriber error")

// State is the lifecycle position of one topic subscriber
type State int32

const (
	Idle State = iota
	CheckpointRead
	Subscribing
	Streaming
	Reconnecting
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckpointRead:
		return "checkpoint_read"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Subscriptions opens per-topic event streams; source.Streamer satisfies it
type Subscriptions interface {
	Subscribe(ctx context.Context, topic string, from source.ReplayFrom) (<-chan source.RawEvent, error)
}

// Enricher turns a raw event into the relay payload
type Enricher interface {
	Enrich(ctx context.Context, raw source.RawEvent) (enrich.EnrichedEvent, error)
}

// Publisher is the event side of bus.Bus
type Publisher interface {
	Publish(ctx context.Context, kind bus.Kind, payload []byte) error
}

// Checkpoints is checkpoint.Store
type Checkpoints interface {
	Get(ctx context.Context, topic string) (int64, bool, error)
	Set(ctx context.Context, topic string, position int64) error
}

// Mirror receives published events without blocking
type Mirror interface {
	Offer(ev mirror.Event)
}

// Deps are the collaborators shared by every topic subscriber
type Deps struct {
	Streamer    Subscriptions
	Enricher    Enricher
	Bus         Publisher
	Checkpoints Checkpoints
	Mirror      Mirror // Optional

	// Override, when set, replaces the stored checkpoint for every topic
	Override *source.ReplayFrom
}

// Subscriber processes one topic strictly in order
type Subscriber struct {
	topic string
	deps  Deps
	state atomic.Int32
}

// New creates an idle subscriber for topic
func New(topic string, deps Deps) *Subscriber {
	return &Subscriber{topic: topic, deps: deps}
}

// Topic returns the subscribed topic
func (s *Subscriber) Topic() string {
	return s.topic
}

// State returns the current lifecycle state
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		log.Debug().Str("topic", s.topic).Str("from", prev.String()).Str("to", st.String()).Msg("Subscriber state")
	}
}

// SetTransport mirrors transport connectivity into the state. It only moves
// between Streaming and Reconnecting.
func (s *Subscriber) SetTransport(up bool) {
	if up {
		s.state.CompareAndSwap(int32(Reconnecting), int32(Streaming))
	} else {
		s.state.CompareAndSwap(int32(Streaming), int32(Reconnecting))
	}
}

// Run subscribes and processes events until ctx is done or the stream
// closes. Errors wrapping ErrFatal must terminate the process.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.setState(Terminated)

	s.setState(CheckpointRead)
	from, err := s.startPosition(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}

	s.setState(Subscribing)
	events, err := s.deps.Streamer.Subscribe(ctx, s.topic, from)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe %s: %w", ErrFatal, s.topic, err)
	}
	log.Info().Str("topic", s.topic).Str("replay_from", from.String()).Msg("Subscribed")

	s.setState(Streaming)
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, raw); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber) startPosition(ctx context.Context) (source.ReplayFrom, error) {
	if s.deps.Override != nil {
		log.Info().Str("topic", s.topic).Str("replay_from", s.deps.Override.String()).Msg("Using configured replay position")
		return *s.deps.Override, nil
	}

	pos, ok, err := s.deps.Checkpoints.Get(ctx, s.topic)
	if err != nil {
		return source.ReplayFrom{}, err
	}
	if !ok {
		return source.ReplayLatest, nil
	}
	return source.ReplayAt(pos), nil
}

// handle runs enrich, publish, mirror and checkpoint for one event. Session
// invalidation and checkpoint write failures are returned as fatal; other
// failures drop the event without advancing the checkpoint.
func (s *Subscriber) handle(ctx context.Context, raw source.RawEvent) error {
	start := time.Now()
	replayID := raw.Event.ReplayID

	enriched, err := s.deps.Enricher.Enrich(ctx, raw)
	if err != nil {
		if errors.Is(err, source.ErrSessionInvalid) {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
		s.drop(ctx, replayID, "enrich", err)
		return nil
	}

	payload, err := json.Marshal(enriched)
	if err != nil {
		s.drop(ctx, replayID, "encode", err)
		return nil
	}

	if err := s.deps.Bus.Publish(ctx, bus.KindEvent, payload); err != nil {
		s.drop(ctx, replayID, "publish", err)
		return nil
	}

	if s.deps.Mirror != nil {
		s.deps.Mirror.Offer(mirrorEvent(s.topic, raw, payload))
	}

	if err := s.deps.Checkpoints.Set(ctx, s.topic, replayID); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: checkpoint %s at %d: %w", ErrFatal, s.topic, replayID, err)
	}

	telemetry.EventsProcessedTotal.With(s.topic, "published").Inc()
	telemetry.EventProcessSeconds.With(s.topic).Observe(time.Since(start).Seconds())
	return nil
}

func (s *Subscriber) drop(ctx context.Context, replayID int64, stage string, err error) {
	if ctx.Err() != nil {
		return
	}
	telemetry.EventsProcessedTotal.With(s.topic, "dropped").Inc()
	log.Error().Err(err).
		Str("topic", s.topic).
		Int64("replay_id", replayID).
		Str("stage", stage).
		Msg("Event dropped")
}

func mirrorEvent(topic string, raw source.RawEvent, payload []byte) mirror.Event {
	ev := mirror.Event{Topic: topic, Value: payload, Key: strconv.FormatInt(raw.Event.ReplayID, 10)}
	header, err := raw.Header()
	if err != nil {
		return ev
	}
	ev.Entity = header.EntityName
	ev.ChangeType = header.ChangeType
	if len(header.RecordIDs) > 0 && header.RecordIDs[0] != "" {
		ev.Key = header.RecordIDs[0]
	}
	return ev
}
