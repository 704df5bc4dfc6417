package mirror

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of events buffered per mirror before new ones are dropped
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 5 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on an event
	DefaultMaxRetries = 5
	// Default topic prefix for mirrored messages
	DefaultTopicPrefix = "changerelay"
)

// WorkerConfig configures one mirror worker
type WorkerConfig struct {
	Name            string        // Mirror name (metrics and logs)
	Sink            Sink          // Destination sink
	Filter          Filter        // Event filter
	TopicPrefix     string        // Topic prefix (e.g., "changerelay")
	QueueSize       int           // Buffered events
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Retry attempts after the first failure
}

// Worker drains a bounded queue of events into one sink
type Worker struct {
	config      WorkerConfig
	queue       chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a stopped worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("mirror name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		queue:  make(chan Event, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins draining the queue
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Swap(true) {
		return
	}
	go w.run()
}

// Stop signals the worker and waits for the in-flight event to finish.
// Queued events are discarded.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Swap(false) {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

// Offer queues ev when it passes the filter. It never blocks; a full queue
// drops the event and returns false.
func (w *Worker) Offer(ev Event) bool {
	if !w.config.Filter.Match(ev.Entity, ev.ChangeType) {
		telemetry.MirrorPublishTotal.With(w.config.Name, "filtered").Inc()
		return true
	}

	select {
	case w.queue <- ev:
		return true
	default:
		telemetry.MirrorPublishTotal.With(w.config.Name, "overflow").Inc()
		log.Warn().Str("mirror", w.config.Name).Str("topic", ev.Topic).Msg("Mirror queue full, event dropped")
		return false
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case ev := <-w.queue:
			w.publish(ctx, ev)
		}
	}
}

// publish delivers ev with exponential backoff, giving up after MaxRetries
func (w *Worker) publish(ctx context.Context, ev Event) {
	topic := w.Topic(ev)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.RetryInitial
	b.MaxInterval = w.config.RetryMax
	b.Multiplier = w.config.RetryMultiplier
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := w.config.Sink.Publish(ctx, topic, ev.Key, ev.Value)
		if err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("mirror", w.config.Name).Int("attempt", attempt).Msg("Mirror publish failed, retrying")
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.config.MaxRetries)), ctx))

	if err != nil {
		telemetry.MirrorPublishTotal.With(w.config.Name, "failed").Inc()
		log.Error().Err(err).
			Str("mirror", w.config.Name).
			Str("mirror_topic", topic).
			Int("attempts", attempt).
			Msg("Mirror publish gave up")
		return
	}
	telemetry.MirrorPublishTotal.With(w.config.Name, "published").Inc()
}

// Topic returns the sink topic for ev: <prefix>.<entity>, falling back to
// the sanitized source topic when the event has no entity
func (w *Worker) Topic(ev Event) string {
	name := ev.Entity
	if name == "" {
		name = strings.Trim(strings.ReplaceAll(ev.Topic, "/", "."), ".")
	}
	return w.config.TopicPrefix + "." + name
}
