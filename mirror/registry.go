package mirror

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/changerelay/cfg"
	"github.com/rs/zerolog/log"
)

// Registry manages the lifecycle of all mirror workers
type Registry struct {
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker for every configured mirror. Sink types must
// be registered first, usually by importing mirror/sink.
func NewRegistry(configs []cfg.MirrorConfiguration) (*Registry, error) {
	registry := &Registry{workers: make([]*Worker, 0, len(configs))}

	for _, mirrorCfg := range configs {
		if err := registry.AddMirror(mirrorCfg); err != nil {
			registry.closeSinks()
			return nil, fmt.Errorf("failed to add mirror %q: %w", mirrorCfg.Name, err)
		}
	}

	if len(registry.workers) > 0 {
		log.Info().Int("mirrors", len(registry.workers)).Msg("Mirror registry initialized")
	}
	return registry, nil
}

// AddMirror creates and adds a worker for config
func (r *Registry) AddMirror(config cfg.MirrorConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterEntities, config.FilterChangeTypes)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:         config.Name,
		Sink:         snk,
		Filter:       filter,
		TopicPrefix:  config.TopicPrefix,
		RetryInitial: time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:     time.Duration(config.RetryMaxMS) * time.Millisecond,
		MaxRetries:   config.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.mu.Lock()
	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}
	r.mu.Unlock()

	log.Info().Str("mirror", config.Name).Str("type", config.Type).Msg("Added mirror")
	return nil
}

// Len returns the number of configured mirrors
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Start starts all workers
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Swap(true) {
		return
	}
	for _, worker := range r.workers {
		worker.Start()
	}
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}
	for _, worker := range r.workers {
		worker.Stop()
	}
	r.closeSinks()
	log.Info().Msg("Mirror registry stopped")
}

func (r *Registry) closeSinks() {
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("mirror", worker.config.Name).Msg("Failed to close sink")
		}
	}
}

// Offer hands ev to every mirror. It never blocks the caller.
func (r *Registry) Offer(ev Event) {
	if !r.running.Load() {
		return
	}
	r.mu.Lock()
	workers := r.workers
	r.mu.Unlock()

	for _, worker := range workers {
		worker.Offer(ev)
	}
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.MirrorConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// createSink creates a sink based on the configuration
func createSink(config cfg.MirrorConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}
