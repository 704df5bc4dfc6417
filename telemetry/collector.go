package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BacklogSizer reports the current length of the backfill buffer
type BacklogSizer interface {
	RecentLen(ctx context.Context) (int, error)
}

// MetricsCollector periodically samples gauges that have no natural update point
type MetricsCollector struct {
	backlog  BacklogSizer
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(backlog BacklogSizer, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		backlog:  backlog,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.backlog == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	n, err := mc.backlog.RecentLen(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to sample recent buffer length")
		return
	}
	RecentBufferLength.Set(float64(n))
}
