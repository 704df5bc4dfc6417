package status

import (
	"context"
	"time"

	"github.com/maxpert/changerelay/bus"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultHeartbeatPeriod is the liveness pulse interval
const DefaultHeartbeatPeriod = 5 * time.Second

// heartbeatPayload is an empty JSON object; SSE clients ignore frames
// without data
var heartbeatPayload = []byte("{}")

// Heartbeat publishes a liveness pulse on a fixed period, independent of
// status reporting. Publish errors are logged and swallowed.
type Heartbeat struct {
	pub    Publisher
	period time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHeartbeat creates a stopped heartbeat
func NewHeartbeat(pub Publisher, period time.Duration) *Heartbeat {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	return &Heartbeat{
		pub:    pub,
		period: period,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start publishes one pulse immediately and then every period
func (h *Heartbeat) Start() {
	go h.run()
}

// Stop halts the pulse and waits for the loop to exit
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *Heartbeat) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	h.beat()
	for {
		select {
		case <-ticker.C:
			h.beat()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Heartbeat) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), h.period)
	defer cancel()

	if err := h.pub.Publish(ctx, bus.KindHeartbeat, heartbeatPayload); err != nil {
		telemetry.HeartbeatsTotal.With("error").Inc()
		log.Warn().Err(err).Msg("Heartbeat publish failed")
		return
	}
	telemetry.HeartbeatsTotal.With("ok").Inc()
}
