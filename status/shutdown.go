package status

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusReporter is the part of Reporter the shutdown notifier needs
type StatusReporter interface {
	Report(ctx context.Context, update Snapshot) (Snapshot, error)
}

// ShutdownReason returns the status reason reported for sig
func ShutdownReason(sig os.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "process interrupted"
	case syscall.SIGTERM:
		return "process terminated"
	case syscall.SIGQUIT:
		return "process quit"
	default:
		return "process stopped"
	}
}

// ShutdownNotifier waits for a termination signal and reports the outage
// before letting the process exit. With a nil reporter it only waits.
type ShutdownNotifier struct {
	reporter StatusReporter
	grace    time.Duration

	signals  chan os.Signal
	received chan os.Signal
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// DefaultShutdownGrace bounds the shutdown status report
const DefaultShutdownGrace = 3 * time.Second

// NewShutdownNotifier creates a notifier; reports are bounded by grace
func NewShutdownNotifier(reporter StatusReporter, grace time.Duration) *ShutdownNotifier {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &ShutdownNotifier{
		reporter: reporter,
		grace:    grace,
		signals:  make(chan os.Signal, 1),
		received: make(chan os.Signal, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start installs the signal handlers
func (n *ShutdownNotifier) Start() {
	signal.Notify(n.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go n.run()
}

// Stop removes the signal handlers
func (n *ShutdownNotifier) Stop() {
	signal.Stop(n.signals)
	close(n.stopCh)
	<-n.doneCh
}

// Wait blocks until a signal was handled or ctx is done
func (n *ShutdownNotifier) Wait(ctx context.Context) (os.Signal, error) {
	select {
	case sig := <-n.received:
		return sig, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *ShutdownNotifier) run() {
	defer close(n.doneCh)

	select {
	case sig := <-n.signals:
		n.handle(sig)
		n.received <- sig
	case <-n.stopCh:
	}
}

func (n *ShutdownNotifier) handle(sig os.Signal) {
	reason := ShutdownReason(sig)
	log.Warn().Str("signal", sig.String()).Str("reason", reason).Msg("Shutdown signal received")

	if n.reporter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := n.reporter.Report(ctx, Down(reason)); err != nil {
			log.Error().Err(err).Msg("Failed to report shutdown status")
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Dur("grace", n.grace).Msg("Shutdown status not confirmed within grace period")
	}
}
