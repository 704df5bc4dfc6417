package subscriber

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/changerelay/source"
	"github.com/maxpert/changerelay/status"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// fatalReportTimeout bounds the final status write after a fatal error
const fatalReportTimeout = 3 * time.Second

// StatusReporter receives transport transitions
type StatusReporter interface {
	Report(ctx context.Context, update status.Snapshot) (status.Snapshot, error)
}

// Supervisor runs the streamer's connection loop, every topic subscriber
// and the transport-to-status forwarder as one unit
type Supervisor struct {
	streamer    source.Streamer
	reporter    StatusReporter
	subscribers []*Subscriber
}

// NewSupervisor creates one subscriber per topic sharing deps. deps.Streamer
// defaults to streamer.
func NewSupervisor(streamer source.Streamer, reporter StatusReporter, topics []string, deps Deps) *Supervisor {
	if deps.Streamer == nil {
		deps.Streamer = streamer
	}
	subs := make([]*Subscriber, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, New(topic, deps))
	}
	return &Supervisor{streamer: streamer, reporter: reporter, subscribers: subs}
}

// Subscribers returns the managed subscribers in topic order
func (s *Supervisor) Subscribers() []*Subscriber {
	return s.subscribers
}

// Run blocks until ctx is done (nil) or a fatal error stops every member.
// A fatal error is reported as a down status before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.streamer.Run(gctx); err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
		return nil
	})

	for _, sub := range s.subscribers {
		sub := sub
		g.Go(func() error {
			return sub.Run(gctx)
		})
	}

	g.Go(func() error {
		return s.forwardTransport(gctx)
	})

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Subscribers stopped")
		s.report(status.Down(err.Error()))
	}
	return err
}

// forwardTransport pushes transport transitions to every subscriber and to
// the status store. A status write that fails is fatal.
func (s *Supervisor) forwardTransport(ctx context.Context) error {
	events := s.streamer.Transport()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			for _, sub := range s.subscribers {
				sub.SetTransport(ev.Up)
			}

			update := status.Up()
			if ev.Up {
				log.Info().Msg("Transport up")
			} else {
				log.Warn().Str("reason", ev.Reason).Msg("Transport down")
				update = status.Down(ev.Reason)
			}
			if err := s.reportCtx(ctx, update); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: report status: %w", ErrFatal, err)
			}
		}
	}
}

// report is the best-effort final write after a fatal error
func (s *Supervisor) report(update status.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), fatalReportTimeout)
	defer cancel()
	if err := s.reportCtx(ctx, update); err != nil {
		log.Error().Err(err).Msg("Failed to report status")
	}
}

func (s *Supervisor) reportCtx(ctx context.Context, update status.Snapshot) error {
	if s.reporter == nil {
		return nil
	}
	_, err := s.reporter.Report(ctx, update)
	return err
}
