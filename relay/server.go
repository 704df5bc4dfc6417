package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server runs the relay HTTP listener
type Server struct {
	addr     string
	http     *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	doneCh   chan struct{}
}

// NewServer creates a stopped server for handler on addr
func NewServer(addr string, handler http.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr: addr,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		defer close(s.doneCh)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Relay server failed")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("Relay listening")
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop ends every open stream and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.listener == nil {
		return nil
	}

	err := s.http.Shutdown(ctx)
	<-s.doneCh
	return err
}
