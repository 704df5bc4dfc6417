// Package relay serves the bus to browsers as a Server-Sent Events stream.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maxpert/changerelay/bus"
	"github.com/maxpert/changerelay/status"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// DefaultKeepAlive is the idle window before a keep-alive frame
const DefaultKeepAlive = 50 * time.Second

// Bus is the part of bus.Bus the gateway reads
type Bus interface {
	Subscribe(ctx context.Context, kinds ...bus.Kind) (<-chan bus.Message, func(), error)
	Recent(ctx context.Context) ([][]byte, error)
}

// Snapshotter returns the current status snapshot
type Snapshotter interface {
	Current(ctx context.Context) (status.Snapshot, error)
}

type connection struct {
	id          uint64
	remote      string
	prefix      string
	connectedAt time.Time
	sent        atomic.Uint64
}

// Gateway streams status, backlog and live bus traffic to each client
type Gateway struct {
	bus       Bus
	status    Snapshotter
	keepAlive time.Duration

	conns  *xsync.MapOf[uint64, *connection]
	nextID atomic.Uint64
}

// NewGateway creates a gateway. keepAlive <= 0 uses DefaultKeepAlive.
func NewGateway(b Bus, s Snapshotter, keepAlive time.Duration) *Gateway {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Gateway{
		bus:       b,
		status:    s,
		keepAlive: keepAlive,
		conns:     xsync.NewMapOf[uint64, *connection](),
	}
}

// Connections returns the number of connected clients
func (g *Gateway) Connections() int {
	return g.conns.Size()
}

// frameWriter writes SSE frames with per-connection sequence ids
type frameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	conn    *connection
	buf     bytes.Buffer
}

func (f *frameWriter) frame(kind bus.Kind, payload []byte) error {
	n := f.conn.sent.Add(1)

	f.buf.Reset()
	f.buf.WriteString("event: ")
	f.buf.WriteString(string(kind))
	f.buf.WriteString("\nid: ")
	f.buf.WriteString(f.conn.prefix)
	f.buf.WriteByte('-')
	f.buf.WriteString(strconv.FormatUint(n, 10))
	f.buf.WriteByte('\n')
	for _, line := range bytes.Split(payload, []byte("\n")) {
		f.buf.WriteString("data: ")
		f.buf.Write(line)
		f.buf.WriteByte('\n')
	}
	f.buf.WriteByte('\n')

	if _, err := f.w.Write(f.buf.Bytes()); err != nil {
		return err
	}
	f.flusher.Flush()
	telemetry.RelayFramesTotal.With(string(kind)).Inc()
	return nil
}

func (f *frameWriter) keepAlive() error {
	if _, err := f.w.Write([]byte(":\n\n")); err != nil {
		return err
	}
	f.flusher.Flush()
	telemetry.RelayFramesTotal.With("keepalive").Inc()
	return nil
}

// ServeHTTP streams until the client disconnects or the server stops
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	// Subscribe before reading the snapshot and backlog so nothing published
	// in between is missed; duplicates are possible, gaps are not.
	live, cancel, err := g.bus.Subscribe(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Relay subscription failed")
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	prefix := r.Header.Get("X-Request-Id")
	if prefix == "" {
		prefix = "message"
	}
	conn := &connection{
		id:          g.nextID.Add(1),
		remote:      r.RemoteAddr,
		prefix:      prefix,
		connectedAt: time.Now(),
	}
	g.conns.Store(conn.id, conn)
	telemetry.RelayConnections.Inc()
	defer func() {
		g.conns.Delete(conn.id)
		telemetry.RelayConnections.Dec()
		log.Debug().
			Uint64("conn_id", conn.id).
			Uint64("frames", conn.sent.Load()).
			Dur("duration", time.Since(conn.connectedAt)).
			Msg("Relay client disconnected")
	}()
	log.Debug().Uint64("conn_id", conn.id).Str("remote", conn.remote).Msg("Relay client connected")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("\n")); err != nil {
		return
	}
	flusher.Flush()

	fw := &frameWriter{w: w, flusher: flusher, conn: conn}
	if err := g.backfill(ctx, fw); err != nil {
		log.Debug().Err(err).Uint64("conn_id", conn.id).Msg("Relay backfill aborted")
		return
	}

	idle := time.NewTimer(g.keepAlive)
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-live:
			if !ok {
				log.Debug().Str("remote", r.RemoteAddr).Msg("Live feed closed, ending stream")
				return
			}
			if err := fw.frame(msg.Kind, msg.Payload); err != nil {
				return
			}
		case <-idle.C:
			if err := fw.keepAlive(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(g.keepAlive)
	}
}

// backfill sends the status snapshot then the recent events oldest first
func (g *Gateway) backfill(ctx context.Context, fw *frameWriter) error {
	snap, err := g.status.Current(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Status snapshot unavailable for new client")
	} else {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		if err := fw.frame(bus.KindStatus, data); err != nil {
			return err
		}
	}

	recent, err := g.bus.Recent(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Recent events unavailable for new client")
		return nil
	}
	for _, payload := range recent {
		if err := fw.frame(bus.KindEvent, payload); err != nil {
			return err
		}
	}
	return nil
}
