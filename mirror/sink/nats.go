package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/mirror"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultStreamMaxAge bounds how long mirrored events are retained
const DefaultStreamMaxAge = 24 * time.Hour

func init() {
	mirror.RegisterSink("nats", func(config cfg.MirrorConfiguration) (mirror.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes mirrored events to NATS JetStream
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams *xsync.MapOf[string, struct{}]
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("changerelay-mirror"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: xsync.NewMapOf[string, struct{}]()}, nil
}

// Publish sends a message to JetStream, creating the subject's stream on
// first use. The key travels as a header.
func (n *NatsSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, ok := n.streams.Load(topic); !ok {
		streamName := sanitizeStreamName(topic)
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{topic},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    DefaultStreamMaxAge,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
		}
		n.streams.Store(topic, struct{}{})
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases the connection
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(topic string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(topic)
}
