package force

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxpert/changerelay/source"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

// DownReason is reported when the streaming connection is lost
const DownReason = "Streaming API connection is down, off-line"

const (
	channelHandshake = "/meta/handshake"
	channelSubscribe = "/meta/subscribe"
	channelConnect   = "/meta/connect"

	subscriptionBuffer = 64
	transportBuffer    = 16
)

// errRehandshake means the server forgot our client id
var errRehandshake = errors.New("server requested a new handshake")

// ErrSubscriptionRejected means the server refused a topic subscription,
// for example an unknown channel or an expired replay id
var ErrSubscriptionRejected = errors.New("subscription rejected")

type advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int64  `json:"interval,omitempty"`
	Timeout   int64  `json:"timeout,omitempty"`
}

type message struct {
	Channel                  string          `json:"channel"`
	ID                       string          `json:"id,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Successful               bool            `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Advice                   *advice         `json:"advice,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
}

// sessionInvalid reports whether a failed handshake/connect reply means the
// credentials no longer work
func (m message) sessionInvalid() bool {
	if strings.HasPrefix(m.Error, "401") {
		return true
	}
	return m.Advice != nil && m.Advice.Reconnect == "none"
}

// subscription owns an unbounded queue drained by its own pump, so a topic
// whose consumer stalls never holds up delivery to the other topics.
type subscription struct {
	topic  string
	from   source.ReplayFrom
	events chan source.RawEvent

	mu        sync.Mutex
	queue     []source.RawEvent
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// last delivered replay id, used when resubscribing after a new handshake
	last atomic.Int64
	seen atomic.Bool

	// client id the topic is currently subscribed under, guarded by Streamer.mu
	boundTo string
}

func newSubscription(topic string, from source.ReplayFrom) *subscription {
	sub := &subscription{
		topic:  topic,
		from:   from,
		events: make(chan source.RawEvent, subscriptionBuffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub
}

// enqueue never blocks
func (s *subscription) enqueue(ev source.RawEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	telemetry.SubscriptionQueueDepth.With(s.topic).Set(float64(len(s.queue)))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (source.RawEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return source.RawEvent{}, false
	}
	ev := s.queue[0]
	s.queue[0] = source.RawEvent{}
	s.queue = s.queue[1:]
	telemetry.SubscriptionQueueDepth.With(s.topic).Set(float64(len(s.queue)))
	return ev, true
}

func (s *subscription) pump() {
	defer close(s.events)

	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// shutdown stops the pump; events still queued are discarded and the
// events channel is closed
func (s *subscription) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscription) replayFrom() string {
	switch {
	case s.seen.Load():
		return fmt.Sprintf("%d", s.last.Load())
	default:
		return s.from.String()
	}
}

func (s *subscription) replayExt() map[string]any {
	switch {
	case s.seen.Load():
		return map[string]any{"replay": map[string]int64{s.topic: s.last.Load()}}
	case s.from.Explicit:
		return map[string]any{"replay": map[string]int64{s.topic: s.from.ID}}
	default:
		return nil
	}
}

type transportState int

const (
	stateUnknown transportState = iota
	stateUp
	stateDown
)

// Streamer is a Bayeux long-polling client. One handshake serves every
// subscribed topic; a lost client id triggers a new handshake and every
// topic is resubscribed from its last delivered replay id.
type Streamer struct {
	endpoint string
	client   *http.Client
	opts     Options

	mu       sync.Mutex
	subs     map[string]*subscription
	clientID string
	closed   bool

	transport chan source.TransportEvent
	state     transportState
	msgID     atomic.Uint64
}

func newStreamer(endpoint string, rt http.RoundTripper, opts Options) (*Streamer, error) {
	opts = opts.withDefaults()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Streamer{
		endpoint: endpoint,
		client: &http.Client{
			Transport: rt,
			Jar:       jar,
			Timeout:   opts.LongPollTimeout + opts.RequestTimeout,
		},
		opts:      opts,
		subs:      make(map[string]*subscription),
		transport: make(chan source.TransportEvent, transportBuffer),
	}, nil
}

// Transport reports up/down transitions
func (s *Streamer) Transport() <-chan source.TransportEvent {
	return s.transport
}

// Subscribe registers topic. When a handshake is live the subscription is
// sent immediately, otherwise with the next handshake.
func (s *Streamer) Subscribe(ctx context.Context, topic string, from source.ReplayFrom) (<-chan source.RawEvent, error) {
	sub := newSubscription(topic, from)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.shutdown()
		return nil, errors.New("streamer stopped")
	}
	if _, dup := s.subs[topic]; dup {
		s.mu.Unlock()
		sub.shutdown()
		return nil, fmt.Errorf("already subscribed to %s", topic)
	}
	s.subs[topic] = sub
	clientID := s.clientID
	s.mu.Unlock()

	if clientID == "" {
		return sub.events, nil
	}

	err := s.subscribe(ctx, clientID, sub)
	if err == nil {
		return sub.events, nil
	}
	if errors.Is(err, source.ErrSessionInvalid) || errors.Is(err, ErrSubscriptionRejected) {
		s.mu.Lock()
		delete(s.subs, topic)
		s.mu.Unlock()
		sub.shutdown()
		return nil, err
	}

	// Transient; retried before the next connect
	log.Warn().Err(err).Str("topic", topic).Msg("Deferred subscription")
	return sub.events, nil
}

// Run keeps the connection alive until ctx is done. It returns nil on
// cancellation and an error wrapping source.ErrSessionInvalid when the
// source rejects the session.
func (s *Streamer) Run(ctx context.Context) error {
	defer s.stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := s.handshake(ctx)
		if err == nil {
			s.markUp(ctx)
			b.Reset()
			err = s.connectLoop(ctx)
		}

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, source.ErrSessionInvalid) {
			s.markDown(ctx, err.Error())
			return err
		}

		s.mu.Lock()
		s.clientID = ""
		s.mu.Unlock()

		wait := b.NextBackOff()
		if errors.Is(err, errRehandshake) {
			log.Info().Msg("Streaming client id expired, handshaking again")
			wait = 0
		} else {
			log.Warn().Err(err).Dur("retry_in", wait).Msg("Streaming connection failed")
			s.markDown(ctx, DownReason)
		}

		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *Streamer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.clientID = ""
	for _, sub := range s.subs {
		sub.shutdown()
	}
}

func (s *Streamer) handshake(ctx context.Context) error {
	replies, err := s.send(ctx, channelHandshake, message{
		Channel:                  channelHandshake,
		Version:                  "1.0",
		MinimumVersion:           "1.0",
		SupportedConnectionTypes: []string{"long-polling"},
		Ext:                      map[string]any{"replay": true},
	})
	if err != nil {
		return err
	}

	reply, ok := find(replies, channelHandshake)
	if !ok {
		return errors.New("handshake reply missing")
	}
	if !reply.Successful {
		if reply.sessionInvalid() {
			return fmt.Errorf("%w: handshake: %s", source.ErrSessionInvalid, reply.Error)
		}
		return fmt.Errorf("handshake: %s", reply.Error)
	}

	s.mu.Lock()
	s.clientID = reply.ClientID
	s.mu.Unlock()

	return s.subscribePending(ctx, reply.ClientID)
}

// subscribePending subscribes every topic not yet bound to clientID
func (s *Streamer) subscribePending(ctx context.Context, clientID string) error {
	s.mu.Lock()
	var pending []*subscription
	for _, sub := range s.subs {
		if sub.boundTo != clientID {
			pending = append(pending, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range pending {
		if err := s.subscribe(ctx, clientID, sub); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) subscribe(ctx context.Context, clientID string, sub *subscription) error {
	replies, err := s.send(ctx, channelSubscribe, message{
		Channel:      channelSubscribe,
		ClientID:     clientID,
		Subscription: sub.topic,
		Ext:          sub.replayExt(),
	})
	if err != nil {
		return err
	}

	reply, ok := find(replies, channelSubscribe)
	if !ok {
		return fmt.Errorf("subscribe %s: reply missing", sub.topic)
	}
	if !reply.Successful {
		switch {
		case strings.HasPrefix(reply.Error, "401"):
			return fmt.Errorf("%w: subscribe %s: %s", source.ErrSessionInvalid, sub.topic, reply.Error)
		case strings.HasPrefix(reply.Error, "403"):
			return errRehandshake
		default:
			return fmt.Errorf("%w: %s: %s", ErrSubscriptionRejected, sub.topic, reply.Error)
		}
	}

	s.mu.Lock()
	sub.boundTo = clientID
	s.mu.Unlock()

	log.Info().Str("topic", sub.topic).Str("replay_from", sub.replayFrom()).Msg("Subscribed to topic")
	return nil
}

func (s *Streamer) connectLoop(ctx context.Context) error {
	for {
		s.mu.Lock()
		clientID := s.clientID
		s.mu.Unlock()

		if err := s.subscribePending(ctx, clientID); err != nil {
			return err
		}

		replies, err := s.send(ctx, channelConnect, message{
			Channel:        channelConnect,
			ClientID:       clientID,
			ConnectionType: "long-polling",
		})
		if err != nil {
			return err
		}

		var interval time.Duration
		for _, m := range replies {
			if m.Channel == channelConnect {
				if !m.Successful {
					if m.sessionInvalid() {
						return fmt.Errorf("%w: connect: %s", source.ErrSessionInvalid, m.Error)
					}
					return errRehandshake
				}
				if m.Advice != nil {
					interval = time.Duration(m.Advice.Interval) * time.Millisecond
				}
				continue
			}
			if strings.HasPrefix(m.Channel, "/meta/") {
				continue
			}
			s.deliver(m)
		}

		s.markUp(ctx)
		if !sleep(ctx, interval) {
			return ctx.Err()
		}
	}
}

func (s *Streamer) deliver(m message) {
	s.mu.Lock()
	sub, ok := s.subs[m.Channel]
	s.mu.Unlock()
	if !ok {
		log.Debug().Str("channel", m.Channel).Msg("Message for unknown channel")
		return
	}

	var ev source.RawEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		log.Error().Err(err).Str("topic", sub.topic).Msg("Dropping undecodable event")
		return
	}
	ev.Topic = sub.topic

	sub.enqueue(ev)
	sub.last.Store(ev.Event.ReplayID)
	sub.seen.Store(true)
	telemetry.EventsReceivedTotal.With(sub.topic).Inc()
}

func (s *Streamer) send(ctx context.Context, channel string, msg message) ([]message, error) {
	msg.ID = fmt.Sprintf("%d", s.msgID.Add(1))
	body, err := json.Marshal([]message{msg})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		telemetry.StreamRequestsTotal.With(channel, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		telemetry.StreamRequestsTotal.With(channel, "unauthorized").Inc()
		return nil, fmt.Errorf("%w: HTTP 401 on %s", source.ErrSessionInvalid, channel)
	}
	if resp.StatusCode != http.StatusOK {
		telemetry.StreamRequestsTotal.With(channel, "error").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d on %s: %s", resp.StatusCode, channel, strings.TrimSpace(string(snippet)))
	}

	var replies []message
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		telemetry.StreamRequestsTotal.With(channel, "error").Inc()
		return nil, fmt.Errorf("decode %s reply: %w", channel, err)
	}
	telemetry.StreamRequestsTotal.With(channel, "ok").Inc()
	return replies, nil
}

func (s *Streamer) markUp(ctx context.Context) {
	s.transition(ctx, stateUp, source.TransportEvent{Up: true})
}

func (s *Streamer) markDown(ctx context.Context, reason string) {
	s.transition(ctx, stateDown, source.TransportEvent{Up: false, Reason: reason})
}

func (s *Streamer) transition(ctx context.Context, to transportState, ev source.TransportEvent) {
	if s.state == to {
		return
	}
	s.state = to

	if ev.Up {
		telemetry.TransportUp.Set(1)
		telemetry.TransportTransitionsTotal.With("up").Inc()
		log.Info().Msg("Streaming transport up")
	} else {
		telemetry.TransportUp.Set(0)
		telemetry.TransportTransitionsTotal.With("down").Inc()
		log.Warn().Str("reason", ev.Reason).Msg("Streaming transport down")
	}

	select {
	case s.transport <- ev:
	case <-ctx.Done():
	}
}

func find(replies []message, channel string) (message, bool) {
	for _, m := range replies {
		if m.Channel == channel {
			return m, true
		}
	}
	return message{}, false
}

// sleep waits d or until ctx is done; false means ctx is done
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
