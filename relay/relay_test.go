package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/changerelay/bus"
	"github.com/maxpert/changerelay/status"
	"github.com/maxpert/changerelay/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseFrame struct {
	event   string
	id      string
	data    string
	comment bool
}

type fixture struct {
	store    *store.MemoryStore
	bus      *bus.Bus
	reporter *status.Reporter
	gateway  *Gateway
	server   *httptest.Server
}

func newFixture(t *testing.T, keepAlive time.Duration, forceTLS bool) *fixture {
	t.Helper()
	mem := store.NewMemoryStore(512)
	b := bus.New(mem, 100)
	rep := status.NewReporter(mem, b)
	g := NewGateway(b, rep, keepAlive)
	srv := httptest.NewServer(NewRouter(g, forceTLS, nil))
	t.Cleanup(srv.Close)
	return &fixture{store: mem, bus: b, reporter: rep, gateway: g, server: srv}
}

// connect opens the stream and returns a channel of parsed frames
func (f *fixture) connect(t *testing.T, requestID string) (<-chan sseFrame, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/stream/messages", nil)
	require.NoError(t, err)
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	frames := make(chan sseFrame, 256)
	go func() {
		defer resp.Body.Close()
		defer close(frames)

		r := bufio.NewReader(resp.Body)
		var cur sseFrame
		started := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(line, "\n")

			switch {
			case line == "":
				if started {
					frames <- cur
				}
				cur, started = sseFrame{}, false
			case strings.HasPrefix(line, ":"):
				cur.comment, started = true, true
			case strings.HasPrefix(line, "event: "):
				cur.event, started = strings.TrimPrefix(line, "event: "), true
			case strings.HasPrefix(line, "id: "):
				cur.id, started = strings.TrimPrefix(line, "id: "), true
			case strings.HasPrefix(line, "data: "):
				cur.data, started = strings.TrimPrefix(line, "data: "), true
			}
		}
	}()

	return frames, cancel
}

func next(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return sseFrame{}
	}
}

// nextOf skips frames of other kinds, such as heartbeats
func nextOf(t *testing.T, frames <-chan sseFrame, kind bus.Kind) sseFrame {
	t.Helper()
	for {
		f := next(t, frames)
		if f.event == string(kind) {
			return f
		}
	}
}

func TestStream_StatusThenBacklogThenLive(t *testing.T) {
	f := newFixture(t, time.Minute, false)
	ctx := context.Background()

	_, err := f.reporter.Report(ctx, status.Up())
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, f.bus.Publish(ctx, bus.KindEvent, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	frames, _ := f.connect(t, "req-abc")

	first := next(t, frames)
	assert.Equal(t, "status", first.event)
	assert.Equal(t, "req-abc-1", first.id)
	assert.JSONEq(t, `{"connectionIsUp":true,"connectionReason":null}`, first.data)

	for i := 1; i <= 3; i++ {
		fr := next(t, frames)
		assert.Equal(t, "event", fr.event)
		assert.Equal(t, fmt.Sprintf("req-abc-%d", i+1), fr.id)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), fr.data)
	}

	require.NoError(t, f.bus.Publish(ctx, bus.KindEvent, []byte(`{"n":4}`)))
	live := next(t, frames)
	assert.Equal(t, "event", live.event)
	assert.Equal(t, "req-abc-5", live.id)
	assert.JSONEq(t, `{"n":4}`, live.data)
}

func TestStream_DefaultIDPrefix(t *testing.T) {
	f := newFixture(t, time.Minute, false)
	frames, _ := f.connect(t, "")

	assert.Equal(t, "message-1", next(t, frames).id)
}

func TestStream_TransportDownReachesClientsWhileHeartbeatsContinue(t *testing.T) {
	f := newFixture(t, time.Minute, false)
	ctx := context.Background()

	hb := status.NewHeartbeat(f.bus, 10*time.Millisecond)
	hb.Start()
	defer hb.Stop()

	frames, _ := f.connect(t, "")
	nextOf(t, frames, bus.KindStatus)

	_, err := f.reporter.Report(ctx, status.Down("link lost"))
	require.NoError(t, err)

	st := nextOf(t, frames, bus.KindStatus)
	assert.JSONEq(t, `{"connectionIsUp":false,"connectionReason":"link lost"}`, st.data)

	beat := nextOf(t, frames, bus.KindHeartbeat)
	assert.Equal(t, "{}", beat.data)
	beat = nextOf(t, frames, bus.KindHeartbeat)
	assert.Equal(t, "{}", beat.data)
}

func TestStream_BackfillsOnlyMostRecent100(t *testing.T) {
	f := newFixture(t, time.Minute, false)
	ctx := context.Background()

	for i := 1; i <= 150; i++ {
		require.NoError(t, f.bus.Publish(ctx, bus.KindEvent, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	frames, _ := f.connect(t, "")
	assert.Equal(t, "status", next(t, frames).event)

	for i := 51; i <= 150; i++ {
		fr := next(t, frames)
		require.Equal(t, "event", fr.event)
		require.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), fr.data)
	}

	require.NoError(t, f.bus.Publish(ctx, bus.KindEvent, []byte(`{"n":151}`)))
	fr := next(t, frames)
	assert.JSONEq(t, `{"n":151}`, fr.data)
	assert.Equal(t, "message-102", fr.id)
}

func TestStream_KeepAliveWhenIdle(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, false)
	frames, _ := f.connect(t, "")

	assert.Equal(t, "status", next(t, frames).event)
	assert.True(t, next(t, frames).comment)
	assert.True(t, next(t, frames).comment)
}

func TestStream_DisconnectUnregisters(t *testing.T) {
	f := newFixture(t, time.Minute, false)
	frames, cancel := f.connect(t, "")
	next(t, frames)

	require.Eventually(t, func() bool { return f.gateway.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return f.gateway.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.store.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, time.Minute, false)
	_, err := f.reporter.Report(context.Background(), status.Down("link lost"))
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, decodeJSON(resp, &body))
	assert.Equal(t, false, body["connectionIsUp"])
	assert.Equal(t, "link lost", body["connectionReason"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, time.Minute, false)

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, decodeJSON(resp, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestForceTLS(t *testing.T) {
	f := newFixture(t, time.Minute, true)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := client.Get(f.server.URL + "/status?x=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://"+strings.TrimPrefix(f.server.URL, "http://")+"/status?x=1", resp.Header.Get("Location"))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Proto", "https")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "max-age=31557600", resp.Header.Get("Strict-Transport-Security"))
}

func TestServer_StopEndsStreams(t *testing.T) {
	mem := store.NewMemoryStore(16)
	b := bus.New(mem, 10)
	g := NewGateway(b, status.NewReporter(mem, b), time.Minute)

	s := NewServer("127.0.0.1:0", NewRouter(g, false, nil))
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/stream/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return g.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 0, g.Connections())
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
