package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer is a test server that records inbound messages and can drop
// connections on command.
type wsServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	messages []recorded
	accepted chan struct{}
}

type recorded struct {
	payload string
	at      time.Time
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{accepted: make(chan struct{}, 16)}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.accepted <- struct{}{}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, recorded{payload: string(msg), at: time.Now()})
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *wsServer) recordedSince(cut time.Time) []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recorded
	for _, m := range s.messages {
		if m.at.After(cut) {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig(url string) Config {
	return Config{
		Name:             "test",
		URL:              url,
		AutoResubscribe:  true,
		ResubscribeDelay: 100 * time.Millisecond,
		Backoff:          &Backoff{Initial: 50 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2},
		MaxAttempts:      10,
	}
}

func TestManagerConnectAndSubscribe(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(testConfig(srv.url()))
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Connected, m.State())

	require.NoError(t, m.Subscribe("BTCUSDT@markPrice", []byte(`{"sub":"BTCUSDT"}`)))

	waitFor(t, 2*time.Second, func() bool {
		return len(srv.recordedSince(time.Time{})) == 1
	})
	assert.Equal(t, 1, m.Book().Len())
}

func TestManagerReconnectResubscribes(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(testConfig(srv.url()))
	defer m.Disconnect()

	var states []State
	var stateMu sync.Mutex
	m.OnStateChange(func(s State) {
		stateMu.Lock()
		states = append(states, s)
		stateMu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	<-srv.accepted

	require.NoError(t, m.Subscribe("BTCUSDT@markPrice", []byte(`{"sub":"BTCUSDT"}`)))
	require.NoError(t, m.Subscribe("ETHUSDT@markPrice", []byte(`{"sub":"ETHUSDT"}`)))
	waitFor(t, 2*time.Second, func() bool {
		return len(srv.recordedSince(time.Time{})) == 2
	})

	// Force an abnormal close; the manager must reach Reconnecting and
	// then replay both channels on the new socket after the settle delay.
	cut := time.Now()
	srv.dropAll()

	<-srv.accepted // reconnected
	reopenAt := time.Now()

	waitFor(t, 5*time.Second, func() bool {
		return len(srv.recordedSince(cut)) == 2
	})

	replayed := srv.recordedSince(cut)
	require.Len(t, replayed, 2)
	assert.Equal(t, `{"sub":"BTCUSDT"}`, replayed[0].payload)
	assert.Equal(t, `{"sub":"ETHUSDT"}`, replayed[1].payload)
	for _, r := range replayed {
		assert.GreaterOrEqual(t, r.at.Sub(reopenAt), 100*time.Millisecond,
			"resubscribe before settle delay")
	}

	stateMu.Lock()
	defer stateMu.Unlock()
	assert.Contains(t, states, Reconnecting)
	assert.Equal(t, Connected, m.State())
}

func TestManagerExhaustsAttempts(t *testing.T) {
	srv := newWSServer(t)
	cfg := testConfig(srv.url())
	cfg.MaxAttempts = 2

	m := NewManager(cfg)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	<-srv.accepted

	// CloseClientConnections cannot reach hijacked (upgraded) sockets, so
	// close the websocket conns directly before shutting the listener down.
	srv.dropAll()
	srv.Close() // all further dials fail

	waitFor(t, 5*time.Second, func() bool { return m.State() == Errored })
}

func TestManagerDisconnectFromAnyState(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(testConfig(srv.url()))

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())

	// a closed manager refuses to dial again
	assert.Error(t, m.Connect(context.Background()))
}

func TestHealthStates(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(testConfig(srv.url()))
	defer m.Disconnect()

	h := m.Health()
	assert.Equal(t, HealthFallback, h.Healthy)
	assert.Equal(t, ModeRest, h.Mode)

	require.NoError(t, m.Connect(context.Background()))
	h = m.Health()
	assert.Equal(t, HealthOptimal, h.Healthy)
	assert.Equal(t, ModeWebsocket, h.Mode)
}
