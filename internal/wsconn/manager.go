package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is the connection state machine state
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Errored:
		return "error"
	}
	return "unknown"
}

// PingCodec abstracts per-venue heartbeat encodings. A nil Ping result
// means the manager should send a protocol-level ping frame instead.
type PingCodec interface {
	Ping() []byte
	IsPong(msg []byte) bool
}

// FramePing is the codec for venues that use protocol-level ping/pong frames
type FramePing struct{}

func (FramePing) Ping() []byte       { return nil }
func (FramePing) IsPong([]byte) bool { return false }

// Config parameterizes a managed connection
type Config struct {
	Name string // label for logs/metrics, e.g. "binance-markprice"
	URL  string

	Header http.Header
	Codec  PingCodec

	PingInterval     time.Duration // default 20s
	PongTimeout      time.Duration // default 60s
	SilenceTimeout   time.Duration // default 60s; 0 disables
	ResubscribeDelay time.Duration // default 100ms
	MaxAttempts      int           // default 10
	AutoResubscribe  bool

	Backoff *Backoff
}

func (c *Config) defaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = 60 * time.Second
	}
	if c.ResubscribeDelay == 0 {
		c.ResubscribeDelay = 100 * time.Millisecond
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.Backoff == nil {
		c.Backoff = NewBackoff()
	}
	if c.Codec == nil {
		c.Codec = FramePing{}
	}
}

// Manager runs the per-connection state machine: heartbeat, exponential
// backoff reconnect and subscription replay.
type Manager struct {
	cfg  Config
	book *Book

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	lastMsg  time.Time
	lastPong time.Time

	onMessage func([]byte)
	onState   func(State)

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewManager creates a manager; Connect starts it
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:   cfg,
		book:  NewBook(),
		state: Disconnected,
	}
}

// OnMessage registers the inbound message callback. Pong replies are
// consumed by the manager and never reach the callback.
func (m *Manager) OnMessage(fn func(msg []byte)) { m.onMessage = fn }

// OnStateChange registers a state transition callback
func (m *Manager) OnStateChange(fn func(s State)) { m.onState = fn }

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Book exposes the subscription book
func (m *Manager) Book() *Book { return m.book }

// LastMessageTime returns when the last message arrived
func (m *Manager) LastMessageTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMsg
}

// IsConnected reports whether the socket is in Connected state
func (m *Manager) IsConnected() bool { return m.State() == Connected }

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		log.Debug().Str("conn", m.cfg.Name).Str("state", s.String()).Msg("Connection state changed")
		if m.onState != nil {
			m.onState(s)
		}
	}
}

// Connect dials the endpoint and starts the read/heartbeat loops.
// The context governs the whole connection lifetime; cancelling it is
// equivalent to Disconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%s: manager closed", m.cfg.Name)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	return m.dial(false)
}

// dial performs one connection attempt and, on success, starts the pumps
func (m *Manager) dial(isReconnect bool) error {
	m.setState(Connecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(m.ctx, m.cfg.URL, m.cfg.Header)
	if err != nil {
		m.setState(Reconnecting)
		return &DialError{Name: m.cfg.Name, Err: err}
	}

	gen := make(chan struct{})
	now := time.Now()

	m.mu.Lock()
	m.conn = conn
	m.lastMsg = now
	m.lastPong = now
	m.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		m.notePong()
		return nil
	})

	m.cfg.Backoff.Reset()
	m.setState(Connected)

	go m.readLoop(conn, gen)
	go m.heartbeatLoop(conn, gen)

	if isReconnect && m.cfg.AutoResubscribe {
		go m.resubscribe(gen)
	}
	return nil
}

// DialError wraps a failed dial attempt
type DialError struct {
	Name string
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("%s: dial: %v", e.Name, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// Disconnect tears the connection down from any state and cancels timers
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.setState(Disconnected)
}

// Subscribe records the channel in the book and, when connected, sends the
// subscribe payload immediately.
func (m *Manager) Subscribe(channel string, payload []byte) error {
	m.book.Add(channel, payload)
	if m.IsConnected() {
		return m.Send(payload)
	}
	return nil
}

// Unsubscribe drops the channel from the book and, when connected, sends
// the unsubscribe payload.
func (m *Manager) Unsubscribe(channel string, payload []byte) error {
	m.book.Remove(channel)
	if m.IsConnected() && payload != nil {
		return m.Send(payload)
	}
	return nil
}

// Send writes a text message on the socket
func (m *Manager) Send(payload []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: not connected", m.cfg.Name)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (m *Manager) notePong() {
	m.mu.Lock()
	m.lastPong = time.Now()
	m.mu.Unlock()
}

func (m *Manager) noteMessage() {
	m.mu.Lock()
	m.lastMsg = time.Now()
	m.mu.Unlock()
}

func (m *Manager) readLoop(conn *websocket.Conn, gen chan struct{}) {
	defer close(gen)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			log.Warn().Str("conn", m.cfg.Name).Err(err).Msg("Websocket read failed")
			go m.scheduleReconnect()
			return
		}

		m.noteMessage()

		if m.cfg.Codec.IsPong(msg) {
			m.notePong()
			continue
		}
		if m.onMessage != nil {
			m.onMessage(msg)
		}
	}
}

func (m *Manager) heartbeatLoop(conn *websocket.Conn, gen chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gen:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.sendPing(conn); err != nil {
				log.Warn().Str("conn", m.cfg.Name).Err(err).Msg("Ping failed")
				conn.Close()
				return
			}

			m.mu.RLock()
			pongAge := time.Since(m.lastPong)
			msgAge := time.Since(m.lastMsg)
			m.mu.RUnlock()

			// A stale pong or total silence both force a reconnect even
			// if the socket still claims to be open.
			if pongAge > m.cfg.PongTimeout || (m.cfg.SilenceTimeout > 0 && msgAge > m.cfg.SilenceTimeout) {
				log.Warn().
					Str("conn", m.cfg.Name).
					Dur("pong_age", pongAge).
					Dur("msg_age", msgAge).
					Msg("Heartbeat timed out, closing connection")
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat timeout"),
					time.Now().Add(time.Second))
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) sendPing(conn *websocket.Conn) error {
	if ping := m.cfg.Codec.Ping(); ping != nil {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, ping)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// scheduleReconnect runs the backoff schedule until a dial succeeds or the
// attempt budget is exhausted.
func (m *Manager) scheduleReconnect() {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}

	m.setState(Reconnecting)

	for {
		if m.cfg.Backoff.Attempt() >= m.cfg.MaxAttempts {
			log.Error().Str("conn", m.cfg.Name).Int("attempts", m.cfg.Backoff.Attempt()).
				Msg("Reconnect attempts exhausted")
			m.setState(Errored)
			return
		}

		delay := m.cfg.Backoff.Next()
		log.Info().Str("conn", m.cfg.Name).Dur("delay", delay).
			Int("attempt", m.cfg.Backoff.Attempt()).Msg("Scheduling reconnect")

		select {
		case <-m.ctx.Done():
			m.setState(Disconnected)
			return
		case <-time.After(delay):
		}

		if err := m.dial(true); err == nil {
			return
		}
	}
}

// resubscribe replays the subscription book after the settle delay
func (m *Manager) resubscribe(gen chan struct{}) {
	select {
	case <-gen:
		return
	case <-m.ctx.Done():
		return
	case <-time.After(m.cfg.ResubscribeDelay):
	}

	for _, sub := range m.book.Snapshot() {
		if err := m.Send(sub.Payload); err != nil {
			log.Warn().Str("conn", m.cfg.Name).Str("channel", sub.Channel).Err(err).
				Msg("Resubscribe failed")
			return
		}
	}
	log.Info().Str("conn", m.cfg.Name).Int("channels", m.book.Len()).
		Msg("Resubscribed after reconnect")
}
