package wsconn

import "time"

// Mode reports how the venue is currently being served
type Mode string

const (
	ModeWebsocket Mode = "websocket"
	ModeRest      Mode = "rest" // REST polling fallback
)

// HealthState summarizes connection quality
type HealthState string

const (
	HealthOptimal  HealthState = "optimal"
	HealthDegraded HealthState = "degraded"
	HealthFallback HealthState = "fallback"
)

// Health is a point-in-time connection health summary
type Health struct {
	Name        string      `json:"name"`
	State       string      `json:"state"`
	Healthy     HealthState `json:"health"`
	Mode        Mode        `json:"mode"`
	LastMessage time.Time   `json:"last_message"`
	MessageAge  string      `json:"message_age"`
	Channels    int         `json:"channels"`
}

// degradedAfter is the silence age beyond which an open socket is no
// longer considered optimal.
const degradedAfter = 30 * time.Second

// Health returns the current health summary for this connection
func (m *Manager) Health() Health {
	m.mu.RLock()
	state := m.state
	last := m.lastMsg
	m.mu.RUnlock()

	h := Health{
		Name:        m.cfg.Name,
		State:       state.String(),
		Mode:        ModeWebsocket,
		LastMessage: last,
		MessageAge:  time.Since(last).Round(time.Millisecond).String(),
		Channels:    m.book.Len(),
	}

	switch {
	case state == Connected && time.Since(last) <= degradedAfter:
		h.Healthy = HealthOptimal
	case state == Connected || state == Reconnecting || state == Connecting:
		h.Healthy = HealthDegraded
	default:
		h.Healthy = HealthFallback
		h.Mode = ModeRest
	}
	return h
}
