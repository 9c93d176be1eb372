// Package userstream keeps one private websocket per (user, exchange) alive
// and fans order and balance events into the registered handlers.
package userstream

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/keystore"
	"fundingarb/internal/metrics"
)

// ClientSource hands out per-user exchange clients. The keystore satisfies it.
type ClientSource interface {
	Client(ctx context.Context, userID string, ex exchange.ID) (*exchange.Client, error)
}

// OrderFunc receives one user's order events
type OrderFunc func(userID string, ou *exchange.OrderUpdate)

// BalanceFunc receives one user's balance events
type BalanceFunc func(userID string, bu *exchange.BalanceUpdate)

// Manager owns the private streams. Venues a user has no credentials for are
// skipped silently; everything else that fails to connect is retried on the
// next EnsureUser for that user.
type Manager struct {
	source    ClientSource
	onOrder   OrderFunc
	onBalance BalanceFunc

	mu     sync.Mutex
	active map[string]map[exchange.ID]exchange.UserStream
}

// NewManager creates the manager; nil handlers are allowed
func NewManager(source ClientSource, onOrder OrderFunc, onBalance BalanceFunc) *Manager {
	return &Manager{
		source:    source,
		onOrder:   onOrder,
		onBalance: onBalance,
		active:    make(map[string]map[exchange.ID]exchange.UserStream),
	}
}

// EnsureUser connects any missing venue streams for the user. Idempotent:
// already-connected venues are left alone.
func (m *Manager) EnsureUser(ctx context.Context, userID string) {
	for _, ex := range exchange.All() {
		m.ensure(ctx, userID, ex)
	}
}

// Refresh tears down and reconnects one venue stream, picking up rotated
// credentials.
func (m *Manager) Refresh(ctx context.Context, userID string, ex exchange.ID) {
	m.Drop(userID, ex)
	m.ensure(ctx, userID, ex)
}

func (m *Manager) ensure(ctx context.Context, userID string, ex exchange.ID) {
	m.mu.Lock()
	if _, ok := m.active[userID][ex]; ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	client, err := m.source.Client(ctx, userID, ex)
	if err != nil {
		if !errors.Is(err, keystore.ErrNoCredentials) {
			log.Warn().Err(err).
				Str("user_id", userID).
				Str("exchange", string(ex)).
				Msg("User stream client build failed")
		}
		return
	}
	stream := client.Stream
	if stream == nil {
		return
	}

	stream.SetOrderHandler(func(ou *exchange.OrderUpdate) {
		metrics.UserStreamEvents.WithLabelValues(string(ou.Exchange), "order").Inc()
		if m.onOrder != nil {
			m.onOrder(userID, ou)
		}
	})
	stream.SetBalanceHandler(func(bu *exchange.BalanceUpdate) {
		metrics.UserStreamEvents.WithLabelValues(string(bu.Exchange), "balance").Inc()
		if m.onBalance != nil {
			m.onBalance(userID, bu)
		}
	})
	stream.SetErrorHandler(func(err error) {
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("exchange", string(ex)).
			Msg("User stream error")
	})

	if err := stream.Connect(ctx); err != nil {
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("exchange", string(ex)).
			Msg("User stream connect failed")
		return
	}

	m.mu.Lock()
	if m.active[userID] == nil {
		m.active[userID] = make(map[exchange.ID]exchange.UserStream)
	}
	if _, ok := m.active[userID][ex]; ok {
		// lost the race with a concurrent ensure for the same venue
		m.mu.Unlock()
		stream.Disconnect()
		return
	}
	m.active[userID][ex] = stream
	m.mu.Unlock()

	metrics.UserStreamsActive.Inc()
	log.Info().
		Str("user_id", userID).
		Str("exchange", string(ex)).
		Msg("User stream connected")
}

// Drop disconnects one venue stream for the user, if connected
func (m *Manager) Drop(userID string, ex exchange.ID) {
	m.mu.Lock()
	stream, ok := m.active[userID][ex]
	if ok {
		delete(m.active[userID], ex)
		if len(m.active[userID]) == 0 {
			delete(m.active, userID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := stream.Disconnect(); err != nil {
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("exchange", string(ex)).
			Msg("User stream disconnect failed")
	}
	metrics.UserStreamsActive.Dec()
}

// ActiveCount reports the number of connected streams
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, streams := range m.active {
		n += len(streams)
	}
	return n
}

// Stop disconnects every stream
func (m *Manager) Stop() {
	m.mu.Lock()
	all := m.active
	m.active = make(map[string]map[exchange.ID]exchange.UserStream)
	m.mu.Unlock()

	for userID, streams := range all {
		for ex, stream := range streams {
			if err := stream.Disconnect(); err != nil {
				log.Warn().Err(err).
					Str("user_id", userID).
					Str("exchange", string(ex)).
					Msg("User stream disconnect failed")
			}
			metrics.UserStreamsActive.Dec()
		}
	}
}
