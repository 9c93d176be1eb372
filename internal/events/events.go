// Package events carries normalized exchange events between components.
// Each event kind gets its own typed stream; subscribers that cannot keep
// up are disconnected rather than allowed to stall publishers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
)

// sendTimeout is how long a publisher waits on a slow subscriber before
// disconnecting it.
const sendTimeout = time.Second

// subscriber guards its channel with its own mutex so a close can never
// race an in-flight send: close waits for the send to finish or time out.
type subscriber[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// send delivers v unless the subscriber is already closed. It reports false
// when the buffer stayed full for the whole grace period.
func (s *subscriber[T]) send(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- v:
		return true
	default:
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case s.ch <- v:
		return true
	case <-timer.C:
		return false
	}
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Stream is a fan-out channel for one event kind
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

// NewStream creates an empty stream
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]*subscriber[T])}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func detaches it and closes the channel; cancel during a concurrent
// Publish waits for the in-flight send instead of closing under it.
func (s *Stream[T]) Subscribe(buf int) (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	sub := &subscriber[T]{ch: make(chan T, buf)}
	s.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		cur, ok := s.subs[id]
		if ok {
			delete(s.subs, id)
		}
		s.mu.Unlock()
		if ok {
			cur.close()
		}
	}
	return sub.ch, cancel
}

// Publish delivers v to every subscriber. A subscriber that stays full for
// the send timeout is dropped and its channel closed.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	type target struct {
		id  int
		sub *subscriber[T]
	}
	targets := make([]target, 0, len(s.subs))
	for id, sub := range s.subs {
		targets = append(targets, target{id, sub})
	}
	s.mu.Unlock()

	for _, t := range targets {
		if !t.sub.send(v) {
			s.drop(t.id)
		}
	}
}

func (s *Stream[T]) drop(id int) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ok {
		sub.close()
		log.Warn().Int("subscriber", id).Msg("Dropped slow event subscriber")
	}
}

// Close detaches and closes all subscribers
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	detached := make([]*subscriber[T], 0, len(s.subs))
	for id, sub := range s.subs {
		delete(s.subs, id)
		detached = append(detached, sub)
	}
	s.mu.Unlock()

	for _, sub := range detached {
		sub.close()
	}
}

// SubscriberCount returns the number of attached subscribers
func (s *Stream[T]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Bus bundles the process-wide event streams
type Bus struct {
	FundingRates *Stream[*exchange.FundingRate]
	Orders       *Stream[*exchange.OrderUpdate]
	Balances     *Stream[*exchange.BalanceUpdate]
}

// NewBus creates the streams for all event kinds
func NewBus() *Bus {
	return &Bus{
		FundingRates: NewStream[*exchange.FundingRate](),
		Orders:       NewStream[*exchange.OrderUpdate](),
		Balances:     NewStream[*exchange.BalanceUpdate](),
	}
}

// Close shuts down every stream
func (b *Bus) Close() {
	b.FundingRates.Close()
	b.Orders.Close()
	b.Balances.Close()
}
