package wsconn

import (
	"sync"
	"time"
)

// Subscription is one entry in the subscription book. Payload is the exact
// subscribe message the venue expects; resubscribe replays it verbatim.
type Subscription struct {
	Channel      string
	Payload      []byte
	SubscribedAt time.Time
	Active       bool
}

// Book tracks the channels subscribed on one connection so they can be
// replayed after a reconnect.
type Book struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	keys []string // insertion order, for deterministic resubscribe
}

// NewBook returns an empty subscription book
func NewBook() *Book {
	return &Book{subs: make(map[string]*Subscription)}
}

// Add records (or replaces) a subscription
func (b *Book) Add(channel string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; !ok {
		b.keys = append(b.keys, channel)
	}
	b.subs[channel] = &Subscription{
		Channel:      channel,
		Payload:      payload,
		SubscribedAt: time.Now(),
		Active:       true,
	}
}

// Remove drops a subscription
func (b *Book) Remove(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; !ok {
		return
	}
	delete(b.subs, channel)
	for i, k := range b.keys {
		if k == channel {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
}

// Snapshot returns the active subscriptions in insertion order
func (b *Book) Snapshot() []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Subscription, 0, len(b.keys))
	for _, k := range b.keys {
		if s, ok := b.subs[k]; ok && s.Active {
			out = append(out, *s)
		}
	}
	return out
}

// Len returns the number of tracked channels
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
