package wsconn

import (
	"math"
	"math/rand"
	"time"
)

// Backoff produces the reconnect delay schedule:
//
//	delay_n = min(initial * factor^(n-1), max) * (1 ± jitter)
//
// With jitter 0 the defaults yield 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // 0.1 means ±10%

	attempt int
	rnd     *rand.Rand
}

// NewBackoff returns a Backoff with the reconnect defaults
func NewBackoff() *Backoff {
	return &Backoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Next returns the delay for the next attempt and advances the counter
func (b *Backoff) Next() time.Duration {
	b.attempt++
	d := float64(b.Initial) * math.Pow(b.Factor, float64(b.attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		if b.rnd == nil {
			b.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		// uniform in [1-jitter, 1+jitter]
		d *= 1 + b.Jitter*(2*b.rnd.Float64()-1)
	}
	return time.Duration(d)
}

// Attempt returns how many delays have been handed out
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the schedule after a successful connect
func (b *Backoff) Reset() { b.attempt = 0 }
