package wsconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequenceNoJitter(t *testing.T) {
	b := NewBackoff()
	b.Jitter = 0

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i+1)
	}
	assert.Equal(t, len(want), b.Attempt())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff()

	upper := float64(30 * time.Second)
	lower := float64(time.Second)
	for i := 0; i < 50; i++ {
		d := b.Next()
		// every delay stays within ±10% of the capped schedule
		assert.LessOrEqual(t, d, time.Duration(upper*1.1))
		assert.GreaterOrEqual(t, d, time.Duration(lower*0.9))
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff()
	b.Jitter = 0

	b.Next()
	b.Next()
	b.Reset()

	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, time.Second, b.Next())
}

func TestBookSnapshotOrder(t *testing.T) {
	book := NewBook()
	book.Add("BTCUSDT@markPrice", []byte(`{"sub":"btc"}`))
	book.Add("ETHUSDT@markPrice", []byte(`{"sub":"eth"}`))
	book.Add("BTCUSDT@markPrice", []byte(`{"sub":"btc2"}`)) // replace keeps position

	snap := book.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, "BTCUSDT@markPrice", snap[0].Channel)
	assert.Equal(t, []byte(`{"sub":"btc2"}`), snap[0].Payload)
	assert.Equal(t, "ETHUSDT@markPrice", snap[1].Channel)

	book.Remove("BTCUSDT@markPrice")
	snap = book.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, "ETHUSDT@markPrice", snap[0].Channel)
}
