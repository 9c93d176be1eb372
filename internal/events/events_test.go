package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
)

func TestStreamFanOut(t *testing.T) {
	s := NewStream[int]()
	defer s.Close()

	a, cancelA := s.Subscribe(4)
	b, cancelB := s.Subscribe(4)
	defer cancelA()
	defer cancelB()

	s.Publish(1)
	s.Publish(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-b)
	assert.Equal(t, 2, <-b)
}

func TestStreamCancelDetaches(t *testing.T) {
	s := NewStream[int]()
	defer s.Close()

	ch, cancel := s.Subscribe(1)
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, s.SubscriberCount())

	// publishing after cancel must not panic
	s.Publish(7)
}

func TestStreamDropsSlowSubscriber(t *testing.T) {
	s := NewStream[int]()
	defer s.Close()

	slow, _ := s.Subscribe(1)
	fast, cancelFast := s.Subscribe(16)
	defer cancelFast()

	s.Publish(1) // fills slow's buffer
	done := make(chan struct{})
	go func() {
		s.Publish(2) // slow is full; blocks ~1s then drops it
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publish did not complete")
	}

	assert.Equal(t, 1, s.SubscriberCount())
	assert.Equal(t, 1, <-fast)
	assert.Equal(t, 2, <-fast)

	// the slow channel still yields its buffered value, then closes
	assert.Equal(t, 1, <-slow)
	_, open := <-slow
	assert.False(t, open)
}

func TestStreamCancelDuringPublishDoesNotPanic(t *testing.T) {
	s := NewStream[int]()
	defer s.Close()

	stop := make(chan struct{})
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.Publish(i)
		}
	}()

	// race unbuffered subscribers against the publisher: cancel must never
	// close a channel mid-send
	for i := 0; i < 500; i++ {
		ch, cancel := s.Subscribe(0)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for range ch {
			}
		}()
		cancel()
		<-drained
	}

	close(stop)
	<-pubDone
	assert.Equal(t, 0, s.SubscriberCount())
}

func TestBusStreams(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	rates, cancel := bus.FundingRates.Subscribe(1)
	defer cancel()

	fr := &exchange.FundingRate{
		Exchange: exchange.Binance,
		Symbol:   "BTCUSDT",
		Rate:     decimal.RequireFromString("0.0001"),
		Source:   exchange.SourceWebsocket,
	}
	bus.FundingRates.Publish(fr)

	got := <-rates
	require.NotNil(t, got)
	assert.Equal(t, exchange.Binance, got.Exchange)
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("0.0001")))
}
