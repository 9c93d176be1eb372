package loader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
)

type sweepFeed struct {
	id    exchange.ID
	rates []exchange.FundingRate
	err   error
}

func (f *sweepFeed) ID() exchange.ID { return f.id }

func (f *sweepFeed) Connect(context.Context) error { return nil }

func (f *sweepFeed) Disconnect() error { return nil }

func (f *sweepFeed) SubscribeMarkPrice(...string) error { return nil }

func (f *sweepFeed) FetchFundingRate(context.Context, string) (*exchange.FundingRate, error) {
	return nil, errors.New("not used")
}

func (f *sweepFeed) FetchFundingRates(context.Context) ([]exchange.FundingRate, error) {
	return f.rates, f.err
}

func (f *sweepFeed) SetFundingHandler(exchange.FundingHandler) {}

func (f *sweepFeed) SetErrorHandler(exchange.ErrorHandler) {}

func (f *sweepFeed) IsConnected() bool { return true }

func (f *sweepFeed) LastMessageTime() time.Time { return time.Time{} }

func rate(ex exchange.ID, symbol string) exchange.FundingRate {
	return exchange.FundingRate{
		Exchange: ex,
		Symbol:   symbol,
		Rate:     decimal.RequireFromString("0.0001"),
		Source:   exchange.SourceRest,
	}
}

type sinkRecorder struct {
	mu   sync.Mutex
	seen []*exchange.FundingRate
}

func (s *sinkRecorder) sink(fr *exchange.FundingRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, fr)
}

func (s *sinkRecorder) symbols() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, fr := range s.seen {
		out[fr.Symbol]++
	}
	return out
}

func TestLoadAllSweepsEveryVenue(t *testing.T) {
	feeds := map[exchange.ID]exchange.Feed{
		exchange.Binance: &sweepFeed{id: exchange.Binance, rates: []exchange.FundingRate{
			rate(exchange.Binance, "BTCUSDT"),
			rate(exchange.Binance, "ETHUSDT"),
		}},
		exchange.OKX: &sweepFeed{id: exchange.OKX, rates: []exchange.FundingRate{
			rate(exchange.OKX, "BTCUSDT"),
		}},
	}
	rec := &sinkRecorder{}
	l := NewRestLoader(feeds, nil, time.Minute, rec.sink)

	l.LoadAll(context.Background())

	assert.Equal(t, map[string]int{"BTCUSDT": 2, "ETHUSDT": 1}, rec.symbols())

	lastSweep, counts := l.LastSweep()
	assert.False(t, lastSweep.IsZero())
	assert.Equal(t, 2, counts[exchange.Binance])
	assert.Equal(t, 1, counts[exchange.OKX])
}

func TestLoadAllFiltersSymbols(t *testing.T) {
	feeds := map[exchange.ID]exchange.Feed{
		exchange.Binance: &sweepFeed{id: exchange.Binance, rates: []exchange.FundingRate{
			rate(exchange.Binance, "BTCUSDT"),
			rate(exchange.Binance, "DOGEUSDT"),
		}},
	}
	rec := &sinkRecorder{}
	l := NewRestLoader(feeds, []string{"BTCUSDT"}, time.Minute, rec.sink)

	l.LoadAll(context.Background())

	require.Len(t, rec.seen, 1)
	assert.Equal(t, "BTCUSDT", rec.seen[0].Symbol)

	_, counts := l.LastSweep()
	assert.Equal(t, 1, counts[exchange.Binance])
}

func TestLoadAllSurvivesVenueFailure(t *testing.T) {
	feeds := map[exchange.ID]exchange.Feed{
		exchange.Binance: &sweepFeed{id: exchange.Binance, err: errors.New("venue 500")},
		exchange.OKX: &sweepFeed{id: exchange.OKX, rates: []exchange.FundingRate{
			rate(exchange.OKX, "BTCUSDT"),
		}},
	}
	rec := &sinkRecorder{}
	l := NewRestLoader(feeds, nil, time.Minute, rec.sink)

	l.LoadAll(context.Background())

	require.Len(t, rec.seen, 1)
	assert.Equal(t, exchange.OKX, rec.seen[0].Exchange)

	_, counts := l.LastSweep()
	_, binanceSwept := counts[exchange.Binance]
	assert.False(t, binanceSwept)
}
