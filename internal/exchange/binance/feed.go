// Package binance adapts Binance USDT-margined futures to the exchange
// capability set: market-data feed, per-user trading and private stream.
package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

const wsBaseURL = "wss://fstream.binance.com/stream"

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultInterval = 8 * time.Hour

// Feed streams mark prices and funding rates from the public stream
type Feed struct {
	rest *RestClient
	mgr  *wsconn.Manager

	mu        sync.RWMutex
	intervals map[string]time.Duration // venue symbol -> settlement interval
	nextSubID int

	funding exchange.FundingHandler
	errh    exchange.ErrorHandler
}

// NewFeed creates the public market-data feed
func NewFeed() *Feed {
	f := &Feed{
		rest:      NewRestClient(exchange.Credentials{}),
		intervals: make(map[string]time.Duration),
	}
	f.mgr = wsconn.NewManager(wsconn.Config{
		Name:            "binance-markprice",
		URL:             wsBaseURL,
		AutoResubscribe: true,
	})
	f.mgr.OnMessage(f.handleMessage)
	f.mgr.OnStateChange(func(s wsconn.State) {
		if s == wsconn.Errored {
			f.emitError(fmt.Errorf("reconnect attempts exhausted"))
		}
	})
	return f
}

// ID returns the exchange identifier
func (f *Feed) ID() exchange.ID { return exchange.Binance }

// Connect loads settlement intervals and opens the stream
func (f *Feed) Connect(ctx context.Context) error {
	if intervals, err := f.rest.FetchFundingIntervals(ctx); err != nil {
		log.Warn().Err(err).Msg("Binance funding intervals unavailable, assuming 8h")
	} else {
		f.mu.Lock()
		f.intervals = intervals
		f.mu.Unlock()
	}
	return f.mgr.Connect(ctx)
}

// Disconnect closes the stream
func (f *Feed) Disconnect() error {
	f.mgr.Disconnect()
	return nil
}

// SubscribeMarkPrice subscribes the markPrice channel for canonical symbols
func (f *Feed) SubscribeMarkPrice(symbols ...string) error {
	for _, symbol := range symbols {
		venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
		if err != nil {
			return err
		}
		channel := strings.ToLower(venueSymbol) + "@markPrice"

		f.mu.Lock()
		f.nextSubID++
		id := f.nextSubID
		f.mu.Unlock()

		payload, err := jsonFast.Marshal(map[string]any{
			"method": "SUBSCRIBE",
			"params": []string{channel},
			"id":     id,
		})
		if err != nil {
			return err
		}
		if err := f.mgr.Subscribe(channel, payload); err != nil {
			return err
		}
	}
	return nil
}

// SetFundingHandler registers the funding-rate callback
func (f *Feed) SetFundingHandler(h exchange.FundingHandler) { f.funding = h }

// SetErrorHandler registers the error callback
func (f *Feed) SetErrorHandler(h exchange.ErrorHandler) { f.errh = h }

// IsConnected reports whether the socket is connected
func (f *Feed) IsConnected() bool { return f.mgr.IsConnected() }

// LastMessageTime returns the last inbound message time
func (f *Feed) LastMessageTime() time.Time { return f.mgr.LastMessageTime() }

// Manager exposes the connection manager for health reporting
func (f *Feed) Manager() *wsconn.Manager { return f.mgr }

// FetchFundingRate fetches the current rate for one canonical symbol
func (f *Feed) FetchFundingRate(ctx context.Context, symbol string) (*exchange.FundingRate, error) {
	venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
	if err != nil {
		return nil, err
	}
	indices, err := f.rest.FetchPremiumIndex(ctx, venueSymbol)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, &exchange.InvalidSymbolError{Exchange: exchange.Binance, Symbol: symbol}
	}
	return f.toFundingRate(&indices[0], exchange.SourceRest)
}

// FetchFundingRates fetches current rates for every listed perpetual
func (f *Feed) FetchFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	indices, err := f.rest.FetchPremiumIndex(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]exchange.FundingRate, 0, len(indices))
	for i := range indices {
		fr, err := f.toFundingRate(&indices[i], exchange.SourceRest)
		if err != nil {
			continue // skip unmappable instruments (quarterlies, odd quotes)
		}
		out = append(out, *fr)
	}
	return out, nil
}

func (f *Feed) toFundingRate(idx *premiumIndex, source exchange.Source) (*exchange.FundingRate, error) {
	symbol, err := exchange.FromVenue(exchange.Binance, idx.Symbol)
	if err != nil {
		return nil, err
	}
	return &exchange.FundingRate{
		Exchange:        exchange.Binance,
		Symbol:          symbol,
		Rate:            parseDecimal(idx.LastFundingRate),
		MarkPrice:       parseDecimal(idx.MarkPrice),
		NextFundingTime: time.UnixMilli(idx.NextFundingTime).UTC(),
		ReceivedAt:      time.Now().UTC(),
		Source:          source,
		Interval:        f.interval(idx.Symbol),
	}, nil
}

func (f *Feed) interval(venueSymbol string) time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if iv, ok := f.intervals[venueSymbol]; ok {
		return iv
	}
	return defaultInterval
}

// handleMessage decodes one stream frame. Malformed payloads are dropped
// with a debug log; the stream keeps running.
func (f *Feed) handleMessage(msg []byte) {
	var wrapper wsStreamWrapper
	data := msg
	if err := jsonFast.Unmarshal(msg, &wrapper); err == nil && len(wrapper.Data) > 0 {
		data = wrapper.Data
	}

	var event wsMarkPriceEvent
	if err := jsonFast.Unmarshal(data, &event); err != nil || event.EventType != "markPriceUpdate" {
		return
	}

	symbol, err := exchange.FromVenue(exchange.Binance, event.Symbol)
	if err != nil {
		log.Debug().Str("venue_symbol", event.Symbol).Msg("Dropping unmappable Binance mark price")
		return
	}

	if f.funding != nil {
		f.funding(&exchange.FundingRate{
			Exchange:        exchange.Binance,
			Symbol:          symbol,
			Rate:            parseDecimal(event.FundingRate),
			MarkPrice:       parseDecimal(event.MarkPrice),
			NextFundingTime: time.UnixMilli(event.NextFundingTime).UTC(),
			ReceivedAt:      time.Now().UTC(),
			Source:          exchange.SourceWebsocket,
			Interval:        f.interval(event.Symbol),
		})
	}
}

func (f *Feed) emitError(err error) {
	if f.errh != nil {
		f.errh(fmt.Errorf("binance feed: %w", err))
	}
}
