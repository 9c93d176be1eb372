// Package bingx adapts BingX perpetual swaps to the exchange capability
// set. BingX gzip-compresses stream payloads and caps each socket at 50
// subscriptions, so the feed shards channels across connections.
package bingx

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

const marketWSURL = "wss://open-api-swap.bingx.com/swap-market"

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultInterval = 8 * time.Hour

// maxChannelsPerSocket is the venue's subscription cap per connection
const maxChannelsPerSocket = 50

type cachedRate struct {
	rate decimal.Decimal
	next time.Time
}

// Feed streams mark prices from the sharded market stream. BingX serves
// funding rates over REST only; the feed caches the latest REST snapshot
// and attaches it to each websocket mark-price emission.
type Feed struct {
	rest *RestClient

	mu     sync.RWMutex
	ctx    context.Context
	shards []*shard
	rates  map[string]cachedRate // venue symbol -> latest REST funding snapshot

	funding exchange.FundingHandler
	errh    exchange.ErrorHandler
}

type shard struct {
	mgr      *wsconn.Manager
	channels int
}

// NewFeed creates the public market-data feed
func NewFeed() *Feed {
	return &Feed{
		rest:  NewRestClient(exchange.Credentials{}),
		rates: make(map[string]cachedRate),
	}
}

// ID returns the exchange identifier
func (f *Feed) ID() exchange.ID { return exchange.BingX }

// Connect primes the funding cache and opens every shard
func (f *Feed) Connect(ctx context.Context) error {
	if rows, err := f.rest.FetchPremiumIndex(ctx, ""); err != nil {
		log.Warn().Err(err).Msg("BingX funding snapshot unavailable at connect")
	} else {
		f.storeRates(rows)
	}

	f.mu.Lock()
	f.ctx = ctx
	shards := append([]*shard(nil), f.shards...)
	f.mu.Unlock()

	for _, sh := range shards {
		if err := sh.mgr.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect closes every shard
func (f *Feed) Disconnect() error {
	f.mu.RLock()
	shards := append([]*shard(nil), f.shards...)
	f.mu.RUnlock()
	for _, sh := range shards {
		sh.mgr.Disconnect()
	}
	return nil
}

// SubscribeMarkPrice subscribes the mark-price channel for canonical
// symbols, spilling onto a fresh socket past the per-connection cap.
func (f *Feed) SubscribeMarkPrice(symbols ...string) error {
	for _, symbol := range symbols {
		venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
		if err != nil {
			return err
		}

		sh, err := f.pickShard()
		if err != nil {
			return err
		}
		payload, err := jsonFast.Marshal(wsRequest{
			ID:       uuid.NewString(),
			ReqType:  "sub",
			DataType: venueSymbol + "@markPrice",
		})
		if err != nil {
			return err
		}
		if err := sh.mgr.Subscribe(venueSymbol+"@markPrice", payload); err != nil {
			return err
		}
		sh.channels++
	}
	return nil
}

// pickShard returns a shard with spare capacity, creating one on demand
func (f *Feed) pickShard() (*shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sh := range f.shards {
		if sh.channels < maxChannelsPerSocket {
			return sh, nil
		}
	}

	sh := &shard{}
	sh.mgr = wsconn.NewManager(wsconn.Config{
		Name:            fmt.Sprintf("bingx-market-%d", len(f.shards)),
		URL:             marketWSURL,
		Codec:           pingCodec{},
		AutoResubscribe: true,
	})
	sh.mgr.OnMessage(func(msg []byte) { f.handleMessage(sh, msg) })
	sh.mgr.OnStateChange(func(s wsconn.State) {
		if s == wsconn.Errored && f.errh != nil {
			f.errh(fmt.Errorf("bingx feed: reconnect attempts exhausted"))
		}
	})
	f.shards = append(f.shards, sh)

	// shards added after Connect join the running context immediately
	if f.ctx != nil {
		if err := sh.mgr.Connect(f.ctx); err != nil {
			return nil, err
		}
	}
	return sh, nil
}

// SetFundingHandler registers the funding-rate callback
func (f *Feed) SetFundingHandler(h exchange.FundingHandler) { f.funding = h }

// SetErrorHandler registers the error callback
func (f *Feed) SetErrorHandler(h exchange.ErrorHandler) { f.errh = h }

// IsConnected reports whether every shard is connected
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.shards) == 0 {
		return false
	}
	for _, sh := range f.shards {
		if !sh.mgr.IsConnected() {
			return false
		}
	}
	return true
}

// LastMessageTime returns the most recent inbound message across shards
func (f *Feed) LastMessageTime() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var last time.Time
	for _, sh := range f.shards {
		if t := sh.mgr.LastMessageTime(); t.After(last) {
			last = t
		}
	}
	return last
}

// Managers exposes the shard connection managers for health reporting
func (f *Feed) Managers() []*wsconn.Manager {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*wsconn.Manager, 0, len(f.shards))
	for _, sh := range f.shards {
		out = append(out, sh.mgr)
	}
	return out
}

// FetchFundingRate fetches the current rate for one canonical symbol
func (f *Feed) FetchFundingRate(ctx context.Context, symbol string) (*exchange.FundingRate, error) {
	venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := f.rest.FetchPremiumIndex(ctx, venueSymbol)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &exchange.InvalidSymbolError{Exchange: exchange.BingX, Symbol: symbol}
	}
	f.storeRates(rows)
	return f.toFundingRate(&rows[0], exchange.SourceRest)
}

// FetchFundingRates fetches current rates for every listed swap
func (f *Feed) FetchFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	rows, err := f.rest.FetchPremiumIndex(ctx, "")
	if err != nil {
		return nil, err
	}
	f.storeRates(rows)

	out := make([]exchange.FundingRate, 0, len(rows))
	for i := range rows {
		fr, err := f.toFundingRate(&rows[i], exchange.SourceRest)
		if err != nil {
			continue
		}
		out = append(out, *fr)
	}
	return out, nil
}

func (f *Feed) storeRates(rows []premiumIndex) {
	f.mu.Lock()
	for _, r := range rows {
		cr := cachedRate{rate: parseDecimal(r.LastFundingRate)}
		if r.NextFundingTime > 0 {
			cr.next = time.UnixMilli(r.NextFundingTime).UTC()
		}
		f.rates[r.Symbol] = cr
	}
	f.mu.Unlock()
}

func (f *Feed) toFundingRate(row *premiumIndex, source exchange.Source) (*exchange.FundingRate, error) {
	symbol, err := exchange.FromVenue(exchange.BingX, row.Symbol)
	if err != nil {
		return nil, err
	}
	var next time.Time
	if row.NextFundingTime > 0 {
		next = time.UnixMilli(row.NextFundingTime).UTC()
	}
	return &exchange.FundingRate{
		Exchange:        exchange.BingX,
		Symbol:          symbol,
		Rate:            parseDecimal(row.LastFundingRate),
		MarkPrice:       parseDecimal(row.MarkPrice),
		NextFundingTime: next,
		ReceivedAt:      time.Now().UTC(),
		Source:          source,
		Interval:        defaultInterval,
	}, nil
}

func (f *Feed) handleMessage(sh *shard, msg []byte) {
	plain := inflate(msg)

	// the server probes with literal "Ping"; reply on the same socket
	if bytes.Equal(plain, []byte("Ping")) {
		if err := sh.mgr.Send([]byte("Pong")); err != nil {
			log.Warn().Err(err).Msg("BingX pong reply failed")
		}
		return
	}

	var push wsPush
	if err := jsonFast.Unmarshal(plain, &push); err != nil {
		return
	}
	if !strings.HasSuffix(push.DataType, "@markPrice") || len(push.Data) == 0 {
		return
	}

	var mp wsMarkPrice
	if err := jsonFast.Unmarshal(push.Data, &mp); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed BingX mark price")
		return
	}
	venueSymbol := mp.Symbol
	if venueSymbol == "" {
		venueSymbol = strings.TrimSuffix(push.DataType, "@markPrice")
	}
	symbol, err := exchange.FromVenue(exchange.BingX, venueSymbol)
	if err != nil {
		return
	}

	f.mu.RLock()
	cr := f.rates[venueSymbol]
	f.mu.RUnlock()

	if f.funding != nil {
		f.funding(&exchange.FundingRate{
			Exchange:        exchange.BingX,
			Symbol:          symbol,
			Rate:            cr.rate,
			MarkPrice:       parseDecimal(mp.MarkPrice),
			NextFundingTime: cr.next,
			ReceivedAt:      time.Now().UTC(),
			Source:          exchange.SourceWebsocket,
			Interval:        defaultInterval,
		})
	}
}
