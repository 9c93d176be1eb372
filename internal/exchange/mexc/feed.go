// Package mexc adapts MEXC USDT perpetual contracts to the exchange
// capability set.
package mexc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

const edgeWSURL = "wss://contract.mexc.com/edge"

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultInterval = 8 * time.Hour

// pingCodec implements the {"ping":ts} / {"pong":ts} app-layer heartbeat
type pingCodec struct{}

func (pingCodec) Ping() []byte {
	return []byte(`{"ping":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `}`)
}

func (pingCodec) IsPong(msg []byte) bool {
	var frame wsFrame
	if err := jsonFast.Unmarshal(msg, &frame); err != nil {
		return false
	}
	return frame.Pong > 0
}

// Feed streams funding rates and fair prices from the edge stream.
// Funding and tickers arrive on separate channels; the feed caches the
// latest fair price and attaches it to each funding-rate emission.
type Feed struct {
	rest *RestClient
	mgr  *wsconn.Manager

	mu        sync.RWMutex
	marks     map[string]decimal.Decimal // venue symbol -> latest fair price
	intervals map[string]time.Duration   // venue symbol -> settlement interval

	funding exchange.FundingHandler
	errh    exchange.ErrorHandler
}

// NewFeed creates the public market-data feed
func NewFeed() *Feed {
	f := &Feed{
		rest:      NewRestClient(exchange.Credentials{}),
		marks:     make(map[string]decimal.Decimal),
		intervals: make(map[string]time.Duration),
	}
	f.mgr = wsconn.NewManager(wsconn.Config{
		Name:            "mexc-edge",
		URL:             edgeWSURL,
		Codec:           pingCodec{},
		AutoResubscribe: true,
	})
	f.mgr.OnMessage(f.handleMessage)
	f.mgr.OnStateChange(func(s wsconn.State) {
		if s == wsconn.Errored && f.errh != nil {
			f.errh(fmt.Errorf("mexc feed: reconnect attempts exhausted"))
		}
	})
	return f
}

// ID returns the exchange identifier
func (f *Feed) ID() exchange.ID { return exchange.MEXC }

// Connect primes the settlement-interval cache and opens the stream.
// collectCycle is only served over REST, so the websocket emissions
// depend on this initial sweep.
func (f *Feed) Connect(ctx context.Context) error {
	if rows, err := f.rest.FetchFundingRates(ctx); err != nil {
		log.Warn().Err(err).Msg("MEXC funding metadata unavailable, assuming 8h intervals")
	} else {
		f.mu.Lock()
		for _, r := range rows {
			if r.CollectCycle > 0 {
				f.intervals[r.Symbol] = time.Duration(r.CollectCycle) * time.Hour
			}
		}
		f.mu.Unlock()
	}
	return f.mgr.Connect(ctx)
}

// Disconnect closes the stream
func (f *Feed) Disconnect() error {
	f.mgr.Disconnect()
	return nil
}

// SubscribeMarkPrice subscribes funding-rate and ticker channels
func (f *Feed) SubscribeMarkPrice(symbols ...string) error {
	for _, symbol := range symbols {
		venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
		if err != nil {
			return err
		}
		for _, method := range []string{"sub.funding.rate", "sub.ticker"} {
			payload, err := jsonFast.Marshal(map[string]any{
				"method": method,
				"param":  map[string]string{"symbol": venueSymbol},
			})
			if err != nil {
				return err
			}
			if err := f.mgr.Subscribe(method+":"+venueSymbol, payload); err != nil {
				return err
			}
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
	venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
	if err != nil {
		return nil, err
	}

	row, err := f.rest.FetchFundingRate(ctx, venueSymbol)
	if err != nil {
		return nil, err
	}
	fr, err := f.toFundingRate(row, exchange.SourceRest)
	if err != nil {
		return nil, err
	}
	if tk, err := f.rest.FetchTicker(ctx, venueSymbol); err == nil {
		fr.MarkPrice = tk.FairPrice
	}
	return fr, nil
}

// FetchFundingRates fetches current rates for every listed contract
func (f *Feed) FetchFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	rows, err := f.rest.FetchFundingRates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.FundingRate, 0, len(rows))
	for i := range rows {
		fr, err := f.toFundingRate(&rows[i], exchange.SourceRest)
		if err != nil {
			continue
		}
		f.mu.RLock()
		fr.MarkPrice = f.marks[rows[i].Symbol]
		f.mu.RUnlock()
		out = append(out, *fr)
	}
	return out, nil
}

func (f *Feed) toFundingRate(row *fundingRateData, source exchange.Source) (*exchange.FundingRate, error) {
	symbol, err := exchange.FromVenue(exchange.MEXC, row.Symbol)
	if err != nil {
		return nil, err
	}

	interval := defaultInterval
	if row.CollectCycle > 0 {
		interval = time.Duration(row.CollectCycle) * time.Hour
		f.mu.Lock()
		f.intervals[row.Symbol] = interval
		f.mu.Unlock()
	}

	var next time.Time
	if row.NextSettleTime > 0 {
		next = time.UnixMilli(row.NextSettleTime).UTC()
	}

	return &exchange.FundingRate{
		Exchange:        exchange.MEXC,
		Symbol:          symbol,
		Rate:            row.FundingRate,
		NextFundingTime: next,
		ReceivedAt:      time.Now().UTC(),
		Source:          source,
		Interval:        interval,
	}, nil
}

func (f *Feed) handleMessage(msg []byte) {
	var frame wsFrame
	if err := jsonFast.Unmarshal(msg, &frame); err != nil {
		return
	}

	switch frame.Channel {
	case "push.ticker":
		var tk wsTicker
		if err := jsonFast.Unmarshal(frame.Data, &tk); err != nil {
			return
		}
		f.mu.Lock()
		f.marks[tk.Symbol] = tk.FairPrice
		f.mu.Unlock()

	case "push.funding.rate":
		var fr wsFundingRate
		if err := jsonFast.Unmarshal(frame.Data, &fr); err != nil {
			log.Debug().Err(err).Msg("Dropping malformed MEXC funding rate")
			return
		}
		symbol, err := exchange.FromVenue(exchange.MEXC, fr.Symbol)
		if err != nil {
			return
		}

		f.mu.RLock()
		mark := f.marks[fr.Symbol]
		interval, ok := f.intervals[fr.Symbol]
		f.mu.RUnlock()
		if !ok {
			interval = defaultInterval
		}

		var next time.Time
		if fr.NextSettleTime > 0 {
			next = time.UnixMilli(fr.NextSettleTime).UTC()
		}

		if f.funding != nil {
			f.funding(&exchange.FundingRate{
				Exchange:        exchange.MEXC,
				Symbol:          symbol,
				Rate:            fr.Rate,
				MarkPrice:       mark,
				NextFundingTime: next,
				ReceivedAt:      time.Now().UTC(),
				Source:          exchange.SourceWebsocket,
				Interval:        interval,
			})
		}

	case "rs.error":
		log.Warn().Str("data", string(frame.Data)).Msg("MEXC subscription error")
		if f.errh != nil {
			f.errh(&exchange.RejectError{Exchange: exchange.MEXC,
				Code: "SUBSCRIPTION", Message: string(frame.Data)})
		}
	}
}
