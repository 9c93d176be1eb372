// Package gateio adapts Gate.io USDT perpetual futures to the exchange
// capability set.
package gateio

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

const marketWSURL = "wss://fx-ws.gateio.ws/v4/ws/usdt"

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultInterval = 8 * time.Hour

// pingCodec implements the {"op":"ping"} / {"op":"pong"} heartbeat
type pingCodec struct{}

func (pingCodec) Ping() []byte { return []byte(`{"op":"ping"}`) }

func (pingCodec) IsPong(msg []byte) bool {
	var frame wsFrame
	if err := jsonFast.Unmarshal(msg, &frame); err != nil {
		return false
	}
	return frame.Op == "pong"
}

// Feed streams funding rates and mark prices from the futures.tickers
// channel.
type Feed struct {
	rest *RestClient
	mgr  *wsconn.Manager

	mu        sync.RWMutex
	intervals map[string]time.Duration // contract -> settlement interval
	nextTimes map[string]time.Time     // contract -> next settlement

	funding exchange.FundingHandler
	errh    exchange.ErrorHandler
}

// NewFeed creates the public market-data feed
func NewFeed() *Feed {
	f := &Feed{
		rest:      NewRestClient(exchange.Credentials{}),
		intervals: make(map[string]time.Duration),
		nextTimes: make(map[string]time.Time),
	}
	f.mgr = wsconn.NewManager(wsconn.Config{
		Name:            "gateio-tickers",
		URL:             marketWSURL,
		Codec:           pingCodec{},
		AutoResubscribe: true,
	})
	f.mgr.OnMessage(f.handleMessage)
	f.mgr.OnStateChange(func(s wsconn.State) {
		if s == wsconn.Errored && f.errh != nil {
			f.errh(fmt.Errorf("gateio feed: reconnect attempts exhausted"))
		}
	})
	return f
}

// ID returns the exchange identifier
func (f *Feed) ID() exchange.ID { return exchange.GateIO }

// Connect loads contract funding metadata and opens the stream
func (f *Feed) Connect(ctx context.Context) error {
	if contracts, err := f.rest.FetchContracts(ctx); err != nil {
		log.Warn().Err(err).Msg("Gate.io contract metadata unavailable, assuming 8h intervals")
	} else {
		f.mu.Lock()
		for _, ct := range contracts {
			if ct.FundingInterval > 0 {
				f.intervals[ct.Name] = time.Duration(ct.FundingInterval) * time.Second
			}
			if ct.FundingNextApply > 0 {
				f.nextTimes[ct.Name] = time.Unix(ct.FundingNextApply, 0).UTC()
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

// SubscribeMarkPrice subscribes the tickers channel for canonical symbols
func (f *Feed) SubscribeMarkPrice(symbols ...string) error {
	for _, symbol := range symbols {
		contractName, err := exchange.ToVenue(exchange.GateIO, symbol)
		if err != nil {
			return err
		}
		payload, err := jsonFast.Marshal(map[string]any{
			"time":    time.Now().Unix(),
			"channel": "futures.tickers",
			"event":   "subscribe",
			"payload": []string{contractName},
		})
		if err != nil {
			return err
		}
		if err := f.mgr.Subscribe("futures.tickers:"+contractName, payload); err != nil {
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
	contractName, err := exchange.ToVenue(exchange.GateIO, symbol)
	if err != nil {
		return nil, err
	}
	ct, err := f.rest.FetchContract(ctx, contractName)
	if err != nil {
		return nil, err
	}
	return f.contractToRate(ct, exchange.SourceRest)
}

// FetchFundingRates fetches current rates for every listed perpetual
func (f *Feed) FetchFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	contracts, err := f.rest.FetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.FundingRate, 0, len(contracts))
	for i := range contracts {
		if contracts[i].InDelisting {
			continue
		}
		fr, err := f.contractToRate(&contracts[i], exchange.SourceRest)
		if err != nil {
			continue
		}
		out = append(out, *fr)
	}
	return out, nil
}

func (f *Feed) contractToRate(ct *contract, source exchange.Source) (*exchange.FundingRate, error) {
	symbol, err := exchange.FromVenue(exchange.GateIO, ct.Name)
	if err != nil {
		return nil, err
	}

	interval := defaultInterval
	if ct.FundingInterval > 0 {
		interval = time.Duration(ct.FundingInterval) * time.Second
	}
	var next time.Time
	if ct.FundingNextApply > 0 {
		next = time.Unix(ct.FundingNextApply, 0).UTC()
	}

	f.mu.Lock()
	f.intervals[ct.Name] = interval
	if !next.IsZero() {
		f.nextTimes[ct.Name] = next
	}
	f.mu.Unlock()

	return &exchange.FundingRate{
		Exchange:        exchange.GateIO,
		Symbol:          symbol,
		Rate:            parseDecimal(ct.FundingRate),
		MarkPrice:       parseDecimal(ct.MarkPrice),
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
	if frame.Error != nil {
		log.Warn().Str("label", frame.Error.Label).Str("msg", frame.Error.Message).
			Msg("Gate.io stream error")
		if f.errh != nil {
			f.errh(&exchange.RejectError{Exchange: exchange.GateIO,
				Code: frame.Error.Label, Message: frame.Error.Message})
		}
		return
	}
	if frame.Channel != "futures.tickers" || frame.Event != "update" || len(frame.Result) == 0 {
		return
	}

	var tickers []wsTicker
	if err := jsonFast.Unmarshal(frame.Result, &tickers); err != nil {
		log.Debug().Err(err).Msg("Dropping malformed Gate.io ticker")
		return
	}

	for _, tk := range tickers {
		symbol, err := exchange.FromVenue(exchange.GateIO, tk.Contract)
		if err != nil {
			continue
		}

		f.mu.RLock()
		interval, ok := f.intervals[tk.Contract]
		next := f.nextTimes[tk.Contract]
		f.mu.RUnlock()
		if !ok {
			interval = defaultInterval
		}

		if f.funding != nil {
			f.funding(&exchange.FundingRate{
				Exchange:        exchange.GateIO,
				Symbol:          symbol,
				Rate:            parseDecimal(tk.FundingRate),
				MarkPrice:       parseDecimal(tk.MarkPrice),
				NextFundingTime: next,
				ReceivedAt:      time.Now().UTC(),
				Source:          exchange.SourceWebsocket,
				Interval:        interval,
			})
		}
	}
}
