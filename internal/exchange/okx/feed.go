// Package okx adapts OKX perpetual swaps to the exchange capability set.
package okx

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/wsconn"
)

const publicWSURL = "wss://ws.okx.com:8443/ws/v5/public"

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultInterval = 8 * time.Hour

// pingCodec implements OKX's literal "ping"/"pong" text heartbeat
type pingCodec struct{}

func (pingCodec) Ping() []byte          { return []byte("ping") }
func (pingCodec) IsPong(msg []byte) bool { return bytes.Equal(msg, []byte("pong")) }

// Feed streams funding rates and mark prices from the public stream.
// OKX delivers the two on separate channels; the feed caches the latest
// mark price and attaches it to each funding-rate emission.
type Feed struct {
	rest *RestClient
	mgr  *wsconn.Manager

	mu    sync.RWMutex
	marks map[string]decimal.Decimal // instId -> latest mark price

	funding exchange.FundingHandler
	errh    exchange.ErrorHandler
}

// NewFeed creates the public market-data feed
func NewFeed() *Feed {
	f := &Feed{
		rest:  NewRestClient(exchange.Credentials{}),
		marks: make(map[string]decimal.Decimal),
	}
	f.mgr = wsconn.NewManager(wsconn.Config{
		Name:            "okx-public",
		URL:             publicWSURL,
		Codec:           pingCodec{},
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
func (f *Feed) ID() exchange.ID { return exchange.OKX }

// Connect opens the stream
func (f *Feed) Connect(ctx context.Context) error { return f.mgr.Connect(ctx) }

// Disconnect closes the stream
func (f *Feed) Disconnect() error {
	f.mgr.Disconnect()
	return nil
}

// SubscribeMarkPrice subscribes funding-rate and mark-price channels
func (f *Feed) SubscribeMarkPrice(symbols ...string) error {
	for _, symbol := range symbols {
		instID, err := exchange.ToVenue(exchange.OKX, symbol)
		if err != nil {
			return err
		}
		for _, channel := range []string{"funding-rate", "mark-price"} {
			payload, err := jsonFast.Marshal(map[string]any{
				"op":   "subscribe",
				"args": []wsArg{{Channel: channel, InstID: instID}},
			})
			if err != nil {
				return err
			}
			if err := f.mgr.Subscribe(channel+":"+instID, payload); err != nil {
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
	instID, err := exchange.ToVenue(exchange.OKX, symbol)
	if err != nil {
		return nil, err
	}

	rows, err := f.rest.FetchFundingRates(ctx, instID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &exchange.InvalidSymbolError{Exchange: exchange.OKX, Symbol: symbol}
	}

	fr, err := f.toFundingRate(&rows[0], exchange.SourceRest)
	if err != nil {
		return nil, err
	}
	if marks, err := f.rest.FetchMarkPrices(ctx, instID); err == nil && len(marks) > 0 {
		fr.MarkPrice = parseDecimal(marks[0].MarkPx)
	}
	return fr, nil
}

// FetchFundingRates fetches current rates for every listed swap
func (f *Feed) FetchFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	rows, err := f.rest.FetchFundingRates(ctx, "ANY")
	if err != nil {
		return nil, err
	}

	markByInst := make(map[string]decimal.Decimal)
	if marks, err := f.rest.FetchMarkPrices(ctx, ""); err == nil {
		for _, m := range marks {
			markByInst[m.InstID] = parseDecimal(m.MarkPx)
		}
	}

	out := make([]exchange.FundingRate, 0, len(rows))
	for i := range rows {
		fr, err := f.toFundingRate(&rows[i], exchange.SourceRest)
		if err != nil {
			continue
		}
		fr.MarkPrice = markByInst[rows[i].InstID]
		out = append(out, *fr)
	}
	return out, nil
}

func (f *Feed) toFundingRate(row *fundingRateData, source exchange.Source) (*exchange.FundingRate, error) {
	symbol, err := exchange.FromVenue(exchange.OKX, row.InstID)
	if err != nil {
		return nil, err
	}
	return &exchange.FundingRate{
		Exchange:        exchange.OKX,
		Symbol:          symbol,
		Rate:            parseDecimal(row.FundingRate),
		NextFundingTime: parseMillis(row.NextFundingTime),
		ReceivedAt:      time.Now().UTC(),
		Source:          source,
		Interval:        settlementInterval(row),
	}, nil
}

// settlementInterval derives the interval from consecutive funding times
func settlementInterval(row *fundingRateData) time.Duration {
	current := parseMillis(row.FundingTime)
	next := parseMillis(row.NextFundingTime)
	if !current.IsZero() && next.After(current) {
		return next.Sub(current).Round(time.Hour)
	}
	return defaultInterval
}

func (f *Feed) handleMessage(msg []byte) {
	var m wsMessage
	if err := jsonFast.Unmarshal(msg, &m); err != nil {
		return
	}
	if m.Event == "error" {
		log.Warn().Str("code", m.Code).Str("msg", m.Msg).Msg("OKX subscription error")
		if f.errh != nil {
			f.errh(&exchange.RejectError{Exchange: exchange.OKX, Code: m.Code, Message: m.Msg})
		}
		return
	}
	if len(m.Data) == 0 {
		return // subscribe acks
	}

	switch m.Arg.Channel {
	case "mark-price":
		var rows []markPriceData
		if err := jsonFast.Unmarshal(m.Data, &rows); err != nil {
			return
		}
		f.mu.Lock()
		for _, r := range rows {
			f.marks[r.InstID] = parseDecimal(r.MarkPx)
		}
		f.mu.Unlock()

	case "funding-rate":
		var rows []fundingRateData
		if err := jsonFast.Unmarshal(m.Data, &rows); err != nil {
			log.Debug().Err(err).Msg("Dropping malformed OKX funding rate")
			return
		}
		for i := range rows {
			fr, err := f.toFundingRate(&rows[i], exchange.SourceWebsocket)
			if err != nil {
				continue
			}
			f.mu.RLock()
			fr.MarkPrice = f.marks[rows[i].InstID]
			f.mu.RUnlock()
			if f.funding != nil {
				f.funding(fr)
			}
		}
	}
}

func (f *Feed) emitError(err error) {
	if f.errh != nil {
		f.errh(fmt.Errorf("okx feed: %w", err))
	}
}
