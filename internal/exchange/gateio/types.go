package gateio

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// contract is one row of /futures/usdt/contracts
type contract struct {
	Name             string `json:"name"`
	FundingRate      string `json:"funding_rate"`
	FundingInterval  int64  `json:"funding_interval"` // seconds
	FundingNextApply int64  `json:"funding_next_apply"`
	MarkPrice        string `json:"mark_price"`
	QuantoMultiplier string `json:"quanto_multiplier"`
	InDelisting      bool   `json:"in_delisting"`
}

// futuresOrder is an order placement/query response
type futuresOrder struct {
	ID           int64   `json:"id"`
	Contract     string  `json:"contract"`
	Status       string  `json:"status"` // open, finished
	FinishAs     string  `json:"finish_as"`
	Size         int64   `json:"size"`
	Left         int64   `json:"left"`
	Price        string  `json:"price"`
	FillPrice    string  `json:"fill_price"`
	IsReduceOnly bool    `json:"is_reduce_only"`
	CreateTime   float64 `json:"create_time"`
	FinishTime   float64 `json:"finish_time"`
	Text         string  `json:"text"`
}

// priceOrder is a conditional (price-triggered) order
type priceOrder struct {
	ID       int64  `json:"id"`
	Status   string `json:"status"`    // open, finished, inactive, invalid
	FinishAs string `json:"finish_as"` // cancelled, succeeded, failed, expired
	Initial  struct {
		Contract string `json:"contract"`
		Size     int64  `json:"size"`
		Price    string `json:"price"`
	} `json:"initial"`
	Trigger struct {
		Price string `json:"price"`
		Rule  int    `json:"rule"`
	} `json:"trigger"`
	CreateTime float64 `json:"create_time"`
	FinishTime float64 `json:"finish_time"`
}

// myTrade is one fill row of /futures/usdt/my_trades
type myTrade struct {
	OrderID string `json:"order_id"`
	Fee     string `json:"fee"`
	Price   string `json:"price"`
	Size    int64  `json:"size"`
}

// accountBookEntry is one row of /futures/usdt/account_book
type accountBookEntry struct {
	Time   float64 `json:"time"`
	Change string  `json:"change"`
	Type   string  `json:"type"`
	Text   string  `json:"text"`
}

// futuresAccount is /futures/usdt/accounts
type futuresAccount struct {
	User  int64  `json:"user"`
	Total string `json:"total"`
}

// apiError is the venue error envelope
type apiError struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

// wsFrame is the stream envelope for both directions
type wsFrame struct {
	Time    int64           `json:"time,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Op      string          `json:"op,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// wsTicker is one row of the futures.tickers channel
type wsTicker struct {
	Contract              string `json:"contract"`
	MarkPrice             string `json:"mark_price"`
	FundingRate           string `json:"funding_rate"`
	FundingRateIndicative string `json:"funding_rate_indicative"`
}

// wsOrder is one row of the futures.orders channel
type wsOrder struct {
	ID           int64   `json:"id"`
	Contract     string  `json:"contract"`
	Status       string  `json:"status"`
	FinishAs     string  `json:"finish_as"`
	Size         int64   `json:"size"`
	Left         int64   `json:"left"`
	FillPrice    string  `json:"fill_price"`
	IsReduceOnly bool    `json:"is_reduce_only"`
	FinishTime   float64 `json:"finish_time_ms"`
}

// wsBalance is one row of the futures.balances channel
type wsBalance struct {
	Balance  decimal.Decimal `json:"balance"`
	Change   decimal.Decimal `json:"change"`
	Currency string          `json:"currency"`
	Type     string          `json:"type"`
	Time     int64           `json:"time"`
}
