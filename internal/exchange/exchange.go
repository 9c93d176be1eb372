package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ID identifies a supported exchange
type ID string

const (
	Binance ID = "binance"
	OKX     ID = "okx"
	GateIO  ID = "gateio"
	MEXC    ID = "mexc"
	BingX   ID = "bingx"
)

// All returns every supported exchange in stable order
func All() []ID {
	return []ID{Binance, OKX, GateIO, MEXC, BingX}
}

// Valid reports whether id names a supported exchange
func (id ID) Valid() bool {
	switch id {
	case Binance, OKX, GateIO, MEXC, BingX:
		return true
	}
	return false
}

// Side is the order side
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// PositionSide distinguishes the two legs of a hedged position
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Opposite returns the other leg
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// OrderType is the venue order type
type OrderType string

const (
	Market           OrderType = "MARKET"
	Limit            OrderType = "LIMIT"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// ConditionalKind selects which conditional order to place
type ConditionalKind string

const (
	CondStopLoss   ConditionalKind = "STOP_MARKET"
	CondTakeProfit ConditionalKind = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the canonical order state
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderTriggered       OrderStatus = "TRIGGERED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Source marks where a funding rate record came from
type Source string

const (
	SourceWebsocket Source = "websocket"
	SourceRest      Source = "rest"
)

// Environment selects mainnet or testnet credentials
type Environment string

const (
	Mainnet Environment = "MAINNET"
	Testnet Environment = "TESTNET"
)

// BalanceReason categorizes a balance change
type BalanceReason string

const (
	ReasonDeposit    BalanceReason = "DEPOSIT"
	ReasonWithdrawal BalanceReason = "WITHDRAWAL"
	ReasonTrade      BalanceReason = "TRADE"
	ReasonFunding    BalanceReason = "FUNDING"
	ReasonUnknown    BalanceReason = "UNKNOWN"
)

// FundingRate is a single funding-rate observation for one (exchange, symbol).
// Immutable once emitted; superseded by the next observation for the same key.
type FundingRate struct {
	Exchange        ID              `json:"exchange"`
	Symbol          string          `json:"symbol"` // canonical, e.g. BTCUSDT
	Rate            decimal.Decimal `json:"rate"`
	MarkPrice       decimal.Decimal `json:"mark_price"` // zero when the venue omits it
	NextFundingTime time.Time       `json:"next_funding_time"`
	ReceivedAt      time.Time       `json:"received_at"`
	Source          Source          `json:"source"`
	Interval        time.Duration   `json:"interval"` // venue settlement interval (1h/2h/4h/8h)
}

// OrderUpdate is the canonical order-status event from a private stream
type OrderUpdate struct {
	Exchange      ID              `json:"exchange"`
	Symbol        string          `json:"symbol"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Status        OrderStatus     `json:"status"`
	Side          Side            `json:"side"`
	PositionSide  PositionSide    `json:"position_side"`
	Type          OrderType       `json:"order_type"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	UpdateTime    time.Time       `json:"update_time"`
}

// BalanceUpdate is the canonical balance event from a private stream
type BalanceUpdate struct {
	Exchange   ID              `json:"exchange"`
	Asset      string          `json:"asset"`
	Wallet     decimal.Decimal `json:"wallet_balance"`
	Change     decimal.Decimal `json:"balance_change"`
	Reason     BalanceReason   `json:"change_reason"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Order is the full order state as reported by a venue REST query
type Order struct {
	Exchange      ID
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	Side          Side
	PositionSide  PositionSide
	Type          OrderType
	Price         decimal.Decimal
	AvgPrice      decimal.Decimal
	OrigQty       decimal.Decimal
	FilledQty     decimal.Decimal
	StopPrice     decimal.Decimal
	Fee           decimal.Decimal
	RealizedPnl   decimal.Decimal
	UpdateTime    time.Time
}

// OrderResult is returned by CreateMarketOrder after the order settles
type OrderResult struct {
	OrderID   string
	AvgPrice  decimal.Decimal
	FilledQty decimal.Decimal
	Fee       decimal.Decimal
}

// FundingPayment is one settled funding fee from venue history
type FundingPayment struct {
	Exchange ID
	Symbol   string
	Amount   decimal.Decimal // positive = received, negative = paid
	Time     time.Time
}

// Credentials holds decrypted API credentials for one (user, exchange)
type Credentials struct {
	APIKey      string
	APISecret   string
	Passphrase  string // okx only
	Environment Environment
}

// FundingHandler receives funding-rate events
type FundingHandler func(fr *FundingRate)

// OrderHandler receives order-status events
type OrderHandler func(ou *OrderUpdate)

// BalanceHandler receives balance events
type BalanceHandler func(bu *BalanceUpdate)

// ErrorHandler receives stream errors
type ErrorHandler func(err error)

// Feed is the public market-data capability of a venue. One Feed per venue
// runs process-wide; mark-price subscriptions fan funding rates into the
// registered handler.
type Feed interface {
	ID() ID

	Connect(ctx context.Context) error
	Disconnect() error

	// SubscribeMarkPrice subscribes the mark-price/funding channel for
	// canonical symbols. Safe to call before Connect; subscriptions are
	// replayed after reconnect.
	SubscribeMarkPrice(symbols ...string) error

	// FetchFundingRate fetches the current rate for one canonical symbol
	FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// FetchFundingRates fetches current rates for the whole venue
	FetchFundingRates(ctx context.Context) ([]FundingRate, error)

	SetFundingHandler(h FundingHandler)
	SetErrorHandler(h ErrorHandler)

	IsConnected() bool
	LastMessageTime() time.Time
}

// UserStream is the authenticated private-stream capability of a venue,
// built per user from decrypted credentials.
type UserStream interface {
	ID() ID

	Connect(ctx context.Context) error
	Disconnect() error

	SetOrderHandler(h OrderHandler)
	SetBalanceHandler(h BalanceHandler)
	SetErrorHandler(h ErrorHandler)

	IsConnected() bool
}

// Trader is the authenticated trading capability of a venue, built per user
// from decrypted credentials. All symbols are canonical; adapters convert.
type Trader interface {
	ID() ID

	// CreateMarketOrder places a market order and waits for settlement
	CreateMarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal, reduceOnly bool) (*OrderResult, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceConditional places a STOP_MARKET or TAKE_PROFIT_MARKET order
	// triggering at the given price for the given leg.
	PlaceConditional(ctx context.Context, symbol string, kind ConditionalKind, trigger decimal.Decimal, side PositionSide) (orderID string, err error)

	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// FetchOrderHistory looks an order up in the venue's historical orders,
	// including triggered/expired conditionals no longer in the open set.
	FetchOrderHistory(ctx context.Context, symbol, orderID string) (*Order, error)

	// CheckOrderExists reports whether the order is still present in the
	// venue's open/untriggered order set.
	CheckOrderExists(ctx context.Context, symbol, orderID string) (bool, error)

	FetchFundingHistory(ctx context.Context, symbol string, from, to time.Time) ([]FundingPayment, error)
}

// Client bundles the per-user capabilities of one venue
type Client struct {
	Trader Trader
	Stream UserStream
}
