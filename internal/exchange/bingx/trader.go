package bingx

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
)

// Trader executes authenticated trading operations on BingX perpetual swaps.
// BingX runs hedge mode; every order names the position side it acts on.
type Trader struct {
	rest *RestClient
}

// NewTrader builds a trader from decrypted credentials
func NewTrader(creds exchange.Credentials) *Trader {
	return &Trader{rest: NewRestClient(creds)}
}

// ID returns the exchange identifier
func (t *Trader) ID() exchange.ID { return exchange.BingX }

// CreateMarketOrder places a market order; fills and fees come back on the
// order object directly.
func (t *Trader) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("side", string(side))
	params.Set("positionSide", string(positionSideFor(side, reduceOnly)))
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())

	placed, err := t.rest.createOrder(ctx, params)
	if err != nil {
		return nil, err
	}

	orderID := strconv.FormatInt(placed.OrderID, 10)
	result := &exchange.OrderResult{
		OrderID:   orderID,
		AvgPrice:  parseDecimal(placed.AvgPrice),
		FilledQty: parseDecimal(placed.ExecutedQty),
		Fee:       parseDecimal(placed.Commission).Abs(),
	}
	// market fills can settle just after the response; re-query when empty
	if result.AvgPrice.IsZero() {
		if od, err := t.rest.fetchOrder(ctx, venueSymbol, orderID); err == nil {
			result.AvgPrice = parseDecimal(od.AvgPrice)
			result.FilledQty = parseDecimal(od.ExecutedQty)
			result.Fee = parseDecimal(od.Commission).Abs()
		}
	}
	return result, nil
}

// SetLeverage sets the leverage for both position sides
func (t *Trader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
	if err != nil {
		return err
	}
	for _, side := range []string{"LONG", "SHORT"} {
		if err := t.rest.setLeverage(ctx, venueSymbol, side, leverage); err != nil {
			return err
		}
	}
	return nil
}

// PlaceConditional places a close-position stop or take-profit market order
func (t *Trader) PlaceConditional(ctx context.Context, symbol string, kind exchange.ConditionalKind, trigger decimal.Decimal, side exchange.PositionSide) (string, error) {
	venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
	if err != nil {
		return "", err
	}

	// the closing order trades against the leg
	orderSide := exchange.Sell
	if side == exchange.Short {
		orderSide = exchange.Buy
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("side", string(orderSide))
	params.Set("positionSide", string(side))
	params.Set("type", string(kind))
	params.Set("stopPrice", trigger.String())
	params.Set("closePosition", "true")
	params.Set("workingType", "MARK_PRICE")

	placed, err := t.rest.createOrder(ctx, params)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(placed.OrderID, 10), nil
}

// CancelOrder cancels a pending order
func (t *Trader) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
	if err != nil {
		return err
	}
	return t.rest.cancelOrder(ctx, venueSymbol, orderID)
}

// FetchOrder queries an order by id
func (t *Trader) FetchOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
	if err != nil {
		return nil, err
	}
	od, err := t.rest.fetchOrder(ctx, venueSymbol, orderID)
	if err != nil {
		return nil, err
	}
	return toOrder(symbol, od), nil
}

// FetchOrderHistory queries an order by id; BingX serves open and finished
// orders from the same endpoint.
func (t *Trader) FetchOrderHistory(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	return t.FetchOrder(ctx, symbol, orderID)
}

// CheckOrderExists reports whether the order is still in the open set
func (t *Trader) CheckOrderExists(ctx context.Context, symbol, orderID string) (bool, error) {
	venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
	if err != nil {
		return false, err
	}
	rows, err := t.rest.fetchOpenOrders(ctx, venueSymbol)
	if err != nil {
		var reject *exchange.RejectError
		if errors.As(err, &reject) {
			return false, nil
		}
		return false, err
	}
	for _, od := range rows {
		if strconv.FormatInt(od.OrderID, 10) == orderID {
			return true, nil
		}
	}
	return false, nil
}

// FetchFundingHistory lists settled funding payments for the window
func (t *Trader) FetchFundingHistory(ctx context.Context, symbol string, from, to time.Time) ([]exchange.FundingPayment, error) {
	venueSymbol, err := exchange.ToVenue(exchange.BingX, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := t.rest.fetchFundingIncome(ctx, venueSymbol, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.FundingPayment, 0, len(rows))
	for _, r := range rows {
		out = append(out, exchange.FundingPayment{
			Exchange: exchange.BingX,
			Symbol:   symbol,
			Amount:   parseDecimal(r.Income),
			Time:     time.UnixMilli(r.Time).UTC(),
		})
	}
	return out, nil
}

func toOrder(symbol string, od *orderData) *exchange.Order {
	return &exchange.Order{
		Exchange:     exchange.BingX,
		Symbol:       symbol,
		OrderID:      strconv.FormatInt(od.OrderID, 10),
		Status:       mapOrderStatus(od.Status),
		Side:         exchange.Side(od.Side),
		PositionSide: exchange.PositionSide(od.PositionSide),
		Type:         exchange.OrderType(od.Type),
		Price:        parseDecimal(od.Price),
		AvgPrice:     parseDecimal(od.AvgPrice),
		OrigQty:      parseDecimal(od.OrigQty),
		FilledQty:    parseDecimal(od.ExecutedQty),
		StopPrice:    parseDecimal(od.StopPrice),
		Fee:          parseDecimal(od.Commission).Abs(),
		RealizedPnl:  parseDecimal(od.Profit),
		UpdateTime:   time.UnixMilli(od.UpdateTime).UTC(),
	}
}

func positionSideFor(side exchange.Side, reduceOnly bool) exchange.PositionSide {
	if side == exchange.Buy {
		if reduceOnly {
			return exchange.Short
		}
		return exchange.Long
	}
	if reduceOnly {
		return exchange.Long
	}
	return exchange.Short
}

func mapOrderStatus(status string) exchange.OrderStatus {
	switch status {
	case "NEW", "PENDING":
		return exchange.OrderNew
	case "PARTIALLY_FILLED":
		return exchange.OrderPartiallyFilled
	case "FILLED":
		return exchange.OrderFilled
	case "CANCELED", "CANCELLED":
		return exchange.OrderCanceled
	case "TRIGGERED":
		return exchange.OrderTriggered
	}
	return exchange.OrderExpired
}

// parseDecimal parses a venue decimal string; empty means zero
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
