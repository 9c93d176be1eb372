package binance

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
)

// Trader executes authenticated trading operations on Binance futures
type Trader struct {
	rest *RestClient
}

// NewTrader builds a trader from decrypted credentials
func NewTrader(creds exchange.Credentials) *Trader {
	return &Trader{rest: NewRestClient(creds)}
}

// ID returns the exchange identifier
func (t *Trader) ID() exchange.ID { return exchange.Binance }

// CreateMarketOrder places a market order and returns the settled result,
// with the fee summed from the order's fills.
func (t *Trader) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	resp, err := t.rest.createOrder(ctx, params)
	if err != nil {
		return nil, err
	}

	result := &exchange.OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		AvgPrice:  parseDecimal(resp.AvgPrice),
		FilledQty: parseDecimal(resp.ExecutedQty),
	}

	// fee is only visible on the fills, not the order response
	if trades, err := t.rest.fetchOrderTrades(ctx, venueSymbol, resp.OrderID); err == nil {
		for _, tr := range trades {
			result.Fee = result.Fee.Add(parseDecimal(tr.Commission))
		}
	}
	return result, nil
}

// SetLeverage sets the leverage for a symbol
func (t *Trader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
	if err != nil {
		return err
	}
	return t.rest.setLeverage(ctx, venueSymbol, leverage)
}

// PlaceConditional places a close-position stop or take-profit market order
func (t *Trader) PlaceConditional(ctx context.Context, symbol string, kind exchange.ConditionalKind, trigger decimal.Decimal, side exchange.PositionSide) (string, error) {
	venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
	if err != nil {
		return "", err
	}

	// conditional orders close the leg, so the order side opposes it
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

	resp, err := t.rest.createOrder(ctx, params)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder cancels an open order
func (t *Trader) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
	if err != nil {
		return err
	}
	return t.rest.cancelOrder(ctx, venueSymbol, orderID)
}

// FetchOrder queries the order regardless of state
func (t *Trader) FetchOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	return t.queryOrder(ctx, "/fapi/v1/order", symbol, orderID)
}

// FetchOrderHistory queries historical orders, including triggered and
// expired conditionals. Binance serves both from the same endpoint.
func (t *Trader) FetchOrderHistory(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	return t.queryOrder(ctx, "/fapi/v1/order", symbol, orderID)
}

func (t *Trader) queryOrder(ctx context.Context, path, symbol, orderID string) (*exchange.Order, error) {
	venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
	if err != nil {
		return nil, err
	}

	resp, err := t.rest.fetchOrder(ctx, path, venueSymbol, orderID)
	if err != nil {
		return nil, err
	}
	return &exchange.Order{
		Exchange:      exchange.Binance,
		Symbol:        symbol,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        mapOrderStatus(resp.Status),
		Side:          exchange.Side(resp.Side),
		PositionSide:  exchange.PositionSide(resp.PositionSide),
		Type:          exchange.OrderType(resp.Type),
		Price:         parseDecimal(resp.Price),
		AvgPrice:      parseDecimal(resp.AvgPrice),
		OrigQty:       parseDecimal(resp.OrigQty),
		FilledQty:     parseDecimal(resp.ExecutedQty),
		StopPrice:     parseDecimal(resp.StopPrice),
		UpdateTime:    time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

// CheckOrderExists reports whether the order is still in the open set.
// A venue "order does not exist" rejection means triggered or gone, not an
// operational failure.
func (t *Trader) CheckOrderExists(ctx context.Context, symbol, orderID string) (bool, error) {
	venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
	if err != nil {
		return false, err
	}

	_, err = t.rest.fetchOrder(ctx, "/fapi/v1/openOrder", venueSymbol, orderID)
	if err != nil {
		var reject *exchange.RejectError
		if errors.As(err, &reject) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FetchFundingHistory lists settled funding payments for the window
func (t *Trader) FetchFundingHistory(ctx context.Context, symbol string, from, to time.Time) ([]exchange.FundingPayment, error) {
	venueSymbol, err := exchange.ToVenue(exchange.Binance, symbol)
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
			Exchange: exchange.Binance,
			Symbol:   symbol,
			Amount:   parseDecimal(r.Income),
			Time:     time.UnixMilli(r.Time).UTC(),
		})
	}
	return out, nil
}

// mapOrderStatus maps venue order states onto the canonical set
func mapOrderStatus(s string) exchange.OrderStatus {
	switch s {
	case "NEW":
		return exchange.OrderNew
	case "PARTIALLY_FILLED":
		return exchange.OrderPartiallyFilled
	case "FILLED":
		return exchange.OrderFilled
	case "CANCELED":
		return exchange.OrderCanceled
	case "EXPIRED":
		return exchange.OrderExpired
	}
	return exchange.OrderStatus(s)
}
