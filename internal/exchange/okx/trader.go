package okx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
)

// Trader executes authenticated trading operations on OKX swaps
type Trader struct {
	rest *RestClient
}

// NewTrader builds a trader from decrypted credentials
func NewTrader(creds exchange.Credentials) *Trader {
	return &Trader{rest: NewRestClient(creds)}
}

// ID returns the exchange identifier
func (t *Trader) ID() exchange.ID { return exchange.OKX }

// CreateMarketOrder places a market order and polls briefly for settlement
// so the returned fill price and fee are final.
func (t *Trader) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	instID, err := exchange.ToVenue(exchange.OKX, symbol)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    sideWord(side),
		"ordType": "market",
		"sz":      qty.String(),
	}
	if reduceOnly {
		req["reduceOnly"] = true
	}

	placed, err := t.rest.placeOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	// market orders settle near-instantly; one short poll covers the gap
	// between placement ack and fill visibility
	var filled *orderData
	for attempt := 0; attempt < 5; attempt++ {
		od, err := t.rest.fetchOrder(ctx, instID, placed.OrdID)
		if err != nil {
			return nil, err
		}
		if od.State == "filled" {
			filled = od
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if filled == nil {
		return nil, &exchange.RejectError{Exchange: exchange.OKX, Code: "UNFILLED",
			Message: fmt.Sprintf("market order %s not filled", placed.OrdID)}
	}

	return &exchange.OrderResult{
		OrderID:   filled.OrdID,
		AvgPrice:  parseDecimal(filled.AvgPx),
		FilledQty: parseDecimal(filled.AccFillSz),
		Fee:       parseDecimal(filled.Fee).Abs(),
	}, nil
}

// SetLeverage sets cross leverage for a symbol
func (t *Trader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	instID, err := exchange.ToVenue(exchange.OKX, symbol)
	if err != nil {
		return err
	}
	return t.rest.setLeverage(ctx, instID, leverage)
}

// PlaceConditional places a conditional algo order triggering at the price
func (t *Trader) PlaceConditional(ctx context.Context, symbol string, kind exchange.ConditionalKind, trigger decimal.Decimal, side exchange.PositionSide) (string, error) {
	instID, err := exchange.ToVenue(exchange.OKX, symbol)
	if err != nil {
		return "", err
	}

	orderSide := "sell"
	if side == exchange.Short {
		orderSide = "buy"
	}

	req := map[string]any{
		"instId":        instID,
		"tdMode":        "cross",
		"side":          orderSide,
		"posSide":       posSideWord(side),
		"ordType":       "conditional",
		"closeFraction": "1",
	}
	// -1 order price means execute at market once triggered
	if kind == exchange.CondStopLoss {
		req["slTriggerPx"] = trigger.String()
		req["slOrdPx"] = "-1"
	} else {
		req["tpTriggerPx"] = trigger.String()
		req["tpOrdPx"] = "-1"
	}

	return t.rest.placeAlgoOrder(ctx, req)
}

// CancelOrder cancels a pending conditional algo order
func (t *Trader) CancelOrder(ctx context.Context, symbol, orderID string) error {
	instID, err := exchange.ToVenue(exchange.OKX, symbol)
	if err != nil {
		return err
	}
	return t.rest.cancelAlgoOrder(ctx, instID, orderID)
}

// FetchOrder queries a regular order by id
func (t *Trader) FetchOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	instID, err := exchange.ToVenue(exchange.OKX, symbol)
	if err != nil {
		return nil, err
	}
	od, err := t.rest.fetchOrder(ctx, instID, orderID)
	if err != nil {
		return nil, err
	}
	return &exchange.Order{
		Exchange:      exchange.OKX,
		Symbol:        symbol,
		OrderID:       od.OrdID,
		ClientOrderID: od.ClOrdID,
		Status:        mapOrderState(od.State),
		Side:          exchange.Side(upperSide(od.Side)),
		PositionSide:  mapPosSide(od.PosSide),
		Type:          exchange.Market,
		Price:         parseDecimal(od.Px),
		AvgPrice:      parseDecimal(od.AvgPx),
		OrigQty:       parseDecimal(od.Sz),
		FilledQty:     parseDecimal(od.AccFillSz),
		Fee:           parseDecimal(od.Fee).Abs(),
		RealizedPnl:   parseDecimal(od.Pnl),
		UpdateTime:    parseMillis(od.UTime),
	}, nil
}

// FetchOrderHistory looks the algo order up in history, where triggered and
// canceled conditionals land.
func (t *Trader) FetchOrderHistory(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	path := "/api/v5/trade/orders-algo-history?ordType=conditional&algoId=" + orderID
	rows, err := t.rest.fetchAlgoOrders(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &exchange.RejectError{Exchange: exchange.OKX, Code: "51603", Message: "algo order not in history"}
	}
	return algoToOrder(symbol, &rows[0]), nil
}

// CheckOrderExists reports whether the algo order is still pending
func (t *Trader) CheckOrderExists(ctx context.Context, symbol, orderID string) (bool, error) {
	path := "/api/v5/trade/orders-algo-pending?ordType=conditional&algoId=" + orderID
	rows, err := t.rest.fetchAlgoOrders(ctx, path)
	if err != nil {
		var reject *exchange.RejectError
		if errors.As(err, &reject) {
			return false, nil
		}
		return false, err
	}
	return len(rows) > 0, nil
}

// FetchFundingHistory lists settled funding payments for the window
func (t *Trader) FetchFundingHistory(ctx context.Context, symbol string, from, to time.Time) ([]exchange.FundingPayment, error) {
	instID, err := exchange.ToVenue(exchange.OKX, symbol)
	if err != nil {
		return nil, err
	}

	bills, err := t.rest.fetchFundingBills(ctx, instID, from, to)
	if err != nil {
		return nil, err
	}

	out := make([]exchange.FundingPayment, 0, len(bills))
	for _, b := range bills {
		out = append(out, exchange.FundingPayment{
			Exchange: exchange.OKX,
			Symbol:   symbol,
			Amount:   parseDecimal(b.BalChg),
			Time:     parseMillis(b.Ts),
		})
	}
	return out, nil
}

func algoToOrder(symbol string, a *algoOrderData) *exchange.Order {
	kind := exchange.StopMarket
	stopPx := a.SlTriggerPx
	if a.TpTriggerPx != "" {
		kind = exchange.TakeProfitMarket
		stopPx = a.TpTriggerPx
	}
	return &exchange.Order{
		Exchange:     exchange.OKX,
		Symbol:       symbol,
		OrderID:      a.AlgoID,
		Status:       mapAlgoState(a.State),
		Side:         exchange.Side(upperSide(a.Side)),
		PositionSide: mapPosSide(a.PosSide),
		Type:         kind,
		OrigQty:      parseDecimal(a.Sz),
		StopPrice:    parseDecimal(stopPx),
		UpdateTime:   parseMillis(a.UTime),
	}
}

func mapOrderState(s string) exchange.OrderStatus {
	switch s {
	case "live":
		return exchange.OrderNew
	case "partially_filled":
		return exchange.OrderPartiallyFilled
	case "filled":
		return exchange.OrderFilled
	case "canceled", "mmp_canceled":
		return exchange.OrderCanceled
	}
	return exchange.OrderStatus(s)
}

// mapAlgoState maps algo states: "effective" means the trigger fired
func mapAlgoState(s string) exchange.OrderStatus {
	switch s {
	case "live":
		return exchange.OrderNew
	case "effective":
		return exchange.OrderTriggered
	case "canceled":
		return exchange.OrderCanceled
	case "order_failed":
		return exchange.OrderExpired
	}
	return exchange.OrderStatus(s)
}

func mapPosSide(s string) exchange.PositionSide {
	if s == "short" {
		return exchange.Short
	}
	return exchange.Long
}

func sideWord(s exchange.Side) string {
	if s == exchange.Sell {
		return "sell"
	}
	return "buy"
}

func posSideWord(s exchange.PositionSide) string {
	if s == exchange.Short {
		return "short"
	}
	return "long"
}

func upperSide(s string) string {
	if s == "sell" {
		return "SELL"
	}
	return "BUY"
}
