package gateio

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
)

// Trader executes authenticated trading operations on Gate.io USDT futures.
// Gate sizes orders in contracts, not base currency; the trader converts
// using each contract's quanto multiplier.
type Trader struct {
	rest *RestClient

	mu          sync.RWMutex
	multipliers map[string]decimal.Decimal // contract -> quanto multiplier
}

// NewTrader builds a trader from decrypted credentials
func NewTrader(creds exchange.Credentials) *Trader {
	return &Trader{
		rest:        NewRestClient(creds),
		multipliers: make(map[string]decimal.Decimal),
	}
}

// ID returns the exchange identifier
func (t *Trader) ID() exchange.ID { return exchange.GateIO }

// CreateMarketOrder places an IOC market order (price "0") and returns the
// settled result with fees summed from fills.
func (t *Trader) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	contractName, err := exchange.ToVenue(exchange.GateIO, symbol)
	if err != nil {
		return nil, err
	}

	size, err := t.toContracts(ctx, contractName, qty)
	if err != nil {
		return nil, err
	}
	// negative size sells, positive buys
	if side == exchange.Sell {
		size = -size
	}

	req := map[string]any{
		"contract": contractName,
		"size":     size,
		"price":    "0",
		"tif":      "ioc",
	}
	if reduceOnly {
		req["reduce_only"] = true
	}

	placed, err := t.rest.placeOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	orderID := strconv.FormatInt(placed.ID, 10)
	filledContracts := placed.Size - placed.Left
	if filledContracts < 0 {
		filledContracts = -filledContracts
	}

	result := &exchange.OrderResult{
		OrderID:   orderID,
		AvgPrice:  parseDecimal(placed.FillPrice),
		FilledQty: t.fromContracts(contractName, filledContracts),
	}
	if trades, err := t.rest.fetchOrderTrades(ctx, orderID); err == nil {
		for _, tr := range trades {
			result.Fee = result.Fee.Add(parseDecimal(tr.Fee).Abs())
		}
	}
	return result, nil
}

// SetLeverage sets the leverage for a contract
func (t *Trader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	contractName, err := exchange.ToVenue(exchange.GateIO, symbol)
	if err != nil {
		return err
	}
	return t.rest.setLeverage(ctx, contractName, leverage)
}

// PlaceConditional places a close-position price-triggered order
func (t *Trader) PlaceConditional(ctx context.Context, symbol string, kind exchange.ConditionalKind, trigger decimal.Decimal, side exchange.PositionSide) (string, error) {
	contractName, err := exchange.ToVenue(exchange.GateIO, symbol)
	if err != nil {
		return "", err
	}

	// rule 1 fires when price >= trigger, rule 2 when price <= trigger
	rule := 2
	if (side == exchange.Long && kind == exchange.CondTakeProfit) ||
		(side == exchange.Short && kind == exchange.CondStopLoss) {
		rule = 1
	}

	req := map[string]any{
		"initial": map[string]any{
			"contract":    contractName,
			"size":        0,
			"price":       "0",
			"close":       true,
			"reduce_only": true,
		},
		"trigger": map[string]any{
			"strategy_type": 0,
			"price_type":    1, // mark price
			"price":         trigger.String(),
			"rule":          rule,
		},
	}

	id, err := t.rest.placePriceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// CancelOrder cancels a pending price-triggered order
func (t *Trader) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return t.rest.cancelPriceOrder(ctx, orderID)
}

// FetchOrder queries a regular order by id
func (t *Trader) FetchOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	od, err := t.rest.fetchOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	side := exchange.Buy
	size := od.Size
	if size < 0 {
		side = exchange.Sell
		size = -size
	}
	return &exchange.Order{
		Exchange:   exchange.GateIO,
		Symbol:     symbol,
		OrderID:    strconv.FormatInt(od.ID, 10),
		Status:     mapOrderStatus(od),
		Side:       side,
		Type:       exchange.Market,
		AvgPrice:   parseDecimal(od.FillPrice),
		OrigQty:    t.fromContracts(od.Contract, size),
		FilledQty:  t.fromContracts(od.Contract, size-od.Left),
		UpdateTime: unixFloat(od.FinishTime),
	}, nil
}

// FetchOrderHistory looks the price-triggered order up; Gate serves open
// and finished orders from the same endpoint.
func (t *Trader) FetchOrderHistory(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	po, err := t.rest.fetchPriceOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &exchange.Order{
		Exchange:   exchange.GateIO,
		Symbol:     symbol,
		OrderID:    strconv.FormatInt(po.ID, 10),
		Status:     mapPriceOrderStatus(po),
		Type:       exchange.StopMarket,
		StopPrice:  parseDecimal(po.Trigger.Price),
		UpdateTime: unixFloat(po.FinishTime),
	}, nil
}

// CheckOrderExists reports whether the price-triggered order is still open
func (t *Trader) CheckOrderExists(ctx context.Context, symbol, orderID string) (bool, error) {
	po, err := t.rest.fetchPriceOrder(ctx, orderID)
	if err != nil {
		var reject *exchange.RejectError
		if errors.As(err, &reject) {
			return false, nil
		}
		return false, err
	}
	return po.Status == "open", nil
}

// FetchFundingHistory lists settled funding payments for the window.
// Gate's account book is per-account; rows are matched to the contract by
// the entry text.
func (t *Trader) FetchFundingHistory(ctx context.Context, symbol string, from, to time.Time) ([]exchange.FundingPayment, error) {
	contractName, err := exchange.ToVenue(exchange.GateIO, symbol)
	if err != nil {
		return nil, err
	}

	rows, err := t.rest.fetchFundingBook(ctx, from, to)
	if err != nil {
		return nil, err
	}

	var out []exchange.FundingPayment
	for _, r := range rows {
		if r.Text != contractName {
			continue
		}
		out = append(out, exchange.FundingPayment{
			Exchange: exchange.GateIO,
			Symbol:   symbol,
			Amount:   parseDecimal(r.Change),
			Time:     unixFloat(r.Time),
		})
	}
	return out, nil
}

// toContracts converts a base-currency quantity to contract count
func (t *Trader) toContracts(ctx context.Context, contractName string, qty decimal.Decimal) (int64, error) {
	mult, err := t.multiplier(ctx, contractName)
	if err != nil {
		return 0, err
	}
	size := qty.Div(mult).IntPart()
	if size <= 0 {
		return 0, &exchange.RejectError{Exchange: exchange.GateIO, Code: "SIZE_TOO_SMALL",
			Message: "quantity below one contract"}
	}
	return size, nil
}

func (t *Trader) fromContracts(contractName string, size int64) decimal.Decimal {
	t.mu.RLock()
	mult, ok := t.multipliers[contractName]
	t.mu.RUnlock()
	if !ok || mult.IsZero() {
		return decimal.NewFromInt(size)
	}
	return decimal.NewFromInt(size).Mul(mult)
}

func (t *Trader) multiplier(ctx context.Context, contractName string) (decimal.Decimal, error) {
	t.mu.RLock()
	mult, ok := t.multipliers[contractName]
	t.mu.RUnlock()
	if ok {
		return mult, nil
	}

	ct, err := t.rest.FetchContract(ctx, contractName)
	if err != nil {
		return decimal.Zero, err
	}
	mult = parseDecimal(ct.QuantoMultiplier)
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}

	t.mu.Lock()
	t.multipliers[contractName] = mult
	t.mu.Unlock()
	return mult, nil
}

func mapOrderStatus(od *futuresOrder) exchange.OrderStatus {
	if od.Status == "open" {
		if od.Left != od.Size {
			return exchange.OrderPartiallyFilled
		}
		return exchange.OrderNew
	}
	switch od.FinishAs {
	case "filled":
		return exchange.OrderFilled
	case "cancelled":
		return exchange.OrderCanceled
	}
	return exchange.OrderExpired
}

func mapPriceOrderStatus(po *priceOrder) exchange.OrderStatus {
	if po.Status == "open" {
		return exchange.OrderNew
	}
	switch po.FinishAs {
	case "succeeded":
		return exchange.OrderTriggered
	case "cancelled":
		return exchange.OrderCanceled
	}
	return exchange.OrderExpired
}

func unixFloat(secs float64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}
