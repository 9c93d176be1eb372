package mexc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
)

// Numeric side codes used by the contract API
const (
	sideOpenLong   = 1
	sideCloseShort = 2
	sideOpenShort  = 3
	sideCloseLong  = 4
)

// Trader executes authenticated trading operations on MEXC USDT contracts.
// MEXC sizes orders in contracts; the trader converts using each contract's
// contractSize.
type Trader struct {
	rest *RestClient

	mu    sync.RWMutex
	sizes map[string]decimal.Decimal // contract -> contractSize
}

// NewTrader builds a trader from decrypted credentials
func NewTrader(creds exchange.Credentials) *Trader {
	return &Trader{
		rest:  NewRestClient(creds),
		sizes: make(map[string]decimal.Decimal),
	}
}

// ID returns the exchange identifier
func (t *Trader) ID() exchange.ID { return exchange.MEXC }

// CreateMarketOrder places a market order and polls until it settles.
// MEXC's submit response carries only the order id; fills and fees come
// from the follow-up order query.
func (t *Trader) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal, reduceOnly bool) (*exchange.OrderResult, error) {
	venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
	if err != nil {
		return nil, err
	}

	vol, err := t.toContracts(ctx, venueSymbol, qty)
	if err != nil {
		return nil, err
	}

	orderID, err := t.rest.submitOrder(ctx, map[string]any{
		"symbol":   venueSymbol,
		"vol":      vol,
		"side":     marketSide(side, reduceOnly),
		"type":     5, // market
		"openType": 2, // cross
	})
	if err != nil {
		return nil, err
	}

	var od *orderData
	for i := 0; i < 5; i++ {
		od, err = t.rest.fetchOrder(ctx, orderID)
		if err == nil && od.State >= 3 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, err
	}

	result := &exchange.OrderResult{
		OrderID:  orderID,
		AvgPrice: od.DealAvgPrice,
		Fee:      od.TakerFee.Abs().Add(od.MakerFee.Abs()),
	}
	result.FilledQty = t.fromContracts(venueSymbol, od.DealVol)
	return result, nil
}

// SetLeverage sets cross leverage for both position directions
func (t *Trader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
	if err != nil {
		return err
	}
	for _, positionType := range []int{1, 2} {
		if err := t.rest.changeLeverage(ctx, venueSymbol, leverage, positionType); err != nil {
			return err
		}
	}
	return nil
}

// PlaceConditional places a price-triggered plan order closing the leg.
// MEXC plan orders require an explicit volume, so the open position is
// looked up and closed in full.
func (t *Trader) PlaceConditional(ctx context.Context, symbol string, kind exchange.ConditionalKind, trigger decimal.Decimal, side exchange.PositionSide) (string, error) {
	venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
	if err != nil {
		return "", err
	}

	vol, err := t.positionVol(ctx, venueSymbol, side)
	if err != nil {
		return "", err
	}

	closeSide := sideCloseLong
	if side == exchange.Short {
		closeSide = sideCloseShort
	}
	// trend 1 fires when price >= trigger, trend 2 when price <= trigger
	trend := 2
	if (side == exchange.Long && kind == exchange.CondTakeProfit) ||
		(side == exchange.Short && kind == exchange.CondStopLoss) {
		trend = 1
	}

	return t.rest.placePlanOrder(ctx, map[string]any{
		"symbol":       venueSymbol,
		"vol":          vol,
		"side":         closeSide,
		"openType":     2, // cross
		"triggerPrice": trigger.String(),
		"triggerType":  2, // fair price
		"executeCycle": 3, // until cancelled
		"orderType":    5, // market
		"trend":        trend,
	})
}

// CancelOrder cancels a pending plan order
func (t *Trader) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
	if err != nil {
		return err
	}
	return t.rest.cancelPlanOrder(ctx, venueSymbol, orderID)
}

// FetchOrder queries a regular order by id
func (t *Trader) FetchOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	od, err := t.rest.fetchOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &exchange.Order{
		Exchange:   exchange.MEXC,
		Symbol:     symbol,
		OrderID:    od.OrderID,
		Status:     mapOrderState(od.State),
		Side:       sideFromCode(od.Side),
		Type:       exchange.Market,
		AvgPrice:   od.DealAvgPrice,
		OrigQty:    t.fromContracts(od.Symbol, od.Vol),
		FilledQty:  t.fromContracts(od.Symbol, od.DealVol),
		Fee:        od.TakerFee.Abs().Add(od.MakerFee.Abs()),
		UpdateTime: time.UnixMilli(od.UpdateTime).UTC(),
	}, nil
}

// FetchOrderHistory looks the plan order up across all states
func (t *Trader) FetchOrderHistory(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := t.rest.fetchPlanOrders(ctx, venueSymbol, "")
	if err != nil {
		return nil, err
	}
	for _, po := range rows {
		if po.ID != orderID {
			continue
		}
		return &exchange.Order{
			Exchange:   exchange.MEXC,
			Symbol:     symbol,
			OrderID:    po.ID,
			Status:     mapPlanState(po.State),
			Type:       exchange.StopMarket,
			StopPrice:  po.TriggerPrice,
			UpdateTime: time.UnixMilli(po.UpdateTime).UTC(),
		}, nil
	}
	return nil, &exchange.RejectError{Exchange: exchange.MEXC, Code: "ORDER_NOT_FOUND",
		Message: "plan order " + orderID + " not found"}
}

// CheckOrderExists reports whether the plan order is still untriggered
func (t *Trader) CheckOrderExists(ctx context.Context, symbol, orderID string) (bool, error) {
	venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
	if err != nil {
		return false, err
	}
	rows, err := t.rest.fetchPlanOrders(ctx, venueSymbol, "1")
	if err != nil {
		var reject *exchange.RejectError
		if errors.As(err, &reject) {
			return false, nil
		}
		return false, err
	}
	for _, po := range rows {
		if po.ID == orderID {
			return true, nil
		}
	}
	return false, nil
}

// FetchFundingHistory pages settled funding records inside the window
func (t *Trader) FetchFundingHistory(ctx context.Context, symbol string, from, to time.Time) ([]exchange.FundingPayment, error) {
	venueSymbol, err := exchange.ToVenue(exchange.MEXC, symbol)
	if err != nil {
		return nil, err
	}

	var out []exchange.FundingPayment
	for page := 1; ; page++ {
		pg, err := t.rest.fetchFundingRecords(ctx, venueSymbol, page)
		if err != nil {
			return nil, err
		}
		done := len(pg.ResultList) == 0
		for _, r := range pg.ResultList {
			settled := time.UnixMilli(r.SettleTime).UTC()
			if settled.Before(from) {
				done = true // records are newest-first
				break
			}
			if settled.After(to) {
				continue
			}
			out = append(out, exchange.FundingPayment{
				Exchange: exchange.MEXC,
				Symbol:   symbol,
				Amount:   r.Funding,
				Time:     settled,
			})
		}
		if done || page*pg.PageSize >= pg.TotalCount {
			return out, nil
		}
	}
}

// positionVol returns the open contract volume of the given leg
func (t *Trader) positionVol(ctx context.Context, venueSymbol string, side exchange.PositionSide) (string, error) {
	positions, err := t.rest.fetchOpenPositions(ctx, venueSymbol)
	if err != nil {
		return "", err
	}
	want := 1
	if side == exchange.Short {
		want = 2
	}
	for _, p := range positions {
		if p.PositionType == want && p.HoldVol.IsPositive() {
			return p.HoldVol.String(), nil
		}
	}
	return "", &exchange.RejectError{Exchange: exchange.MEXC, Code: "NO_POSITION",
		Message: "no open " + string(side) + " position on " + venueSymbol}
}

// toContracts converts a base-currency quantity to contract count
func (t *Trader) toContracts(ctx context.Context, venueSymbol string, qty decimal.Decimal) (int64, error) {
	size, err := t.contractSize(ctx, venueSymbol)
	if err != nil {
		return 0, err
	}
	vol := qty.Div(size).IntPart()
	if vol <= 0 {
		return 0, &exchange.RejectError{Exchange: exchange.MEXC, Code: "SIZE_TOO_SMALL",
			Message: "quantity below one contract"}
	}
	return vol, nil
}

func (t *Trader) fromContracts(venueSymbol string, vol decimal.Decimal) decimal.Decimal {
	t.mu.RLock()
	size, ok := t.sizes[venueSymbol]
	t.mu.RUnlock()
	if !ok || size.IsZero() {
		return vol
	}
	return vol.Mul(size)
}

func (t *Trader) contractSize(ctx context.Context, venueSymbol string) (decimal.Decimal, error) {
	t.mu.RLock()
	size, ok := t.sizes[venueSymbol]
	t.mu.RUnlock()
	if ok {
		return size, nil
	}

	cd, err := t.rest.FetchContractDetail(ctx, venueSymbol)
	if err != nil {
		return decimal.Zero, err
	}
	size = cd.ContractSize
	if size.IsZero() {
		size = decimal.NewFromInt(1)
	}

	t.mu.Lock()
	t.sizes[venueSymbol] = size
	t.mu.Unlock()
	return size, nil
}

func marketSide(side exchange.Side, reduceOnly bool) int {
	if side == exchange.Buy {
		if reduceOnly {
			return sideCloseShort
		}
		return sideOpenLong
	}
	if reduceOnly {
		return sideCloseLong
	}
	return sideOpenShort
}

func sideFromCode(code int) exchange.Side {
	switch code {
	case sideOpenLong, sideCloseShort:
		return exchange.Buy
	}
	return exchange.Sell
}

func mapOrderState(state int) exchange.OrderStatus {
	switch state {
	case 1, 2:
		return exchange.OrderNew
	case 3:
		return exchange.OrderFilled
	case 4:
		return exchange.OrderCanceled
	}
	return exchange.OrderExpired
}

func mapPlanState(state int) exchange.OrderStatus {
	switch state {
	case 1:
		return exchange.OrderNew
	case 2:
		return exchange.OrderCanceled
	case 3:
		return exchange.OrderTriggered
	}
	return exchange.OrderExpired
}
