package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/lock"
)

// ErrInProgress is returned when another operation holds the (user, symbol)
// lock.
var ErrInProgress = errors.New("position operation already in progress")

// openTimeout bounds the concurrent leg placement
const openTimeout = 30 * time.Second

// Store persists positions; satisfied by store.PositionRepo
type Store interface {
	Insert(ctx context.Context, p *Position) error
	Update(ctx context.Context, p *Position) error
	Get(ctx context.Context, id string) (*Position, error)
	ListGroup(ctx context.Context, userID, groupID string) ([]*Position, error)
}

// TradeStore persists trade records; satisfied by store.TradeRepo
type TradeStore interface {
	Insert(ctx context.Context, t *Trade) error
}

// TraderSource resolves a user's trading capability per exchange
type TraderSource interface {
	Trader(ctx context.Context, userID string, ex exchange.ID) (exchange.Trader, error)
}

// RateSource serves the latest funding rate per (exchange, symbol)
type RateSource interface {
	FundingRate(ctx context.Context, ex exchange.ID, symbol string) (*exchange.FundingRate, error)
}

// ConditionalRequest configures optional SL/TP attachment for one leg,
// as percent distance from the entry price.
type ConditionalRequest struct {
	StopLossPercent   *decimal.Decimal
	TakeProfitPercent *decimal.Decimal
}

// OpenRequest describes a pair position to open
type OpenRequest struct {
	UserID        string
	Symbol        string
	LongExchange  exchange.ID
	ShortExchange exchange.ID
	Size          decimal.Decimal
	Leverage      int
	GroupID       string
	Long          ConditionalRequest
	Short         ConditionalRequest
}

// Coordinator opens and closes delta-neutral pair positions
type Coordinator struct {
	positions Store
	trades    TradeStore
	traders   TraderSource
	rates     RateSource
	locker    lock.Locker
}

// NewCoordinator wires the coordinator's collaborators
func NewCoordinator(positions Store, trades TradeStore, traders TraderSource, rates RateSource, locker lock.Locker) *Coordinator {
	return &Coordinator{
		positions: positions,
		trades:    trades,
		traders:   traders,
		rates:     rates,
		locker:    locker,
	}
}

type legResult struct {
	side   exchange.PositionSide
	result *exchange.OrderResult
	err    error
}

// OpenPair opens both legs of a pair position. The (user, symbol) lock
// rejects concurrent operations; funding rates are snapshotted before the
// first order is sent; a single-leg fill is unwound with a reduce-only
// market order and the position ends FAILED.
func (c *Coordinator) OpenPair(ctx context.Context, req OpenRequest) (*Position, error) {
	if err := validateOpen(req); err != nil {
		return nil, err
	}

	release, err := c.locker.Acquire(ctx, fmt.Sprintf("position:%s:%s", req.UserID, req.Symbol))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, ErrInProgress
		}
		return nil, err
	}
	defer release()

	longTrader, err := c.traders.Trader(ctx, req.UserID, req.LongExchange)
	if err != nil {
		return nil, fmt.Errorf("long trader: %w", err)
	}
	shortTrader, err := c.traders.Trader(ctx, req.UserID, req.ShortExchange)
	if err != nil {
		return nil, fmt.Errorf("short trader: %w", err)
	}

	now := time.Now().UTC()
	p := &Position{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		LongExchange:  req.LongExchange,
		ShortExchange: req.ShortExchange,
		Status:        StatusPending,
		LongSize:      req.Size,
		ShortSize:     req.Size,
		LongLeverage:  req.Leverage,
		ShortLeverage: req.Leverage,
		GroupID:       req.GroupID,
		Conditional:   ConditionalNone,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	c.snapshotFunding(ctx, p)

	if err := c.positions.Insert(ctx, p); err != nil {
		return nil, err
	}

	if err := longTrader.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return p, c.fail(ctx, p, fmt.Sprintf("set leverage on %s: %v", req.LongExchange, err))
	}
	if err := shortTrader.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return p, c.fail(ctx, p, fmt.Sprintf("set leverage on %s: %v", req.ShortExchange, err))
	}

	legCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	results := make(chan legResult, 2)
	go func() {
		r, err := longTrader.CreateMarketOrder(legCtx, req.Symbol, exchange.Buy, req.Size, false)
		results <- legResult{side: exchange.Long, result: r, err: err}
	}()
	go func() {
		r, err := shortTrader.CreateMarketOrder(legCtx, req.Symbol, exchange.Sell, req.Size, false)
		results <- legResult{side: exchange.Short, result: r, err: err}
	}()

	var long, short legResult
	for i := 0; i < 2; i++ {
		r := <-results
		if r.side == exchange.Long {
			long = r
		} else {
			short = r
		}
	}

	switch {
	case long.err == nil && short.err == nil:
		p.LongOrderID = long.result.OrderID
		p.LongEntryPrice = long.result.AvgPrice
		if long.result.FilledQty.IsPositive() {
			p.LongSize = long.result.FilledQty
		}
		p.ShortOrderID = short.result.OrderID
		p.ShortEntryPrice = short.result.AvgPrice
		if short.result.FilledQty.IsPositive() {
			p.ShortSize = short.result.FilledQty
		}
		p.Status = StatusOpen

		c.attachConditionals(ctx, p, req, longTrader, shortTrader)
		p.UpdatedAt = time.Now().UTC()
		if err := c.positions.Update(ctx, p); err != nil {
			return p, err
		}
		log.Info().
			Str("position", p.ID).
			Str("user_id", p.UserID).
			Str("symbol", p.Symbol).
			Str("long", string(p.LongExchange)).
			Str("short", string(p.ShortExchange)).
			Msg("Pair position opened")
		return p, nil

	case long.err == nil:
		c.unwind(ctx, longTrader, req.Symbol, exchange.Sell, long.result)
		return p, c.fail(ctx, p, fmt.Sprintf("short leg failed: %v", short.err))

	case short.err == nil:
		c.unwind(ctx, shortTrader, req.Symbol, exchange.Buy, short.result)
		return p, c.fail(ctx, p, fmt.Sprintf("long leg failed: %v", long.err))

	default:
		return p, c.fail(ctx, p, fmt.Sprintf("both legs failed: long: %v; short: %v", long.err, short.err))
	}
}

func validateOpen(req OpenRequest) error {
	if !req.LongExchange.Valid() || !req.ShortExchange.Valid() {
		return fmt.Errorf("unknown exchange in pair %s/%s", req.LongExchange, req.ShortExchange)
	}
	if req.LongExchange == req.ShortExchange {
		return fmt.Errorf("long and short exchange must differ")
	}
	if !req.Size.IsPositive() {
		return fmt.Errorf("size must be positive")
	}
	if req.Leverage < 1 {
		return fmt.Errorf("leverage must be at least 1")
	}
	return nil
}

// snapshotFunding records the funding rates in force when the position is
// opened; a missing rate is logged and left at zero.
func (c *Coordinator) snapshotFunding(ctx context.Context, p *Position) {
	if c.rates == nil {
		return
	}
	if fr, err := c.rates.FundingRate(ctx, p.LongExchange, p.Symbol); err == nil {
		p.OpenFundingRateLong = fr.Rate
	} else {
		log.Warn().Err(err).Str("exchange", string(p.LongExchange)).Str("symbol", p.Symbol).
			Msg("Open funding snapshot unavailable")
	}
	if fr, err := c.rates.FundingRate(ctx, p.ShortExchange, p.Symbol); err == nil {
		p.OpenFundingRateShort = fr.Rate
	} else {
		log.Warn().Err(err).Str("exchange", string(p.ShortExchange)).Str("symbol", p.Symbol).
			Msg("Open funding snapshot unavailable")
	}
}

func (c *Coordinator) fail(ctx context.Context, p *Position, reason string) error {
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = time.Now().UTC()
	if err := c.positions.Update(ctx, p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("Failed to persist position failure")
	}
	log.Error().Str("position", p.ID).Str("reason", reason).Msg("Pair open failed")
	return fmt.Errorf("open pair: %s", reason)
}

// unwind reverses a filled leg after the other leg failed
func (c *Coordinator) unwind(ctx context.Context, trader exchange.Trader, symbol string, side exchange.Side, filled *exchange.OrderResult) {
	qty := filled.FilledQty
	if !qty.IsPositive() {
		return
	}
	if _, err := trader.CreateMarketOrder(ctx, symbol, side, qty, true); err != nil {
		log.Error().Err(err).
			Str("exchange", string(trader.ID())).
			Str("symbol", symbol).
			Msg("Leg unwind failed, manual intervention required")
	}
}

// attachConditionals places the requested SL/TP orders after both entries
// are known. A placement failure disables that attachment and is logged;
// the position still opens.
func (c *Coordinator) attachConditionals(ctx context.Context, p *Position, req OpenRequest, longTrader, shortTrader exchange.Trader) {
	place := func(trader exchange.Trader, side exchange.PositionSide, kind exchange.ConditionalKind, entry decimal.Decimal, percent *decimal.Decimal) ConditionalLeg {
		if percent == nil || !percent.IsPositive() {
			return ConditionalLeg{}
		}
		price := conditionalPrice(entry, *percent, side, kind)
		orderID, err := trader.PlaceConditional(ctx, p.Symbol, kind, price, side)
		if err != nil {
			log.Warn().Err(err).
				Str("position", p.ID).
				Str("exchange", string(trader.ID())).
				Str("kind", string(kind)).
				Msg("Conditional placement failed")
			return ConditionalLeg{}
		}
		return ConditionalLeg{Enabled: true, Percent: *percent, Price: price, OrderID: orderID}
	}

	p.LongStopLoss = place(longTrader, exchange.Long, exchange.CondStopLoss, p.LongEntryPrice, req.Long.StopLossPercent)
	p.LongTakeProfit = place(longTrader, exchange.Long, exchange.CondTakeProfit, p.LongEntryPrice, req.Long.TakeProfitPercent)
	p.ShortStopLoss = place(shortTrader, exchange.Short, exchange.CondStopLoss, p.ShortEntryPrice, req.Short.StopLossPercent)
	p.ShortTakeProfit = place(shortTrader, exchange.Short, exchange.CondTakeProfit, p.ShortEntryPrice, req.Short.TakeProfitPercent)

	if p.LongStopLoss.Enabled || p.LongTakeProfit.Enabled ||
		p.ShortStopLoss.Enabled || p.ShortTakeProfit.Enabled {
		p.Conditional = ConditionalSet
	}
}

// conditionalPrice derives the trigger from entry and percent distance
func conditionalPrice(entry, percent decimal.Decimal, side exchange.PositionSide, kind exchange.ConditionalKind) decimal.Decimal {
	frac := percent.Div(decimal.NewFromInt(100))
	lossFor := side == exchange.Long && kind == exchange.CondStopLoss ||
		side == exchange.Short && kind == exchange.CondTakeProfit
	if lossFor {
		// long SL and short TP sit below entry
		return entry.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(frac))
}

// CloseSingleSide closes one leg with a reduce-only market order, cancels
// that leg's surviving conditionals and persists the exit. When the other
// leg is already out, the position finalizes as CLOSED and emits its Trade.
func (c *Coordinator) CloseSingleSide(ctx context.Context, positionID string, side exchange.PositionSide, reason CloseReason) (*Position, error) {
	p, err := c.positions.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusOpen && p.Status != StatusClosing {
		return p, fmt.Errorf("position %s is %s, not closeable", p.ID, p.Status)
	}

	ex := p.LongExchange
	if side == exchange.Short {
		ex = p.ShortExchange
	}
	trader, err := c.traders.Trader(ctx, p.UserID, ex)
	if err != nil {
		return p, err
	}

	c.cancelLegConditionals(ctx, trader, p, side)

	orderSide, qty := exchange.Sell, p.LongSize
	if side == exchange.Short {
		orderSide, qty = exchange.Buy, p.ShortSize
	}
	result, err := trader.CreateMarketOrder(ctx, p.Symbol, orderSide, qty, true)
	if err != nil {
		return p, fmt.Errorf("close %s leg: %w", side, err)
	}

	if side == exchange.Long {
		p.LongExitPrice = &result.AvgPrice
	} else {
		p.ShortExitPrice = &result.AvgPrice
	}
	if p.CloseReason == "" {
		p.CloseReason = reason
	}

	if p.LongExitPrice != nil && p.ShortExitPrice != nil {
		return p, c.finalize(ctx, p, TradeSuccess, result.Fee)
	}

	p.Status = StatusClosing
	p.UpdatedAt = time.Now().UTC()
	return p, c.positions.Update(ctx, p)
}

// ClosePair closes both legs and finalizes the position. A failure on one
// leg leaves the position PARTIAL for manual intervention.
func (c *Coordinator) ClosePair(ctx context.Context, positionID string, reason CloseReason) (*Position, error) {
	p, err := c.positions.Get(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusOpen {
		return p, fmt.Errorf("position %s is %s, not closeable", p.ID, p.Status)
	}

	release, err := c.locker.Acquire(ctx, fmt.Sprintf("position:%s:%s", p.UserID, p.Symbol))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return p, ErrInProgress
		}
		return p, err
	}
	defer release()

	longTrader, err := c.traders.Trader(ctx, p.UserID, p.LongExchange)
	if err != nil {
		return p, err
	}
	shortTrader, err := c.traders.Trader(ctx, p.UserID, p.ShortExchange)
	if err != nil {
		return p, err
	}

	c.cancelLegConditionals(ctx, longTrader, p, exchange.Long)
	c.cancelLegConditionals(ctx, shortTrader, p, exchange.Short)
	p.CloseReason = reason
	p.Status = StatusClosing

	fees := decimal.Zero
	longResult, longErr := longTrader.CreateMarketOrder(ctx, p.Symbol, exchange.Sell, p.LongSize, true)
	if longErr == nil {
		p.LongExitPrice = &longResult.AvgPrice
		fees = fees.Add(longResult.Fee)
	}
	shortResult, shortErr := shortTrader.CreateMarketOrder(ctx, p.Symbol, exchange.Buy, p.ShortSize, true)
	if shortErr == nil {
		p.ShortExitPrice = &shortResult.AvgPrice
		fees = fees.Add(shortResult.Fee)
	}

	if longErr != nil || shortErr != nil {
		reason := fmt.Sprintf("close failed: long: %v; short: %v", longErr, shortErr)
		if err := c.MarkPartial(ctx, p, reason); err != nil {
			return p, err
		}
		return p, fmt.Errorf("close pair: %s", reason)
	}
	return p, c.finalize(ctx, p, TradeSuccess, fees)
}

// BatchProgress reports one step of a batch close
type BatchProgress struct {
	PositionID string
	Symbol     string
	Index      int
	Total      int
	Err        error
}

// CloseBatch closes every OPEN position in the user's group sequentially.
// Individual failures are reported through progress and do not abort the
// remainder of the batch.
func (c *Coordinator) CloseBatch(ctx context.Context, userID, groupID string, progress func(BatchProgress)) error {
	group, err := c.positions.ListGroup(ctx, userID, groupID)
	if err != nil {
		return err
	}
	if len(group) == 0 {
		return fmt.Errorf("no open positions in group %s", groupID)
	}

	var failed int
	for i, p := range group {
		_, err := c.ClosePair(ctx, p.ID, CloseBatch)
		if err != nil {
			failed++
		}
		if progress != nil {
			progress(BatchProgress{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Index:      i + 1,
				Total:      len(group),
				Err:        err,
			})
		}
	}

	log.Info().
		Str("user_id", userID).
		Str("group", groupID).
		Int("total", len(group)).
		Int("failed", failed).
		Msg("Batch close completed")
	if failed > 0 {
		return fmt.Errorf("batch close: %d of %d positions failed", failed, len(group))
	}
	return nil
}

// MarkPartial parks a position in PARTIAL after a failed close
func (c *Coordinator) MarkPartial(ctx context.Context, p *Position, reason string) error {
	p.Status = StatusPartial
	p.FailureReason = reason
	p.UpdatedAt = time.Now().UTC()
	log.Error().Str("position", p.ID).Str("reason", reason).Msg("Position left partially closed")
	return c.positions.Update(ctx, p)
}

// Finalize marks the position CLOSED and emits its Trade. Exposed for the
// monitor, which finalizes both-triggered positions without placing orders.
func (c *Coordinator) Finalize(ctx context.Context, p *Position, status TradeStatus, closeFees decimal.Decimal) (*Trade, error) {
	trade, err := c.finalizeTrade(ctx, p, status, closeFees)
	if err != nil {
		return nil, err
	}
	return trade, nil
}

func (c *Coordinator) finalize(ctx context.Context, p *Position, status TradeStatus, closeFees decimal.Decimal) error {
	_, err := c.finalizeTrade(ctx, p, status, closeFees)
	return err
}

func (c *Coordinator) finalizeTrade(ctx context.Context, p *Position, status TradeStatus, closeFees decimal.Decimal) (*Trade, error) {
	now := time.Now().UTC()
	p.Status = StatusClosed
	p.ClosedAt = &now
	p.UpdatedAt = now
	if p.Conditional == ConditionalSet {
		p.Conditional = ConditionalCanceled
	}
	if err := c.positions.Update(ctx, p); err != nil {
		return nil, err
	}

	longTrader, _ := c.traders.Trader(ctx, p.UserID, p.LongExchange)
	shortTrader, _ := c.traders.Trader(ctx, p.UserID, p.ShortExchange)

	fees := closeFees.Add(c.openFees(ctx, p, longTrader, shortTrader))
	trade := buildTrade(ctx, p, status, fees, longTrader, shortTrader)
	if err := c.trades.Insert(ctx, trade); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("Failed to persist trade record")
		return nil, err
	}

	log.Info().
		Str("position", p.ID).
		Str("trade", trade.ID).
		Str("total_pnl", trade.TotalPnL.String()).
		Str("reason", string(trade.CloseReason)).
		Msg("Position closed")
	return trade, nil
}

// openFees recovers the entry fees from the venues' order records
func (c *Coordinator) openFees(ctx context.Context, p *Position, longTrader, shortTrader exchange.Trader) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []struct {
		trader  exchange.Trader
		orderID string
	}{
		{longTrader, p.LongOrderID},
		{shortTrader, p.ShortOrderID},
	} {
		if leg.trader == nil || leg.orderID == "" {
			continue
		}
		od, err := leg.trader.FetchOrder(ctx, p.Symbol, leg.orderID)
		if err != nil {
			continue
		}
		total = total.Add(od.Fee.Abs())
	}
	return total
}

// cancelLegConditionals cancels the surviving SL/TP orders on one leg
func (c *Coordinator) cancelLegConditionals(ctx context.Context, trader exchange.Trader, p *Position, side exchange.PositionSide) {
	legs := []*ConditionalLeg{&p.LongStopLoss, &p.LongTakeProfit}
	if side == exchange.Short {
		legs = []*ConditionalLeg{&p.ShortStopLoss, &p.ShortTakeProfit}
	}
	for _, leg := range legs {
		if !leg.Enabled || leg.OrderID == "" {
			continue
		}
		if err := trader.CancelOrder(ctx, p.Symbol, leg.OrderID); err != nil {
			log.Warn().Err(err).
				Str("position", p.ID).
				Str("order", leg.OrderID).
				Msg("Conditional cancel failed")
		}
		leg.OrderID = ""
	}
}
