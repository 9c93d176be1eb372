// Package monitor watches venue-side conditional orders and reconciles
// positions when a stop-loss or take-profit fires outside our control.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/position"
)

// DefaultInterval is the scan cadence
const DefaultInterval = 30 * time.Second

// Store is the position access the monitor needs
type Store interface {
	ListOpenWithConditionals(ctx context.Context) ([]*position.Position, error)
	Update(ctx context.Context, p *position.Position) error
}

// Closer is the coordinator surface the monitor drives
type Closer interface {
	CloseSingleSide(ctx context.Context, positionID string, side exchange.PositionSide, reason position.CloseReason) (*position.Position, error)
	Finalize(ctx context.Context, p *position.Position, status position.TradeStatus, closeFees decimal.Decimal) (*position.Trade, error)
	MarkPartial(ctx context.Context, p *position.Position, reason string) error
}

// Notifier receives monitor lifecycle events; implemented by the redis
// progress publisher. All methods must be non-blocking for the scan loop.
type Notifier interface {
	TriggerDetected(p *position.Position, leg string, reason position.CloseReason)
	CloseSucceeded(p *position.Position, trade *position.Trade)
	CloseFailed(p *position.Position, err error)
	Emergency(p *position.Position, msg string)
}

// Monitor is the singleton conditional-order scanner
type Monitor struct {
	store    Store
	closer   Closer
	traders  position.TraderSource
	notifier Notifier
	interval time.Duration

	mu        sync.Mutex
	running   bool
	processed map[string]struct{} // "exchange:orderId" handled across ticks

	lastScan     time.Time
	lastScanSize int
}

// New creates a monitor
func New(store Store, closer Closer, traders position.TraderSource, notifier Notifier, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		store:     store,
		closer:    closer,
		traders:   traders,
		notifier:  notifier,
		interval:  interval,
		processed: make(map[string]struct{}),
	}
}

// Run scans on the configured cadence until the context ends
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("Conditional order monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Interval returns the scan cadence
func (m *Monitor) Interval() time.Duration { return m.interval }

// Status reports the last scan for the health endpoint
func (m *Monitor) Status() (running bool, lastScan time.Time, watched int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, m.lastScan, m.lastScanSize
}

// Scan runs one pass. Overlapping passes are skipped: a slow venue must not
// stack scans on top of each other.
func (m *Monitor) Scan(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		log.Warn().Msg("Monitor scan still running, skipping tick")
		return
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	positions, err := m.store.ListOpenWithConditionals(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Monitor position list failed")
		return
	}

	m.mu.Lock()
	m.lastScan = time.Now().UTC()
	m.lastScanSize = len(positions)
	m.mu.Unlock()

	for _, p := range positions {
		if ctx.Err() != nil {
			return
		}
		m.inspect(ctx, p)
	}
}

// legRef names one conditional attachment
type legRef struct {
	side   exchange.PositionSide
	kind   exchange.ConditionalKind
	leg    *position.ConditionalLeg
	reason position.CloseReason
}

func legs(p *position.Position) []legRef {
	return []legRef{
		{exchange.Long, exchange.CondStopLoss, &p.LongStopLoss, position.CloseLongSLTriggered},
		{exchange.Long, exchange.CondTakeProfit, &p.LongTakeProfit, position.CloseLongTPTriggered},
		{exchange.Short, exchange.CondStopLoss, &p.ShortStopLoss, position.CloseShortSLTriggered},
		{exchange.Short, exchange.CondTakeProfit, &p.ShortTakeProfit, position.CloseShortTPTriggered},
	}
}

func (m *Monitor) inspect(ctx context.Context, p *position.Position) {
	var longTrigger, shortTrigger *legRef

	for _, ref := range legs(p) {
		ref := ref
		if !ref.leg.Enabled || ref.leg.OrderID == "" {
			continue
		}
		ex := p.LongExchange
		if ref.side == exchange.Short {
			ex = p.ShortExchange
		}
		if m.alreadyProcessed(ex, ref.leg.OrderID) {
			continue
		}

		trader, err := m.traders.Trader(ctx, p.UserID, ex)
		if err != nil {
			log.Warn().Err(err).Str("position", p.ID).Str("exchange", string(ex)).
				Msg("Monitor has no trader for leg")
			continue
		}

		exists, err := trader.CheckOrderExists(ctx, p.Symbol, ref.leg.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("position", p.ID).Str("order", ref.leg.OrderID).
				Msg("Conditional existence check failed")
			continue
		}
		if exists {
			continue
		}

		confirmed, fillPrice := m.confirmTrigger(ctx, trader, p.Symbol, ref.leg)
		m.markProcessed(ex, ref.leg.OrderID)

		switch confirmed {
		case triggerConfirmed:
			if fillPrice.IsPositive() {
				ref.leg.Price = fillPrice
			}
			if ref.side == exchange.Long {
				longTrigger = &ref
			} else {
				shortTrigger = &ref
			}
		case triggerDenied:
			// the order left the book without firing (user cancel,
			// venue expiry); stop watching it
			ref.leg.Enabled = false
			ref.leg.OrderID = ""
			if err := m.store.Update(ctx, p); err != nil {
				log.Error().Err(err).Str("position", p.ID).Msg("Failed to persist conditional removal")
			}
		case triggerUnknown:
			ref.reason = position.CloseUnconfirmedTrigger
			if ref.side == exchange.Long {
				longTrigger = &ref
			} else {
				shortTrigger = &ref
			}
		}
	}

	switch {
	case longTrigger != nil && shortTrigger != nil:
		m.handleBothTriggered(ctx, p, longTrigger, shortTrigger)
	case longTrigger != nil:
		m.handleSingleTrigger(ctx, p, longTrigger)
	case shortTrigger != nil:
		m.handleSingleTrigger(ctx, p, shortTrigger)
	}
}

type triggerVerdict int

const (
	triggerConfirmed triggerVerdict = iota
	triggerDenied
	triggerUnknown
)

// confirmTrigger consults the venue's historical orders. Only an explicit
// TRIGGERED or FILLED record confirms; a canceled or expired record denies.
func (m *Monitor) confirmTrigger(ctx context.Context, trader exchange.Trader, symbol string, leg *position.ConditionalLeg) (triggerVerdict, decimal.Decimal) {
	od, err := trader.FetchOrderHistory(ctx, symbol, leg.OrderID)
	if err != nil {
		log.Warn().Err(err).Str("order", leg.OrderID).Msg("Trigger confirmation unavailable")
		return triggerUnknown, decimal.Zero
	}
	switch od.Status {
	case exchange.OrderTriggered, exchange.OrderFilled:
		price := od.AvgPrice
		if !price.IsPositive() {
			price = od.StopPrice
		}
		return triggerConfirmed, price
	case exchange.OrderCanceled, exchange.OrderExpired:
		return triggerDenied, decimal.Zero
	}
	return triggerUnknown, decimal.Zero
}

// handleSingleTrigger closes the opposite leg: the venue flattened one side,
// so the survivor is naked directional exposure.
func (m *Monitor) handleSingleTrigger(ctx context.Context, p *position.Position, trig *legRef) {
	log.Info().
		Str("position", p.ID).
		Str("side", string(trig.side)).
		Str("kind", string(trig.kind)).
		Str("reason", string(trig.reason)).
		Msg("Conditional trigger detected")
	if m.notifier != nil {
		m.notifier.TriggerDetected(p, string(trig.side), trig.reason)
	}

	// record the exit the venue already executed for the triggered leg
	exitPrice := trig.leg.Price
	if trig.side == exchange.Long {
		p.LongExitPrice = &exitPrice
	} else {
		p.ShortExitPrice = &exitPrice
	}
	p.CloseReason = trig.reason
	m.disableSibling(ctx, p, trig)
	if err := m.store.Update(ctx, p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("Failed to persist trigger state")
	}

	closed, err := m.closer.CloseSingleSide(ctx, p.ID, trig.side.Opposite(), trig.reason)
	if err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("Opposite leg close failed")
		if perr := m.closer.MarkPartial(ctx, p, fmt.Sprintf("opposite leg close failed: %v", err)); perr != nil {
			log.Error().Err(perr).Str("position", p.ID).Msg("Failed to mark position partial")
		}
		if m.notifier != nil {
			m.notifier.CloseFailed(p, err)
			m.notifier.Emergency(p, fmt.Sprintf("manual intervention required: %v", err))
		}
		return
	}
	if m.notifier != nil {
		m.notifier.CloseSucceeded(closed, nil)
	}
}

// handleBothTriggered finalizes without placing orders: both venues already
// flattened their legs.
func (m *Monitor) handleBothTriggered(ctx context.Context, p *position.Position, long, short *legRef) {
	log.Info().Str("position", p.ID).Msg("Both conditionals triggered")
	if m.notifier != nil {
		m.notifier.TriggerDetected(p, "BOTH", position.CloseBothTriggered)
	}

	longExit, shortExit := long.leg.Price, short.leg.Price
	p.LongExitPrice = &longExit
	p.ShortExitPrice = &shortExit
	p.CloseReason = position.CloseBothTriggered

	trade, err := m.closer.Finalize(ctx, p, position.TradeSuccess, decimal.Zero)
	if err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("Both-triggered finalize failed")
		if m.notifier != nil {
			m.notifier.CloseFailed(p, err)
		}
		return
	}
	if m.notifier != nil {
		m.notifier.CloseSucceeded(p, trade)
	}
}

// disableSibling cancels the other conditional on the triggered leg; the
// venue consumed the triggered order, its sibling is now orphaned.
func (m *Monitor) disableSibling(ctx context.Context, p *position.Position, trig *legRef) {
	var sibling *position.ConditionalLeg
	switch {
	case trig.side == exchange.Long && trig.kind == exchange.CondStopLoss:
		sibling = &p.LongTakeProfit
	case trig.side == exchange.Long:
		sibling = &p.LongStopLoss
	case trig.kind == exchange.CondStopLoss:
		sibling = &p.ShortTakeProfit
	default:
		sibling = &p.ShortStopLoss
	}
	if !sibling.Enabled || sibling.OrderID == "" {
		return
	}

	ex := p.LongExchange
	if trig.side == exchange.Short {
		ex = p.ShortExchange
	}
	if trader, err := m.traders.Trader(ctx, p.UserID, ex); err == nil {
		if err := trader.CancelOrder(ctx, p.Symbol, sibling.OrderID); err != nil {
			log.Warn().Err(err).Str("order", sibling.OrderID).Msg("Sibling conditional cancel failed")
		}
	}
	sibling.Enabled = false
	sibling.OrderID = ""
}

func (m *Monitor) alreadyProcessed(ex exchange.ID, orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[string(ex)+":"+orderID]
	return ok
}

func (m *Monitor) markProcessed(ex exchange.ID, orderID string) {
	m.mu.Lock()
	m.processed[string(ex)+":"+orderID] = struct{}{}
	m.mu.Unlock()
}
