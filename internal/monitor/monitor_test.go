package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
	"fundingarb/internal/position"
)

type scanStore struct {
	mu        sync.Mutex
	positions []*position.Position
	listErr   error
	updates   int
}

func (s *scanStore) ListOpenWithConditionals(context.Context) ([]*position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.positions, nil
}

func (s *scanStore) Update(context.Context, *position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return nil
}

type closeCall struct {
	positionID string
	side       exchange.PositionSide
	reason     position.CloseReason
}

type fakeCloser struct {
	mu        sync.Mutex
	closeErr  error
	closes    []closeCall
	finalized []position.CloseReason
	partials  []string
}

func (c *fakeCloser) CloseSingleSide(_ context.Context, positionID string, side exchange.PositionSide, reason position.CloseReason) (*position.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, closeCall{positionID, side, reason})
	if c.closeErr != nil {
		return nil, c.closeErr
	}
	return &position.Position{ID: positionID, Status: position.StatusClosed}, nil
}

func (c *fakeCloser) Finalize(_ context.Context, p *position.Position, _ position.TradeStatus, _ decimal.Decimal) (*position.Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = append(c.finalized, p.CloseReason)
	return &position.Trade{ID: "tr-1", PositionID: p.ID, CloseReason: p.CloseReason}, nil
}

func (c *fakeCloser) MarkPartial(_ context.Context, p *position.Position, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partials = append(c.partials, reason)
	return nil
}

// orderState drives CheckOrderExists and FetchOrderHistory per order id
type orderState struct {
	exists     bool
	history    exchange.OrderStatus
	historyErr error
	avgPrice   decimal.Decimal
}

type venueTrader struct {
	mu       sync.Mutex
	id       exchange.ID
	orders   map[string]orderState
	canceled []string
}

func (v *venueTrader) ID() exchange.ID { return v.id }

func (v *venueTrader) CheckOrderExists(_ context.Context, _ string, orderID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.orders[orderID]
	if !ok {
		return false, nil
	}
	return st.exists, nil
}

func (v *venueTrader) FetchOrderHistory(_ context.Context, _ string, orderID string) (*exchange.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.orders[orderID]
	if st.historyErr != nil {
		return nil, st.historyErr
	}
	return &exchange.Order{OrderID: orderID, Status: st.history, AvgPrice: st.avgPrice}, nil
}

func (v *venueTrader) CancelOrder(_ context.Context, _ string, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.canceled = append(v.canceled, orderID)
	return nil
}

func (v *venueTrader) CreateMarketOrder(context.Context, string, exchange.Side, decimal.Decimal, bool) (*exchange.OrderResult, error) {
	return nil, errors.New("not used")
}

func (v *venueTrader) SetLeverage(context.Context, string, int) error { return nil }

func (v *venueTrader) PlaceConditional(context.Context, string, exchange.ConditionalKind, decimal.Decimal, exchange.PositionSide) (string, error) {
	return "", errors.New("not used")
}

func (v *venueTrader) FetchOrder(context.Context, string, string) (*exchange.Order, error) {
	return nil, errors.New("not used")
}

func (v *venueTrader) FetchFundingHistory(context.Context, string, time.Time, time.Time) ([]exchange.FundingPayment, error) {
	return nil, nil
}

type traderMap struct {
	byExchange map[exchange.ID]*venueTrader
}

func (m *traderMap) Trader(_ context.Context, _ string, ex exchange.ID) (exchange.Trader, error) {
	t, ok := m.byExchange[ex]
	if !ok {
		return nil, errors.New("no trader")
	}
	return t, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	triggers  []position.CloseReason
	succeeded int
	failed    int
	emergency []string
}

func (n *recordingNotifier) TriggerDetected(_ *position.Position, _ string, reason position.CloseReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.triggers = append(n.triggers, reason)
}

func (n *recordingNotifier) CloseSucceeded(*position.Position, *position.Trade) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.succeeded++
}

func (n *recordingNotifier) CloseFailed(*position.Position, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed++
}

func (n *recordingNotifier) Emergency(_ *position.Position, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emergency = append(n.emergency, msg)
}

func watchedPosition() *position.Position {
	return &position.Position{
		ID:            "pos-1",
		UserID:        "u1",
		Symbol:        "BTCUSDT",
		LongExchange:  exchange.Binance,
		ShortExchange: exchange.OKX,
		Status:        position.StatusOpen,
		LongSize:      decimal.RequireFromString("0.5"),
		ShortSize:     decimal.RequireFromString("0.5"),
		LongStopLoss: position.ConditionalLeg{
			Enabled: true,
			Price:   decimal.RequireFromString("61750"),
			OrderID: "long-sl",
		},
		ShortStopLoss: position.ConditionalLeg{
			Enabled: true,
			Price:   decimal.RequireFromString("68260"),
			OrderID: "short-sl",
		},
		Conditional: position.ConditionalSet,
	}
}

type monitorFixture struct {
	store    *scanStore
	closer   *fakeCloser
	long     *venueTrader
	short    *venueTrader
	notifier *recordingNotifier
	mon      *Monitor
}

func newMonitorFixture(positions ...*position.Position) *monitorFixture {
	f := &monitorFixture{
		store:    &scanStore{positions: positions},
		closer:   &fakeCloser{},
		long:     &venueTrader{id: exchange.Binance, orders: map[string]orderState{}},
		short:    &venueTrader{id: exchange.OKX, orders: map[string]orderState{}},
		notifier: &recordingNotifier{},
	}
	traders := &traderMap{byExchange: map[exchange.ID]*venueTrader{
		exchange.Binance: f.long,
		exchange.OKX:     f.short,
	}}
	f.mon = New(f.store, f.closer, traders, f.notifier, time.Minute)
	return f
}

func TestScanLeavesLivePositionsAlone(t *testing.T) {
	f := newMonitorFixture(watchedPosition())
	f.long.orders["long-sl"] = orderState{exists: true}
	f.short.orders["short-sl"] = orderState{exists: true}

	f.mon.Scan(context.Background())

	assert.Empty(t, f.closer.closes)
	assert.Empty(t, f.closer.finalized)
	assert.Empty(t, f.notifier.triggers)

	_, lastScan, watched := f.mon.Status()
	assert.False(t, lastScan.IsZero())
	assert.Equal(t, 1, watched)
}

func TestSingleTriggerClosesOppositeLeg(t *testing.T) {
	f := newMonitorFixture(watchedPosition())
	f.long.orders["long-sl"] = orderState{
		exists:   false,
		history:  exchange.OrderTriggered,
		avgPrice: decimal.RequireFromString("61700"),
	}
	f.short.orders["short-sl"] = orderState{exists: true}

	f.mon.Scan(context.Background())

	require.Len(t, f.closer.closes, 1)
	got := f.closer.closes[0]
	assert.Equal(t, "pos-1", got.positionID)
	assert.Equal(t, exchange.Short, got.side)
	assert.Equal(t, position.CloseLongSLTriggered, got.reason)

	require.Len(t, f.notifier.triggers, 1)
	assert.Equal(t, position.CloseLongSLTriggered, f.notifier.triggers[0])
	assert.Equal(t, 1, f.notifier.succeeded)
	assert.Empty(t, f.closer.finalized)
}

func TestSingleTriggerRecordsVenueFill(t *testing.T) {
	p := watchedPosition()
	f := newMonitorFixture(p)
	f.long.orders["long-sl"] = orderState{
		exists:   false,
		history:  exchange.OrderFilled,
		avgPrice: decimal.RequireFromString("61700"),
	}
	f.short.orders["short-sl"] = orderState{exists: true}

	f.mon.Scan(context.Background())

	require.NotNil(t, p.LongExitPrice)
	assert.True(t, p.LongExitPrice.Equal(decimal.RequireFromString("61700")))
	assert.Equal(t, position.CloseLongSLTriggered, p.CloseReason)
}

func TestSingleTriggerCancelsSiblingConditional(t *testing.T) {
	p := watchedPosition()
	p.LongTakeProfit = position.ConditionalLeg{
		Enabled: true,
		Price:   decimal.RequireFromString("68250"),
		OrderID: "long-tp",
	}
	f := newMonitorFixture(p)
	f.long.orders["long-sl"] = orderState{exists: false, history: exchange.OrderTriggered}
	f.long.orders["long-tp"] = orderState{exists: true}
	f.short.orders["short-sl"] = orderState{exists: true}

	f.mon.Scan(context.Background())

	assert.Contains(t, f.long.canceled, "long-tp")
	assert.False(t, p.LongTakeProfit.Enabled)
	assert.Empty(t, p.LongTakeProfit.OrderID)
}

func TestBothTriggeredFinalizesWithoutOrders(t *testing.T) {
	p := watchedPosition()
	f := newMonitorFixture(p)
	f.long.orders["long-sl"] = orderState{
		exists: false, history: exchange.OrderTriggered,
		avgPrice: decimal.RequireFromString("61700"),
	}
	f.short.orders["short-sl"] = orderState{
		exists: false, history: exchange.OrderFilled,
		avgPrice: decimal.RequireFromString("68300"),
	}

	f.mon.Scan(context.Background())

	assert.Empty(t, f.closer.closes)
	require.Len(t, f.closer.finalized, 1)
	assert.Equal(t, position.CloseBothTriggered, f.closer.finalized[0])
	require.NotNil(t, p.LongExitPrice)
	require.NotNil(t, p.ShortExitPrice)
	assert.True(t, p.LongExitPrice.Equal(decimal.RequireFromString("61700")))
	assert.True(t, p.ShortExitPrice.Equal(decimal.RequireFromString("68300")))
	assert.Equal(t, 1, f.notifier.succeeded)
}

func TestDeniedTriggerDisablesLegWithoutClose(t *testing.T) {
	p := watchedPosition()
	f := newMonitorFixture(p)
	f.long.orders["long-sl"] = orderState{exists: false, history: exchange.OrderCanceled}
	f.short.orders["short-sl"] = orderState{exists: true}

	f.mon.Scan(context.Background())

	assert.Empty(t, f.closer.closes)
	assert.Empty(t, f.closer.finalized)
	assert.Empty(t, f.notifier.triggers)
	assert.False(t, p.LongStopLoss.Enabled)
	assert.Empty(t, p.LongStopLoss.OrderID)
	assert.Equal(t, 1, f.store.updates)
}

func TestUnknownTriggerClosesWithUnconfirmedReason(t *testing.T) {
	f := newMonitorFixture(watchedPosition())
	f.long.orders["long-sl"] = orderState{exists: false, historyErr: errors.New("venue 500")}
	f.short.orders["short-sl"] = orderState{exists: true}

	f.mon.Scan(context.Background())

	require.Len(t, f.closer.closes, 1)
	assert.Equal(t, position.CloseUnconfirmedTrigger, f.closer.closes[0].reason)
	assert.Equal(t, exchange.Short, f.closer.closes[0].side)
}

func TestCloseFailureMarksPartialAndAlerts(t *testing.T) {
	f := newMonitorFixture(watchedPosition())
	f.closer.closeErr = errors.New("venue down")
	f.long.orders["long-sl"] = orderState{exists: false, history: exchange.OrderTriggered}
	f.short.orders["short-sl"] = orderState{exists: true}

	f.mon.Scan(context.Background())

	require.Len(t, f.closer.partials, 1)
	assert.Contains(t, f.closer.partials[0], "venue down")
	assert.Equal(t, 1, f.notifier.failed)
	require.Len(t, f.notifier.emergency, 1)
	assert.Contains(t, f.notifier.emergency[0], "manual intervention")
}

func TestProcessedOrdersAreNotHandledTwice(t *testing.T) {
	p := watchedPosition()
	f := newMonitorFixture(p)
	f.long.orders["long-sl"] = orderState{exists: false, history: exchange.OrderTriggered}
	f.short.orders["short-sl"] = orderState{exists: true}

	f.mon.Scan(context.Background())
	require.Len(t, f.closer.closes, 1)

	// same position comes back on the next tick; the handled order must
	// not drive a second close
	f.mon.Scan(context.Background())
	assert.Len(t, f.closer.closes, 1)
	assert.Len(t, f.notifier.triggers, 1)
}

func TestScanSurvivesListFailure(t *testing.T) {
	f := newMonitorFixture()
	f.store.listErr = errors.New("db down")

	f.mon.Scan(context.Background())

	running, _, _ := f.mon.Status()
	assert.False(t, running)
}

func TestIntervalDefaultsWhenUnset(t *testing.T) {
	m := New(&scanStore{}, &fakeCloser{}, &traderMap{}, nil, 0)
	assert.Equal(t, DefaultInterval, m.Interval())
}
