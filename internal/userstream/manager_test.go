package userstream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
	"fundingarb/internal/keystore"
)

type fakeStream struct {
	id exchange.ID

	mu          sync.Mutex
	connects    int
	disconnects int
	connectErr  error
	orders      exchange.OrderHandler
	balances    exchange.BalanceHandler
}

func (f *fakeStream) ID() exchange.ID { return f.id }

func (f *fakeStream) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeStream) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeStream) SetOrderHandler(h exchange.OrderHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = h
}

func (f *fakeStream) SetBalanceHandler(h exchange.BalanceHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = h
}

func (f *fakeStream) SetErrorHandler(exchange.ErrorHandler) {}

func (f *fakeStream) IsConnected() bool { return true }

func (f *fakeStream) emitOrder(ou *exchange.OrderUpdate) {
	f.mu.Lock()
	h := f.orders
	f.mu.Unlock()
	if h != nil {
		h(ou)
	}
}

type sourceKey struct {
	userID string
	ex     exchange.ID
}

type fakeSource struct {
	mu      sync.Mutex
	streams map[sourceKey]*fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: map[sourceKey]*fakeStream{}}
}

func (f *fakeSource) add(userID string, ex exchange.ID) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{id: ex}
	f.streams[sourceKey{userID, ex}] = s
	return s
}

func (f *fakeSource) Client(_ context.Context, userID string, ex exchange.ID) (*exchange.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[sourceKey{userID, ex}]
	if !ok {
		return nil, keystore.ErrNoCredentials
	}
	return &exchange.Client{Stream: s}, nil
}

func TestEnsureUserConnectsCredentialedVenuesOnly(t *testing.T) {
	src := newFakeSource()
	binance := src.add("u1", exchange.Binance)
	okx := src.add("u1", exchange.OKX)
	m := NewManager(src, nil, nil)
	defer m.Stop()

	m.EnsureUser(context.Background(), "u1")

	assert.Equal(t, 2, m.ActiveCount())
	assert.Equal(t, 1, binance.connects)
	assert.Equal(t, 1, okx.connects)

	// a second pass leaves live streams alone
	m.EnsureUser(context.Background(), "u1")
	assert.Equal(t, 2, m.ActiveCount())
	assert.Equal(t, 1, binance.connects)
}

func TestOrderEventsCarryUserID(t *testing.T) {
	src := newFakeSource()
	stream := src.add("u1", exchange.Binance)

	var (
		mu     sync.Mutex
		gotUID string
		gotOU  *exchange.OrderUpdate
	)
	m := NewManager(src, func(userID string, ou *exchange.OrderUpdate) {
		mu.Lock()
		defer mu.Unlock()
		gotUID = userID
		gotOU = ou
	}, nil)
	defer m.Stop()

	m.EnsureUser(context.Background(), "u1")
	stream.emitOrder(&exchange.OrderUpdate{
		Exchange: exchange.Binance,
		Symbol:   "BTCUSDT",
		OrderID:  "ord-1",
		Status:   exchange.OrderTriggered,
		Type:     exchange.StopMarket,
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "u1", gotUID)
	require.NotNil(t, gotOU)
	assert.Equal(t, "ord-1", gotOU.OrderID)
}

func TestEnsureUserRetriesFailedConnect(t *testing.T) {
	src := newFakeSource()
	stream := src.add("u1", exchange.Binance)
	stream.connectErr = assert.AnError
	m := NewManager(src, nil, nil)
	defer m.Stop()

	m.EnsureUser(context.Background(), "u1")
	assert.Equal(t, 0, m.ActiveCount())

	stream.connectErr = nil
	m.EnsureUser(context.Background(), "u1")
	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, 2, stream.connects)
}

func TestRefreshReconnects(t *testing.T) {
	src := newFakeSource()
	stream := src.add("u1", exchange.OKX)
	m := NewManager(src, nil, nil)
	defer m.Stop()

	m.EnsureUser(context.Background(), "u1")
	require.Equal(t, 1, stream.connects)

	// rotated credentials hand out a fresh stream
	rotated := src.add("u1", exchange.OKX)
	m.Refresh(context.Background(), "u1", exchange.OKX)

	assert.Equal(t, 1, stream.disconnects)
	assert.Equal(t, 1, rotated.connects)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestDropDisconnects(t *testing.T) {
	src := newFakeSource()
	stream := src.add("u1", exchange.MEXC)
	m := NewManager(src, nil, nil)
	defer m.Stop()

	m.EnsureUser(context.Background(), "u1")
	m.Drop("u1", exchange.MEXC)

	assert.Equal(t, 1, stream.disconnects)
	assert.Equal(t, 0, m.ActiveCount())

	// dropping again is a no-op
	m.Drop("u1", exchange.MEXC)
	assert.Equal(t, 1, stream.disconnects)
}

func TestStopDisconnectsEverything(t *testing.T) {
	src := newFakeSource()
	a := src.add("u1", exchange.Binance)
	b := src.add("u2", exchange.GateIO)
	m := NewManager(src, nil, nil)

	m.EnsureUser(context.Background(), "u1")
	m.EnsureUser(context.Background(), "u2")
	require.Equal(t, 2, m.ActiveCount())

	m.Stop()
	assert.Equal(t, 0, m.ActiveCount())
	assert.Equal(t, 1, a.disconnects)
	assert.Equal(t, 1, b.disconnects)
}
