package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
	"fundingarb/internal/opportunity"
	"fundingarb/internal/position"
	"fundingarb/internal/rates"
	"fundingarb/internal/store"
)

type envelopeBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelopeBody {
	t.Helper()
	var env envelopeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

type fakeEngine struct{ pairs []rates.Pair }

func (f *fakeEngine) Snapshot() []rates.Pair { return f.pairs }

type fakeTracker struct{ active []*opportunity.Opportunity }

func (f *fakeTracker) Active(string, int) []*opportunity.Opportunity { return f.active }

type fakeHistory struct {
	rows []store.EndedOpportunity
	err  error
	last store.HistoryQuery
}

func (f *fakeHistory) History(_ context.Context, q store.HistoryQuery) ([]store.EndedOpportunity, error) {
	f.last = q
	return f.rows, f.err
}

type fakePositions struct {
	openResult  *position.Position
	openErr     error
	closeResult *position.Position
	closeErr    error
	closeCalls  int
	batch       []position.BatchProgress
	batchErr    error
}

func (f *fakePositions) OpenPair(context.Context, position.OpenRequest) (*position.Position, error) {
	return f.openResult, f.openErr
}

func (f *fakePositions) ClosePair(context.Context, string, position.CloseReason) (*position.Position, error) {
	f.closeCalls++
	return f.closeResult, f.closeErr
}

func (f *fakePositions) CloseBatch(_ context.Context, _, _ string, progress func(position.BatchProgress)) error {
	for _, bp := range f.batch {
		progress(bp)
	}
	return f.batchErr
}

type fakePosStore struct {
	get     *position.Position
	getErr  error
	list    []*position.Position
	marked  int64
	markErr error
}

func (f *fakePosStore) Get(context.Context, string) (*position.Position, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.get == nil {
		return nil, sql.ErrNoRows
	}
	return f.get, nil
}

func (f *fakePosStore) ListByUser(context.Context, string, position.Status) ([]*position.Position, error) {
	return f.list, nil
}

func (f *fakePosStore) MarkGroupClosed(context.Context, string, string) (int64, error) {
	return f.marked, f.markErr
}

type fakeTrades struct {
	trade  *position.Trade
	getErr error
	list   []*position.Trade
}

func (f *fakeTrades) Get(context.Context, string) (*position.Trade, error) {
	return f.trade, f.getErr
}

func (f *fakeTrades) ListByUser(context.Context, string, string, int, int) ([]*position.Trade, error) {
	return f.list, nil
}

type fundingTrader struct {
	id       exchange.ID
	payments []exchange.FundingPayment
	err      error
}

func (f *fundingTrader) ID() exchange.ID { return f.id }

func (f *fundingTrader) FetchFundingHistory(context.Context, string, time.Time, time.Time) ([]exchange.FundingPayment, error) {
	return f.payments, f.err
}

func (f *fundingTrader) CreateMarketOrder(context.Context, string, exchange.Side, decimal.Decimal, bool) (*exchange.OrderResult, error) {
	return nil, errors.New("not used")
}

func (f *fundingTrader) SetLeverage(context.Context, string, int) error { return nil }

func (f *fundingTrader) PlaceConditional(context.Context, string, exchange.ConditionalKind, decimal.Decimal, exchange.PositionSide) (string, error) {
	return "", errors.New("not used")
}

func (f *fundingTrader) CancelOrder(context.Context, string, string) error { return nil }

func (f *fundingTrader) FetchOrder(context.Context, string, string) (*exchange.Order, error) {
	return nil, errors.New("not used")
}

func (f *fundingTrader) FetchOrderHistory(context.Context, string, string) (*exchange.Order, error) {
	return nil, errors.New("not used")
}

func (f *fundingTrader) CheckOrderExists(context.Context, string, string) (bool, error) {
	return false, nil
}

type fakeTraderSource struct {
	byExchange map[exchange.ID]exchange.Trader
}

func (f *fakeTraderSource) Trader(_ context.Context, _ string, ex exchange.ID) (exchange.Trader, error) {
	t, ok := f.byExchange[ex]
	if !ok {
		return nil, fmt.Errorf("no credentials for %s", ex)
	}
	return t, nil
}

type fakeMonitor struct {
	running  bool
	lastScan time.Time
	watched  int
	interval time.Duration
}

func (f *fakeMonitor) Status() (bool, time.Time, int) { return f.running, f.lastScan, f.watched }

func (f *fakeMonitor) Interval() time.Duration { return f.interval }

type fakeKeys struct {
	saved   []exchange.ID
	deleted []exchange.ID
	status  map[exchange.ID]string
}

func (f *fakeKeys) Save(_ context.Context, _ string, ex exchange.ID, _ exchange.Credentials) error {
	f.saved = append(f.saved, ex)
	return nil
}

func (f *fakeKeys) Delete(_ context.Context, _ string, ex exchange.ID) error {
	f.deleted = append(f.deleted, ex)
	return nil
}

func (f *fakeKeys) Status(context.Context, string) map[exchange.ID]string { return f.status }

type fakeFeed struct {
	id        exchange.ID
	connected bool
	last      time.Time
	rate      *exchange.FundingRate
	fetchErr  error
}

func (f *fakeFeed) ID() exchange.ID { return f.id }

func (f *fakeFeed) Connect(context.Context) error { return nil }

func (f *fakeFeed) Disconnect() error { return nil }

func (f *fakeFeed) SubscribeMarkPrice(...string) error { return nil }

func (f *fakeFeed) FetchFundingRate(context.Context, string) (*exchange.FundingRate, error) {
	return f.rate, f.fetchErr
}

func (f *fakeFeed) FetchFundingRates(context.Context) ([]exchange.FundingRate, error) {
	return nil, nil
}

func (f *fakeFeed) SetFundingHandler(exchange.FundingHandler) {}
func (f *fakeFeed) SetErrorHandler(exchange.ErrorHandler)     {}
func (f *fakeFeed) IsConnected() bool                         { return f.connected }
func (f *fakeFeed) LastMessageTime() time.Time                { return f.last }

type apiFixture struct {
	positions *fakePositions
	posStore  *fakePosStore
	trades    *fakeTrades
	traders   *fakeTraderSource
	monitor   *fakeMonitor
	keys      *fakeKeys
	history   *fakeHistory
	tracker   *fakeTracker
	feeds     map[exchange.ID]exchange.Feed
	server    *Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		positions: &fakePositions{},
		posStore:  &fakePosStore{},
		trades:    &fakeTrades{},
		traders:   &fakeTraderSource{byExchange: map[exchange.ID]exchange.Trader{}},
		monitor:   &fakeMonitor{running: true, lastScan: time.Now(), watched: 3, interval: 30 * time.Second},
		keys:      &fakeKeys{status: map[exchange.ID]string{exchange.Binance: "ok"}},
		history:   &fakeHistory{rows: []store.EndedOpportunity{}},
		tracker:   &fakeTracker{},
		feeds:     map[exchange.ID]exchange.Feed{},
	}
	f.server = NewServer("127.0.0.1:0", Deps{
		Engine:    &fakeEngine{},
		Tracker:   f.tracker,
		History:   f.history,
		Positions: f.positions,
		PosStore:  f.posStore,
		Trades:    f.trades,
		Traders:   f.traders,
		Monitor:   f.monitor,
		Feeds:     f.feeds,
		Keys:      f.keys,
	})
	return f
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func asUser(req *http.Request, userID string) *http.Request {
	req.Header.Set("X-User-ID", userID)
	return req
}

func TestSuccessEnvelope(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/funding-rates", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
}

func TestMissingUserHeaderRejected(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/positions", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeUnauthorized, env.Error.Code)
}

func TestPublicOpportunitiesRateLimit(t *testing.T) {
	f := newAPIFixture(t)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 30; i++ {
		req := httptest.NewRequest(http.MethodGet, "/public/opportunities", nil)
		req.RemoteAddr = "203.0.113.7:4242"
		rec = f.do(req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	req := httptest.NewRequest(http.MethodGet, "/public/opportunities", nil)
	req.RemoteAddr = "203.0.113.7:4242"
	rec = f.do(req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeRateLimited, env.Error.Code)

	// a different client address still has budget
	req = httptest.NewRequest(http.MethodGet, "/public/opportunities", nil)
	req.RemoteAddr = "198.51.100.9:4242"
	rec = f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicOpportunitiesQueryParams(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet,
		"/public/opportunities?symbol=ETHUSDT&days=7&page=3&limit=20", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.HistoryQuery{Symbol: "ETHUSDT", Days: 7, Limit: 20, Page: 3}, f.history.last)

	// defaults when the caller sends nothing
	rec = f.do(httptest.NewRequest(http.MethodGet, "/public/opportunities", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.HistoryQuery{Limit: 100, Page: 1}, f.history.last)
}

func TestPublicOpportunitiesStatusFilter(t *testing.T) {
	f := newAPIFixture(t)
	f.tracker.active = []*opportunity.Opportunity{{ID: "opp-1", Symbol: "BTCUSDT"}}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/public/opportunities?status=ACTIVE", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var active []*opportunity.Opportunity
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &active))
	require.Len(t, active, 1)
	assert.Equal(t, "opp-1", active[0].ID)

	// lowercase is accepted, garbage is not
	rec = f.do(httptest.NewRequest(http.MethodGet, "/public/opportunities?status=ended", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/public/opportunities?status=PENDING", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env = decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeValidation, env.Error.Code)
}

func TestMarketDataRefreshValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(asUser(httptest.NewRequest(http.MethodGet, "/market-data/refresh", nil), "u1"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeValidation, env.Error.Code)

	rec = f.do(asUser(httptest.NewRequest(http.MethodGet,
		"/market-data/refresh?symbol=BTCUSDT&exchanges=binance,kraken", nil), "u2"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env = decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Message, "kraken")
}

func TestMarketDataRefreshPerVenueErrors(t *testing.T) {
	f := newAPIFixture(t)
	rate := decimal.RequireFromString("0.0003")
	f.feeds[exchange.Binance] = &fakeFeed{
		id:   exchange.Binance,
		rate: &exchange.FundingRate{Exchange: exchange.Binance, Symbol: "BTCUSDT", Rate: rate},
	}
	f.feeds[exchange.OKX] = &fakeFeed{id: exchange.OKX, fetchErr: errors.New("venue timeout")}

	rec := f.do(asUser(httptest.NewRequest(http.MethodGet,
		"/market-data/refresh?symbol=BTCUSDT&exchanges=binance,okx", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []refreshEntry
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, exchange.Binance, entries[0].Exchange)
	require.NotNil(t, entries[0].Rate)
	assert.True(t, entries[0].Rate.Equal(rate))
	assert.Equal(t, "venue timeout", entries[1].Error)
}

func TestOpenPositionCreated(t *testing.T) {
	f := newAPIFixture(t)
	f.positions.openResult = &position.Position{ID: "pos-1", UserID: "u1", Status: position.StatusOpen}

	body, _ := json.Marshal(map[string]any{
		"symbol":         "BTCUSDT",
		"long_exchange":  "binance",
		"short_exchange": "okx",
		"size":           "0.5",
		"leverage":       3,
	})
	rec := f.do(asUser(httptest.NewRequest(http.MethodPost, "/positions/open", bytes.NewReader(body)), "u1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var p position.Position
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "pos-1", p.ID)
}

func TestOpenPositionConflictWhenInProgress(t *testing.T) {
	f := newAPIFixture(t)
	f.positions.openErr = position.ErrInProgress

	rec := f.do(asUser(httptest.NewRequest(http.MethodPost, "/positions/open",
		bytes.NewReader([]byte(`{"symbol":"BTCUSDT"}`))), "u1"))
	require.Equal(t, http.StatusConflict, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInProgress, env.Error.Code)
}

func TestOpenPositionExchangeReject(t *testing.T) {
	f := newAPIFixture(t)
	f.positions.openErr = fmt.Errorf("open pair: %w",
		&exchange.RejectError{Exchange: exchange.Binance, Code: "-2019", Message: "margin is insufficient"})

	rec := f.do(asUser(httptest.NewRequest(http.MethodPost, "/positions/open",
		bytes.NewReader([]byte(`{"symbol":"BTCUSDT"}`))), "u1"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeExchangeRejected, env.Error.Code)
}

func TestClosePositionOwnership(t *testing.T) {
	f := newAPIFixture(t)
	f.posStore.get = &position.Position{ID: "pos-1", UserID: "someone-else", Status: position.StatusOpen}

	rec := f.do(asUser(httptest.NewRequest(http.MethodPost, "/positions/pos-1/close", nil), "u1"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeForbidden, env.Error.Code)

	// the foreign position's legs stay untouched
	assert.Equal(t, 0, f.positions.closeCalls)
}

func TestClosePositionNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(asUser(httptest.NewRequest(http.MethodPost, "/positions/missing/close", nil), "u1"))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, f.positions.closeCalls)
}

func TestClosePositionOwnerSucceeds(t *testing.T) {
	f := newAPIFixture(t)
	f.posStore.get = &position.Position{ID: "pos-1", UserID: "u1", Status: position.StatusOpen}
	f.positions.closeResult = &position.Position{ID: "pos-1", UserID: "u1", Status: position.StatusClosed}

	rec := f.do(asUser(httptest.NewRequest(http.MethodPost, "/positions/pos-1/close", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.positions.closeCalls)

	var p position.Position
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, position.StatusClosed, p.Status)
}

func TestBatchCloseNoEligiblePositions(t *testing.T) {
	f := newAPIFixture(t)
	f.positions.batchErr = errors.New("no open positions in group g1")

	rec := f.do(asUser(httptest.NewRequest(http.MethodPost, "/positions/group/g1/batch-close", nil), "u1"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeNoEligible, env.Error.Code)
}

func TestBatchCloseReportsResults(t *testing.T) {
	f := newAPIFixture(t)
	f.positions.batch = []position.BatchProgress{
		{PositionID: "pos-a", Symbol: "BTCUSDT", Index: 1, Total: 2},
		{PositionID: "pos-b", Symbol: "ETHUSDT", Index: 2, Total: 2, Err: errors.New("venue down")},
	}
	f.positions.batchErr = errors.New("batch close: 1 of 2 positions failed")

	rec := f.do(asUser(httptest.NewRequest(http.MethodPost, "/positions/group/g1/batch-close", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Total   int           `json:"totalPositions"`
		Closed  int           `json:"closedPositions"`
		Failed  int           `json:"failedPositions"`
		Results []batchResult `json:"results"`
	}
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.Closed)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Closed)
	assert.Equal(t, "venue down", out.Results[1].Error)
}

func TestMarkGroupClosedNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.posStore.marked = 0

	req := httptest.NewRequest(http.MethodPatch, "/positions/group/g1/mark-closed", nil)
	rec := f.do(asUser(req, "u1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTradeFundingDetails(t *testing.T) {
	f := newAPIFixture(t)
	opened := time.Now().Add(-24 * time.Hour)
	f.trades.trade = &position.Trade{
		ID: "tr-1", UserID: "u1", Symbol: "BTCUSDT",
		LongExchange: exchange.Binance, ShortExchange: exchange.OKX,
		OpenedAt: opened, ClosedAt: opened.Add(24 * time.Hour),
	}
	f.traders.byExchange[exchange.Binance] = &fundingTrader{
		id: exchange.Binance,
		payments: []exchange.FundingPayment{
			{Amount: decimal.RequireFromString("-1.5")},
			{Amount: decimal.RequireFromString("-0.5")},
		},
	}
	f.traders.byExchange[exchange.OKX] = &fundingTrader{
		id:       exchange.OKX,
		payments: []exchange.FundingPayment{{Amount: decimal.RequireFromString("6.2")}},
	}

	rec := f.do(asUser(httptest.NewRequest(http.MethodGet, "/trades/tr-1/funding-details", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		TradeID  string           `json:"trade_id"`
		Long     fundingLegDetail `json:"long"`
		Short    fundingLegDetail `json:"short"`
		Combined decimal.Decimal  `json:"combined"`
	}
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "tr-1", out.TradeID)
	assert.Len(t, out.Long.Payments, 2)
	assert.True(t, out.Long.Total.Equal(decimal.RequireFromString("-2")))
	assert.True(t, out.Combined.Equal(decimal.RequireFromString("4.2")))
}

func TestTradeFundingDetailsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.trades.getErr = sql.ErrNoRows

	rec := f.do(asUser(httptest.NewRequest(http.MethodGet, "/trades/missing/funding-details", nil), "u1"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeTradeNotFound, env.Error.Code)
}

func TestTradeFundingDetailsForbidden(t *testing.T) {
	f := newAPIFixture(t)
	f.trades.trade = &position.Trade{ID: "tr-1", UserID: "someone-else"}

	rec := f.do(asUser(httptest.NewRequest(http.MethodGet, "/trades/tr-1/funding-details", nil), "u1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMonitorStatusShape(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/monitor/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Initialized bool  `json:"initialized"`
		IsRunning   bool  `json:"isRunning"`
		IntervalMs  int64 `json:"intervalMs"`
		Watched     int   `json:"watched"`
	}
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, out.Initialized)
	assert.True(t, out.IsRunning)
	assert.Equal(t, int64(30000), out.IntervalMs)
	assert.Equal(t, 3, out.Watched)
}

func TestSaveCredentialValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(asUser(httptest.NewRequest(http.MethodPut, "/credentials/kraken",
		bytes.NewReader([]byte(`{"api_key":"k","api_secret":"s"}`))), "u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(asUser(httptest.NewRequest(http.MethodPut, "/credentials/binance",
		bytes.NewReader([]byte(`{"api_key":"k"}`))), "u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(asUser(httptest.NewRequest(http.MethodPut, "/credentials/binance",
		bytes.NewReader([]byte(`{"api_key":"k","api_secret":"s"}`))), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []exchange.ID{exchange.Binance}, f.keys.saved)
}

func TestDeleteCredential(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(asUser(httptest.NewRequest(http.MethodDelete, "/credentials/okx", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []exchange.ID{exchange.OKX}, f.keys.deleted)
}

func TestWSStatusStableOrder(t *testing.T) {
	f := newAPIFixture(t)
	last := time.Now().Add(-2 * time.Second)
	f.feeds[exchange.OKX] = &fakeFeed{id: exchange.OKX, connected: false}
	f.feeds[exchange.Binance] = &fakeFeed{id: exchange.Binance, connected: true, last: last}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/ws-status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []wsStatusEntry
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out, 2)
	assert.Equal(t, exchange.Binance, out[0].Exchange)
	assert.True(t, out[0].Connected)
	assert.GreaterOrEqual(t, out[0].SilenceMs, int64(2000))
	assert.Equal(t, exchange.OKX, out[1].Exchange)
	assert.False(t, out[1].Connected)
}
