// Package httpapi is the thin HTTP facade over the in-process services. It
// owns routing, the response envelope, per-route rate limits and nothing else;
// all behavior lives in the services it wraps.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"fundingarb/internal/exchange"
	"fundingarb/internal/limiter"
	"fundingarb/internal/metrics"
	"fundingarb/internal/opportunity"
	"fundingarb/internal/position"
	"fundingarb/internal/rates"
	"fundingarb/internal/store"
)

// Per-route budgets
const (
	routePublicOpportunities = "/public/opportunities"
	routeMarketDataRefresh   = "/market-data/refresh"
)

// DefaultRules is the facade's standard rate-limit table
func DefaultRules() map[string]limiter.Rule {
	return map[string]limiter.Rule{
		routePublicOpportunities: {Limit: 30, Window: time.Minute},
		routeMarketDataRefresh:   {Limit: 1, Window: 5 * time.Second},
	}
}

// RatesView is the funding pair engine surface the facade reads
type RatesView interface {
	Snapshot() []rates.Pair
}

// OpportunityView serves the live opportunity table
type OpportunityView interface {
	Active(symbol string, limit int) []*opportunity.Opportunity
}

// OpportunityHistory serves the de-identified ended history
type OpportunityHistory interface {
	History(ctx context.Context, q store.HistoryQuery) ([]store.EndedOpportunity, error)
}

// PositionService is the coordinator surface
type PositionService interface {
	OpenPair(ctx context.Context, req position.OpenRequest) (*position.Position, error)
	ClosePair(ctx context.Context, positionID string, reason position.CloseReason) (*position.Position, error)
	CloseBatch(ctx context.Context, userID, groupID string, progress func(position.BatchProgress)) error
}

// PositionStore is the direct position persistence the facade reads
type PositionStore interface {
	Get(ctx context.Context, id string) (*position.Position, error)
	ListByUser(ctx context.Context, userID string, status position.Status) ([]*position.Position, error)
	MarkGroupClosed(ctx context.Context, userID, groupID string) (int64, error)
}

// TradeStore serves the trade history
type TradeStore interface {
	Get(ctx context.Context, id string) (*position.Trade, error)
	ListByUser(ctx context.Context, userID, symbol string, limit, offset int) ([]*position.Trade, error)
}

// MonitorView reports the conditional monitor's health
type MonitorView interface {
	Status() (running bool, lastScan time.Time, watched int)
	Interval() time.Duration
}

// CredentialService is the keystore surface
type CredentialService interface {
	Save(ctx context.Context, userID string, ex exchange.ID, creds exchange.Credentials) error
	Delete(ctx context.Context, userID string, ex exchange.ID) error
	Status(ctx context.Context, userID string) map[exchange.ID]string
}

// Server is the HTTP facade
type Server struct {
	engine    RatesView
	tracker   OpportunityView
	history   OpportunityHistory
	positions PositionService
	posStore  PositionStore
	trades    TradeStore
	traders   position.TraderSource
	monitor   MonitorView
	feeds     map[exchange.ID]exchange.Feed
	keys      CredentialService
	limits    *limiter.SlidingWindow

	server *http.Server
}

// Deps bundles the collaborators the facade wraps
type Deps struct {
	Engine    RatesView
	Tracker   OpportunityView
	History   OpportunityHistory
	Positions PositionService
	PosStore  PositionStore
	Trades    TradeStore
	Traders   position.TraderSource
	Monitor   MonitorView
	Feeds     map[exchange.ID]exchange.Feed
	Keys      CredentialService
	Limits    *limiter.SlidingWindow
}

// NewServer creates the facade listening on addr
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		engine:    deps.Engine,
		tracker:   deps.Tracker,
		history:   deps.History,
		positions: deps.Positions,
		posStore:  deps.PosStore,
		trades:    deps.Trades,
		traders:   deps.Traders,
		monitor:   deps.Monitor,
		feeds:     deps.Feeds,
		keys:      deps.Keys,
		limits:    deps.Limits,
	}
	if s.limits == nil {
		s.limits = limiter.NewSlidingWindow(DefaultRules())
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the route table; exposed for httptest
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/funding-rates", s.instrument("/funding-rates", s.handleFundingRates)).Methods(http.MethodGet)
	r.HandleFunc("/opportunities", s.instrument("/opportunities", s.handleOpportunities)).Methods(http.MethodGet)
	r.HandleFunc(routePublicOpportunities,
		s.instrument(routePublicOpportunities, s.limitByIP(routePublicOpportunities, s.handlePublicOpportunities))).Methods(http.MethodGet)
	r.HandleFunc(routeMarketDataRefresh,
		s.instrument(routeMarketDataRefresh, s.requireUser(s.limitByUser(routeMarketDataRefresh, s.handleMarketDataRefresh)))).Methods(http.MethodGet)

	r.HandleFunc("/positions", s.instrument("/positions", s.requireUser(s.handleListPositions))).Methods(http.MethodGet)
	r.HandleFunc("/positions/open", s.instrument("/positions/open", s.requireUser(s.handleOpenPosition))).Methods(http.MethodPost)
	r.HandleFunc("/positions/{id}/close", s.instrument("/positions/close", s.requireUser(s.handleClosePosition))).Methods(http.MethodPost)
	r.HandleFunc("/positions/group/{groupId}/batch-close", s.instrument("/positions/batch-close", s.requireUser(s.handleBatchClose))).Methods(http.MethodPost)
	r.HandleFunc("/positions/group/{groupId}/mark-closed", s.instrument("/positions/mark-closed", s.requireUser(s.handleMarkGroupClosed))).Methods(http.MethodPatch)

	r.HandleFunc("/trades", s.instrument("/trades", s.requireUser(s.handleListTrades))).Methods(http.MethodGet)
	r.HandleFunc("/trades/{id}/funding-details", s.instrument("/trades/funding-details", s.requireUser(s.handleTradeFundingDetails))).Methods(http.MethodGet)

	r.HandleFunc("/credentials/status", s.instrument("/credentials/status", s.requireUser(s.handleCredentialStatus))).Methods(http.MethodGet)
	r.HandleFunc("/credentials/{exchange}", s.instrument("/credentials", s.requireUser(s.handleSaveCredential))).Methods(http.MethodPut)
	r.HandleFunc("/credentials/{exchange}", s.instrument("/credentials", s.requireUser(s.handleDeleteCredential))).Methods(http.MethodDelete)

	r.HandleFunc("/monitor/status", s.instrument("/monitor/status", s.handleMonitorStatus)).Methods(http.MethodGet)
	r.HandleFunc("/ws-status", s.instrument("/ws-status", s.handleWSStatus)).Methods(http.MethodGet)

	return r
}

// Start serves until the listener closes
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP API server")
	return s.server.ListenAndServe()
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the status code for the request metric
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next(rec, r)
		timer.ObserveDuration(metrics.HTTPRequestDuration, route, r.Method, strconv.Itoa(rec.status))
	}
}

// requireUser resolves the caller identity. Authentication itself lives at
// the gateway; this layer only needs the forwarded user id.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing X-User-ID")
			return
		}
		next(w, r)
	}
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) limitByIP(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.limit(clientIP(r), route, next, w, r)
	}
}

func (s *Server) limitByUser(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.limit(userID(r), route, next, w, r)
	}
}

func (s *Server) limit(key, route string, next http.HandlerFunc, w http.ResponseWriter, r *http.Request) {
	ok, remaining, retryAfter := s.limits.Allow(key, route)
	if rule, has := DefaultRules()[route]; has {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
	if !ok {
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		metrics.HTTPRateLimited.WithLabelValues(route).Inc()
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
		return
	}
	next(w, r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
