package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the funding arbitrage service
var (
	// Funding rate ingest
	FundingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_funding_rate",
			Help: "Latest funding rate per exchange and symbol",
		},
		[]string{"exchange", "symbol"},
	)

	FundingRateUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_funding_rate_updates_total",
			Help: "Total number of funding rate updates received",
		},
		[]string{"exchange", "source"},
	)

	// Opportunity engine
	SpreadValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_spread_apy",
			Help: "Current annualized funding spread for the pair",
		},
		[]string{"symbol", "long_exchange", "short_exchange"},
	)

	OpportunitiesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_opportunities_active",
			Help: "Number of currently active opportunities",
		},
	)

	OpportunitiesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_opportunities_detected_total",
			Help: "Total number of opportunities detected",
		},
		[]string{"symbol"},
	)

	// Position lifecycle
	PositionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_positions_opened_total",
			Help: "Total number of pair positions opened",
		},
		[]string{"long_exchange", "short_exchange"},
	)

	PositionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_positions_closed_total",
			Help: "Total number of pair positions closed",
		},
		[]string{"reason"},
	)

	PositionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_positions_failed_total",
			Help: "Total number of position opens that failed or went partial",
		},
		[]string{"stage"},
	)

	// Order execution
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_orders_placed_total",
			Help: "Total number of orders sent to venues",
		},
		[]string{"exchange", "type"},
	)

	OrderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_order_errors_total",
			Help: "Total number of order submissions rejected or failed",
		},
		[]string{"exchange", "error_type"},
	)

	// Conditional order monitor
	MonitorScans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_monitor_scans_total",
			Help: "Total number of conditional monitor scan passes",
		},
	)

	MonitorWatched = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_monitor_watched_positions",
			Help: "Positions with live conditionals in the last scan",
		},
	)

	TriggersDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_triggers_detected_total",
			Help: "Total number of venue-side conditional triggers detected",
		},
		[]string{"reason"},
	)

	// Private user-data streams
	UserStreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_user_stream_events_total",
			Help: "Total order and balance events received on private streams",
		},
		[]string{"exchange", "kind"},
	)

	UserStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_user_streams_active",
			Help: "Connected private user-data streams",
		},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// REST polling
	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_rest_fetch_duration_seconds",
			Help:    "Time to fetch data from exchange REST API",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"exchange", "endpoint"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_rest_fetch_errors_total",
			Help: "Total number of REST API fetch errors",
		},
		[]string{"exchange", "endpoint"},
	)

	// HTTP facade
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"route", "method", "status"},
	)

	HTTPRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_http_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	// Redis publishing
	RedisPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_redis_publish_errors_total",
			Help: "Total number of Redis publish errors",
		},
		[]string{"channel"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordFundingRate records a funding rate update
func RecordFundingRate(exchange, symbol, source string, rate float64) {
	FundingRate.WithLabelValues(exchange, symbol).Set(rate)
	FundingRateUpdates.WithLabelValues(exchange, source).Inc()
}

// RecordSpread records an opportunity's current spread
func RecordSpread(symbol, longExchange, shortExchange string, apy float64) {
	SpreadValue.WithLabelValues(symbol, longExchange, shortExchange).Set(apy)
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError records a connection error
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
