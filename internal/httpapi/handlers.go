package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/position"
	"fundingarb/internal/store"
)

// GET /funding-rates
func (s *Server) handleFundingRates(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.engine.Snapshot())
}

// GET /opportunities?symbol=&limit=
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	limit := queryInt(r, "limit", 100)
	writeData(w, http.StatusOK, s.tracker.Active(symbol, limit))
}

// GET /public/opportunities?days=&page=&limit=&status=
func (s *Server) handlePublicOpportunities(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	limit := queryInt(r, "limit", 100)

	switch status := strings.ToUpper(r.URL.Query().Get("status")); status {
	case "ACTIVE":
		writeData(w, http.StatusOK, s.tracker.Active(symbol, limit))
		return
	case "", "ENDED":
		// ended rows come from the history table below
	default:
		writeError(w, http.StatusBadRequest, CodeValidation, fmt.Sprintf("unknown status %q", status))
		return
	}

	history, err := s.history.History(r.Context(), store.HistoryQuery{
		Symbol: symbol,
		Days:   queryInt(r, "days", 0),
		Limit:  limit,
		Page:   queryInt(r, "page", 1),
	})
	if err != nil {
		log.Error().Err(err).Msg("Opportunity history query failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "history unavailable")
		return
	}
	writeData(w, http.StatusOK, history)
}

// refreshEntry is one venue's on-demand observation
type refreshEntry struct {
	Exchange        exchange.ID      `json:"exchange"`
	Rate            *decimal.Decimal `json:"rate,omitempty"`
	MarkPrice       *decimal.Decimal `json:"mark_price,omitempty"`
	NextFundingTime *time.Time       `json:"next_funding_time,omitempty"`
	IntervalHours   float64          `json:"interval_hours,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// GET /market-data/refresh?symbol=&exchanges=a,b
func (s *Server) handleMarketDataRefresh(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "symbol is required")
		return
	}

	ids := exchange.All()
	if raw := r.URL.Query().Get("exchanges"); raw != "" {
		ids = ids[:0]
		for _, part := range strings.Split(raw, ",") {
			id := exchange.ID(strings.TrimSpace(part))
			if !id.Valid() {
				writeError(w, http.StatusBadRequest, CodeValidation, fmt.Sprintf("unknown exchange %q", part))
				return
			}
			ids = append(ids, id)
		}
	}

	out := make([]refreshEntry, 0, len(ids))
	for _, id := range ids {
		feed, ok := s.feeds[id]
		if !ok {
			continue
		}
		entry := refreshEntry{Exchange: id}
		fr, err := feed.FetchFundingRate(r.Context(), symbol)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Rate = &fr.Rate
			entry.MarkPrice = &fr.MarkPrice
			entry.NextFundingTime = &fr.NextFundingTime
			entry.IntervalHours = fr.Interval.Hours()
		}
		out = append(out, entry)
	}
	writeData(w, http.StatusOK, out)
}

// GET /positions?status=
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.posStore.ListByUser(r.Context(), userID(r), position.Status(r.URL.Query().Get("status")))
	if err != nil {
		log.Error().Err(err).Msg("Position list query failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "positions unavailable")
		return
	}
	writeData(w, http.StatusOK, positions)
}

type conditionalParams struct {
	StopLossPercent   *decimal.Decimal `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent *decimal.Decimal `json:"take_profit_percent,omitempty"`
}

type openPositionRequest struct {
	Symbol        string            `json:"symbol"`
	LongExchange  exchange.ID       `json:"long_exchange"`
	ShortExchange exchange.ID       `json:"short_exchange"`
	Size          decimal.Decimal   `json:"size"`
	Leverage      int               `json:"leverage"`
	GroupID       string            `json:"group_id,omitempty"`
	Long          conditionalParams `json:"long"`
	Short         conditionalParams `json:"short"`
}

// POST /positions/open
func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}

	p, err := s.positions.OpenPair(r.Context(), position.OpenRequest{
		UserID:        userID(r),
		Symbol:        req.Symbol,
		LongExchange:  req.LongExchange,
		ShortExchange: req.ShortExchange,
		Size:          req.Size,
		Leverage:      req.Leverage,
		GroupID:       req.GroupID,
		Long: position.ConditionalRequest{
			StopLossPercent:   req.Long.StopLossPercent,
			TakeProfitPercent: req.Long.TakeProfitPercent,
		},
		Short: position.ConditionalRequest{
			StopLossPercent:   req.Short.StopLossPercent,
			TakeProfitPercent: req.Short.TakeProfitPercent,
		},
	})
	if err != nil {
		s.writePositionError(w, err)
		return
	}
	writeData(w, http.StatusCreated, p)
}

// POST /positions/{id}/close
func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// ownership is settled before any order leaves the building
	p, err := s.posStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, CodeNotFound, "position not found")
			return
		}
		log.Error().Err(err).Msg("Position query failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "position unavailable")
		return
	}
	if p.UserID != userID(r) {
		writeError(w, http.StatusForbidden, CodeForbidden, "position belongs to another user")
		return
	}

	closed, err := s.positions.ClosePair(r.Context(), id, position.CloseManual)
	if err != nil {
		s.writePositionError(w, err)
		return
	}
	writeData(w, http.StatusOK, closed)
}

type batchResult struct {
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	Closed     bool   `json:"closed"`
	Error      string `json:"error,omitempty"`
}

// POST /positions/group/{groupId}/batch-close
func (s *Server) handleBatchClose(w http.ResponseWriter, r *http.Request) {
	var (
		mu      sync.Mutex
		results []batchResult
	)
	err := s.positions.CloseBatch(r.Context(), userID(r), mux.Vars(r)["groupId"], func(pr position.BatchProgress) {
		res := batchResult{PositionID: pr.PositionID, Symbol: pr.Symbol, Closed: pr.Err == nil}
		if pr.Err != nil {
			res.Error = pr.Err.Error()
		}
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	})
	if err != nil && len(results) == 0 {
		writeError(w, http.StatusNotFound, CodeNoEligible, err.Error())
		return
	}

	closed, failed := 0, 0
	for _, res := range results {
		if res.Closed {
			closed++
		} else {
			failed++
		}
	}
	writeData(w, http.StatusOK, map[string]any{
		"totalPositions":  len(results),
		"closedPositions": closed,
		"failedPositions": failed,
		"results":         results,
	})
}

// PATCH /positions/group/{groupId}/mark-closed
func (s *Server) handleMarkGroupClosed(w http.ResponseWriter, r *http.Request) {
	n, err := s.posStore.MarkGroupClosed(r.Context(), userID(r), mux.Vars(r)["groupId"])
	if err != nil {
		log.Error().Err(err).Msg("Mark group closed failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "mark closed failed")
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, CodeNoEligible, "no positions to mark closed")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"marked_closed": n})
}

// GET /trades?limit=&offset=&symbol=
func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trades.ListByUser(r.Context(), userID(r),
		r.URL.Query().Get("symbol"), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		log.Error().Err(err).Msg("Trade list query failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "trades unavailable")
		return
	}
	writeData(w, http.StatusOK, trades)
}

type fundingPaymentEntry struct {
	Amount decimal.Decimal `json:"amount"`
	Time   time.Time       `json:"time"`
}

type fundingLegDetail struct {
	Exchange exchange.ID           `json:"exchange"`
	Payments []fundingPaymentEntry `json:"payments"`
	Total    decimal.Decimal       `json:"total"`
	Error    string                `json:"error,omitempty"`
}

// GET /trades/{id}/funding-details
func (s *Server) handleTradeFundingDetails(w http.ResponseWriter, r *http.Request) {
	trade, err := s.trades.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, CodeTradeNotFound, "trade not found")
			return
		}
		log.Error().Err(err).Msg("Trade query failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "trade unavailable")
		return
	}
	if trade.UserID != userID(r) {
		writeError(w, http.StatusForbidden, CodeForbidden, "trade belongs to another user")
		return
	}

	long := s.legFundingDetail(r, trade, trade.LongExchange)
	short := s.legFundingDetail(r, trade, trade.ShortExchange)
	writeData(w, http.StatusOK, map[string]any{
		"trade_id": trade.ID,
		"symbol":   trade.Symbol,
		"long":     long,
		"short":    short,
		"combined": long.Total.Add(short.Total),
	})
}

func (s *Server) legFundingDetail(r *http.Request, trade *position.Trade, ex exchange.ID) fundingLegDetail {
	detail := fundingLegDetail{Exchange: ex, Payments: []fundingPaymentEntry{}}

	trader, err := s.traders.Trader(r.Context(), trade.UserID, ex)
	if err != nil {
		detail.Error = err.Error()
		return detail
	}
	payments, err := trader.FetchFundingHistory(r.Context(), trade.Symbol, trade.OpenedAt, trade.ClosedAt)
	if err != nil {
		detail.Error = err.Error()
		return detail
	}
	for _, pay := range payments {
		detail.Payments = append(detail.Payments, fundingPaymentEntry{Amount: pay.Amount, Time: pay.Time})
		detail.Total = detail.Total.Add(pay.Amount)
	}
	return detail
}

// GET /credentials/status
func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.keys.Status(r.Context(), userID(r)))
}

type saveCredentialRequest struct {
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
	Passphrase  string `json:"passphrase,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// PUT /credentials/{exchange}
func (s *Server) handleSaveCredential(w http.ResponseWriter, r *http.Request) {
	ex := exchange.ID(mux.Vars(r)["exchange"])
	if !ex.Valid() {
		writeError(w, http.StatusBadRequest, CodeValidation, "unknown exchange")
		return
	}

	var req saveCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if req.APIKey == "" || req.APISecret == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "api_key and api_secret are required")
		return
	}
	env := exchange.Mainnet
	if strings.EqualFold(req.Environment, string(exchange.Testnet)) {
		env = exchange.Testnet
	}

	err := s.keys.Save(r.Context(), userID(r), ex, exchange.Credentials{
		APIKey:      req.APIKey,
		APISecret:   req.APISecret,
		Passphrase:  req.Passphrase,
		Environment: env,
	})
	if err != nil {
		log.Error().Err(err).Str("exchange", string(ex)).Msg("Credential save failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "credential save failed")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"exchange": string(ex), "status": "saved"})
}

// DELETE /credentials/{exchange}
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	ex := exchange.ID(mux.Vars(r)["exchange"])
	if !ex.Valid() {
		writeError(w, http.StatusBadRequest, CodeValidation, "unknown exchange")
		return
	}
	if err := s.keys.Delete(r.Context(), userID(r), ex); err != nil {
		log.Error().Err(err).Str("exchange", string(ex)).Msg("Credential delete failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "credential delete failed")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"exchange": string(ex), "status": "deleted"})
}

// GET /monitor/status
func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	running, lastScan, watched := s.monitor.Status()
	writeData(w, http.StatusOK, map[string]any{
		"initialized": true,
		"isRunning":   running,
		"intervalMs":  s.monitor.Interval().Milliseconds(),
		"lastScan":    lastScan,
		"watched":     watched,
	})
}

type wsStatusEntry struct {
	Exchange    exchange.ID `json:"exchange"`
	Connected   bool        `json:"connected"`
	LastMessage time.Time   `json:"last_message"`
	SilenceMs   int64       `json:"silence_ms"`
}

// GET /ws-status
func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	out := make([]wsStatusEntry, 0, len(s.feeds))
	for _, id := range exchange.All() {
		feed, ok := s.feeds[id]
		if !ok {
			continue
		}
		entry := wsStatusEntry{
			Exchange:    id,
			Connected:   feed.IsConnected(),
			LastMessage: feed.LastMessageTime(),
		}
		if !entry.LastMessage.IsZero() {
			entry.SilenceMs = now.Sub(entry.LastMessage).Milliseconds()
		}
		out = append(out, entry)
	}
	writeData(w, http.StatusOK, out)
}

// writePositionError maps coordinator errors onto the envelope
func (s *Server) writePositionError(w http.ResponseWriter, err error) {
	var (
		reject       *exchange.RejectError
		insufficient *exchange.InsufficientBalanceError
	)
	switch {
	case errors.Is(err, position.ErrInProgress):
		writeError(w, http.StatusConflict, CodeInProgress, "a position operation is already in progress for this symbol")
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, CodeNotFound, "position not found")
	case errors.As(err, &insufficient):
		writeError(w, http.StatusBadRequest, CodeExchangeRejected, err.Error())
	case errors.As(err, &reject):
		writeError(w, http.StatusBadRequest, CodeExchangeRejected, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}
