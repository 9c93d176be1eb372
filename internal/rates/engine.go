// Package rates maintains the latest funding rate per (symbol, exchange)
// and derives the best long/short arbitrage pair per symbol.
package rates

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/events"
	"fundingarb/internal/exchange"
)

// Cost components of a round trip, as rate fractions
var (
	tradingFeeRate    = decimal.RequireFromString("0.002")  // 4 × 0.05% taker
	slippageRate      = decimal.RequireFromString("0.001")  // market order slippage
	priceConvergeRate = decimal.RequireFromString("0.0015") // entry price gap convergence
	safetyMarginRate  = decimal.RequireFromString("0.0005")

	// TotalCostRate is the full cost estimate subtracted from the raw spread
	TotalCostRate = tradingFeeRate.Add(slippageRate).Add(priceConvergeRate).Add(safetyMarginRate)
)

// priceDirectionTolerance is the fraction by which the long leg may be
// priced above the short leg before the pair is considered wrong-way.
var priceDirectionTolerance = decimal.RequireFromString("0.0005")

// ExchangeRateData is the latest observation for one exchange on a symbol
type ExchangeRateData struct {
	Exchange        exchange.ID                `json:"exchange"`
	Rate            decimal.Decimal            `json:"rate"`
	MarkPrice       decimal.Decimal            `json:"mark_price"`
	NextFundingTime time.Time                  `json:"next_funding_time"`
	Interval        time.Duration              `json:"original_interval"`
	ReceivedAt      time.Time                  `json:"received_at"`
	Source          exchange.Source            `json:"source"`
	Normalized      map[string]decimal.Decimal `json:"normalized"`
}

// BestPair is the most profitable ordered (long, short) pair for a symbol
type BestPair struct {
	Symbol                  string           `json:"symbol"`
	LongExchange            exchange.ID      `json:"long_exchange"`
	ShortExchange           exchange.ID      `json:"short_exchange"`
	LongRate                decimal.Decimal  `json:"long_rate"`
	ShortRate               decimal.Decimal  `json:"short_rate"`
	RateDifference          decimal.Decimal  `json:"rate_difference"`
	SpreadPercent           decimal.Decimal  `json:"spread_percent"`
	AnnualizedReturn        decimal.Decimal  `json:"annualized_return"`
	NetReturn               decimal.Decimal  `json:"net_return"`
	IsPriceDirectionCorrect bool             `json:"is_price_direction_correct"`
	PriceDiffPercent        *decimal.Decimal `json:"price_diff_percent,omitempty"`
}

// Pair is the full per-symbol view: all venue observations plus best pair
type Pair struct {
	Symbol    string                            `json:"symbol"`
	Exchanges map[exchange.ID]*ExchangeRateData `json:"exchanges"`
	Best      *BestPair                         `json:"best_pair,omitempty"`
	UpdatedAt time.Time                         `json:"updated_at"`
}

// Detection is emitted when the best pair clears the profit threshold
type Detection struct {
	Symbol           string
	LongExchange     exchange.ID
	ShortExchange    exchange.ID
	Spread           decimal.Decimal
	AnnualizedReturn decimal.Decimal
	NetReturn        decimal.Decimal
	DetectedAt       time.Time
}

// Engine recomputes best pairs on every funding-rate observation
type Engine struct {
	mu    sync.RWMutex
	table map[string]map[exchange.ID]*ExchangeRateData
	best  map[string]*BestPair

	minProfit  decimal.Decimal
	detections *events.Stream[Detection]
}

// NewEngine creates an engine with the given minimum net-return threshold
func NewEngine(minProfit decimal.Decimal) *Engine {
	return &Engine{
		table:      make(map[string]map[exchange.ID]*ExchangeRateData),
		best:       make(map[string]*BestPair),
		minProfit:  minProfit,
		detections: events.NewStream[Detection](),
	}
}

// Detections exposes the opportunity-detected stream
func (e *Engine) Detections() *events.Stream[Detection] { return e.detections }

// Update ingests one observation, recomputes the symbol's best pair and
// emits a detection when it clears the threshold. Returns the new best pair
// (nil when fewer than two venues have data).
func (e *Engine) Update(fr *exchange.FundingRate) *BestPair {
	e.mu.Lock()

	row := e.table[fr.Symbol]
	if row == nil {
		row = make(map[exchange.ID]*ExchangeRateData)
		e.table[fr.Symbol] = row
	}
	row[fr.Exchange] = &ExchangeRateData{
		Exchange:        fr.Exchange,
		Rate:            fr.Rate,
		MarkPrice:       fr.MarkPrice,
		NextFundingTime: fr.NextFundingTime,
		Interval:        fr.Interval,
		ReceivedAt:      fr.ReceivedAt,
		Source:          fr.Source,
		Normalized:      NormalizedTable(fr.Rate, fr.Interval),
	}

	best := computeBest(fr.Symbol, row)
	if best != nil {
		e.best[fr.Symbol] = best
	} else {
		delete(e.best, fr.Symbol)
	}
	e.mu.Unlock()

	if best != nil && best.NetReturn.GreaterThan(e.minProfit) && best.IsPriceDirectionCorrect {
		e.detections.Publish(Detection{
			Symbol:           best.Symbol,
			LongExchange:     best.LongExchange,
			ShortExchange:    best.ShortExchange,
			Spread:           best.RateDifference,
			AnnualizedReturn: best.AnnualizedReturn,
			NetReturn:        best.NetReturn,
			DetectedAt:       time.Now().UTC(),
		})
		log.Debug().
			Str("symbol", best.Symbol).
			Str("long", string(best.LongExchange)).
			Str("short", string(best.ShortExchange)).
			Str("net_return", best.NetReturn.String()).
			Msg("Arbitrage opportunity detected")
	}
	return best
}

// computeBest enumerates all ordered venue pairs and keeps the highest net
// return. Ties break on annualized return, then lexicographic exchanges.
func computeBest(symbol string, row map[exchange.ID]*ExchangeRateData) *BestPair {
	if len(row) < 2 {
		return nil
	}

	var best *BestPair
	for _, longID := range exchange.All() {
		longData, ok := row[longID]
		if !ok {
			continue
		}
		for _, shortID := range exchange.All() {
			if shortID == longID {
				continue
			}
			shortData, ok := row[shortID]
			if !ok {
				continue
			}

			cand := buildPair(symbol, longData, shortData)
			if best == nil || better(cand, best) {
				best = cand
			}
		}
	}
	return best
}

func buildPair(symbol string, long, short *ExchangeRateData) *BestPair {
	spread := short.Rate.Sub(long.Rate)

	minInterval := long.Interval
	if short.Interval > 0 && (minInterval <= 0 || short.Interval < minInterval) {
		minInterval = short.Interval
	}

	p := &BestPair{
		Symbol:           symbol,
		LongExchange:     long.Exchange,
		ShortExchange:    short.Exchange,
		LongRate:         long.Rate,
		ShortRate:        short.Rate,
		RateDifference:   spread,
		SpreadPercent:    spread.Mul(decimal.NewFromInt(100)),
		AnnualizedReturn: spread.Mul(SettlementsPerYear(minInterval)),
		NetReturn:        spread.Sub(TotalCostRate),
	}

	p.IsPriceDirectionCorrect = true
	if long.MarkPrice.IsPositive() && short.MarkPrice.IsPositive() {
		diff := short.MarkPrice.Sub(long.MarkPrice).Div(long.MarkPrice).Mul(decimal.NewFromInt(100))
		p.PriceDiffPercent = &diff
		// the long leg must not be priced meaningfully above the short leg
		floor := long.MarkPrice.Mul(decimal.NewFromInt(1).Sub(priceDirectionTolerance))
		p.IsPriceDirectionCorrect = short.MarkPrice.GreaterThanOrEqual(floor)
	}
	return p
}

// better reports whether a beats b under the engine's ordering
func better(a, b *BestPair) bool {
	if !a.NetReturn.Equal(b.NetReturn) {
		return a.NetReturn.GreaterThan(b.NetReturn)
	}
	if !a.AnnualizedReturn.Equal(b.AnnualizedReturn) {
		return a.AnnualizedReturn.GreaterThan(b.AnnualizedReturn)
	}
	if a.LongExchange != b.LongExchange {
		return a.LongExchange < b.LongExchange
	}
	return a.ShortExchange < b.ShortExchange
}

// Best returns the current best pair for a symbol
func (e *Engine) Best(symbol string) *BestPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.best[symbol]
}

// Rate returns the latest observation for (symbol, exchange)
func (e *Engine) Rate(symbol string, id exchange.ID) *ExchangeRateData {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if row, ok := e.table[symbol]; ok {
		return row[id]
	}
	return nil
}

// Snapshot returns the full pair table for the HTTP facade
func (e *Engine) Snapshot() []Pair {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Pair, 0, len(e.table))
	for symbol, row := range e.table {
		p := Pair{
			Symbol:    symbol,
			Exchanges: make(map[exchange.ID]*ExchangeRateData, len(row)),
			Best:      e.best[symbol],
		}
		for id, data := range row {
			p.Exchanges[id] = data
			if data.ReceivedAt.After(p.UpdatedAt) {
				p.UpdatedAt = data.ReceivedAt
			}
		}
		out = append(out, p)
	}
	return out
}

// Close shuts the detection stream down
func (e *Engine) Close() { e.detections.Close() }
