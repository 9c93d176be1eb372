// Package position owns the delta-neutral pair position lifecycle: the
// coordinator opens and closes leg pairs, and the models here are what the
// store persists and the HTTP facade serves.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
)

// Status is the position state machine:
// PENDING → OPEN | FAILED | PARTIAL; OPEN → CLOSING → CLOSED | PARTIAL.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusOpen    Status = "OPEN"
	StatusPartial Status = "PARTIAL"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
	StatusFailed  Status = "FAILED"
)

// CloseReason records why a position left the OPEN state
type CloseReason string

const (
	CloseManual             CloseReason = "MANUAL"
	CloseLongSLTriggered    CloseReason = "LONG_SL_TRIGGERED"
	CloseLongTPTriggered    CloseReason = "LONG_TP_TRIGGERED"
	CloseShortSLTriggered   CloseReason = "SHORT_SL_TRIGGERED"
	CloseShortTPTriggered   CloseReason = "SHORT_TP_TRIGGERED"
	CloseBothTriggered      CloseReason = "BOTH_TRIGGERED"
	CloseUnconfirmedTrigger CloseReason = "UNCONFIRMED_TRIGGER"
	CloseBatch              CloseReason = "BATCH_CLOSE"
)

// ExitReason is attached when the engine suggests leaving a position
type ExitReason string

const (
	ExitAPYNegative    ExitReason = "APY_NEGATIVE"
	ExitProfitLockable ExitReason = "PROFIT_LOCKABLE"
)

// ConditionalStatus tracks whether SL/TP orders are live on the venues
type ConditionalStatus string

const (
	ConditionalNone     ConditionalStatus = "NONE"
	ConditionalSet      ConditionalStatus = "SET"
	ConditionalCanceled ConditionalStatus = "CANCELED"
)

// ConditionalLeg is one stop-loss or take-profit attachment on one leg
type ConditionalLeg struct {
	Enabled bool            `json:"enabled"`
	Percent decimal.Decimal `json:"percent"`
	Price   decimal.Decimal `json:"price"`
	OrderID string          `json:"order_id,omitempty"`
}

// Position is a two-legged funding-arbitrage position
type Position struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	Symbol        string      `json:"symbol"`
	LongExchange  exchange.ID `json:"long_exchange"`
	ShortExchange exchange.ID `json:"short_exchange"`
	Status        Status      `json:"status"`

	LongSize      decimal.Decimal `json:"long_size"`
	ShortSize     decimal.Decimal `json:"short_size"`
	LongLeverage  int             `json:"long_leverage"`
	ShortLeverage int             `json:"short_leverage"`

	LongEntryPrice  decimal.Decimal `json:"long_entry_price"`
	ShortEntryPrice decimal.Decimal `json:"short_entry_price"`
	LongOrderID     string          `json:"long_order_id,omitempty"`
	ShortOrderID    string          `json:"short_order_id,omitempty"`

	// Funding rates snapshotted at open time, before the first leg is sent
	OpenFundingRateLong  decimal.Decimal `json:"open_funding_rate_long"`
	OpenFundingRateShort decimal.Decimal `json:"open_funding_rate_short"`

	LongStopLoss    ConditionalLeg    `json:"long_stop_loss"`
	LongTakeProfit  ConditionalLeg    `json:"long_take_profit"`
	ShortStopLoss   ConditionalLeg    `json:"short_stop_loss"`
	ShortTakeProfit ConditionalLeg    `json:"short_take_profit"`
	Conditional     ConditionalStatus `json:"conditional_status"`

	CloseReason    CloseReason      `json:"close_reason,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	LongExitPrice  *decimal.Decimal `json:"long_exit_price,omitempty"`
	ShortExitPrice *decimal.Decimal `json:"short_exit_price,omitempty"`

	GroupID             string           `json:"group_id,omitempty"`
	CachedFundingPnL    *decimal.Decimal `json:"cached_funding_pnl,omitempty"`
	ExitSuggested       bool             `json:"exit_suggested"`
	ExitSuggestedReason ExitReason       `json:"exit_suggested_reason,omitempty"`

	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Margin is the capital committed across both legs at entry
func (p *Position) Margin() decimal.Decimal {
	long := safeDiv(p.LongEntryPrice.Mul(p.LongSize), p.LongLeverage)
	short := safeDiv(p.ShortEntryPrice.Mul(p.ShortSize), p.ShortLeverage)
	return long.Add(short)
}

func safeDiv(notional decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		return notional
	}
	return notional.Div(decimal.NewFromInt(int64(leverage)))
}

// TradeStatus marks whether both legs realized cleanly
type TradeStatus string

const (
	TradeSuccess TradeStatus = "SUCCESS"
	TradePartial TradeStatus = "PARTIAL"
)

// Trade is the immutable performance record written on every terminal close
type Trade struct {
	ID            string      `json:"id"`
	PositionID    string      `json:"position_id"`
	UserID        string      `json:"user_id"`
	Symbol        string      `json:"symbol"`
	LongExchange  exchange.ID `json:"long_exchange"`
	ShortExchange exchange.ID `json:"short_exchange"`
	Status        TradeStatus `json:"status"`

	LongEntryPrice  decimal.Decimal `json:"long_entry_price"`
	LongExitPrice   decimal.Decimal `json:"long_exit_price"`
	ShortEntryPrice decimal.Decimal `json:"short_entry_price"`
	ShortExitPrice  decimal.Decimal `json:"short_exit_price"`
	LongSize        decimal.Decimal `json:"long_size"`
	ShortSize       decimal.Decimal `json:"short_size"`

	PriceDiffPnL   decimal.Decimal `json:"price_diff_pnl"`
	FundingRatePnL decimal.Decimal `json:"funding_rate_pnl"`
	Fees           decimal.Decimal `json:"fees"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	ROI            decimal.Decimal `json:"roi"`

	CloseReason     CloseReason   `json:"close_reason"`
	HoldingDuration time.Duration `json:"holding_duration"`
	OpenedAt        time.Time     `json:"opened_at"`
	ClosedAt        time.Time     `json:"closed_at"`
}
