package position

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
)

// buildTrade assembles the immutable performance record for a terminal
// position. Funding PnL sums the venue funding history of both legs over the
// holding window; entries settled on both venues for the same interval are
// counted from each venue separately.
func buildTrade(ctx context.Context, p *Position, status TradeStatus, fees decimal.Decimal, longTrader, shortTrader exchange.Trader) *Trade {
	closedAt := time.Now().UTC()
	if p.ClosedAt != nil {
		closedAt = *p.ClosedAt
	}

	longExit := decimal.Zero
	if p.LongExitPrice != nil {
		longExit = *p.LongExitPrice
	}
	shortExit := decimal.Zero
	if p.ShortExitPrice != nil {
		shortExit = *p.ShortExitPrice
	}

	priceDiff := longExit.Sub(p.LongEntryPrice).Mul(p.LongSize).
		Add(p.ShortEntryPrice.Sub(shortExit).Mul(p.ShortSize))

	funding := fundingPnL(ctx, p, longTrader, shortTrader, closedAt)
	total := priceDiff.Add(funding).Sub(fees)

	roi := decimal.Zero
	if margin := p.Margin(); margin.IsPositive() {
		roi = total.Div(margin)
	}

	return &Trade{
		ID:              uuid.NewString(),
		PositionID:      p.ID,
		UserID:          p.UserID,
		Symbol:          p.Symbol,
		LongExchange:    p.LongExchange,
		ShortExchange:   p.ShortExchange,
		Status:          status,
		LongEntryPrice:  p.LongEntryPrice,
		LongExitPrice:   longExit,
		ShortEntryPrice: p.ShortEntryPrice,
		ShortExitPrice:  shortExit,
		LongSize:        p.LongSize,
		ShortSize:       p.ShortSize,
		PriceDiffPnL:    priceDiff,
		FundingRatePnL:  funding,
		Fees:            fees,
		TotalPnL:        total,
		ROI:             roi,
		CloseReason:     p.CloseReason,
		HoldingDuration: closedAt.Sub(p.OpenedAt),
		OpenedAt:        p.OpenedAt,
		ClosedAt:        closedAt,
	}
}

func fundingPnL(ctx context.Context, p *Position, longTrader, shortTrader exchange.Trader, closedAt time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []struct {
		trader exchange.Trader
		ex     exchange.ID
	}{
		{longTrader, p.LongExchange},
		{shortTrader, p.ShortExchange},
	} {
		if leg.trader == nil {
			continue
		}
		payments, err := leg.trader.FetchFundingHistory(ctx, p.Symbol, p.OpenedAt, closedAt)
		if err != nil {
			log.Warn().Err(err).
				Str("position", p.ID).
				Str("exchange", string(leg.ex)).
				Msg("Funding history unavailable, PnL understated")
			continue
		}
		for _, pay := range payments {
			total = total.Add(pay.Amount)
		}
	}
	return total
}
