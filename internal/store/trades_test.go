package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
	"fundingarb/internal/position"
)

func sampleTrade() *position.Trade {
	opened := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	return &position.Trade{
		ID:              "tr-1",
		PositionID:      "pos-1",
		UserID:          "u1",
		Symbol:          "BTCUSDT",
		LongExchange:    exchange.Binance,
		ShortExchange:   exchange.OKX,
		Status:          position.TradeSuccess,
		LongEntryPrice:  decimal.RequireFromString("65000"),
		LongExitPrice:   decimal.RequireFromString("65100"),
		ShortEntryPrice: decimal.RequireFromString("65010"),
		ShortExitPrice:  decimal.RequireFromString("65090"),
		LongSize:        decimal.RequireFromString("0.5"),
		ShortSize:       decimal.RequireFromString("0.5"),
		PriceDiffPnL:    decimal.RequireFromString("10"),
		FundingRatePnL:  decimal.RequireFromString("4.2"),
		Fees:            decimal.RequireFromString("1.3"),
		TotalPnL:        decimal.RequireFromString("12.9"),
		ROI:             decimal.RequireFromString("0.0012"),
		CloseReason:     position.CloseManual,
		HoldingDuration: 26 * time.Hour,
		OpenedAt:        opened,
		ClosedAt:        opened.Add(26 * time.Hour),
	}
}

func tradeRows(t *position.Trade) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "position_id", "user_id", "symbol", "long_exchange", "short_exchange",
		"status", "long_entry_price", "long_exit_price", "short_entry_price", "short_exit_price",
		"long_size", "short_size", "price_diff_pnl", "funding_rate_pnl", "fees", "total_pnl", "roi",
		"close_reason", "holding_duration_ms", "opened_at", "closed_at",
	}).AddRow(
		t.ID, t.PositionID, t.UserID, t.Symbol, string(t.LongExchange), string(t.ShortExchange),
		string(t.Status), t.LongEntryPrice.String(), t.LongExitPrice.String(),
		t.ShortEntryPrice.String(), t.ShortExitPrice.String(),
		t.LongSize.String(), t.ShortSize.String(), t.PriceDiffPnL.String(),
		t.FundingRatePnL.String(), t.Fees.String(), t.TotalPnL.String(), t.ROI.String(),
		string(t.CloseReason), t.HoldingDuration.Milliseconds(), t.OpenedAt, t.ClosedAt,
	)
}

func TestTradeInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradeRepo(db)
	tr := sampleTrade()

	mock.ExpectExec(`INSERT INTO trades`).
		WithArgs(
			tr.ID, tr.PositionID, tr.UserID, tr.Symbol, tr.LongExchange, tr.ShortExchange,
			tr.Status, tr.LongEntryPrice, tr.LongExitPrice, tr.ShortEntryPrice, tr.ShortExitPrice,
			tr.LongSize, tr.ShortSize, tr.PriceDiffPnL, tr.FundingRatePnL, tr.Fees, tr.TotalPnL, tr.ROI,
			tr.CloseReason, tr.HoldingDuration.Milliseconds(), tr.OpenedAt, tr.ClosedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), tr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradeRepo(db)
	tr := sampleTrade()

	mock.ExpectQuery(`FROM trades WHERE id = \$1`).
		WithArgs(tr.ID).
		WillReturnRows(tradeRows(tr))

	got, err := repo.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)
	assert.True(t, got.TotalPnL.Equal(tr.TotalPnL))
	assert.Equal(t, 26*time.Hour, got.HoldingDuration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeGetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradeRepo(db)

	mock.ExpectQuery(`FROM trades WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeListByUserSymbolFilter(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTradeRepo(db)
	tr := sampleTrade()

	mock.ExpectQuery(`FROM trades WHERE user_id = \$1 AND symbol = \$2`).
		WithArgs("u1", "BTCUSDT", 50, 10).
		WillReturnRows(tradeRows(tr))

	got, err := repo.ListByUser(context.Background(), "u1", "BTCUSDT", 50, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.NoError(t, mock.ExpectationsWereMet())
}
