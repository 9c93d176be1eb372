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

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func samplePosition() *position.Position {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	return &position.Position{
		ID:              "pos-1",
		UserID:          "u1",
		Symbol:          "BTCUSDT",
		LongExchange:    exchange.Binance,
		ShortExchange:   exchange.OKX,
		Status:          position.StatusOpen,
		LongSize:        decimal.RequireFromString("0.5"),
		ShortSize:       decimal.RequireFromString("0.5"),
		LongLeverage:    3,
		ShortLeverage:   3,
		LongEntryPrice:  decimal.RequireFromString("65000"),
		ShortEntryPrice: decimal.RequireFromString("65010"),
		LongOrderID:     "lo-1",
		ShortOrderID:    "so-1",
		Conditional:     position.ConditionalNone,
		OpenedAt:        now,
		UpdatedAt:       now,
	}
}

func TestPositionInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepo(db)
	p := samplePosition()

	mock.ExpectExec(`INSERT INTO positions`).
		WithArgs(
			p.ID, p.UserID, p.Symbol, p.LongExchange, p.ShortExchange, p.Status,
			p.LongSize, p.ShortSize, p.LongLeverage, p.ShortLeverage,
			p.LongEntryPrice, p.ShortEntryPrice, p.LongOrderID, p.ShortOrderID,
			p.OpenFundingRateLong, p.OpenFundingRateShort,
			sqlmock.AnyArg(), p.Conditional, p.CloseReason, p.FailureReason,
			sqlmock.AnyArg(), sqlmock.AnyArg(), p.GroupID, sqlmock.AnyArg(),
			p.ExitSuggested, p.ExitSuggestedReason, p.OpenedAt, p.ClosedAt, p.UpdatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionUpdateMissingRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepo(db)
	p := samplePosition()

	mock.ExpectExec(`UPDATE positions SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), p)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func positionRows(p *position.Position) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "symbol", "long_exchange", "short_exchange", "status",
		"long_size", "short_size", "long_leverage", "short_leverage",
		"long_entry_price", "short_entry_price", "long_order_id", "short_order_id",
		"open_funding_rate_long", "open_funding_rate_short",
		"conditionals", "conditional_status", "close_reason", "failure_reason",
		"long_exit_price", "short_exit_price", "group_id", "cached_funding_pnl",
		"exit_suggested", "exit_suggested_reason", "opened_at", "closed_at", "updated_at",
	}).AddRow(
		p.ID, p.UserID, p.Symbol, string(p.LongExchange), string(p.ShortExchange), string(p.Status),
		p.LongSize.String(), p.ShortSize.String(), p.LongLeverage, p.ShortLeverage,
		p.LongEntryPrice.String(), p.ShortEntryPrice.String(), p.LongOrderID, p.ShortOrderID,
		"0", "0",
		[]byte(`{"long_stop_loss":{"enabled":true,"percent":"5","price":"61750","order_id":"sl-1"},"long_take_profit":{"enabled":false,"percent":"0","price":"0"},"short_stop_loss":{"enabled":false,"percent":"0","price":"0"},"short_take_profit":{"enabled":false,"percent":"0","price":"0"}}`),
		string(position.ConditionalSet), "", "",
		nil, nil, p.GroupID, nil,
		false, "", p.OpenedAt, nil, p.UpdatedAt,
	)
}

func TestPositionGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepo(db)
	p := samplePosition()

	mock.ExpectQuery(`FROM positions WHERE id = \$1`).
		WithArgs(p.ID).
		WillReturnRows(positionRows(p))

	got, err := repo.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, exchange.Binance, got.LongExchange)
	assert.True(t, got.LongEntryPrice.Equal(p.LongEntryPrice))
	assert.True(t, got.LongStopLoss.Enabled)
	assert.Equal(t, "sl-1", got.LongStopLoss.OrderID)
	assert.Nil(t, got.LongExitPrice)
	assert.Nil(t, got.ClosedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionListOpenWithConditionals(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepo(db)
	p := samplePosition()

	mock.ExpectQuery(`FROM positions`).
		WithArgs(string(position.StatusOpen), string(position.ConditionalSet)).
		WillReturnRows(positionRows(p))

	got, err := repo.ListOpenWithConditionals(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p.ID, got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkGroupClosed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPositionRepo(db)

	mock.ExpectExec(`UPDATE positions SET status = \$4`).
		WithArgs("u1", "g1", sqlmock.AnyArg(), string(position.StatusClosed),
			string(position.CloseManual), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.MarkGroupClosed(context.Background(), "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
