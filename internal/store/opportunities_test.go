package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingarb/internal/exchange"
	"fundingarb/internal/opportunity"
)

func sampleOpportunity() *opportunity.Opportunity {
	detected := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	return &opportunity.Opportunity{
		ID:            "opp-1",
		Symbol:        "ETHUSDT",
		LongExchange:  exchange.GateIO,
		ShortExchange: exchange.MEXC,
		Status:        opportunity.StatusActive,
		DetectedAt:    detected,
		InitialSpread: decimal.RequireFromString("0.0012"),
		CurrentSpread: decimal.RequireFromString("0.0015"),
		MaxSpread:     decimal.RequireFromString("0.0019"),
		MaxSpreadAt:   detected.Add(10 * time.Minute),
	}
}

func TestOpportunityUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOpportunityRepo(db)
	o := sampleOpportunity()

	mock.ExpectExec(`INSERT INTO opportunities`).
		WithArgs(o.ID, o.Symbol, o.LongExchange, o.ShortExchange, o.Status,
			o.DetectedAt, o.InitialSpread, o.CurrentSpread, o.MaxSpread, o.MaxSpreadAt,
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertOpportunity(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndOpportunityWritesHistoryInOneTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOpportunityRepo(db)
	o := sampleOpportunity()
	disappeared := o.DetectedAt.Add(45 * time.Minute)
	o.Status = opportunity.StatusEnded
	o.DisappearedAt = &disappeared
	o.DurationMs = 45 * 60 * 1000
	o.RealizedAPY = decimal.RequireFromString("0.31")

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE opportunities SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO opportunity_end_history`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.EndOpportunity(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndOpportunityRollsBackOnHistoryFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOpportunityRepo(db)
	o := sampleOpportunity()
	disappeared := o.DetectedAt.Add(45 * time.Minute)
	o.DisappearedAt = &disappeared

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE opportunities SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO opportunity_end_history`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.EndOpportunity(context.Background(), o)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpportunityHistory(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOpportunityRepo(db)
	detected := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"opportunity_id", "symbol", "long_exchange", "short_exchange",
		"detected_at", "disappeared_at", "duration_ms",
		"initial_spread", "max_spread", "final_spread", "realized_apy",
	}).AddRow("opp-1", "ETHUSDT", "gateio", "mexc",
		detected, detected.Add(time.Hour), int64(3600000),
		"0.0012", "0.0019", "0.0003", "0.31")

	mock.ExpectQuery(`FROM opportunity_end_history WHERE symbol = \$1`).
		WithArgs("ETHUSDT", 50, 0).
		WillReturnRows(rows)

	got, err := repo.History(context.Background(), HistoryQuery{Symbol: "ETHUSDT", Limit: 50})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, exchange.GateIO, got[0].LongExchange)
	assert.Equal(t, int64(3600000), got[0].DurationMs)
	assert.True(t, got[0].RealizedAPY.Equal(decimal.RequireFromString("0.31")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpportunityHistoryDaysWindowAndPaging(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOpportunityRepo(db)

	rows := sqlmock.NewRows([]string{
		"opportunity_id", "symbol", "long_exchange", "short_exchange",
		"detected_at", "disappeared_at", "duration_ms",
		"initial_spread", "max_spread", "final_spread", "realized_apy",
	})

	mock.ExpectQuery(`FROM opportunity_end_history WHERE symbol = \$1 AND disappeared_at >= \$2`).
		WithArgs("ETHUSDT", sqlmock.AnyArg(), 20, 40).
		WillReturnRows(rows)

	_, err := repo.History(context.Background(), HistoryQuery{
		Symbol: "ETHUSDT",
		Days:   7,
		Limit:  20,
		Page:   3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpportunityHistoryDefaultsBadPaging(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOpportunityRepo(db)

	rows := sqlmock.NewRows([]string{
		"opportunity_id", "symbol", "long_exchange", "short_exchange",
		"detected_at", "disappeared_at", "duration_ms",
		"initial_spread", "max_spread", "final_spread", "realized_apy",
	})

	mock.ExpectQuery(`FROM opportunity_end_history ORDER BY disappeared_at DESC`).
		WithArgs(100, 0).
		WillReturnRows(rows)

	_, err := repo.History(context.Background(), HistoryQuery{Limit: -5, Page: 0})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
