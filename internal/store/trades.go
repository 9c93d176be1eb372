package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fundingarb/internal/exchange"
	"fundingarb/internal/position"
)

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// TradeRepo persists the immutable trade history
type TradeRepo struct {
	db *sql.DB
}

// NewTradeRepo creates the repository
func NewTradeRepo(db *sql.DB) *TradeRepo {
	return &TradeRepo{db: db}
}

const tradeColumns = `id, position_id, user_id, symbol, long_exchange, short_exchange,
    status, long_entry_price, long_exit_price, short_entry_price, short_exit_price,
    long_size, short_size, price_diff_pnl, funding_rate_pnl, fees, total_pnl, roi,
    close_reason, holding_duration_ms, opened_at, closed_at`

// Insert writes one trade record
func (r *TradeRepo) Insert(ctx context.Context, t *position.Trade) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO trades (`+tradeColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		t.ID, t.PositionID, t.UserID, t.Symbol, t.LongExchange, t.ShortExchange,
		t.Status, t.LongEntryPrice, t.LongExitPrice, t.ShortEntryPrice, t.ShortExitPrice,
		t.LongSize, t.ShortSize, t.PriceDiffPnL, t.FundingRatePnL, t.Fees, t.TotalPnL, t.ROI,
		t.CloseReason, t.HoldingDuration.Milliseconds(), t.OpenedAt, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Get returns one trade by id
func (r *TradeRepo) Get(ctx context.Context, id string) (*position.Trade, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", id, sql.ErrNoRows)
		}
		return nil, err
	}
	return t, nil
}

// ListByUser returns a user's trades, newest first, optionally filtered by
// symbol, with limit/offset paging.
func (r *TradeRepo) ListByUser(ctx context.Context, userID, symbol string, limit, offset int) ([]*position.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + tradeColumns + ` FROM trades WHERE user_id = $1`
	args := []any{userID}
	if symbol != "" {
		query += ` AND symbol = $2`
		args = append(args, symbol)
	}
	query += fmt.Sprintf(` ORDER BY closed_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []*position.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row rowScanner) (*position.Trade, error) {
	var (
		t         position.Trade
		longEx    string
		shortEx   string
		holdingMs int64
	)
	err := row.Scan(
		&t.ID, &t.PositionID, &t.UserID, &t.Symbol, &longEx, &shortEx,
		&t.Status, &t.LongEntryPrice, &t.LongExitPrice, &t.ShortEntryPrice, &t.ShortExitPrice,
		&t.LongSize, &t.ShortSize, &t.PriceDiffPnL, &t.FundingRatePnL, &t.Fees, &t.TotalPnL, &t.ROI,
		&t.CloseReason, &holdingMs, &t.OpenedAt, &t.ClosedAt)
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	t.LongExchange = exchange.ID(longEx)
	t.ShortExchange = exchange.ID(shortEx)
	t.HoldingDuration = msDuration(holdingMs)
	return &t, nil
}
