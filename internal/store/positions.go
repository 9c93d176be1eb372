package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/position"
)

// PositionRepo persists pair positions
type PositionRepo struct {
	db *sql.DB
}

// NewPositionRepo creates the repository
func NewPositionRepo(db *sql.DB) *PositionRepo {
	return &PositionRepo{db: db}
}

// conditionalsDoc is the JSONB shape of the four conditional legs
type conditionalsDoc struct {
	LongStopLoss    position.ConditionalLeg `json:"long_stop_loss"`
	LongTakeProfit  position.ConditionalLeg `json:"long_take_profit"`
	ShortStopLoss   position.ConditionalLeg `json:"short_stop_loss"`
	ShortTakeProfit position.ConditionalLeg `json:"short_take_profit"`
}

const positionColumns = `id, user_id, symbol, long_exchange, short_exchange, status,
    long_size, short_size, long_leverage, short_leverage,
    long_entry_price, short_entry_price, long_order_id, short_order_id,
    open_funding_rate_long, open_funding_rate_short,
    conditionals, conditional_status, close_reason, failure_reason,
    long_exit_price, short_exit_price, group_id, cached_funding_pnl,
    exit_suggested, exit_suggested_reason, opened_at, closed_at, updated_at`

// Insert writes a new position row
func (r *PositionRepo) Insert(ctx context.Context, p *position.Position) error {
	conditionals, err := marshalConditionals(p)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
        INSERT INTO positions (`+positionColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
                $18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		p.ID, p.UserID, p.Symbol, p.LongExchange, p.ShortExchange, p.Status,
		p.LongSize, p.ShortSize, p.LongLeverage, p.ShortLeverage,
		p.LongEntryPrice, p.ShortEntryPrice, p.LongOrderID, p.ShortOrderID,
		p.OpenFundingRateLong, p.OpenFundingRateShort,
		conditionals, p.Conditional, p.CloseReason, p.FailureReason,
		nullDecimal(p.LongExitPrice), nullDecimal(p.ShortExitPrice),
		p.GroupID, nullDecimal(p.CachedFundingPnL),
		p.ExitSuggested, p.ExitSuggestedReason, p.OpenedAt, p.ClosedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing position
func (r *PositionRepo) Update(ctx context.Context, p *position.Position) error {
	conditionals, err := marshalConditionals(p)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
        UPDATE positions SET
            status = $2, long_size = $3, short_size = $4,
            long_entry_price = $5, short_entry_price = $6,
            long_order_id = $7, short_order_id = $8,
            conditionals = $9, conditional_status = $10,
            close_reason = $11, failure_reason = $12,
            long_exit_price = $13, short_exit_price = $14,
            cached_funding_pnl = $15, exit_suggested = $16,
            exit_suggested_reason = $17, closed_at = $18, updated_at = $19
        WHERE id = $1`,
		p.ID, p.Status, p.LongSize, p.ShortSize,
		p.LongEntryPrice, p.ShortEntryPrice,
		p.LongOrderID, p.ShortOrderID,
		conditionals, p.Conditional,
		p.CloseReason, p.FailureReason,
		nullDecimal(p.LongExitPrice), nullDecimal(p.ShortExitPrice),
		nullDecimal(p.CachedFundingPnL), p.ExitSuggested,
		p.ExitSuggestedReason, p.ClosedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update position %s: %w", p.ID, sql.ErrNoRows)
	}
	return nil
}

// Get returns one position by id
func (r *PositionRepo) Get(ctx context.Context, id string) (*position.Position, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	return scanPosition(row)
}

// ListByUser returns a user's positions, optionally filtered by status,
// newest first.
func (r *PositionRepo) ListByUser(ctx context.Context, userID string, status position.Status) ([]*position.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY opened_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListGroup returns a user's OPEN positions in one close group
func (r *PositionRepo) ListGroup(ctx context.Context, userID, groupID string) ([]*position.Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions
         WHERE user_id = $1 AND group_id = $2 AND status = $3
         ORDER BY opened_at`,
		userID, groupID, position.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("list position group: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// MarkGroupClosed force-closes every non-terminal position in the group with
// reason MANUAL and returns the number of rows affected. Used when legs were
// flattened out of band and the records need to catch up.
func (r *PositionRepo) MarkGroupClosed(ctx context.Context, userID, groupID string) (int64, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
        UPDATE positions SET status = $4, close_reason = $5, closed_at = $6, updated_at = $6
        WHERE user_id = $1 AND group_id = $2 AND status = ANY($3)`,
		userID, groupID,
		pq.Array([]string{string(position.StatusOpen), string(position.StatusPartial), string(position.StatusFailed)}),
		position.StatusClosed, position.CloseManual, now)
	if err != nil {
		return 0, fmt.Errorf("mark group closed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark group closed: %w", err)
	}
	return n, nil
}

// ListOpenWithConditionals returns every OPEN position, across users, whose
// conditional orders are live. This is the monitor's work list.
func (r *PositionRepo) ListOpenWithConditionals(ctx context.Context) ([]*position.Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions
         WHERE status = $1 AND conditional_status = $2
         ORDER BY opened_at`,
		position.StatusOpen, position.ConditionalSet)
	if err != nil {
		return nil, fmt.Errorf("list monitored positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func marshalConditionals(p *position.Position) ([]byte, error) {
	doc := conditionalsDoc{
		LongStopLoss:    p.LongStopLoss,
		LongTakeProfit:  p.LongTakeProfit,
		ShortStopLoss:   p.ShortStopLoss,
		ShortTakeProfit: p.ShortTakeProfit,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal conditionals: %w", err)
	}
	return raw, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*position.Position, error) {
	var (
		p             position.Position
		longEx        string
		shortEx       string
		conditionals  []byte
		longExit      decimal.NullDecimal
		shortExit     decimal.NullDecimal
		cachedFunding decimal.NullDecimal
		closedAt      sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &longEx, &shortEx, &p.Status,
		&p.LongSize, &p.ShortSize, &p.LongLeverage, &p.ShortLeverage,
		&p.LongEntryPrice, &p.ShortEntryPrice, &p.LongOrderID, &p.ShortOrderID,
		&p.OpenFundingRateLong, &p.OpenFundingRateShort,
		&conditionals, &p.Conditional, &p.CloseReason, &p.FailureReason,
		&longExit, &shortExit, &p.GroupID, &cachedFunding,
		&p.ExitSuggested, &p.ExitSuggestedReason, &p.OpenedAt, &closedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan position: %w", err)
	}

	p.LongExchange = exchange.ID(longEx)
	p.ShortExchange = exchange.ID(shortEx)
	p.LongExitPrice = fromNullDecimal(longExit)
	p.ShortExitPrice = fromNullDecimal(shortExit)
	p.CachedFundingPnL = fromNullDecimal(cachedFunding)
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}

	var doc conditionalsDoc
	if len(conditionals) > 0 {
		if err := json.Unmarshal(conditionals, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal conditionals: %w", err)
		}
	}
	p.LongStopLoss = doc.LongStopLoss
	p.LongTakeProfit = doc.LongTakeProfit
	p.ShortStopLoss = doc.ShortStopLoss
	p.ShortTakeProfit = doc.ShortTakeProfit
	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]*position.Position, error) {
	var out []*position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
