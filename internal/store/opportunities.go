package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/opportunity"
)

// OpportunityRepo persists opportunity lifecycles. It implements
// opportunity.Store for the tracker and serves the public history reads.
type OpportunityRepo struct {
	db *sql.DB
}

// NewOpportunityRepo creates the repository
func NewOpportunityRepo(db *sql.DB) *OpportunityRepo {
	return &OpportunityRepo{db: db}
}

// UpsertOpportunity inserts or refreshes the ACTIVE row for the triplet.
// The partial unique index on (symbol, long, short) WHERE ACTIVE keeps at
// most one live row per triplet.
func (r *OpportunityRepo) UpsertOpportunity(ctx context.Context, o *opportunity.Opportunity) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO opportunities (id, symbol, long_exchange, short_exchange, status,
            detected_at, initial_spread, current_spread, max_spread, max_spread_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (symbol, long_exchange, short_exchange) WHERE status = 'ACTIVE'
        DO UPDATE SET current_spread = EXCLUDED.current_spread,
                      max_spread     = EXCLUDED.max_spread,
                      max_spread_at  = EXCLUDED.max_spread_at,
                      updated_at     = EXCLUDED.updated_at`,
		o.ID, o.Symbol, o.LongExchange, o.ShortExchange, o.Status,
		o.DetectedAt, o.InitialSpread, o.CurrentSpread, o.MaxSpread, o.MaxSpreadAt, now)
	if err != nil {
		return fmt.Errorf("upsert opportunity: %w", err)
	}
	return nil
}

// EndOpportunity marks the row ENDED and appends the immutable history record
func (r *OpportunityRepo) EndOpportunity(ctx context.Context, o *opportunity.Opportunity) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("end opportunity: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        UPDATE opportunities SET status = $2, disappeared_at = $3, current_spread = $4,
            realized_apy = $5, duration_ms = $6, updated_at = $7
        WHERE id = $1`,
		o.ID, o.Status, o.DisappearedAt, o.CurrentSpread,
		o.RealizedAPY, o.DurationMs, now); err != nil {
		return fmt.Errorf("end opportunity: update: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO opportunity_end_history (opportunity_id, symbol, long_exchange,
            short_exchange, detected_at, disappeared_at, duration_ms,
            initial_spread, max_spread, final_spread, realized_apy)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.Symbol, o.LongExchange, o.ShortExchange,
		o.DetectedAt, o.DisappearedAt, o.DurationMs,
		o.InitialSpread, o.MaxSpread, o.CurrentSpread, o.RealizedAPY); err != nil {
		return fmt.Errorf("end opportunity: history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("end opportunity: commit: %w", err)
	}
	return nil
}

// EndedOpportunity is one public history row
type EndedOpportunity struct {
	OpportunityID string          `json:"opportunity_id"`
	Symbol        string          `json:"symbol"`
	LongExchange  exchange.ID     `json:"long_exchange"`
	ShortExchange exchange.ID     `json:"short_exchange"`
	DetectedAt    time.Time       `json:"detected_at"`
	DisappearedAt time.Time       `json:"disappeared_at"`
	DurationMs    int64           `json:"duration_ms"`
	InitialSpread decimal.Decimal `json:"initial_spread"`
	MaxSpread     decimal.Decimal `json:"max_spread"`
	FinalSpread   decimal.Decimal `json:"final_spread"`
	RealizedAPY   decimal.Decimal `json:"realized_apy"`
}

// HistoryQuery narrows a public history read. Days counts back from now over
// disappeared_at; Page is 1-based.
type HistoryQuery struct {
	Symbol string
	Days   int
	Limit  int
	Page   int
}

// History returns ended opportunities matching q, newest first
func (r *OpportunityRepo) History(ctx context.Context, q HistoryQuery) ([]EndedOpportunity, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	query := `SELECT opportunity_id, symbol, long_exchange, short_exchange,
            detected_at, disappeared_at, duration_ms,
            initial_spread, max_spread, final_spread, realized_apy
        FROM opportunity_end_history`
	args := []any{}
	where := []string{}
	if q.Symbol != "" {
		args = append(args, q.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if q.Days > 0 {
		args = append(args, time.Now().UTC().AddDate(0, 0, -q.Days))
		where = append(where, fmt.Sprintf("disappeared_at >= $%d", len(args)))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY disappeared_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("opportunity history: %w", err)
	}
	defer rows.Close()

	var out []EndedOpportunity
	for rows.Next() {
		var (
			e       EndedOpportunity
			longEx  string
			shortEx string
		)
		if err := rows.Scan(&e.OpportunityID, &e.Symbol, &longEx, &shortEx,
			&e.DetectedAt, &e.DisappearedAt, &e.DurationMs,
			&e.InitialSpread, &e.MaxSpread, &e.FinalSpread, &e.RealizedAPY); err != nil {
			return nil, fmt.Errorf("scan opportunity history: %w", err)
		}
		e.LongExchange = exchange.ID(longEx)
		e.ShortExchange = exchange.ID(shortEx)
		out = append(out, e)
	}
	return out, rows.Err()
}
