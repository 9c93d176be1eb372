// Package opportunity materializes the appearance → update → disappearance
// lifecycle of arbitrage opportunities detected by the rates engine.
package opportunity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundingarb/internal/exchange"
	"fundingarb/internal/rates"
)

// Status is the opportunity lifecycle state
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusEnded  Status = "ENDED"
)

// Opportunity is one tracked (symbol, long, short) arbitrage window.
// At most one ACTIVE opportunity exists per triplet.
type Opportunity struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	LongExchange  exchange.ID     `json:"long_exchange"`
	ShortExchange exchange.ID     `json:"short_exchange"`
	Status        Status          `json:"status"`
	DetectedAt    time.Time       `json:"detected_at"`
	DisappearedAt *time.Time      `json:"disappeared_at,omitempty"`
	InitialSpread decimal.Decimal `json:"initial_spread"`
	CurrentSpread decimal.Decimal `json:"current_spread"`
	MaxSpread     decimal.Decimal `json:"max_spread"`
	MaxSpreadAt   time.Time       `json:"max_spread_at"`
	// RealizedAPY is the mean annualized return over the lifetime,
	// populated when the opportunity ends.
	RealizedAPY       decimal.Decimal `json:"realized_apy"`
	DurationMs        int64           `json:"duration_ms"`
	NotificationCount int             `json:"notification_count"`
	UserID            string          `json:"user_id,omitempty"`

	lastSeen      time.Time
	sumAnnualized decimal.Decimal
	samples       int64
}

// Store persists opportunity transitions. The tracker tolerates a nil store.
type Store interface {
	UpsertOpportunity(ctx context.Context, o *Opportunity) error
	EndOpportunity(ctx context.Context, o *Opportunity) error
}

type key struct {
	symbol string
	long   exchange.ID
	short  exchange.ID
}

func (k key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.symbol, k.long, k.short)
}

// Tracker owns the ACTIVE opportunity table
type Tracker struct {
	mu     sync.RWMutex
	active map[key]*Opportunity

	store         Store
	sweepInterval time.Duration
}

// NewTracker creates a tracker; sweepInterval bounds a detection cycle
// (an ACTIVE triplet unseen for a full cycle is considered disappeared).
func NewTracker(store Store, sweepInterval time.Duration) *Tracker {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Tracker{
		active:        make(map[key]*Opportunity),
		store:         store,
		sweepInterval: sweepInterval,
	}
}

// Run consumes detections and sweeps until the context ends
func (t *Tracker) Run(ctx context.Context, detections <-chan rates.Detection) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-detections:
			if !ok {
				return
			}
			t.Handle(ctx, d)
		case <-ticker.C:
			t.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Handle applies the upsert rule for one detection
func (t *Tracker) Handle(ctx context.Context, d rates.Detection) *Opportunity {
	t.mu.Lock()
	k := key{symbol: d.Symbol, long: d.LongExchange, short: d.ShortExchange}

	o, exists := t.active[k]
	if exists {
		o.CurrentSpread = d.Spread
		if d.Spread.GreaterThan(o.MaxSpread) {
			o.MaxSpread = d.Spread
			o.MaxSpreadAt = d.DetectedAt
		}
	} else {
		o = &Opportunity{
			ID:            uuid.NewString(),
			Symbol:        d.Symbol,
			LongExchange:  d.LongExchange,
			ShortExchange: d.ShortExchange,
			Status:        StatusActive,
			DetectedAt:    d.DetectedAt,
			InitialSpread: d.Spread,
			CurrentSpread: d.Spread,
			MaxSpread:     d.Spread,
			MaxSpreadAt:   d.DetectedAt,
		}
		t.active[k] = o
		log.Info().
			Str("symbol", d.Symbol).
			Str("long", string(d.LongExchange)).
			Str("short", string(d.ShortExchange)).
			Str("spread", d.Spread.String()).
			Msg("Opportunity appeared")
	}
	o.lastSeen = d.DetectedAt
	o.sumAnnualized = o.sumAnnualized.Add(d.AnnualizedReturn)
	o.samples++
	snapshot := *o
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.UpsertOpportunity(ctx, &snapshot); err != nil {
			log.Error().Err(err).Str("opportunity", o.ID).Msg("Failed to persist opportunity")
		}
	}
	return o
}

// Sweep transitions ACTIVE triplets unseen for a full cycle to ENDED and
// returns them.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) []*Opportunity {
	cutoff := now.Add(-t.sweepInterval)

	t.mu.Lock()
	var ended []*Opportunity
	for k, o := range t.active {
		if o.lastSeen.After(cutoff) {
			continue
		}
		disappeared := now
		o.Status = StatusEnded
		o.DisappearedAt = &disappeared
		o.DurationMs = disappeared.Sub(o.DetectedAt).Milliseconds()
		if o.samples > 0 {
			o.RealizedAPY = o.sumAnnualized.Div(decimal.NewFromInt(o.samples))
		}
		delete(t.active, k)
		ended = append(ended, o)
	}
	t.mu.Unlock()

	for _, o := range ended {
		log.Info().
			Str("symbol", o.Symbol).
			Str("long", string(o.LongExchange)).
			Str("short", string(o.ShortExchange)).
			Int64("duration_ms", o.DurationMs).
			Msg("Opportunity ended")
		if t.store != nil {
			if err := t.store.EndOpportunity(ctx, o); err != nil {
				log.Error().Err(err).Str("opportunity", o.ID).Msg("Failed to persist opportunity end")
			}
		}
	}
	return ended
}

// Active returns ACTIVE opportunities, optionally filtered by symbol,
// newest first, capped at limit (0 = unlimited).
func (t *Tracker) Active(symbol string, limit int) []*Opportunity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Opportunity, 0, len(t.active))
	for _, o := range t.active {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		snapshot := *o
		out = append(out, &snapshot)
	}
	sortByDetectedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortByDetectedDesc(list []*Opportunity) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].DetectedAt.After(list[j-1].DetectedAt); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}
