package rates

import (
	"time"

	"github.com/shopspring/decimal"
)

// hoursPerYear uses a 365-day year, matching venue funding documentation
const hoursPerYear = 365 * 24

// CanonicalIntervals are the intervals APY is normalized to for display
var CanonicalIntervals = []time.Duration{
	time.Hour,
	4 * time.Hour,
	8 * time.Hour,
	24 * time.Hour,
}

// SettlementsPerYear returns how many funding settlements a year holds at
// the given interval.
func SettlementsPerYear(interval time.Duration) decimal.Decimal {
	if interval <= 0 {
		interval = 8 * time.Hour
	}
	return decimal.NewFromInt(hoursPerYear).Div(decimal.NewFromFloat(interval.Hours()))
}

// NormalizeAPY rescales a per-settlement rate observed at originalInterval
// to the canonical interval and annualizes it:
//
//	normalized[i] = rate × (i / originalInterval) × settlementsPerYear(i)
//
// Venues settle at different cadences; normalizing to shared intervals is
// what makes their rates comparable.
func NormalizeAPY(rate decimal.Decimal, originalInterval, interval time.Duration) decimal.Decimal {
	if originalInterval <= 0 {
		originalInterval = 8 * time.Hour
	}
	scale := decimal.NewFromFloat(interval.Hours()).Div(decimal.NewFromFloat(originalInterval.Hours()))
	return rate.Mul(scale).Mul(SettlementsPerYear(interval))
}

// NormalizedTable returns the canonical-interval APY map keyed "1h", "4h",
// "8h", "24h".
func NormalizedTable(rate decimal.Decimal, originalInterval time.Duration) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(CanonicalIntervals))
	for _, iv := range CanonicalIntervals {
		out[intervalKey(iv)] = NormalizeAPY(rate, originalInterval, iv)
	}
	return out
}

func intervalKey(iv time.Duration) string {
	switch iv {
	case time.Hour:
		return "1h"
	case 4 * time.Hour:
		return "4h"
	case 8 * time.Hour:
		return "8h"
	case 24 * time.Hour:
		return "24h"
	}
	return iv.String()
}
