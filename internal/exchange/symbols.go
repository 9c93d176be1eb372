package exchange

import (
	"fmt"
	"strings"
)

// quoteAssets recognized when splitting canonical symbols. Order matters:
// longer quotes first so BTCUSDT splits as BTC/USDT, not BTCUSD/T.
var quoteAssets = []string{"USDT", "USDC", "USD"}

// SplitCanonical splits a canonical symbol like BTCUSDT into base and quote.
func SplitCanonical(symbol string) (base, quote string, err error) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, nil
		}
	}
	return "", "", fmt.Errorf("cannot split symbol %q into base/quote", symbol)
}

// ToVenue converts a canonical symbol (BTCUSDT) to the venue's native form.
// The mapping is bijective for supported instruments:
//
//	binance  BTCUSDT
//	okx      BTC-USDT-SWAP
//	gateio   BTC_USDT
//	mexc     BTC_USDT
//	bingx    BTC-USDT
func ToVenue(id ID, symbol string) (string, error) {
	base, quote, err := SplitCanonical(symbol)
	if err != nil {
		return "", &InvalidSymbolError{Exchange: id, Symbol: symbol}
	}
	switch id {
	case Binance:
		return symbol, nil
	case OKX:
		return base + "-" + quote + "-SWAP", nil
	case GateIO, MEXC:
		return base + "_" + quote, nil
	case BingX:
		return base + "-" + quote, nil
	}
	return "", fmt.Errorf("unsupported exchange %q", id)
}

// FromVenue converts a venue-native symbol back to canonical form.
// The OKX "-SWAP" suffix is removed case-sensitively: "-swap" is not an
// OKX perpetual suffix and is rejected rather than silently stripped.
func FromVenue(id ID, symbol string) (string, error) {
	switch id {
	case Binance:
		if _, _, err := SplitCanonical(symbol); err != nil {
			return "", &InvalidSymbolError{Exchange: id, Symbol: symbol}
		}
		return symbol, nil
	case OKX:
		if !strings.HasSuffix(symbol, "-SWAP") {
			return "", &InvalidSymbolError{Exchange: id, Symbol: symbol}
		}
		return joinParts(id, symbol, strings.TrimSuffix(symbol, "-SWAP"), "-")
	case GateIO, MEXC:
		return joinParts(id, symbol, symbol, "_")
	case BingX:
		return joinParts(id, symbol, symbol, "-")
	}
	return "", fmt.Errorf("unsupported exchange %q", id)
}

func joinParts(id ID, orig, trimmed, sep string) (string, error) {
	parts := strings.Split(trimmed, sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", &InvalidSymbolError{Exchange: id, Symbol: orig}
	}
	return parts[0] + parts[1], nil
}
