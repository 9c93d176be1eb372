package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToVenue(t *testing.T) {
	tests := []struct {
		id       ID
		symbol   string
		expected string
	}{
		{Binance, "BTCUSDT", "BTCUSDT"},
		{OKX, "BTCUSDT", "BTC-USDT-SWAP"},
		{GateIO, "BTCUSDT", "BTC_USDT"},
		{MEXC, "ETHUSDT", "ETH_USDT"},
		{BingX, "BTCUSDT", "BTC-USDT"},
		{OKX, "SOLUSDC", "SOL-USDC-SWAP"},
	}

	for _, tt := range tests {
		got, err := ToVenue(tt.id, tt.symbol)
		require.NoError(t, err, "%s %s", tt.id, tt.symbol)
		assert.Equal(t, tt.expected, got)
	}
}

func TestSymbolRoundTrip(t *testing.T) {
	canonical := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "DOGEUSDC", "XRPUSDT"}

	for _, id := range All() {
		for _, sym := range canonical {
			venue, err := ToVenue(id, sym)
			require.NoError(t, err)

			back, err := FromVenue(id, venue)
			require.NoError(t, err)
			assert.Equal(t, sym, back, "%s round trip via %s", sym, id)
		}
	}
}

func TestFromVenueRejectsLowercaseSwap(t *testing.T) {
	// The -SWAP strip is case-sensitive.
	_, err := FromVenue(OKX, "BTC-USDT-swap")
	assert.Error(t, err)

	_, err = FromVenue(OKX, "BTC-USDT-SWAP")
	assert.NoError(t, err)
}

func TestFromVenueMalformed(t *testing.T) {
	for _, tt := range []struct {
		id     ID
		symbol string
	}{
		{Binance, "???"},
		{OKX, "BTCUSDT"},
		{GateIO, "BTCUSDT"},
		{BingX, "BTC_USDT"},
		{MEXC, "_USDT"},
	} {
		_, err := FromVenue(tt.id, tt.symbol)
		assert.Error(t, err, "%s %s", tt.id, tt.symbol)

		var invalid *InvalidSymbolError
		assert.ErrorAs(t, err, &invalid)
	}
}

func TestKindClassification(t *testing.T) {
	assert.Equal(t, KindPermanent, Kind(&InvalidSymbolError{Exchange: OKX, Symbol: "X"}))
	assert.Equal(t, KindPermanent, Kind(&RejectError{Exchange: Binance, Code: "-4164"}))
	assert.Equal(t, KindBusiness, Kind(&InsufficientBalanceError{Exchange: MEXC, Asset: "USDT"}))
	assert.Equal(t, KindTransient, Kind(&RateLimitError{Exchange: GateIO}))
	assert.Equal(t, KindTransient, Kind(&ConnectionError{Exchange: BingX}))
	assert.True(t, Retryable(&ConnectionError{Exchange: BingX}))
	assert.False(t, Retryable(&RejectError{Exchange: Binance}))
}
