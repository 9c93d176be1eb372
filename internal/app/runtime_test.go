package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fundingarb/internal/exchange"
)

func TestConditionalFired(t *testing.T) {
	cases := []struct {
		name   string
		typ    exchange.OrderType
		status exchange.OrderStatus
		want   bool
	}{
		{"stop triggered", exchange.StopMarket, exchange.OrderTriggered, true},
		{"take profit filled", exchange.TakeProfitMarket, exchange.OrderFilled, true},
		{"stop canceled", exchange.StopMarket, exchange.OrderCanceled, false},
		{"stop expired", exchange.StopMarket, exchange.OrderExpired, false},
		{"market filled", exchange.Market, exchange.OrderFilled, false},
		{"limit new", exchange.Limit, exchange.OrderNew, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := conditionalFired(&exchange.OrderUpdate{Type: tc.typ, Status: tc.status})
			assert.Equal(t, tc.want, got)
		})
	}
}
