package mexc

import "fundingarb/internal/exchange"

// NewClient bundles the per-user trading capabilities
func NewClient(creds exchange.Credentials) *exchange.Client {
	return &exchange.Client{
		Trader: NewTrader(creds),
		Stream: NewUserStream(creds),
	}
}
