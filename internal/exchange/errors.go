package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an error for retry policy
type ErrorKind int

const (
	// KindTransient errors (network, venue 5xx, rate limits) are retried
	// with backoff.
	KindTransient ErrorKind = iota
	// KindPermanent errors (bad symbol, invalid key, below-minimum size)
	// propagate immediately.
	KindPermanent
	// KindBusiness errors surface to the user in the structured envelope.
	KindBusiness
	// KindFatal errors abort startup.
	KindFatal
)

// ConnectionError wraps a transport-level failure talking to a venue
type ConnectionError struct {
	Exchange ID
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Exchange, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectError is a venue-side rejection with a venue error code
type RejectError struct {
	Exchange ID
	Code     string
	Message  string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: rejected (code=%s): %s", e.Exchange, e.Code, e.Message)
}

// RateLimitError reports a 429 with the venue's retry hint
type RateLimitError struct {
	Exchange   ID
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Exchange, e.RetryAfter)
}

// InvalidSymbolError reports a symbol the venue does not list
type InvalidSymbolError struct {
	Exchange ID
	Symbol   string
}

func (e *InvalidSymbolError) Error() string {
	return fmt.Sprintf("%s: invalid symbol %q", e.Exchange, e.Symbol)
}

// InsufficientBalanceError reports a business-level balance failure
type InsufficientBalanceError struct {
	Exchange ID
	Asset    string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: insufficient %s balance", e.Exchange, e.Asset)
}

// Kind classifies err into the retry taxonomy. Unknown errors are treated
// as transient so the caller backs off instead of crashing.
func Kind(err error) ErrorKind {
	var (
		reject  *RejectError
		symbol  *InvalidSymbolError
		balance *InsufficientBalanceError
		rate    *RateLimitError
		conn    *ConnectionError
	)
	switch {
	case errors.As(err, &symbol):
		return KindPermanent
	case errors.As(err, &reject):
		return KindPermanent
	case errors.As(err, &balance):
		return KindBusiness
	case errors.As(err, &rate), errors.As(err, &conn):
		return KindTransient
	}
	return KindTransient
}

// Retryable reports whether err should be retried with backoff
func Retryable(err error) bool {
	return Kind(err) == KindTransient
}
