package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"arbwatch/internal/pricing"
)

// ReserveProvider reads the raw reserves of an AMM pool.
type ReserveProvider interface {
	GetReserves(ctx context.Context) (pricing.Reserves, error)
}

// QuoteProvider asks an aggregator how many quote atoms amountIn base atoms buy.
type QuoteProvider interface {
	GetQuote(ctx context.Context, baseToken, quoteToken string, amountIn *big.Int) (*big.Int, error)
}

// ProviderError wraps any network, contract or API failure while fetching a price.
type ProviderError struct {
	Venue pricing.Venue
	Op    string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Venue, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call could succeed. Rejected
// requests and malformed responses are permanent.
func (e *ProviderError) Retryable() bool {
	var p permanentError
	return !errors.As(e.Err, &p)
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }

func (p permanentError) Unwrap() error { return p.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// statusError marks client errors other than timeouts and rate limits as permanent.
func statusError(status int, err error) error {
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return permanent(err)
	}
	return err
}

func providerErr(venue pricing.Venue, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Venue: venue, Op: op, Err: err}
}
