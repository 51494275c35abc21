package fetcher

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"arbwatch/internal/pricing"
)

// RetryPolicy retries a provider call with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Do runs fn until it succeeds, attempts run out, the error is permanent, or ctx ends.
// The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || ctx.Err() != nil || !retryable(err) {
			break
		}

		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", backoff).Msg("provider call failed, retrying")

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return err
}

func retryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return true
}

// RetryingReserves applies a RetryPolicy to a ReserveProvider.
type RetryingReserves struct {
	next   ReserveProvider
	policy RetryPolicy
	logger zerolog.Logger
}

// WithReserveRetry wraps next.
func WithReserveRetry(next ReserveProvider, policy RetryPolicy, logger zerolog.Logger) *RetryingReserves {
	return &RetryingReserves{next: next, policy: policy, logger: logger.With().Str("component", "retry").Logger()}
}

func (r *RetryingReserves) GetReserves(ctx context.Context) (pricing.Reserves, error) {
	var res pricing.Reserves
	err := r.policy.Do(ctx, r.logger, "get reserves", func(ctx context.Context) error {
		var err error
		res, err = r.next.GetReserves(ctx)
		return err
	})
	return res, err
}

// RetryingQuotes applies a RetryPolicy to a QuoteProvider.
type RetryingQuotes struct {
	next   QuoteProvider
	policy RetryPolicy
	logger zerolog.Logger
}

// WithQuoteRetry wraps next.
func WithQuoteRetry(next QuoteProvider, policy RetryPolicy, logger zerolog.Logger) *RetryingQuotes {
	return &RetryingQuotes{next: next, policy: policy, logger: logger.With().Str("component", "retry").Logger()}
}

func (r *RetryingQuotes) GetQuote(ctx context.Context, baseToken, quoteToken string, amountIn *big.Int) (*big.Int, error) {
	var out *big.Int
	err := r.policy.Do(ctx, r.logger, "get quote", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetQuote(ctx, baseToken, quoteToken, amountIn)
		return err
	})
	return out, err
}

var (
	_ ReserveProvider = (*RetryingReserves)(nil)
	_ QuoteProvider   = (*RetryingQuotes)(nil)
)
