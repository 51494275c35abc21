package app

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"arbwatch/internal/fetcher"
	"arbwatch/internal/pricing"
	"arbwatch/internal/service"
	"arbwatch/internal/state"
)

// SimulateOptions drive one tick with fixed venue prices.
type SimulateOptions struct {
	AMMPrice        decimal.Decimal
	AggregatorPrice decimal.Decimal
	Persist         bool
}

// SimulateAlert runs the full pipeline once with static prices. State is kept
// in memory unless Persist is set.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (service.TickResult, error) {
	if !a.Config.Alerting.Enabled {
		return service.TickResult{}, errors.New("alerting is disabled")
	}
	pair, err := a.Config.PricingPair()
	if err != nil {
		return service.TickResult{}, err
	}

	reserves, err := newStaticReserves(pair, opts.AMMPrice)
	if err != nil {
		return service.TickResult{}, err
	}
	quotes, err := newStaticQuotes(pair, opts.AggregatorPrice)
	if err != nil {
		return service.TickResult{}, err
	}

	override := serviceDeps{reserves: reserves, quotes: quotes}
	if !opts.Persist {
		override.store = state.NewMemory()
	}

	svc, closeAll, err := a.buildService(ctx, override)
	if err != nil {
		return service.TickResult{}, err
	}
	defer closeAll()

	return svc.ProcessTick(ctx, time.Now())
}

// staticReserves exposes a pool holding one base token against price quote tokens.
type staticReserves struct {
	reserves pricing.Reserves
}

func newStaticReserves(pair pricing.Pair, price decimal.Decimal) (*staticReserves, error) {
	if !price.IsPositive() {
		return nil, pricing.ErrInvalidPrice
	}
	base := decimal.NewFromInt(1).Shift(pair.Base.Decimals).BigInt()
	quote := price.Shift(pair.Quote.Decimals).Round(0).BigInt()
	if quote.Sign() <= 0 {
		return nil, pricing.ErrZeroReserve
	}
	return &staticReserves{reserves: pricing.Reserves{
		Token0:   pair.Base.Address,
		Token1:   pair.Quote.Address,
		Reserve0: base,
		Reserve1: quote,
	}}, nil
}

func (s *staticReserves) GetReserves(ctx context.Context) (pricing.Reserves, error) {
	return s.reserves, nil
}

// staticQuotes fills every quote at a fixed price.
type staticQuotes struct {
	pair  pricing.Pair
	price decimal.Decimal
}

func newStaticQuotes(pair pricing.Pair, price decimal.Decimal) (*staticQuotes, error) {
	if !price.IsPositive() {
		return nil, pricing.ErrInvalidPrice
	}
	return &staticQuotes{pair: pair, price: price}, nil
}

func (s *staticQuotes) GetQuote(ctx context.Context, baseToken, quoteToken string, amountIn *big.Int) (*big.Int, error) {
	in, err := pricing.Normalize(amountIn, s.pair.Base.Decimals)
	if err != nil {
		return nil, err
	}
	return in.Mul(s.price).Shift(s.pair.Quote.Decimals).Round(0).BigInt(), nil
}

var (
	_ fetcher.ReserveProvider = (*staticReserves)(nil)
	_ fetcher.QuoteProvider   = (*staticQuotes)(nil)
)
