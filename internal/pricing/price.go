package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrZeroReserve indicates one side of a reserve pair or quote normalised to zero.
	ErrZeroReserve = errors.New("pricing: zero reserve")
	// ErrTokenMismatch indicates venue token addresses match neither base/quote assignment.
	ErrTokenMismatch = errors.New("pricing: token mismatch")
	// ErrInvalidPrice indicates a non-positive or non-finite price.
	ErrInvalidPrice = errors.New("pricing: invalid price")
)

// divisionPlaces bounds the precision of every ratio computed in this package.
const divisionPlaces = 18

// MaxDecimals is the largest token precision that still fits a uint256 amount.
const MaxDecimals = 77

// Venue identifies where a price observation came from.
type Venue string

const (
	VenueAMMReserves     Venue = "AMM_RESERVES"
	VenueAggregatorQuote Venue = "AGGREGATOR_QUOTE"
)

// Token describes one side of the monitored pair.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Pair identifies the monitored base/quote tuple on one chain.
type Pair struct {
	Chain       string
	ChainID     int64
	PairAddress common.Address
	Base        Token
	Quote       Token
}

// Key returns the stable state key, e.g. polygon:0xabc...:LINK/USDC.
func (p Pair) Key() string {
	return fmt.Sprintf("%s:%s:%s/%s",
		strings.ToLower(p.Chain),
		strings.ToLower(p.PairAddress.Hex()),
		p.Base.Symbol,
		p.Quote.Symbol,
	)
}

// Symbol renders BASE/QUOTE.
func (p Pair) Symbol() string {
	return p.Base.Symbol + "/" + p.Quote.Symbol
}

// Reserves is the raw state of an AMM pool in token-native units.
type Reserves struct {
	Token0      common.Address
	Token1      common.Address
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint64
}

// PriceSample is a normalised quote-per-base observation from one venue.
type PriceSample struct {
	Venue      Venue
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Normalize converts a raw integer amount with the given decimals into its real magnitude.
func Normalize(raw *big.Int, decimals int32) (decimal.Decimal, error) {
	if raw == nil || raw.Sign() <= 0 {
		return decimal.Decimal{}, ErrZeroReserve
	}
	if decimals < 0 || decimals > MaxDecimals {
		return decimal.Decimal{}, fmt.Errorf("pricing: decimals %d out of range", decimals)
	}
	return decimal.NewFromBigInt(raw, -decimals), nil
}

// Ratio divides a quote magnitude by a base magnitude.
func Ratio(quote, base decimal.Decimal) (decimal.Decimal, error) {
	if !base.IsPositive() || !quote.IsPositive() {
		return decimal.Decimal{}, ErrZeroReserve
	}
	return quote.DivRound(base, divisionPlaces), nil
}

// PriceFromReserves selects numerator and denominator by matching pool token addresses
// against the configured base/quote tokens, then returns quote units per base unit.
func PriceFromReserves(pair Pair, r Reserves) (decimal.Decimal, error) {
	var baseRaw, quoteRaw *big.Int
	switch {
	case r.Token0 == pair.Base.Address && r.Token1 == pair.Quote.Address:
		baseRaw, quoteRaw = r.Reserve0, r.Reserve1
	case r.Token0 == pair.Quote.Address && r.Token1 == pair.Base.Address:
		baseRaw, quoteRaw = r.Reserve1, r.Reserve0
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: token0=%s token1=%s", ErrTokenMismatch,
			strings.ToLower(r.Token0.Hex()), strings.ToLower(r.Token1.Hex()))
	}

	base, err := Normalize(baseRaw, pair.Base.Decimals)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("normalize base reserve: %w", err)
	}
	quote, err := Normalize(quoteRaw, pair.Quote.Decimals)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("normalize quote reserve: %w", err)
	}
	return Ratio(quote, base)
}

// PriceFromQuote converts an aggregator quote (amountIn base atoms -> amountOut quote atoms)
// into quote units per base unit.
func PriceFromQuote(pair Pair, amountIn, amountOut *big.Int) (decimal.Decimal, error) {
	in, err := Normalize(amountIn, pair.Base.Decimals)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("normalize quote input: %w", err)
	}
	out, err := Normalize(amountOut, pair.Quote.Decimals)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("normalize quote output: %w", err)
	}
	return Ratio(out, in)
}

// BaseUnits returns amount whole base tokens expressed in base atoms.
func BaseUnits(pair Pair, amount decimal.Decimal) (*big.Int, error) {
	atoms := amount.Shift(pair.Base.Decimals).Round(0)
	if !atoms.IsPositive() {
		return nil, fmt.Errorf("%w: quote amount rounds to zero atoms", ErrInvalidPrice)
	}
	return atoms.BigInt(), nil
}

// ParseAddress accepts a hex address in any case.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
