package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	hundred       = decimal.NewFromInt(100)
	bpsPerPercent = decimal.NewFromInt(100)
)

// Direction names which venue is bought and which is sold.
type Direction string

const (
	// BuyAMMSellAggregator: the AMM pool is the cheap venue.
	BuyAMMSellAggregator Direction = "BUY_AMM_SELL_AGGREGATOR"
	// BuyAggregatorSellAMM: the aggregator route is the cheap venue.
	BuyAggregatorSellAMM Direction = "BUY_AGGREGATOR_SELL_AMM"
)

// Label is a short human description for messages.
func (d Direction) Label(amm, aggregator string) string {
	switch d {
	case BuyAMMSellAggregator:
		return fmt.Sprintf("buy on %s, sell on %s", amm, aggregator)
	case BuyAggregatorSellAMM:
		return fmt.Sprintf("buy on %s, sell on %s", aggregator, amm)
	default:
		return "unknown"
	}
}

// ProfitReading is the gross relative price gap between the two venues.
type ProfitReading struct {
	ProfitPct  decimal.Decimal
	Direction  Direction
	Cheap      PriceSample
	Expensive  PriceSample
	AMM        PriceSample
	Aggregator PriceSample
}

// ComputeProfit compares the AMM sample against the aggregator sample.
// The cheaper venue is the buy side; ties resolve to the AMM being cheap with zero profit.
func ComputeProfit(amm, aggregator PriceSample) (ProfitReading, error) {
	if !amm.Price.IsPositive() {
		return ProfitReading{}, fmt.Errorf("%w: amm price %s", ErrInvalidPrice, amm.Price)
	}
	if !aggregator.Price.IsPositive() {
		return ProfitReading{}, fmt.Errorf("%w: aggregator price %s", ErrInvalidPrice, aggregator.Price)
	}

	reading := ProfitReading{AMM: amm, Aggregator: aggregator}
	if amm.Price.LessThanOrEqual(aggregator.Price) {
		reading.Direction = BuyAMMSellAggregator
		reading.Cheap, reading.Expensive = amm, aggregator
	} else {
		reading.Direction = BuyAggregatorSellAMM
		reading.Cheap, reading.Expensive = aggregator, amm
	}

	gap := reading.Expensive.Price.Sub(reading.Cheap.Price)
	reading.ProfitPct = gap.DivRound(reading.Cheap.Price, divisionPlaces).Mul(hundred)
	return reading, nil
}

// Buffer is a flat deduction applied to gross profit before the alert decision.
// It approximates fees and slippage conservatively; it is not an execution guarantee.
type Buffer struct {
	FeeBps      decimal.Decimal
	SlippageBps decimal.Decimal
}

// Pct returns the total buffer as a percentage.
func (b Buffer) Pct() decimal.Decimal {
	return b.FeeBps.Add(b.SlippageBps).Div(bpsPerPercent)
}

// NetProfitPct subtracts the buffer from gross profit. The result may be negative.
func (r ProfitReading) NetProfitPct(b Buffer) decimal.Decimal {
	return r.ProfitPct.Sub(b.Pct())
}

// FromFloat converts a float price, rejecting NaN, infinities and non-positive values.
func FromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidPrice, v)
	}
	return decimal.NewFromFloat(v), nil
}
