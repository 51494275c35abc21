package alerting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SentinelProfitPct marks a state that has never produced an alert. It sits below any valid threshold.
var SentinelProfitPct = decimal.NewFromInt(-999)

// State is the durable record of the last alert sent for one monitored pair.
type State struct {
	LastSentAt          time.Time
	LastSentProfitPct   decimal.Decimal
	LastAMMPrice        decimal.Decimal
	LastAggregatorPrice decimal.Decimal
	LastDirection       string
}

// InitialState is the state of a pair that has never alerted.
func InitialState() State {
	return State{
		LastSentAt:        time.Unix(0, 0).UTC(),
		LastSentProfitPct: SentinelProfitPct,
	}
}

// NeverSent reports whether the state still carries the sentinel profit.
func (s State) NeverSent() bool {
	return s.LastSentProfitPct.LessThanOrEqual(SentinelProfitPct)
}

// Policy holds the static alert gates.
type Policy struct {
	MinProfitPct  decimal.Decimal
	ProfitStepPct decimal.Decimal
	Cooldown      time.Duration
	BigJumpPct    decimal.Decimal
}

// Validate rejects negative gates and a big-jump bypass that is easier to reach than the step gate.
func (p Policy) Validate() error {
	if p.ProfitStepPct.IsNegative() {
		return fmt.Errorf("profit step cannot be negative")
	}
	if p.BigJumpPct.IsNegative() {
		return fmt.Errorf("big jump cannot be negative")
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	if p.BigJumpPct.LessThan(p.ProfitStepPct) {
		return fmt.Errorf("big jump %s%% is below profit step %s%%", p.BigJumpPct, p.ProfitStepPct)
	}
	return nil
}

// Reason explains a decision.
type Reason string

const (
	ReasonBelowMinimum       Reason = "below_min"
	ReasonCooldown           Reason = "cooldown"
	ReasonInsufficientGrowth Reason = "no_growth"

	ReasonFirstSignal Reason = "first_signal"
	ReasonBigJump     Reason = "big_jump"
	ReasonGrowth      Reason = "growth"
)

// Decision is the outcome of evaluating one profit reading.
type Decision struct {
	Send    bool
	Reason  Reason
	Growth  decimal.Decimal
	Elapsed time.Duration
}

func (d Decision) String() string {
	if d.Send {
		return "send:" + string(d.Reason)
	}
	return "suppress:" + string(d.Reason)
}

// Decide turns the current net profit into a send/suppress decision. The gates run in a fixed
// order: floor, big jump, cooldown, step. A pair that never alerted always sends once above the floor.
func Decide(profitPct decimal.Decimal, now time.Time, state State, policy Policy) Decision {
	if profitPct.LessThan(policy.MinProfitPct) {
		return Decision{Reason: ReasonBelowMinimum}
	}

	growth := profitPct.Sub(state.LastSentProfitPct)
	elapsed := now.Sub(state.LastSentAt)
	d := Decision{Growth: growth, Elapsed: elapsed}

	switch {
	case state.NeverSent():
		// growth and elapsed are unbounded for a pair that never alerted
		d.Send, d.Reason = true, ReasonFirstSignal
	case growth.GreaterThanOrEqual(policy.BigJumpPct):
		d.Send, d.Reason = true, ReasonBigJump
	case elapsed < policy.Cooldown:
		d.Reason = ReasonCooldown
	case growth.LessThan(policy.ProfitStepPct):
		d.Reason = ReasonInsufficientGrowth
	default:
		d.Send, d.Reason = true, ReasonGrowth
	}
	return d
}

// Advance returns the state to persist after a delivered alert.
func (s State) Advance(now time.Time, profitPct, ammPrice, aggregatorPrice decimal.Decimal, direction string) State {
	return State{
		LastSentAt:          now.UTC().Truncate(time.Second),
		LastSentProfitPct:   profitPct,
		LastAMMPrice:        ammPrice,
		LastAggregatorPrice: aggregatorPrice,
		LastDirection:       direction,
	}
}
