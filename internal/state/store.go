// Package state persists the last-alert record of each monitored pair.
//
// Every backend follows the same contract: a missing or corrupt record loads as
// alerting.InitialState(), and Save replaces the record in one atomic step so a crash
// never leaves a partially written value behind.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"arbwatch/internal/alerting"
)

// Store loads and saves per-pair alert state.
type Store interface {
	Load(ctx context.Context, key string) (alerting.State, error)
	Save(ctx context.Context, key string, st alerting.State) error
}

// Record is the persisted JSON form of alerting.State.
type Record struct {
	LastSentAt          int64       `json:"lastSentAt"`
	LastSentProfitPct   json.Number `json:"lastSentProfitPct"`
	LastAMMPrice        json.Number `json:"lastAmmPrice,omitempty"`
	LastAggregatorPrice json.Number `json:"lastAggregatorPrice,omitempty"`
	LastDirection       string      `json:"lastDirection,omitempty"`

	// Field names written by the earlier JavaScript bot; read only.
	LegacyProfit json.Number `json:"lastSentProfit,omitempty"`
	LegacyAMM    json.Number `json:"lastSushi,omitempty"`
	LegacyAgg    json.Number `json:"lastOdos,omitempty"`
}

// FromState encodes a state for storage.
func FromState(st alerting.State) Record {
	rec := Record{
		LastSentAt:        st.LastSentAt.Unix(),
		LastSentProfitPct: json.Number(st.LastSentProfitPct.String()),
		LastDirection:     st.LastDirection,
	}
	if !st.LastAMMPrice.IsZero() {
		rec.LastAMMPrice = json.Number(st.LastAMMPrice.String())
	}
	if !st.LastAggregatorPrice.IsZero() {
		rec.LastAggregatorPrice = json.Number(st.LastAggregatorPrice.String())
	}
	return rec
}

// ToState decodes a stored record. A record without a profit value is corrupt.
func (r Record) ToState() (alerting.State, error) {
	if r.LastSentProfitPct == "" {
		r.LastSentProfitPct = r.LegacyProfit
	}
	if r.LastAMMPrice == "" {
		r.LastAMMPrice = r.LegacyAMM
	}
	if r.LastAggregatorPrice == "" {
		r.LastAggregatorPrice = r.LegacyAgg
	}
	if r.LastSentProfitPct == "" {
		return alerting.State{}, fmt.Errorf("record missing lastSentProfitPct")
	}
	profit, err := decimal.NewFromString(r.LastSentProfitPct.String())
	if err != nil {
		return alerting.State{}, fmt.Errorf("parse lastSentProfitPct: %w", err)
	}
	st := alerting.State{
		LastSentAt:        time.Unix(r.LastSentAt, 0).UTC(),
		LastSentProfitPct: profit,
		LastDirection:     r.LastDirection,
	}
	if r.LastAMMPrice != "" {
		if st.LastAMMPrice, err = decimal.NewFromString(r.LastAMMPrice.String()); err != nil {
			return alerting.State{}, fmt.Errorf("parse lastAmmPrice: %w", err)
		}
	}
	if r.LastAggregatorPrice != "" {
		if st.LastAggregatorPrice, err = decimal.NewFromString(r.LastAggregatorPrice.String()); err != nil {
			return alerting.State{}, fmt.Errorf("parse lastAggregatorPrice: %w", err)
		}
	}
	return st, nil
}

// decodeRecord parses a single JSON record, reporting corruption as an error.
func decodeRecord(payload []byte) (alerting.State, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return alerting.State{}, fmt.Errorf("decode state record: %w", err)
	}
	return rec.ToState()
}
