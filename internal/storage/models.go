package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick outcomes stored in tick_samples.status.
const (
	StatusSent       = "sent"
	StatusSuppressed = "suppressed"
	StatusNotifyFail = "notify_failed"
	StatusErrored    = "errored"
)

// TickSample is one evaluated tick of the monitored pair.
type TickSample struct {
	ID              int64
	PairKey         string
	ObservedAt      time.Time
	AMMPrice        decimal.Decimal
	AggregatorPrice decimal.Decimal
	GrossProfitPct  decimal.Decimal
	NetProfitPct    decimal.Decimal
	Direction       string
	Decision        string
	Reason          string
	BlockNumber     *int64
	Status          string
	Error           *string
	CreatedAt       time.Time
}

// AlertRecord audits a delivered alert.
type AlertRecord struct {
	ID           int64
	PairKey      string
	SentAt       time.Time
	ProfitPct    decimal.Decimal
	MinProfitPct decimal.Decimal
	Direction    string
	Reason       string
	Channels     []string
	CreatedAt    time.Time
}
