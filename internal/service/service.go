package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"arbwatch/internal/alerting"
	"arbwatch/internal/fetcher"
	"arbwatch/internal/pricing"
	"arbwatch/internal/scheduler"
	"arbwatch/internal/state"
	"arbwatch/internal/storage"
)

var (
	// ErrNotify is returned when an alert was due but no channel accepted it.
	ErrNotify = errors.New("notification delivery failed")
	// ErrLockHeld means another tick for the same pair is running.
	ErrLockHeld = errors.New("tick lock held elsewhere")
)

// Locker guards a tick against overlapping runs.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), acquired bool, err error)
}

// Options are the static per-run parameters of the orchestrator.
type Options struct {
	Pair                   pricing.Pair
	Policy                 alerting.Policy
	Buffer                 pricing.Buffer
	QuoteAmount            decimal.Decimal
	AlertsEnabled          bool
	AMMName                string
	AggregatorName         string
	AMMLinkTemplate        string
	AggregatorLinkTemplate string
	LockName               string
	// Retention prunes recorded ticks older than this; zero keeps everything.
	Retention              time.Duration
}

// Deps are the collaborators of the orchestrator. Locker, Ticks, Alerts and
// Scheduler are optional.
type Deps struct {
	Reserves  fetcher.ReserveProvider
	Quotes    fetcher.QuoteProvider
	State     state.Store
	Notifier  alerting.Notifier
	Locker    Locker
	Ticks     storage.TickStore
	Alerts    storage.AlertStore
	Scheduler *scheduler.Scheduler
}

// TickResult summarises one evaluated tick.
type TickResult struct {
	At              time.Time
	AMMPrice        decimal.Decimal
	AggregatorPrice decimal.Decimal
	Reading         pricing.ProfitReading
	NetProfitPct    decimal.Decimal
	BlockNumber     uint64
	Decision        alerting.Decision
	Sent            bool
	Channels        []string
	Message         string
}

// Service orchestrates fetching, deciding, alerting and state persistence.
type Service struct {
	opts     Options
	deps     Deps
	amountIn *big.Int
	logger   zerolog.Logger

	lastPrune time.Time
}

// pruneEvery bounds how often tick history is pruned.
const pruneEvery = time.Hour

// New constructs the orchestrator.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Reserves == nil || deps.Quotes == nil {
		return nil, fmt.Errorf("reserve and quote providers are required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.AlertsEnabled && deps.Notifier == nil {
		return nil, fmt.Errorf("alerts enabled without a notifier")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if opts.QuoteAmount.IsZero() {
		opts.QuoteAmount = decimal.NewFromInt(1)
	}
	amountIn, err := pricing.BaseUnits(opts.Pair, opts.QuoteAmount)
	if err != nil {
		return nil, err
	}
	if opts.AMMName == "" {
		opts.AMMName = "AMM"
	}
	if opts.AggregatorName == "" {
		opts.AggregatorName = "Aggregator"
	}
	if opts.LockName == "" {
		opts.LockName = "arbwatch:" + opts.Pair.Key()
	}

	return &Service{
		opts:     opts,
		deps:     deps,
		amountIn: amountIn,
		logger:   logger.With().Str("component", "service").Str("pair", opts.Pair.Key()).Logger(),
	}, nil
}

// Run begins the scheduled tick loop. Tick errors are logged by the scheduler and never notified.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := s.ProcessTick(ctx, at)
		if errors.Is(err, ErrLockHeld) {
			s.logger.Debug().Time("tick", at).Msg("skip tick because lock is held elsewhere")
			return nil
		}
		return err
	})
}

// Announce sends the one-time started message.
func (s *Service) Announce(ctx context.Context) error {
	if !s.opts.AlertsEnabled {
		s.logger.Info().Msg("alerts disabled; skipping started notification")
		return nil
	}
	if err := s.deps.Notifier.Send(ctx, alerting.RenderStarted(s.opts.Pair.Symbol())); err != nil {
		return fmt.Errorf("%w: %v", ErrNotify, err)
	}
	return nil
}

// ProcessTick runs one fetch, decide, notify and persist cycle at now.
// Any error leaves the stored state untouched.
func (s *Service) ProcessTick(ctx context.Context, now time.Time) (TickResult, error) {
	unlock, acquired, err := s.acquireLock(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if !acquired {
		return TickResult{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	now = now.UTC()
	res := TickResult{At: now}

	reserves, amountOut, err := s.fetchVenues(ctx)
	if err != nil {
		s.recordFailure(ctx, now, err)
		return res, err
	}
	res.BlockNumber = reserves.BlockNumber

	if res.AMMPrice, err = pricing.PriceFromReserves(s.opts.Pair, reserves); err != nil {
		s.recordFailure(ctx, now, err)
		return res, fmt.Errorf("normalize reserves: %w", err)
	}
	if res.AggregatorPrice, err = pricing.PriceFromQuote(s.opts.Pair, s.amountIn, amountOut); err != nil {
		s.recordFailure(ctx, now, err)
		return res, fmt.Errorf("normalize quote: %w", err)
	}

	res.Reading, err = pricing.ComputeProfit(
		pricing.PriceSample{Venue: pricing.VenueAMMReserves, Price: res.AMMPrice, ObservedAt: now},
		pricing.PriceSample{Venue: pricing.VenueAggregatorQuote, Price: res.AggregatorPrice, ObservedAt: now},
	)
	if err != nil {
		s.recordFailure(ctx, now, err)
		return res, fmt.Errorf("compute profit: %w", err)
	}
	res.NetProfitPct = res.Reading.NetProfitPct(s.opts.Buffer)

	key := s.opts.Pair.Key()
	prev, err := s.deps.State.Load(ctx, key)
	if err != nil {
		s.recordFailure(ctx, now, err)
		return res, fmt.Errorf("load state: %w", err)
	}

	res.Decision = alerting.Decide(res.NetProfitPct, now, prev, s.opts.Policy)
	direction := res.Reading.Direction.Label(s.opts.AMMName, s.opts.AggregatorName)

	log := s.logger.Info().
		Str("amm_price", res.AMMPrice.StringFixed(6)).
		Str("aggregator_price", res.AggregatorPrice.StringFixed(6)).
		Str("gross_profit_pct", res.Reading.ProfitPct.StringFixed(4)).
		Str("net_profit_pct", res.NetProfitPct.StringFixed(4)).
		Str("direction", direction).
		Str("decision", res.Decision.String())

	if !res.Decision.Send {
		log.Msg("tick evaluated")
		s.recordTick(ctx, res, direction, storage.StatusSuppressed, nil)
		return res, nil
	}

	res.Message = alerting.RenderSignal(s.signal(res, direction))
	if !s.opts.AlertsEnabled {
		log.Msg("alert due but alerts are disabled")
		s.recordTick(ctx, res, direction, storage.StatusSuppressed, nil)
		return res, nil
	}

	channels, err := alerting.Deliver(ctx, s.deps.Notifier, res.Message)
	if err != nil {
		log.Msg("tick evaluated")
		s.recordTick(ctx, res, direction, storage.StatusNotifyFail, err)
		return res, fmt.Errorf("%w: %v", ErrNotify, err)
	}
	res.Sent = true
	res.Channels = channels
	log.Strs("channels", channels).Msg("alert sent")

	next := prev.Advance(now, res.NetProfitPct, res.AMMPrice, res.AggregatorPrice, direction)
	if err := s.deps.State.Save(ctx, key, next); err != nil {
		s.recordTick(ctx, res, direction, storage.StatusErrored, err)
		return res, fmt.Errorf("save state: %w", err)
	}

	s.recordTick(ctx, res, direction, storage.StatusSent, nil)
	s.recordAlert(ctx, res, direction)
	return res, nil
}

func (s *Service) fetchVenues(ctx context.Context) (pricing.Reserves, *big.Int, error) {
	var (
		reserves  pricing.Reserves
		amountOut *big.Int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reserves, err = s.deps.Reserves.GetReserves(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		amountOut, err = s.deps.Quotes.GetQuote(gctx,
			s.opts.Pair.Base.Address.Hex(),
			s.opts.Pair.Quote.Address.Hex(),
			s.amountIn,
		)
		return err
	})
	if err := g.Wait(); err != nil {
		return pricing.Reserves{}, nil, err
	}
	return reserves, amountOut, nil
}

func (s *Service) signal(res TickResult, direction string) alerting.Signal {
	pair := s.opts.Pair
	base, quote := pair.Base.Address.Hex(), pair.Quote.Address.Hex()
	ammIn, ammOut := quote, base
	aggIn, aggOut := base, quote
	if res.Reading.Direction == pricing.BuyAggregatorSellAMM {
		ammIn, ammOut = base, quote
		aggIn, aggOut = quote, base
	}

	return alerting.Signal{
		Pair:            pair.Symbol(),
		ObservedAt:      res.At,
		AMMName:         s.opts.AMMName,
		AggregatorName:  s.opts.AggregatorName,
		AMMPrice:        res.AMMPrice,
		AggregatorPrice: res.AggregatorPrice,
		GrossProfitPct:  res.Reading.ProfitPct,
		NetProfitPct:    res.NetProfitPct,
		BufferPct:       s.opts.Buffer.Pct(),
		Direction:       direction,
		Reason:          res.Decision.Reason,
		AMMLink:         alerting.SwapLink(s.opts.AMMLinkTemplate, pair.ChainID, ammIn, ammOut),
		AggregatorLink:  alerting.SwapLink(s.opts.AggregatorLinkTemplate, pair.ChainID, aggIn, aggOut),
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryLock(ctx, s.opts.LockName)
	if err != nil {
		return nil, false, fmt.Errorf("acquire tick lock: %w", err)
	}
	return unlock, acquired, nil
}

func (s *Service) recordFailure(ctx context.Context, now time.Time, cause error) {
	s.logger.Warn().Err(cause).Time("tick", now).Msg("tick aborted")
	s.recordTick(ctx, TickResult{At: now}, "", storage.StatusErrored, cause)
}

func (s *Service) recordTick(ctx context.Context, res TickResult, direction, status string, cause error) {
	if s.deps.Ticks == nil {
		return
	}
	tick := storage.TickSample{
		PairKey:         s.opts.Pair.Key(),
		ObservedAt:      res.At,
		AMMPrice:        res.AMMPrice,
		AggregatorPrice: res.AggregatorPrice,
		GrossProfitPct:  res.Reading.ProfitPct,
		NetProfitPct:    res.NetProfitPct,
		Direction:       direction,
		Reason:          string(res.Decision.Reason),
		Status:          status,
	}
	if res.Decision.Reason != "" {
		tick.Decision = res.Decision.String()
	}
	if res.BlockNumber != 0 {
		block := int64(res.BlockNumber)
		tick.BlockNumber = &block
	}
	if cause != nil {
		msg := cause.Error()
		tick.Error = &msg
	}
	if _, err := s.deps.Ticks.InsertTick(ctx, tick); err != nil {
		s.logger.Error().Err(err).Time("tick", res.At).Msg("failed to record tick")
	}
	s.prune(ctx, res.At)
}

func (s *Service) prune(ctx context.Context, now time.Time) {
	if s.opts.Retention <= 0 || (!s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneEvery) {
		return
	}
	s.lastPrune = now
	deleted, err := s.deps.Ticks.DeleteTicksBefore(ctx, now.Add(-s.opts.Retention))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prune tick history")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Dur("retention", s.opts.Retention).Msg("pruned tick history")
	}
}

func (s *Service) recordAlert(ctx context.Context, res TickResult, direction string) {
	if s.deps.Alerts == nil {
		return
	}
	rec := storage.AlertRecord{
		PairKey:      s.opts.Pair.Key(),
		SentAt:       res.At,
		ProfitPct:    res.NetProfitPct,
		MinProfitPct: s.opts.Policy.MinProfitPct,
		Direction:    direction,
		Reason:       string(res.Decision.Reason),
		Channels:     res.Channels,
	}
	if _, err := s.deps.Alerts.InsertAlert(ctx, rec); err != nil {
		s.logger.Error().Err(err).Time("tick", res.At).Msg("failed to persist alert record")
	}
}
