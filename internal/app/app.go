package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"arbwatch/internal/alerting"
	"arbwatch/internal/config"
	"arbwatch/internal/fetcher"
	"arbwatch/internal/scheduler"
	"arbwatch/internal/service"
	"arbwatch/internal/state"
	"arbwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// backends holds the connections opened for one command.
type backends struct {
	pg      *storage.Store
	rdb     *redis.Client
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func (a *App) aggregatorName() string {
	if a.Config.Quote.Provider == "cow" {
		return "CoW"
	}
	return "Odos"
}

func (a *App) newProviders() (fetcher.ReserveProvider, fetcher.QuoteProvider) {
	retry := a.Config.RetryPolicy()

	reserves := fetcher.NewReserves(fetcher.ReservesOptions{
		RPCURL:      a.Config.Ethereum.RPCURL,
		PairAddress: a.Config.Pair.Address,
		Timeout:     a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	var quotes fetcher.QuoteProvider
	switch a.Config.Quote.Provider {
	case "cow":
		cfg := a.Config.Quote.Cow
		quotes = fetcher.NewCow(fetcher.CowOptions{
			BaseURL:      cfg.BaseURL,
			PriceQuality: cfg.PriceQuality,
			Timeout:      cfg.RequestTimeout,
			UserAgent:    cfg.UserAgent,
			AppCode:      a.Config.App.Name,
		}, a.Logger)
	default:
		cfg := a.Config.Quote.Odos
		quotes = fetcher.NewOdos(fetcher.OdosOptions{
			BaseURL:              cfg.BaseURL,
			ChainID:              a.Config.Pair.ChainID,
			SlippageLimitPercent: cfg.SlippageLimitPercent,
			Timeout:              cfg.RequestTimeout,
			UserAgent:            cfg.UserAgent,
		}, a.Logger)
	}

	return fetcher.WithReserveRetry(reserves, retry, a.Logger), fetcher.WithQuoteRetry(quotes, retry, a.Logger)
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	var channels []alerting.Notifier
	if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
		channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
	}
	if cfg := a.Config.Alerting.Discord; cfg.Enabled {
		channels = append(channels, alerting.NewDiscordNotifier(cfg.WebhookURL, cfg.Timeout))
	}
	if len(channels) == 0 {
		return nil, alerting.ErrNoChannels
	}
	return alerting.NewFanout(channels, a.Logger), nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Logger)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openBackends(ctx context.Context) (*backends, error) {
	b := &backends{}
	cfg := a.Config

	needPG := cfg.State.Backend == "postgres" || cfg.Lock.Backend == "postgres" || cfg.Database.RecordTicks
	if needPG {
		store, closer, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if store == nil {
			return nil, errors.New("database.dsn not configured")
		}
		b.pg = store
		b.closers = append(b.closers, closer)
	}

	if cfg.State.Backend == "redis" || cfg.Lock.Backend == "redis" {
		rdb, err := state.NewRedisClient(ctx, state.RedisOptions{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.rdb = rdb
		b.closers = append(b.closers, func() { _ = rdb.Close() })
	}

	return b, nil
}

func (a *App) newStateStore(ctx context.Context, b *backends) (state.Store, error) {
	switch a.Config.State.Backend {
	case "memory":
		return state.NewMemory(), nil
	case "redis":
		return state.NewRedis(b.rdb, a.Config.Redis.KeyPrefix, a.Logger), nil
	case "s3":
		cfg := a.Config.S3
		return state.NewS3(ctx, state.S3Options{
			Endpoint:       cfg.Endpoint,
			Region:         cfg.Region,
			Bucket:         cfg.Bucket,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			UseSSL:         cfg.UseSSL,
			ForcePathStyle: cfg.ForcePathStyle,
			Prefix:         cfg.Prefix,
		}, a.Logger)
	case "postgres":
		return b.pg, nil
	default:
		return state.NewFile(a.Config.State.Path, a.Logger), nil
	}
}

func (a *App) newLocker(b *backends) service.Locker {
	switch a.Config.Lock.Backend {
	case "redis":
		return state.NewRedisLocker(b.rdb, a.Config.Lock.TTL)
	case "postgres":
		return b.pg
	default:
		return nil
	}
}

// serviceDeps overrides parts of the wiring, used by simulations.
type serviceDeps struct {
	reserves fetcher.ReserveProvider
	quotes   fetcher.QuoteProvider
	store    state.Store
	sched    *scheduler.Scheduler
}

func (a *App) buildService(ctx context.Context, override serviceDeps) (*service.Service, func(), error) {
	cfg := a.Config

	pair, err := cfg.PricingPair()
	if err != nil {
		return nil, nil, err
	}
	policy, err := cfg.AlertPolicy()
	if err != nil {
		return nil, nil, err
	}
	amount, err := cfg.QuoteAmount()
	if err != nil {
		return nil, nil, err
	}

	b, err := a.openBackends(ctx)
	if err != nil {
		return nil, nil, err
	}

	deps := service.Deps{
		Reserves:  override.reserves,
		Quotes:    override.quotes,
		State:     override.store,
		Scheduler: override.sched,
		Locker:    a.newLocker(b),
	}
	if deps.Reserves == nil || deps.Quotes == nil {
		deps.Reserves, deps.Quotes = a.newProviders()
	}
	if deps.State == nil {
		if deps.State, err = a.newStateStore(ctx, b); err != nil {
			b.Close()
			return nil, nil, err
		}
	}
	if cfg.Database.RecordTicks && b.pg != nil {
		deps.Ticks = b.pg
		deps.Alerts = b.pg
	}
	if cfg.Alerting.Enabled {
		if deps.Notifier, err = a.newNotifier(); err != nil {
			b.Close()
			return nil, nil, err
		}
	}

	svc, err := service.New(service.Options{
		Pair:                   pair,
		Policy:                 policy,
		Buffer:                 cfg.Buffer(),
		QuoteAmount:            amount,
		AlertsEnabled:          cfg.Alerting.Enabled,
		AMMName:                cfg.Pair.AMMName,
		AggregatorName:         a.aggregatorName(),
		AMMLinkTemplate:        cfg.Alerting.AMMLinkTemplate,
		AggregatorLinkTemplate: cfg.Alerting.AggregatorLinkTemplate,
		LockName:               cfg.Lock.Name,
		Retention:              cfg.Database.Retention,
	}, deps, a.Logger)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return svc, b.Close, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		TickTimeout:   a.Config.Scheduler.TickTimeout,
		RunOnStart:    true,
	}, a.Logger)

	svc, closeAll, err := a.buildService(ctx, serviceDeps{sched: sched})
	if err != nil {
		return err
	}
	defer closeAll()

	a.Logger.Info().
		Str("pair", a.Config.Pair.Base.Symbol+"/"+a.Config.Pair.Quote.Symbol).
		Dur("interval", a.Config.Scheduler.Interval).
		Str("state_backend", a.Config.State.Backend).
		Msg("starting monitoring service")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Once evaluates a single tick, for external schedulers. Tick failures are
// logged and do not fail the command.
func (a *App) Once(ctx context.Context, announce bool) error {
	if a.Config.Scheduler.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Config.Scheduler.TickTimeout)
		defer cancel()
	}

	svc, closeAll, err := a.buildService(ctx, serviceDeps{})
	if err != nil {
		return err
	}
	defer closeAll()

	if announce {
		if err := svc.Announce(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("started notification failed")
		}
	}

	if _, err := svc.ProcessTick(ctx, time.Now()); err != nil {
		a.Logger.Warn().Err(err).Msg("tick produced no alert")
	}
	return nil
}

// ShowState prints the stored alert state for the configured pair.
func (a *App) ShowState(ctx context.Context) error {
	pair, err := a.Config.PricingPair()
	if err != nil {
		return err
	}
	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := a.newStateStore(ctx, b)
	if err != nil {
		return err
	}
	st, err := store.Load(ctx, pair.Key())
	if err != nil {
		return err
	}
	return printState(pair.Key(), st)
}

// Migrate applies SQL migrations to the configured database.
func (a *App) Migrate(ctx context.Context, dir string) error {
	if dir == "" {
		dir = a.Config.Database.MigrationsPath
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, dir)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema up to date")
	} else {
		a.Logger.Info().Strs("applied", applied).Int("count", len(applied)).Msg("migrations applied")
	}

	if retention := a.Config.Database.Retention; retention > 0 {
		deleted, err := store.DeleteTicksBefore(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return err
		}
		a.Logger.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("pruned tick history")
	}
	return nil
}

// ExportOptions hold parameters for exporting tick history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}
