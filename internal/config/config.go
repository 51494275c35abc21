package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"arbwatch/internal/alerting"
	"arbwatch/internal/fetcher"
	"arbwatch/internal/logging"
	"arbwatch/internal/pricing"
)

// ErrInvalid marks a configuration that cannot run.
var ErrInvalid = errors.New("invalid configuration")

// Policy keys with no default. Load fails unless each is set.
var requiredPolicyKeys = []string{
	"policy.min_profit_pct",
	"policy.profit_step_pct",
	"policy.cooldown_seconds",
	"policy.big_jump_pct",
}

// Environment names kept from earlier deployments of the bot.
var legacyEnv = map[string][]string{
	"alerting.telegram.bot_token": {"BOT_TOKEN", "TG_TOKEN"},
	"alerting.telegram.chat_id":   {"CHAT_ID", "TG_CHAT_ID"},
	"ethereum.rpc_url":            {"RPC_URL"},
	"policy.min_profit_pct":       {"MIN_PROFIT_PCT"},
	"policy.profit_step_pct":      {"PROFIT_STEP_PCT"},
	"policy.cooldown_seconds":     {"COOLDOWN_SEC"},
	"policy.big_jump_pct":         {"BIG_JUMP_BYPASS"},
	"pair.address":                {"SUSHI_PAIR_ADDRESS"},
	"pair.chain_id":               {"CHAIN_ID"},
}

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pair      PairConfig      `mapstructure:"pair"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	State     StateConfig     `mapstructure:"state"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	S3        S3Config        `mapstructure:"s3"`
	Lock      LockConfig      `mapstructure:"lock"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig governs the in-process tick loop.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	TickTimeout   time.Duration `mapstructure:"tick_timeout"`
}

// TokenConfig describes one side of the pair.
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// PairConfig identifies the monitored pool.
type PairConfig struct {
	Chain       string      `mapstructure:"chain"`
	ChainID     int64       `mapstructure:"chain_id"`
	Address     string      `mapstructure:"address"`
	Base        TokenConfig `mapstructure:"base"`
	Quote       TokenConfig `mapstructure:"quote"`
	QuoteAmount string      `mapstructure:"quote_amount"`
	AMMName     string      `mapstructure:"amm_name"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// QuoteConfig selects and tunes the aggregator quote source.
type QuoteConfig struct {
	Provider string     `mapstructure:"provider"`
	Odos     OdosConfig `mapstructure:"odos"`
	Cow      CowConfig  `mapstructure:"cow"`
}

// OdosConfig captures Odos SOR connectivity.
type OdosConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	SlippageLimitPercent float64       `mapstructure:"slippage_limit_pct"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	UserAgent            string        `mapstructure:"user_agent"`
}

// CowConfig captures CoW Protocol connectivity.
type CowConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PriceQuality   string        `mapstructure:"price_quality"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RetryConfig is applied to every provider call.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// PolicyConfig holds the alert gates.
type PolicyConfig struct {
	MinProfitPct      float64 `mapstructure:"min_profit_pct"`
	ProfitStepPct     float64 `mapstructure:"profit_step_pct"`
	CooldownSeconds   int64   `mapstructure:"cooldown_seconds"`
	BigJumpPct        float64 `mapstructure:"big_jump_pct"`
	FeeBufferBps      int64   `mapstructure:"fee_buffer_bps"`
	SlippageBufferBps int64   `mapstructure:"slippage_buffer_bps"`
}

// StateConfig picks where AlertState lives.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	RecordTicks     bool          `mapstructure:"record_ticks"`
	Retention       time.Duration `mapstructure:"retention"`
}

// RedisConfig configures the redis state backend and lock.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	MaxRetries int    `mapstructure:"max_retries"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// S3Config configures the object storage state backend.
type S3Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	Prefix         string `mapstructure:"prefix"`
}

// LockConfig guards against overlapping ticks.
type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	Name    string        `mapstructure:"name"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled                bool           `mapstructure:"enabled"`
	Telegram               TelegramConfig `mapstructure:"telegram"`
	Discord                DiscordConfig  `mapstructure:"discord"`
	AMMLinkTemplate        string         `mapstructure:"amm_link_template"`
	AggregatorLinkTemplate string         `mapstructure:"aggregator_link_template"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DiscordConfig describes the Discord webhook channel.
type DiscordConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ARBWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	for _, key := range requiredPolicyKeys {
		if !v.IsSet(key) {
			return nil, fmt.Errorf("%w: %s must be set", ErrInvalid, key)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindEnv registers keys that AutomaticEnv alone would not surface to Unmarshal.
func bindEnv(v *viper.Viper) error {
	for _, key := range requiredPolicyKeys {
		envName := "ARBWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, envName}, legacyEnv[key]...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	for key, names := range legacyEnv {
		if isRequired(key) {
			continue
		}
		envName := "ARBWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, envName}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func isRequired(key string) bool {
	for _, k := range requiredPolicyKeys {
		if k == key {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "arbwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.tick_timeout", "45s")

	v.SetDefault("pair.chain", "polygon")
	v.SetDefault("pair.chain_id", 137)
	v.SetDefault("pair.address", "0x8bC8e9F621EE8bAbda8DC0E6Fc991aAf9BF8510b")
	v.SetDefault("pair.base.symbol", "LINK")
	v.SetDefault("pair.base.address", "0x53E0bca35eC356BD5ddDFebbD1Fc0fD03FaBad39")
	v.SetDefault("pair.base.decimals", 18)
	v.SetDefault("pair.quote.symbol", "USDC")
	v.SetDefault("pair.quote.address", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	v.SetDefault("pair.quote.decimals", 6)
	v.SetDefault("pair.quote_amount", "1")
	v.SetDefault("pair.amm_name", "Sushi")

	v.SetDefault("ethereum.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("quote.provider", "odos")
	v.SetDefault("quote.odos.base_url", "https://api.odos.xyz")
	v.SetDefault("quote.odos.slippage_limit_pct", 0.3)
	v.SetDefault("quote.odos.request_timeout", "20s")
	v.SetDefault("quote.odos.user_agent", "arbwatch/1.0")
	v.SetDefault("quote.cow.base_url", "https://api.cow.fi/polygon/api/v1")
	v.SetDefault("quote.cow.price_quality", "optimal")
	v.SetDefault("quote.cow.request_timeout", "10s")
	v.SetDefault("quote.cow.user_agent", "arbwatch/1.0")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "5s")

	v.SetDefault("policy.fee_buffer_bps", 0)
	v.SetDefault("policy.slippage_buffer_bps", 0)

	v.SetDefault("state.backend", "file")
	v.SetDefault("state.path", "state.json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.record_ticks", false)
	v.SetDefault("database.retention", "0s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 5)
	v.SetDefault("redis.max_retries", 2)
	v.SetDefault("redis.key_prefix", "arbwatch:state:")

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("s3.prefix", "arbwatch/state/")

	v.SetDefault("lock.backend", "none")
	v.SetDefault("lock.name", "arbwatch-tick")
	v.SetDefault("lock.ttl", "2m")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.telegram.enabled", true)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "15s")
	v.SetDefault("alerting.discord.enabled", false)
	v.SetDefault("alerting.discord.timeout", "10s")
	v.SetDefault("alerting.amm_link_template", "https://www.sushi.com/swap?chainId={chain}&token0={in}&token1={out}")
	v.SetDefault("alerting.aggregator_link_template", "https://app.odos.xyz/?chain={chain}&tokenIn={in}&tokenOut={out}")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return invalid("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return invalid("export.max_data_points must be greater than zero")
	}

	if _, err := c.PricingPair(); err != nil {
		return err
	}
	if _, err := c.QuoteAmount(); err != nil {
		return err
	}

	switch c.Quote.Provider {
	case "odos", "cow":
	default:
		return invalid("quote.provider %q must be odos or cow", c.Quote.Provider)
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts must be at least 1")
	}

	policy, err := c.AlertPolicy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return invalid("policy: %v", err)
	}
	if c.Policy.FeeBufferBps < 0 || c.Policy.SlippageBufferBps < 0 {
		return invalid("policy buffers cannot be negative")
	}

	switch c.State.Backend {
	case "file":
		if c.State.Path == "" {
			return invalid("state.path required for the file backend")
		}
	case "memory", "redis", "postgres":
	case "s3":
		if c.S3.Bucket == "" {
			return invalid("s3.bucket required for the s3 backend")
		}
	default:
		return invalid("state.backend %q is not supported", c.State.Backend)
	}

	switch c.Lock.Backend {
	case "none", "redis", "postgres":
	default:
		return invalid("lock.backend %q is not supported", c.Lock.Backend)
	}

	if (c.State.Backend == "postgres" || c.Lock.Backend == "postgres" || c.Database.RecordTicks) && c.Database.DSN == "" {
		return invalid("database.dsn required")
	}
	if c.Database.Retention < 0 {
		return invalid("database.retention must not be negative")
	}

	if c.Alerting.Enabled {
		if c.Alerting.Telegram.Enabled {
			if c.Alerting.Telegram.BotToken == "" {
				return invalid("alerting.telegram.bot_token must be configured")
			}
			if c.Alerting.Telegram.ChatID == "" {
				return invalid("alerting.telegram.chat_id must be configured")
			}
		}
		if c.Alerting.Discord.Enabled && c.Alerting.Discord.WebhookURL == "" {
			return invalid("alerting.discord.webhook_url must be configured")
		}
		if !c.Alerting.Telegram.Enabled && !c.Alerting.Discord.Enabled {
			return invalid("alerting is enabled but no channel is")
		}
	}
	return nil
}

// PricingPair converts the pair section into a pricing.Pair.
func (c *Config) PricingPair() (pricing.Pair, error) {
	pairAddr, err := pricing.ParseAddress(c.Pair.Address)
	if err != nil {
		return pricing.Pair{}, invalid("pair.address: %v", err)
	}
	base, err := token("pair.base", c.Pair.Base)
	if err != nil {
		return pricing.Pair{}, err
	}
	quote, err := token("pair.quote", c.Pair.Quote)
	if err != nil {
		return pricing.Pair{}, err
	}
	if base.Address == quote.Address {
		return pricing.Pair{}, invalid("pair.base and pair.quote must differ")
	}
	if c.Pair.ChainID <= 0 {
		return pricing.Pair{}, invalid("pair.chain_id must be positive")
	}
	return pricing.Pair{
		Chain:       c.Pair.Chain,
		ChainID:     c.Pair.ChainID,
		PairAddress: pairAddr,
		Base:        base,
		Quote:       quote,
	}, nil
}

func token(prefix string, tc TokenConfig) (pricing.Token, error) {
	if tc.Symbol == "" {
		return pricing.Token{}, invalid("%s.symbol required", prefix)
	}
	addr, err := pricing.ParseAddress(tc.Address)
	if err != nil {
		return pricing.Token{}, invalid("%s.address: %v", prefix, err)
	}
	if tc.Decimals < 0 || tc.Decimals > pricing.MaxDecimals {
		return pricing.Token{}, invalid("%s.decimals %d out of range [0, %d]", prefix, tc.Decimals, pricing.MaxDecimals)
	}
	return pricing.Token{Symbol: tc.Symbol, Address: addr, Decimals: tc.Decimals}, nil
}

// QuoteAmount is the base-token amount priced through the aggregator.
func (c *Config) QuoteAmount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(c.Pair.QuoteAmount))
	if err != nil {
		return decimal.Zero, invalid("pair.quote_amount: %v", err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, invalid("pair.quote_amount must be greater than zero")
	}
	return amount, nil
}

// AlertPolicy converts the policy section into engine gates.
func (c *Config) AlertPolicy() (alerting.Policy, error) {
	if c.Policy.CooldownSeconds < 0 {
		return alerting.Policy{}, invalid("policy.cooldown_seconds cannot be negative")
	}
	minProfit, err := finite("policy.min_profit_pct", c.Policy.MinProfitPct)
	if err != nil {
		return alerting.Policy{}, err
	}
	step, err := finite("policy.profit_step_pct", c.Policy.ProfitStepPct)
	if err != nil {
		return alerting.Policy{}, err
	}
	bigJump, err := finite("policy.big_jump_pct", c.Policy.BigJumpPct)
	if err != nil {
		return alerting.Policy{}, err
	}
	return alerting.Policy{
		MinProfitPct:  minProfit,
		ProfitStepPct: step,
		Cooldown:      time.Duration(c.Policy.CooldownSeconds) * time.Second,
		BigJumpPct:    bigJump,
	}, nil
}

func finite(key string, v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, invalid("%s must be a finite number", key)
	}
	return decimal.NewFromFloat(v), nil
}

// Buffer returns the fee and slippage allowance.
func (c *Config) Buffer() pricing.Buffer {
	return pricing.Buffer{
		FeeBps:      decimal.NewFromInt(c.Policy.FeeBufferBps),
		SlippageBps: decimal.NewFromInt(c.Policy.SlippageBufferBps),
	}
}

// RetryPolicy returns the provider retry settings.
func (c *Config) RetryPolicy() fetcher.RetryPolicy {
	return fetcher.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
