package state

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"arbwatch/internal/alerting"
)

// unlockLua deletes the lock key only when it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisOptions holds connection parameters.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	ro := &redis.Options{
		Addr:       opts.Addr,
		Password:   opts.Password,
		DB:         opts.DB,
		PoolSize:   opts.PoolSize,
		MaxRetries: opts.MaxRetries,
	}
	if opts.TLSEnabled {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Redis stores each pair's record under <prefix><key>.
type Redis struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedis wraps a connected client.
func NewRedis(rdb *redis.Client, prefix string, logger zerolog.Logger) *Redis {
	if prefix == "" {
		prefix = "arbwatch:state:"
	}
	return &Redis{rdb: rdb, prefix: prefix, logger: logger.With().Str("component", "state_redis").Logger()}
}

// Load fetches the record. Connection errors are returned; a missing or corrupt value is the initial state.
func (r *Redis) Load(ctx context.Context, key string) (alerting.State, error) {
	payload, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return alerting.InitialState(), nil
	}
	if err != nil {
		return alerting.State{}, fmt.Errorf("redis get state: %w", err)
	}
	st, err := decodeRecord(payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("corrupt state record, starting fresh")
		return alerting.InitialState(), nil
	}
	return st, nil
}

// Save overwrites the record with a single SET.
func (r *Redis) Save(ctx context.Context, key string, st alerting.State) error {
	payload, err := json.Marshal(FromState(st))
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	if err := r.rdb.Set(ctx, r.prefix+key, payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set state: %w", err)
	}
	return nil
}

// RedisLocker guards a tick with SET NX plus a token-checked release.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	unlockSc *redis.Script
}

// NewRedisLocker builds a locker whose locks expire after ttl.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, unlockSc: redis.NewScript(unlockLua)}
}

// TryLock acquires lock:<name> if free.
func (l *RedisLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	token := uuid.New().String()
	lk := "lock:" + name

	ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}
	return unlock, true, nil
}

var _ Store = (*Redis)(nil)
