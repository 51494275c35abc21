package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbwatch/internal/alerting"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTickSQL = `INSERT INTO tick_samples (
        pair_key,
        observed_at,
        amm_price,
        aggregator_price,
        gross_profit_pct,
        net_profit_pct,
        direction,
        decision,
        reason,
        block_number,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING id;`

	tickColumns = `id,
        pair_key,
        observed_at,
        amm_price::text,
        aggregator_price::text,
        gross_profit_pct::text,
        net_profit_pct::text,
        direction,
        decision,
        reason,
        block_number,
        status,
        error,
        created_at`

	listTicksBetweenSQL = `SELECT ` + tickColumns + `
    FROM tick_samples
    WHERE pair_key = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at
    LIMIT $4;`

	listRecentTicksSQL = `SELECT ` + tickColumns + `
    FROM tick_samples
    WHERE pair_key = $1
    ORDER BY observed_at DESC
    LIMIT $2;`

	countTicksSQL = `SELECT COUNT(*) FROM tick_samples WHERE pair_key = $1;`

	insertAlertSQL = `INSERT INTO alerts (
        pair_key,
        sent_at,
        profit_pct,
        min_profit_pct,
        direction,
        reason,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        pair_key,
        sent_at,
        profit_pct::text,
        min_profit_pct::text,
        direction,
        reason,
        channels,
        created_at
    FROM alerts
    WHERE pair_key = $1
    ORDER BY sent_at DESC
    LIMIT $2;`

	deleteTicksBeforeSQL = `DELETE FROM tick_samples WHERE observed_at < $1;`

	loadStateSQL = `SELECT
        last_sent_at,
        last_sent_profit_pct::text,
        last_amm_price::text,
        last_aggregator_price::text,
        last_direction
    FROM alert_state
    WHERE pair_key = $1;`

	upsertStateSQL = `INSERT INTO alert_state (
        pair_key,
        last_sent_at,
        last_sent_profit_pct,
        last_amm_price,
        last_aggregator_price,
        last_direction,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,now()
    )
    ON CONFLICT (pair_key) DO UPDATE
    SET last_sent_at          = EXCLUDED.last_sent_at,
        last_sent_profit_pct  = EXCLUDED.last_sent_profit_pct,
        last_amm_price        = EXCLUDED.last_amm_price,
        last_aggregator_price = EXCLUDED.last_aggregator_price,
        last_direction        = EXCLUDED.last_direction,
        updated_at            = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TickStore defines operations for tick history persistence.
type TickStore interface {
	InsertTick(ctx context.Context, tick TickSample) (int64, error)
	ListTicksBetween(ctx context.Context, pairKey string, from, to time.Time, limit int) ([]TickSample, error)
	ListRecentTicks(ctx context.Context, pairKey string, limit int) ([]TickSample, error)
	CountTicks(ctx context.Context, pairKey string) (int64, error)
	DeleteTicksBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, pairKey string, limit int) ([]AlertRecord, error)
}

// Store aggregates access to tick history, alerts and alert state.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "storage").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LockKey maps a lock name onto a postgres advisory lock key.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryLock attempts a session-level advisory lock for name and returns a release func.
func (s *Store) TryLock(ctx context.Context, name string) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}
	key := LockKey(name)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// a failed unlock is released with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Load returns the alert state for pairKey, or the initial state when none is stored or the row is unreadable.
func (s *Store) Load(ctx context.Context, pairKey string) (alerting.State, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerting.State{}, err
	}

	var (
		sentAt                    time.Time
		profitStr                 string
		ammStr, aggStr, direction sql.NullString
	)
	row := pool.QueryRow(ctx, loadStateSQL, pairKey)
	if err := row.Scan(&sentAt, &profitStr, &ammStr, &aggStr, &direction); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return alerting.InitialState(), nil
		}
		return alerting.State{}, fmt.Errorf("load alert state: %w", err)
	}

	st, err := stateFromRow(sentAt, profitStr, ammStr, aggStr, direction)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", pairKey).Msg("corrupt alert state row, starting fresh")
		return alerting.InitialState(), nil
	}
	return st, nil
}

func stateFromRow(sentAt time.Time, profitStr string, ammStr, aggStr, direction sql.NullString) (alerting.State, error) {
	profit, err := decimal.NewFromString(profitStr)
	if err != nil {
		return alerting.State{}, fmt.Errorf("parse last sent profit: %w", err)
	}
	st := alerting.State{
		LastSentAt:        sentAt.UTC(),
		LastSentProfitPct: profit,
		LastDirection:     direction.String,
	}
	if ammStr.Valid {
		if st.LastAMMPrice, err = decimal.NewFromString(ammStr.String); err != nil {
			return alerting.State{}, fmt.Errorf("parse last amm price: %w", err)
		}
	}
	if aggStr.Valid {
		if st.LastAggregatorPrice, err = decimal.NewFromString(aggStr.String); err != nil {
			return alerting.State{}, fmt.Errorf("parse last aggregator price: %w", err)
		}
	}
	return st, nil
}

// Save upserts the alert state for pairKey.
func (s *Store) Save(ctx context.Context, pairKey string, st alerting.State) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertStateSQL,
		pairKey,
		st.LastSentAt.UTC(),
		st.LastSentProfitPct.String(),
		nullableDecimal(st.LastAMMPrice),
		nullableDecimal(st.LastAggregatorPrice),
		st.LastDirection,
	); err != nil {
		return fmt.Errorf("save alert state: %w", err)
	}
	return nil
}

// InsertTick records an evaluated tick.
func (s *Store) InsertTick(ctx context.Context, tick TickSample) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	row := pool.QueryRow(ctx, insertTickSQL,
		tick.PairKey,
		tick.ObservedAt.UTC(),
		nullableDecimal(tick.AMMPrice),
		nullableDecimal(tick.AggregatorPrice),
		nullableDecimal(tick.GrossProfitPct),
		nullableDecimal(tick.NetProfitPct),
		tick.Direction,
		tick.Decision,
		tick.Reason,
		tick.BlockNumber,
		tick.Status,
		tick.Error,
	)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("insert tick: %w", err)
	}
	return id, nil
}

// ListTicksBetween returns ticks in [from, to) ordered by time.
func (s *Store) ListTicksBetween(ctx context.Context, pairKey string, from, to time.Time, limit int) ([]TickSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listTicksBetweenSQL, pairKey, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list ticks between: %w", err)
	}
	defer rows.Close()

	return collectTicks(rows)
}

// ListRecentTicks returns the latest ticks, newest first.
func (s *Store) ListRecentTicks(ctx context.Context, pairKey string, limit int) ([]TickSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentTicksSQL, pairKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent ticks: %w", err)
	}
	defer rows.Close()

	return collectTicks(rows)
}

// CountTicks counts stored ticks for a pair.
func (s *Store) CountTicks(ctx context.Context, pairKey string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countTicksSQL, pairKey).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count ticks: %w", scanErr)
	}
	return count, nil
}

// DeleteTicksBefore prunes tick history.
func (s *Store) DeleteTicksBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteTicksBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete ticks before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.PairKey,
		alert.SentAt.UTC(),
		alert.ProfitPct.String(),
		alert.MinProfitPct.String(),
		alert.Direction,
		alert.Reason,
		alert.Channels,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts for a pair.
func (s *Store) ListRecentAlerts(ctx context.Context, pairKey string, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, pairKey, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var profitStr, minStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.PairKey,
			&rec.SentAt,
			&profitStr,
			&minStr,
			&rec.Direction,
			&rec.Reason,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.ProfitPct, convErr = decimal.NewFromString(profitStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse profit pct: %w", convErr)
		}
		rec.MinProfitPct, convErr = decimal.NewFromString(minStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse min profit pct: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func collectTicks(rows pgx.Rows) ([]TickSample, error) {
	ticks := make([]TickSample, 0)
	for rows.Next() {
		tick, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ticks, nil
}

func scanTick(rows pgx.Rows) (TickSample, error) {
	var (
		tick             TickSample
		ammStr, aggStr   sql.NullString
		grossStr, netStr sql.NullString
		block            sql.NullInt64
		errMsg           sql.NullString
	)

	if err := rows.Scan(
		&tick.ID,
		&tick.PairKey,
		&tick.ObservedAt,
		&ammStr,
		&aggStr,
		&grossStr,
		&netStr,
		&tick.Direction,
		&tick.Decision,
		&tick.Reason,
		&block,
		&tick.Status,
		&errMsg,
		&tick.CreatedAt,
	); err != nil {
		return TickSample{}, err
	}

	var err error
	if tick.AMMPrice, err = parseNullDecimal(ammStr); err != nil {
		return TickSample{}, fmt.Errorf("parse amm price: %w", err)
	}
	if tick.AggregatorPrice, err = parseNullDecimal(aggStr); err != nil {
		return TickSample{}, fmt.Errorf("parse aggregator price: %w", err)
	}
	if tick.GrossProfitPct, err = parseNullDecimal(grossStr); err != nil {
		return TickSample{}, fmt.Errorf("parse gross profit: %w", err)
	}
	if tick.NetProfitPct, err = parseNullDecimal(netStr); err != nil {
		return TickSample{}, fmt.Errorf("parse net profit: %w", err)
	}

	if block.Valid {
		value := block.Int64
		tick.BlockNumber = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		tick.Error = &msg
	}
	return tick, nil
}

func parseNullDecimal(v sql.NullString) (decimal.Decimal, error) {
	if !v.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v.String)
}

// nullableDecimal stores zero values as NULL.
func nullableDecimal(d decimal.Decimal) *string {
	if d.IsZero() {
		return nil
	}
	s := d.String()
	return &s
}
