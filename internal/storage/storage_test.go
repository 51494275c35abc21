package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLockKeyStable(t *testing.T) {
	if LockKey("arbwatch-tick") != LockKey("arbwatch-tick") {
		t.Fatal("lock key must be deterministic")
	}
	if LockKey("arbwatch-tick") == LockKey("arbwatch-other") {
		t.Fatal("distinct names should map to distinct keys")
	}
}

func TestLoadMigrationsOrdersSQLFiles(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"0002_more.sql": "SELECT 2;",
		"0001_init.sql": "SELECT 1;",
		"README.md":     "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	got, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Name != "0001_init.sql" || got[1].SQL != "SELECT 2;" {
		t.Fatalf("unexpected migrations %+v", got)
	}
}

func TestRepositoryMigrationParses(t *testing.T) {
	got, err := LoadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one migration")
	}
}

func TestNullableDecimal(t *testing.T) {
	if nullableDecimal(decimal.Zero) != nil {
		t.Fatal("zero should map to NULL")
	}
	if v := nullableDecimal(decimal.RequireFromString("1.5")); v == nil || *v != "1.5" {
		t.Fatalf("unexpected value %v", v)
	}
}

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if _, err := s.Load(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryLock(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.ListTicksBetween(ctx, "k", time.Time{}, time.Now(), 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestStateFromRow(t *testing.T) {
	sentAt := time.Unix(1_700_000_000, 0)
	valid := func(v string) sql.NullString { return sql.NullString{String: v, Valid: true} }

	st, err := stateFromRow(sentAt, "1.25", valid("15.1"), sql.NullString{}, valid("buy on Sushi, sell on Odos"))
	if err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if !st.LastSentProfitPct.Equal(decimal.RequireFromString("1.25")) || !st.LastAMMPrice.Equal(decimal.RequireFromString("15.1")) {
		t.Fatalf("unexpected state %+v", st)
	}
	if !st.LastAggregatorPrice.IsZero() || !st.LastSentAt.Equal(sentAt) {
		t.Fatalf("unexpected state %+v", st)
	}

	if _, err := stateFromRow(sentAt, "garbage", sql.NullString{}, sql.NullString{}, sql.NullString{}); err == nil {
		t.Fatal("unparseable profit should be reported")
	}
	if _, err := stateFromRow(sentAt, "1", valid("n/a"), sql.NullString{}, sql.NullString{}); err == nil {
		t.Fatal("unparseable amm price should be reported")
	}
	if _, err := stateFromRow(sentAt, "1", sql.NullString{}, valid("n/a"), sql.NullString{}); err == nil {
		t.Fatal("unparseable aggregator price should be reported")
	}
}

func TestUnconfiguredStorePruneAndCount(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if _, err := s.CountTicks(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.DeleteTicksBefore(ctx, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
