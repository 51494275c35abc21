package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const policyYAML = `
policy:
  min_profit_pct: 1.0
  profit_step_pct: 0.25
  cooldown_seconds: 600
  big_jump_pct: 1.0
alerting:
  telegram:
    bot_token: "123:abc"
    chat_id: "42"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithPolicy(t *testing.T) {
	cfg, err := Load(writeConfig(t, policyYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	pair, err := cfg.PricingPair()
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if pair.Symbol() != "LINK/USDC" || pair.ChainID != 137 {
		t.Fatalf("unexpected pair %+v", pair)
	}
	if pair.Key() != "polygon:0x8bc8e9f621ee8babda8dc0e6fc991aaf9bf8510b:LINK/USDC" {
		t.Fatalf("unexpected key %s", pair.Key())
	}

	policy, err := cfg.AlertPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if !policy.MinProfitPct.Equal(decimal.NewFromInt(1)) || policy.Cooldown != 600*time.Second {
		t.Fatalf("unexpected policy %+v", policy)
	}
	if !policy.ProfitStepPct.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected step %s", policy.ProfitStepPct)
	}
	if cfg.Quote.Provider != "odos" || cfg.State.Backend != "file" {
		t.Fatalf("unexpected defaults quote=%s state=%s", cfg.Quote.Provider, cfg.State.Backend)
	}
	if !cfg.Buffer().Pct().IsZero() {
		t.Fatalf("buffer should default to zero, got %s", cfg.Buffer().Pct())
	}
}

func TestLoadRequiresPolicyQuartet(t *testing.T) {
	body := `
policy:
  min_profit_pct: 1.0
  profit_step_pct: 0.25
  big_jump_pct: 1.0
`
	_, err := Load(writeConfig(t, body))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing cooldown should be ErrInvalid, got %v", err)
	}
}

func TestLoadPolicyFromLegacyEnv(t *testing.T) {
	t.Setenv("MIN_PROFIT_PCT", "1.5")
	t.Setenv("PROFIT_STEP_PCT", "0.5")
	t.Setenv("COOLDOWN_SEC", "120")
	t.Setenv("BIG_JUMP_BYPASS", "2")
	t.Setenv("BOT_TOKEN", "token")
	t.Setenv("CHAT_ID", "chat")

	cfg, err := Load(writeConfig(t, "app:\n  name: arbwatch\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.MinProfitPct != 1.5 || cfg.Policy.CooldownSeconds != 120 || cfg.Policy.BigJumpPct != 2 {
		t.Fatalf("legacy env not applied: %+v", cfg.Policy)
	}
	if cfg.Alerting.Telegram.BotToken != "token" || cfg.Alerting.Telegram.ChatID != "chat" {
		t.Fatalf("legacy telegram env not applied: %+v", cfg.Alerting.Telegram)
	}
}

func TestValidateRejectsBigJumpBelowStep(t *testing.T) {
	body := `
policy:
  min_profit_pct: 1.0
  profit_step_pct: 0.5
  cooldown_seconds: 600
  big_jump_pct: 0.25
alerting:
  enabled: false
`
	if _, err := Load(writeConfig(t, body)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("big jump below step should be rejected, got %v", err)
	}
}

func TestValidateRejectsBadPair(t *testing.T) {
	cases := map[string]string{
		"address":  "pair:\n  address: nope\n",
		"decimals": "pair:\n  quote:\n    decimals: 78\n",
		"amount":   "pair:\n  quote_amount: \"0\"\n",
		"same":     "pair:\n  quote:\n    address: \"0x53E0bca35eC356BD5ddDFebbD1Fc0fD03FaBad39\"\n",
	}
	for name, extra := range cases {
		t.Run(name, func(t *testing.T) {
			body := policyYAML + extra
			if _, err := Load(writeConfig(t, body)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidateChannels(t *testing.T) {
	body := `
policy:
  min_profit_pct: 1.0
  profit_step_pct: 0.25
  cooldown_seconds: 600
  big_jump_pct: 1.0
alerting:
  telegram:
    enabled: false
  discord:
    enabled: true
`
	if _, err := Load(writeConfig(t, body)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("discord without webhook should be rejected, got %v", err)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("override handling broken")
	}
}
