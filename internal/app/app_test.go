package app

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbwatch/internal/alerting"
	"arbwatch/internal/config"
	"arbwatch/internal/pricing"
	"arbwatch/internal/storage"
)

func testConfig(telegramURL string) *config.Config {
	return &config.Config{
		App:       config.AppConfig{Name: "arbwatch"},
		Scheduler: config.SchedulerConfig{Interval: time.Minute},
		Pair: config.PairConfig{
			Chain:       "polygon",
			ChainID:     137,
			Address:     "0x8bC8e9F621EE8bAbda8DC0E6Fc991aAf9BF8510b",
			Base:        config.TokenConfig{Symbol: "LINK", Address: "0x53E0bca35eC356BD5ddDFebbD1Fc0fD03FaBad39", Decimals: 18},
			Quote:       config.TokenConfig{Symbol: "USDC", Address: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", Decimals: 6},
			QuoteAmount: "1",
			AMMName:     "Sushi",
		},
		Quote:  config.QuoteConfig{Provider: "odos"},
		Retry:  config.RetryConfig{MaxAttempts: 1},
		Policy: config.PolicyConfig{MinProfitPct: 1, ProfitStepPct: 0.25, CooldownSeconds: 600, BigJumpPct: 1},
		State:  config.StateConfig{Backend: "memory"},
		Lock:   config.LockConfig{Backend: "none"},
		Alerting: config.AlertingConfig{
			Enabled: true,
			Telegram: config.TelegramConfig{
				Enabled:  true,
				BotToken: "token",
				ChatID:   "42",
				APIBase:  telegramURL,
				Timeout:  time.Second,
			},
		},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
}

type telegramStub struct {
	mu    sync.Mutex
	texts []string
}

func (s *telegramStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		s.mu.Lock()
		s.texts = append(s.texts, payload.Text)
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

func TestSimulateAlertSendsThroughTelegram(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	a := NewApp(testConfig(srv.URL), zerolog.Nop())
	res, err := a.SimulateAlert(context.Background(), SimulateOptions{
		AMMPrice:        decimal.NewFromInt(1500),
		AggregatorPrice: decimal.NewFromInt(1530),
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !res.Sent || res.Decision.Reason != alerting.ReasonFirstSignal {
		t.Fatalf("expected first signal send, got %s", res.Decision)
	}
	if !res.Reading.ProfitPct.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected 2%% profit, got %s", res.Reading.ProfitPct)
	}
	if len(stub.texts) != 1 || !strings.Contains(stub.texts[0], "ARBITRAGE SIGNAL (LINK/USDC)") {
		t.Fatalf("unexpected telegram traffic %v", stub.texts)
	}
}

func TestSimulateAlertBelowFloorSendsNothing(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	a := NewApp(testConfig(srv.URL), zerolog.Nop())
	res, err := a.SimulateAlert(context.Background(), SimulateOptions{
		AMMPrice:        decimal.NewFromInt(1500),
		AggregatorPrice: decimal.NewFromInt(1503),
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Sent || len(stub.texts) != 0 {
		t.Fatalf("0.2%% should not alert, got %s", res.Decision)
	}
}

func TestSimulateAlertPersistsToFile(t *testing.T) {
	stub := &telegramStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.State = config.StateConfig{Backend: "file", Path: filepath.Join(t.TempDir(), "state.json")}
	a := NewApp(cfg, zerolog.Nop())

	if _, err := a.SimulateAlert(context.Background(), SimulateOptions{
		AMMPrice:        decimal.NewFromInt(1500),
		AggregatorPrice: decimal.NewFromInt(1530),
		Persist:         true,
	}); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	body, err := os.ReadFile(cfg.State.Path)
	if err != nil {
		t.Fatalf("state file: %v", err)
	}
	if !strings.Contains(string(body), "polygon:0x8bc8e9f621ee8babda8dc0e6fc991aaf9bf8510b:LINK/USDC") {
		t.Fatalf("state file missing pair key: %s", body)
	}
}

func TestStaticProvidersMatchPrices(t *testing.T) {
	cfg := testConfig("")
	pair, err := cfg.PricingPair()
	if err != nil {
		t.Fatalf("pair: %v", err)
	}

	price := decimal.RequireFromString("15.2345")
	reserves, err := newStaticReserves(pair, price)
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	r, _ := reserves.GetReserves(context.Background())
	got, err := pricing.PriceFromReserves(pair, r)
	if err != nil || !got.Equal(price) {
		t.Fatalf("reserve price %s, err %v", got, err)
	}

	quotes, err := newStaticQuotes(pair, price)
	if err != nil {
		t.Fatalf("quotes: %v", err)
	}
	in := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	out, _ := quotes.GetQuote(context.Background(), "", "", in)
	if out.Cmp(big.NewInt(15_234_500)) != 0 {
		t.Fatalf("unexpected quote %s", out)
	}

	if _, err := newStaticQuotes(pair, decimal.Zero); err == nil {
		t.Fatal("zero price should be rejected")
	}
}

func tickAt(i int) storage.TickSample {
	return storage.TickSample{
		ObservedAt:      time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		AMMPrice:        decimal.NewFromInt(1500),
		AggregatorPrice: decimal.NewFromInt(int64(1500 + i)),
		GrossProfitPct:  decimal.NewFromInt(int64(i)),
		NetProfitPct:    decimal.NewFromInt(int64(i)),
		Status:          storage.StatusSuppressed,
	}
}

func TestDownsampleTicksKeepsEnds(t *testing.T) {
	ticks := make([]storage.TickSample, 0, 10)
	for i := 0; i < 10; i++ {
		ticks = append(ticks, tickAt(i))
	}

	got := downsampleTicks(ticks, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if !got[0].ObservedAt.Equal(ticks[0].ObservedAt) || !got[3].ObservedAt.Equal(ticks[9].ObservedAt) {
		t.Fatal("downsampling must keep first and last tick")
	}
	if len(downsampleTicks(ticks, 20)) != 10 {
		t.Fatal("no downsampling expected below the cap")
	}
}

func TestPricedTicksDropsErrored(t *testing.T) {
	ticks := []storage.TickSample{tickAt(1), {Status: storage.StatusErrored}, tickAt(2)}
	if got := pricedTicks(ticks); len(got) != 2 {
		t.Fatalf("expected 2 priced ticks, got %d", len(got))
	}
}

func TestWriteTicksCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "ticks.csv")
	block := int64(99)
	tick := tickAt(3)
	tick.BlockNumber = &block

	if err := writeTicksCSV(path, []storage.TickSample{tick}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "observed_at,") || !strings.HasSuffix(lines[1], ",99") {
		t.Fatalf("unexpected csv:\n%s", body)
	}
}

func TestWriteTicksTable(t *testing.T) {
	var buf bytes.Buffer
	msg := "rpc\ndown"
	tick := tickAt(1)
	tick.Error = &msg
	if err := writeTicksTable(&buf, []storage.TickSample{tick}, 250); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "rpc down") {
		t.Fatalf("error should be flattened: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "showing 1 of 250 stored ticks") {
		t.Fatalf("total should be reported: %q", buf.String())
	}

	buf.Reset()
	_ = writeTicksTable(&buf, nil, 0)
	if !strings.Contains(buf.String(), "no ticks found") {
		t.Fatalf("unexpected empty output %q", buf.String())
	}
}
