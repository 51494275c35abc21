package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"arbwatch/internal/pricing"
)

func TestOdosQuoteSuccess(t *testing.T) {
	var got odosQuoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sor/quote/v2" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"outAmounts": []string{"15400000"}, "pathId": "abc"})
	}))
	defer srv.Close()

	o := NewOdos(OdosOptions{BaseURL: srv.URL, ChainID: 137, Timeout: time.Second}, noopLogger())
	out, err := o.GetQuote(context.Background(), linkHex, usdcHex, oneLink())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Cmp(big.NewInt(15_400_000)) != 0 {
		t.Fatalf("expected 15400000, got %s", out)
	}

	if got.ChainID != 137 || len(got.InputTokens) != 1 || got.InputTokens[0].Amount != "1000000000000000000" {
		t.Fatalf("unexpected request %+v", got)
	}
	if !got.DisableRFQs || !got.Compact || got.SlippageLimitPercent != 0.3 {
		t.Fatalf("request flags not set: %+v", got)
	}
	if got.OutputTokens[0].TokenAddress != usdcHex || got.OutputTokens[0].Proportion != 1 {
		t.Fatalf("unexpected output token %+v", got.OutputTokens)
	}
}

func TestOdosQuoteMissingOutAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"outAmounts": []string{}})
	}))
	defer srv.Close()

	o := NewOdos(OdosOptions{BaseURL: srv.URL, ChainID: 137, Timeout: time.Second}, noopLogger())
	var perr *ProviderError
	if _, err := o.GetQuote(context.Background(), linkHex, usdcHex, oneLink()); !errors.As(err, &perr) {
		t.Fatalf("missing outAmounts should be a ProviderError, got %v", err)
	}
}

func TestOdosQuoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "rate limited"})
	}))
	defer srv.Close()

	o := NewOdos(OdosOptions{BaseURL: srv.URL, ChainID: 137, Timeout: time.Second}, noopLogger())
	_, err := o.GetQuote(context.Background(), linkHex, usdcHex, oneLink())
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("429 should fail with ProviderError, got %v", err)
	}
	if !perr.Retryable() {
		t.Fatal("rate limiting should be retryable")
	}
}

func TestRetryStopsOnRejectedRequest(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		calls   int32
		retried bool
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"detail":"unsupported token"}`, calls: 1},
		{name: "missing out amounts", status: http.StatusOK, body: `{"outAmounts":[]}`, calls: 1},
		{name: "server error", status: http.StatusBadGateway, body: `{"detail":"upstream"}`, calls: 3, retried: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			odos := NewOdos(OdosOptions{BaseURL: srv.URL, ChainID: 137, Timeout: time.Second}, noopLogger())
			r := WithQuoteRetry(odos, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, noopLogger())

			_, err := r.GetQuote(context.Background(), linkHex, usdcHex, oneLink())
			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if perr.Retryable() != tt.retried {
				t.Fatalf("retryable = %v, want %v", perr.Retryable(), tt.retried)
			}
			if got := atomic.LoadInt32(&hits); got != tt.calls {
				t.Fatalf("expected %d calls, got %d", tt.calls, got)
			}
		})
	}
}

type flakyQuotes struct {
	failures int32
	calls    int32
}

func (f *flakyQuotes) GetQuote(ctx context.Context, baseToken, quoteToken string, amountIn *big.Int) (*big.Int, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return nil, &ProviderError{Venue: pricing.VenueAggregatorQuote, Op: "quote", Err: errors.New("timeout")}
	}
	return big.NewInt(7), nil
}

func TestRetryingQuotesRecovers(t *testing.T) {
	flaky := &flakyQuotes{failures: 2}
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	r := WithQuoteRetry(flaky, policy, noopLogger())

	out, err := r.GetQuote(context.Background(), linkHex, usdcHex, oneLink())
	if err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if out.Int64() != 7 || flaky.calls != 3 {
		t.Fatalf("unexpected result out=%s calls=%d", out, flaky.calls)
	}
}

func TestRetryingQuotesGivesUp(t *testing.T) {
	flaky := &flakyQuotes{failures: 10}
	r := WithQuoteRetry(flaky, RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond}, noopLogger())

	_, err := r.GetQuote(context.Background(), linkHex, usdcHex, oneLink())
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("last ProviderError should surface, got %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", flaky.calls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	flaky := &flakyQuotes{failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := WithQuoteRetry(flaky, RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour}, noopLogger())
	if _, err := r.GetQuote(ctx, linkHex, usdcHex, oneLink()); err == nil {
		t.Fatal("cancelled context should fail")
	}
	if flaky.calls != 1 {
		t.Fatalf("cancelled context should stop retries, got %d calls", flaky.calls)
	}
}
