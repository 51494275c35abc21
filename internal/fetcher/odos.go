package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"arbwatch/internal/pricing"
)

const (
	odosQuotePath = "/sor/quote/v2"
	odosUserAddr  = "0x0000000000000000000000000000000000000001"
)

// OdosOptions parameterise the Odos smart order router quote fetcher.
type OdosOptions struct {
	BaseURL              string
	ChainID              int64
	SlippageLimitPercent float64
	Timeout              time.Duration
	UserAgent            string
}

// Odos fetches quotes from the Odos SOR API. No API key is required.
type Odos struct {
	opts    OdosOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewOdos constructs an Odos quote fetcher.
func NewOdos(opts OdosOptions, logger zerolog.Logger) *Odos {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.odos.xyz"
	}
	if opts.SlippageLimitPercent <= 0 {
		opts.SlippageLimitPercent = 0.3
	}

	return &Odos{
		opts:    opts,
		logger:  logger.With().Str("component", "odos_quote").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// GetQuote routes amountIn of baseToken into quoteToken and returns outAmounts[0].
func (o *Odos) GetQuote(ctx context.Context, baseToken, quoteToken string, amountIn *big.Int) (*big.Int, error) {
	out, err := o.quote(ctx, baseToken, quoteToken, amountIn)
	return out, providerErr(pricing.VenueAggregatorQuote, "odos quote", err)
}

func (o *Odos) quote(ctx context.Context, baseToken, quoteToken string, amountIn *big.Int) (*big.Int, error) {
	if baseToken == "" || quoteToken == "" {
		return nil, permanent(errors.New("input and output token addresses required"))
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, permanent(errors.New("input amount must be greater than zero"))
	}
	if o.opts.ChainID <= 0 {
		return nil, permanent(errors.New("chain id not configured"))
	}

	reqPayload := odosQuoteRequest{
		ChainID:              o.opts.ChainID,
		InputTokens:          []odosInputToken{{TokenAddress: baseToken, Amount: amountIn.String()}},
		OutputTokens:         []odosOutputToken{{TokenAddress: quoteToken, Proportion: 1}},
		UserAddr:             odosUserAddr,
		SlippageLimitPercent: o.opts.SlippageLimitPercent,
		DisableRFQs:          true,
		Compact:              true,
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+odosQuotePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setUserAgent(req, o.opts.UserAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, parseOdosError(resp.StatusCode, payload))
	}

	var quoteRes odosQuoteResponse
	if err := json.Unmarshal(payload, &quoteRes); err != nil {
		return nil, permanent(fmt.Errorf("decode odos quote: %w", err))
	}
	if len(quoteRes.OutAmounts) == 0 || quoteRes.OutAmounts[0] == "" {
		return nil, permanent(errors.New("odos quote missing outAmounts"))
	}

	out, ok := new(big.Int).SetString(quoteRes.OutAmounts[0], 10)
	if !ok {
		return nil, permanent(fmt.Errorf("parse out amount %q", quoteRes.OutAmounts[0]))
	}
	if out.Sign() <= 0 {
		return nil, permanent(errors.New("out amount returned zero"))
	}

	o.logger.Debug().Str("out_amount", out.String()).Str("path_id", quoteRes.PathID).Msg("quote received")
	return out, nil
}

type odosInputToken struct {
	TokenAddress string `json:"tokenAddress"`
	Amount       string `json:"amount"`
}

type odosOutputToken struct {
	TokenAddress string  `json:"tokenAddress"`
	Proportion   float64 `json:"proportion"`
}

type odosQuoteRequest struct {
	ChainID              int64             `json:"chainId"`
	InputTokens          []odosInputToken  `json:"inputTokens"`
	OutputTokens         []odosOutputToken `json:"outputTokens"`
	UserAddr             string            `json:"userAddr"`
	SlippageLimitPercent float64           `json:"slippageLimitPercent"`
	ReferralCode         int               `json:"referralCode"`
	DisableRFQs          bool              `json:"disableRFQs"`
	Compact              bool              `json:"compact"`
}

type odosQuoteResponse struct {
	OutAmounts []string `json:"outAmounts"`
	PathID     string   `json:"pathId"`
}

func parseOdosError(status int, payload []byte) error {
	var apiErr struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Detail != "" {
			return fmt.Errorf("odos api error (%d): %s", status, apiErr.Detail)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("odos api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("odos api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("odos api error (%d)", status)
}

var _ QuoteProvider = (*Odos)(nil)
