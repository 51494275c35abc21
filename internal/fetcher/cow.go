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
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
)

// CowOptions parameterise the CoW Protocol quote fetcher.
type CowOptions struct {
	BaseURL      string
	PriceQuality string
	Timeout      time.Duration
	UserAgent    string
	AppCode      string
}

// Cow fetches sell-side quotes from CoW Protocol.
type Cow struct {
	opts    CowOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCow constructs a CoW quote fetcher.
func NewCow(opts CowOptions, logger zerolog.Logger) *Cow {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/polygon/api/v1"
	}
	if opts.AppCode == "" {
		opts.AppCode = "arbwatch"
	}

	return &Cow{
		opts:    opts,
		logger:  logger.With().Str("component", "cow_quote").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// GetQuote sells amountIn of baseToken for quoteToken and returns the buy amount.
func (c *Cow) GetQuote(ctx context.Context, baseToken, quoteToken string, amountIn *big.Int) (*big.Int, error) {
	out, err := c.quote(ctx, baseToken, quoteToken, amountIn)
	return out, providerErr(pricing.VenueAggregatorQuote, "cow quote", err)
}

func (c *Cow) quote(ctx context.Context, baseToken, quoteToken string, amountIn *big.Int) (*big.Int, error) {
	if baseToken == "" || quoteToken == "" {
		return nil, permanent(errors.New("sellToken and buyToken addresses required"))
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, permanent(errors.New("sell amount must be greater than zero"))
	}

	reqPayload := cowQuoteRequest{
		SellToken:           baseToken,
		BuyToken:            quoteToken,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             fmt.Sprintf(`{"version":"0.7.0","appCode":%q,"metadata":{}}`, c.opts.AppCode),
		PriceQuality:        c.opts.PriceQuality,
		SellAmountBeforeFee: amountIn.String(),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setUserAgent(req, c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, parseCowError(resp.StatusCode, payload))
	}

	var quoteRes cowQuoteResponse
	if err := json.Unmarshal(payload, &quoteRes); err != nil {
		return nil, permanent(fmt.Errorf("decode cow quote: %w", err))
	}

	buy, ok := new(big.Int).SetString(quoteRes.Quote.BuyAmount, 10)
	if !ok {
		return nil, permanent(fmt.Errorf("parse buy amount %q", quoteRes.Quote.BuyAmount))
	}
	if buy.Sign() <= 0 {
		return nil, permanent(errors.New("buy amount returned zero"))
	}

	c.logger.Debug().Str("buy_amount", buy.String()).Str("quality", quoteRes.PriceQuality).Msg("quote received")
	return buy, nil
}

type cowQuoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type cowQuoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type cowErrorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseCowError(status int, payload []byte) error {
	var apiErr cowErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

func setUserAgent(req *http.Request, ua string) {
	if ua = strings.TrimSpace(ua); ua != "" {
		req.Header.Set("User-Agent", ua)
		return
	}
	req.Header.Set("User-Agent", "arbwatch/1.0")
}

var _ QuoteProvider = (*Cow)(nil)
