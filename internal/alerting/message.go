package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Signal carries everything rendered into an arbitrage alert.
type Signal struct {
	Pair            string
	ObservedAt      time.Time
	AMMName         string
	AggregatorName  string
	AMMPrice        decimal.Decimal
	AggregatorPrice decimal.Decimal
	GrossProfitPct  decimal.Decimal
	NetProfitPct    decimal.Decimal
	BufferPct       decimal.Decimal
	Direction       string
	Reason          Reason
	AMMLink         string
	AggregatorLink  string
}

// RenderSignal formats an alert the way operators read it in chat.
func RenderSignal(sig Signal) string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("🔥 ARBITRAGE SIGNAL (%s)\n\n", sig.Pair))
	b.WriteString(fmt.Sprintf("%s: $%s\n", sig.AMMName, sig.AMMPrice.StringFixed(4)))
	b.WriteString(fmt.Sprintf("%s: $%s\n", sig.AggregatorName, sig.AggregatorPrice.StringFixed(4)))
	b.WriteString(fmt.Sprintf("Profit: +%s%%", sig.GrossProfitPct.StringFixed(2)))
	if sig.BufferPct.IsPositive() {
		b.WriteString(fmt.Sprintf(" (net %s%% after %s%% buffer)", sig.NetProfitPct.StringFixed(2), sig.BufferPct.StringFixed(2)))
	}
	b.WriteString("\n")
	if sig.Direction != "" {
		b.WriteString(fmt.Sprintf("Route: %s\n", sig.Direction))
	}
	b.WriteString(fmt.Sprintf("Reason: %s\n", sig.Reason))
	b.WriteString(fmt.Sprintf("Time: %s UTC\n", sig.ObservedAt.UTC().Format(time.RFC3339)))
	if sig.AMMLink != "" || sig.AggregatorLink != "" {
		b.WriteString("\n")
	}
	if sig.AMMLink != "" {
		b.WriteString(fmt.Sprintf("%s link: %s\n", sig.AMMName, sig.AMMLink))
	}
	if sig.AggregatorLink != "" {
		b.WriteString(fmt.Sprintf("%s link: %s\n", sig.AggregatorName, sig.AggregatorLink))
	}
	return b.String()
}

// RenderStarted is the one-time text sent on explicit invocation.
func RenderStarted(pair string) string {
	return fmt.Sprintf("✅ BOT STARTED (%s)", pair)
}

// SwapLink fills a template with chain id and token addresses.
// Placeholders: {chain}, {in}, {out}.
func SwapLink(template string, chainID int64, tokenIn, tokenOut string) string {
	if template == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{chain}", fmt.Sprintf("%d", chainID),
		"{in}", strings.ToLower(tokenIn),
		"{out}", strings.ToLower(tokenOut),
	)
	return r.Replace(template)
}
