package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"arbwatch/internal/alerting"
	"arbwatch/internal/state"
	"arbwatch/internal/storage"
)

// Show prints recent ticks, or recent alerts when opts.Alerts is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	pair, err := a.Config.PricingPair()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	defer closeStore()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, pair.Key(), opts.Limit)
		if err != nil {
			return err
		}
		return writeAlertsTable(os.Stdout, alerts)
	}

	ticks, err := store.ListRecentTicks(ctx, pair.Key(), opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountTicks(ctx, pair.Key())
	if err != nil {
		return err
	}
	return writeTicksTable(os.Stdout, ticks, total)
}

func writeTicksTable(out io.Writer, ticks []storage.TickSample, total int64) error {
	if len(ticks) == 0 {
		fmt.Fprintln(out, "no ticks found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAMM\tAggregator\tGross%\tNet%\tDecision\tStatus\tError")

	for _, tick := range ticks {
		errMsg := ""
		if tick.Error != nil {
			errMsg = sanitizeInline(*tick.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tick.ObservedAt.UTC().Format(time.RFC3339),
			formatDecimal(tick.AMMPrice, 4),
			formatDecimal(tick.AggregatorPrice, 4),
			formatDecimal(tick.GrossProfitPct, 3),
			formatDecimal(tick.NetProfitPct, 3),
			tick.Decision,
			tick.Status,
			errMsg,
		)
	}

	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nshowing %d of %d stored ticks\n", len(ticks), total)
	return nil
}

func writeAlertsTable(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tProfit%\tReason\tDirection\tChannels")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			alert.SentAt.UTC().Format(time.RFC3339),
			formatDecimal(alert.ProfitPct, 3),
			alert.Reason,
			alert.Direction,
			strings.Join(alert.Channels, ","),
		)
	}
	return writer.Flush()
}

func printState(key string, st alerting.State) error {
	out := struct {
		Key       string       `json:"key"`
		NeverSent bool         `json:"neverSent"`
		Record    state.Record `json:"record"`
	}{Key: key, NeverSent: st.NeverSent(), Record: state.FromState(st)}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
