package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"arbwatch/internal/storage"
)

const maxExportRows = 1_000_000

// Export renders tick history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	pair, err := a.Config.PricingPair()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	ticks, err := store.ListTicksBetween(ctx, pair.Key(), from, to, maxExportRows)
	if err != nil {
		return err
	}
	ticks = pricedTicks(ticks)
	if len(ticks) == 0 {
		a.Logger.Info().Msg("no priced ticks found for export window")
		return nil
	}

	downsampled := downsampleTicks(ticks, opts.MaxPoints)
	a.Logger.Info().Int("total", len(ticks)).Int("exported", len(downsampled)).Msg("exporting ticks")

	if opts.CSVPath != "" {
		if err := writeTicksCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTicksPNG(opts.PNGPath, pair.Symbol(), downsampled); err != nil {
			return err
		}
	}

	return nil
}

// pricedTicks drops errored ticks that carry no prices.
func pricedTicks(ticks []storage.TickSample) []storage.TickSample {
	out := ticks[:0]
	for _, tick := range ticks {
		if tick.AMMPrice.IsPositive() && tick.AggregatorPrice.IsPositive() {
			out = append(out, tick)
		}
	}
	return out
}

func downsampleTicks(ticks []storage.TickSample, max int) []storage.TickSample {
	if max <= 0 || len(ticks) <= max {
		return ticks
	}
	if max == 1 {
		return ticks[len(ticks)-1:]
	}

	result := make([]storage.TickSample, 0, max)
	step := float64(len(ticks)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(ticks) {
			idx = len(ticks) - 1
		}
		result = append(result, ticks[idx])
	}
	return result
}

func writeTicksCSV(path string, ticks []storage.TickSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"observed_at", "amm_price", "aggregator_price", "gross_profit_pct", "net_profit_pct", "direction", "decision", "status", "block_number"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, tick := range ticks {
		block := ""
		if tick.BlockNumber != nil {
			block = strconv.FormatInt(*tick.BlockNumber, 10)
		}
		record := []string{
			tick.ObservedAt.UTC().Format(time.RFC3339),
			tick.AMMPrice.String(),
			tick.AggregatorPrice.String(),
			tick.GrossProfitPct.String(),
			tick.NetProfitPct.String(),
			tick.Direction,
			tick.Decision,
			tick.Status,
			block,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeTicksPNG(path, symbol string, ticks []storage.TickSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(ticks))
	amm := make([]float64, len(ticks))
	aggregator := make([]float64, len(ticks))
	profit := make([]float64, len(ticks))

	for i, tick := range ticks {
		x[i] = tick.ObservedAt
		amm[i] = tick.AMMPrice.InexactFloat64()
		aggregator[i] = tick.AggregatorPrice.InexactFloat64()
		profit[i] = tick.NetProfitPct.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + symbol + ")",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Net profit (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "AMM",
				XValues: x,
				YValues: amm,
			},
			chart.TimeSeries{
				Name:    "Aggregator",
				XValues: x,
				YValues: aggregator,
			},
			chart.TimeSeries{
				Name:    "Net profit %",
				XValues: x,
				YValues: profit,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
