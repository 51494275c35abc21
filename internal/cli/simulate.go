package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"arbwatch/internal/app"
)

var (
	simulateAMM        string
	simulateAggregator string
	simulatePersist    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run one tick with fixed venue prices through decision and notification",
	RunE: func(cmd *cobra.Command, args []string) error {
		amm, err := decimal.NewFromString(simulateAMM)
		if err != nil {
			return fmt.Errorf("invalid --amm value: %w", err)
		}
		aggregator, err := decimal.NewFromString(simulateAggregator)
		if err != nil {
			return fmt.Errorf("invalid --aggregator value: %w", err)
		}
		if !amm.IsPositive() || !aggregator.IsPositive() {
			return errors.New("--amm and --aggregator must be greater than zero")
		}

		res, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			AMMPrice:        amm,
			AggregatorPrice: aggregator,
			Persist:         simulatePersist,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "profit %s%% (net %s%%) -> %s\n",
			res.Reading.ProfitPct.StringFixed(4), res.NetProfitPct.StringFixed(4), res.Decision)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAMM, "amm", "", "AMM price, quote per base")
	simulateCmd.Flags().StringVar(&simulateAggregator, "aggregator", "", "Aggregator price, quote per base")
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "Read and write the configured state store instead of memory")
	_ = simulateCmd.MarkFlagRequired("amm")
	_ = simulateCmd.MarkFlagRequired("aggregator")
}
