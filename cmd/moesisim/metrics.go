package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/moesisim/timing/perf"
)

func (a *app) metricsCmd() *cobra.Command {
	var csvPath string

	cmd := &cobra.Command{
		Use:   "metrics <perf_dump>",
		Short: "Derive rate metrics from a perf dump.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open perf dump: %w", err)
			}
			defer f.Close()

			report, err := perf.ParseDump(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			metrics := report.Metrics()
			if err := metrics.WriteTable(a.out); err != nil {
				return err
			}

			if csvPath != "" {
				if err := perf.AppendCSV(csvPath, metrics); err != nil {
					return err
				}
				a.logger.Printf("appended metrics to %s", csvPath)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "Append the metrics to this CSV file")

	return cmd
}
