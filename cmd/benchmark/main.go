// Command benchmark runs the coherence workload harness.
//
// Usage:
//
//	go run ./cmd/benchmark [flags] [workload...]
//
// Flags:
//
//	--format   table, csv or json (default: table)
//	--cores    number of cores
//	--ops      operations per core
//	--policy   Owned write-back policy: evict or handoff
//	--seed     seed of the random_mixed workload
//	--quick    run the quick subset only
//
// Example:
//
//	# Run all workloads with human-readable output
//	go run ./cmd/benchmark
//
//	# Compare write-back policies as CSV
//	go run ./cmd/benchmark --policy evict --format csv > evict.csv
//	go run ./cmd/benchmark --policy handoff --format csv > handoff.csv
package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/moesisim/benchmarks"
	"github.com/sarchlab/moesisim/timing/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func newRootCmd() *cobra.Command {
	var (
		format string
		cores  int
		ops    int
		policy string
		seed   int64
		quick  bool
		cfgPth string
	)

	cmd := &cobra.Command{
		Use:          "benchmark [workload...]",
		Short:        "Run named sharing workloads and report their coherence cost.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "table", "csv", "json":
			default:
				return fmt.Errorf("unknown format %q", format)
			}

			sys := config.DefaultSystemConfig()
			if cfgPth != "" {
				var err error
				if sys, err = config.LoadConfig(cfgPth); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("cores") {
				sys.NumCores = cores
			}
			if cmd.Flags().Changed("policy") {
				sys.WritebackPolicy = policy
			}
			if err := sys.Validate(); err != nil {
				return err
			}

			hc := benchmarks.DefaultConfig()
			hc.System = sys
			hc.Ops = ops
			hc.Output = cmd.OutOrStdout()

			harness := benchmarks.NewHarness(hc)

			switch {
			case len(args) > 0:
				for _, name := range args {
					b, ok := benchmarks.Lookup(name)
					if !ok {
						return fmt.Errorf("unknown workload %q", name)
					}
					if name == "random_mixed" {
						b = benchmarks.RandomMixed(seed)
					}
					harness.AddBenchmark(b)
				}
			case quick:
				harness.AddBenchmarks(benchmarks.GetCoreBenchmarks())
			default:
				all := benchmarks.GetMicrobenchmarks()
				all[len(all)-1] = benchmarks.RandomMixed(seed)
				harness.AddBenchmarks(all)
			}

			if format == "table" {
				fmt.Fprintln(hc.Output, "MOESI Coherence Benchmark Harness")
				fmt.Fprintln(hc.Output, "=================================")
				fmt.Fprintf(hc.Output, "Cores:  %d\n", sys.NumCores)
				fmt.Fprintf(hc.Output, "Cache:  %d sets x %d ways x %dB\n",
					sys.NumSets, sys.Associativity, sys.BlockSize)
				fmt.Fprintf(hc.Output, "Policy: %s\n", sys.WritebackPolicy)
				fmt.Fprintln(hc.Output, "")
			}

			results := harness.RunAll()

			switch format {
			case "csv":
				harness.PrintCSV(results)
			case "json":
				if err := harness.PrintJSON(results); err != nil {
					return err
				}
			default:
				harness.PrintResults(results)
			}

			for _, r := range results {
				if !r.Passed() {
					return fmt.Errorf("workload %s failed: %s", r.Name, r.Error)
				}
			}

			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&format, "format", "table", "Output format: table, csv or json")
	f.IntVar(&cores, "cores", 4, "Number of cores")
	f.IntVar(&ops, "ops", 200, "Operations per core")
	f.StringVar(&policy, "policy", "evict", "Owned write-back policy: evict or handoff")
	f.Int64Var(&seed, "seed", benchmarks.DefaultSeed, "Seed of the random_mixed workload")
	f.BoolVar(&quick, "quick", false, "Run the quick subset only")
	f.StringVar(&cfgPth, "config", "", "Path to a system configuration JSON file")

	return cmd
}
