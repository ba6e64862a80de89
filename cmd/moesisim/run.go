package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/moesisim/timing/config"
	"github.com/sarchlab/moesisim/timing/core"
	"github.com/sarchlab/moesisim/timing/perf"
	"github.com/sarchlab/moesisim/timing/system"
	"github.com/sarchlab/moesisim/timing/traffic"
)

type runOptions struct {
	cores     int
	policy    string
	cycles    uint64
	seed      int64
	requests  int
	readRatio float64
	lines     int
	dump      string
	csv       string
	trace     bool
	traceName string
	verbose   bool
	cpuProf   string
	memProf   string
}

func (a *app) runCmd() *cobra.Command {
	o := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run seeded random traffic on every core and report metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("cores") {
				cfg.NumCores = o.cores
			}
			if cmd.Flags().Changed("policy") {
				cfg.WritebackPolicy = o.policy
			}

			return a.run(cfg, o)
		},
	}

	f := cmd.Flags()
	f.IntVar(&o.cores, "cores", 4, "Number of cores")
	f.StringVar(&o.policy, "policy", "evict", "Owned write-back policy: evict or handoff")
	f.Uint64Var(&o.cycles, "cycles", 1_000_000, "Cycle limit")
	f.Int64Var(&o.seed, "seed", 1, "Traffic seed")
	f.IntVar(&o.requests, "requests", 1000, "Requests per core")
	f.Float64Var(&o.readRatio, "read-ratio", 0.7, "Fraction of requests that are reads")
	f.IntVar(&o.lines, "lines", 8, "Number of hot lines shared by the cores")
	f.StringVar(&o.dump, "dump", "", "Write a perf dump to this file")
	f.StringVar(&o.csv, "csv", "", "Append the metrics to this CSV file")
	f.BoolVar(&o.trace, "trace", false, "Record bus transactions into a SQLite database")
	f.StringVar(&o.traceName, "trace-name", "", "Trace database name (default: a unique id)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Log every bus transaction")
	f.StringVar(&o.cpuProf, "cpuprofile", "", "Write a CPU profile to this file")
	f.StringVar(&o.memProf, "memprofile", "", "Write a memory profile to this file")

	return cmd
}

func (a *app) run(cfg *config.SystemConfig, o *runOptions) error {
	t := traffic.DefaultConfig(o.seed)
	t.ReadRatio = o.readRatio
	t.Requests = o.requests
	t.BlockSize = cfg.BlockSize
	t.Lines = traffic.Pool(0x1000, o.lines, uint64(cfg.BlockSize))
	if err := t.Validate(); err != nil {
		return err
	}

	sources := make([]core.Source, cfg.NumCores)
	for id := range sources {
		sources[id] = traffic.NewGenerator(id, t)
	}

	s, err := system.MakeBuilder().
		WithConfig(cfg).
		WithSources(sources...).
		WithMaxCycles(o.cycles).
		Build("Machine")
	if err != nil {
		return err
	}

	if o.verbose {
		s.AcceptBusHook(&busLogger{logger: a.logger})
	}

	var recorder *perf.SQLiteRecorder
	if o.trace {
		recorder, err = perf.NewSQLiteRecorder(o.traceName)
		if err != nil {
			return err
		}
		defer recorder.Close()

		s.AcceptBusHook(recorder)
		a.logger.Printf("recording bus transactions to %s", recorder.Path())
	}

	a.logger.Printf("running %d cores, %d requests each, policy %s",
		cfg.NumCores, o.requests, cfg.WritebackPolicy)

	stop, err := startCPUProfile(o.cpuProf)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.Run()
	elapsed := time.Since(start)
	stop()

	if err != nil {
		return fmt.Errorf("cycle %d: %w", s.Cycle(), err)
	}

	a.logger.Printf("simulated %d cycles in %v (%.0f cycles/s)",
		s.Cycle(), elapsed, float64(s.Cycle())/elapsed.Seconds())

	if err := writeHeapProfile(o.memProf); err != nil {
		return err
	}

	report := perf.Collect(s)

	flushed, err := s.Flush()
	if err != nil {
		return err
	}

	if s.Checker != nil {
		if err := s.Checker.VerifyMemory(); err != nil {
			return err
		}
		a.logger.Printf("invariants held for %d cycles, %d lines flushed",
			s.Checker.Checks(), flushed)
	}

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			return err
		}
		if err := recorder.Err(); err != nil {
			return err
		}
	}

	metrics := report.Metrics()
	if err := metrics.WriteTable(a.out); err != nil {
		return err
	}

	if o.dump != "" {
		if err := writeDump(o.dump, report); err != nil {
			return err
		}
	}

	if o.csv != "" {
		if err := perf.AppendCSV(o.csv, metrics); err != nil {
			return err
		}
	}

	return nil
}

func writeDump(path string, r perf.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create perf dump: %w", err)
	}
	defer f.Close()

	if err := r.WriteDump(f); err != nil {
		return fmt.Errorf("failed to write perf dump: %w", err)
	}

	return f.Close()
}
