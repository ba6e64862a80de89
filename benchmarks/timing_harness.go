// Package benchmarks runs named sharing workloads on the coherence model and
// reports their cost.
package benchmarks

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/xid"

	"github.com/sarchlab/moesisim/timing/config"
	"github.com/sarchlab/moesisim/timing/core"
	"github.com/sarchlab/moesisim/timing/perf"
	"github.com/sarchlab/moesisim/timing/system"
)

// BenchmarkResult holds the results of a single workload run.
type BenchmarkResult struct {
	// Name identifies the workload
	Name string `json:"name"`

	// Description explains the sharing pattern
	Description string `json:"description"`

	Cores int `json:"cores"`

	// SimulatedCycles is the cycle at which every core finished
	SimulatedCycles uint64 `json:"simulated_cycles"`

	// Requests is the number of completed CPU requests
	Requests uint64 `json:"requests"`

	HitRate        float64 `json:"hit_rate"`
	AverageLatency float64 `json:"average_latency"`
	MaxLatency     uint64  `json:"max_latency"`

	// BusTransactions counts Read, ReadExclusive and Upgrade transactions
	BusTransactions uint64 `json:"bus_transactions"`
	Upgrades        uint64 `json:"upgrades"`
	CacheToCache    uint64 `json:"cache_to_cache"`
	MemoryReads     uint64 `json:"memory_reads"`
	MemoryWrites    uint64 `json:"memory_writes"`
	Invalidations   uint64 `json:"invalidations"`
	BusUtilization  float64 `json:"bus_utilization"`

	// FlushedLines is the number of dirty lines written back after the run
	FlushedLines int `json:"flushed_lines"`

	// Checks is the number of cycles the invariant checker inspected
	Checks uint64 `json:"checks"`

	// Error is set when the run stopped on a violation or did not finish
	Error string `json:"error,omitempty"`

	// WallTime is the actual time taken to run the simulation
	WallTime time.Duration `json:"wall_time_ns"`
}

// Passed reports whether the run finished cleanly.
func (r BenchmarkResult) Passed() bool {
	return r.Error == ""
}

// Benchmark defines a single workload.
type Benchmark struct {
	// Name identifies the workload
	Name string

	// Description explains the sharing pattern
	Description string

	// Sources builds one request source per core.
	Sources func(c *config.SystemConfig, ops int) []core.Source
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// System is the machine every workload runs on. Invariant checking is
	// always enabled.
	System *config.SystemConfig

	// Ops is the per-core operation count of each workload.
	Ops int

	// CycleLimit bounds each run.
	CycleLimit uint64

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	// Verbose enables detailed output
	Verbose bool
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	return HarnessConfig{
		System:     config.DefaultSystemConfig(),
		Ops:        200,
		CycleLimit: 1_000_000,
		Output:     os.Stdout,
	}
}

// Harness runs workloads and reports results.
type Harness struct {
	config     HarnessConfig
	benchmarks []Benchmark
}

// NewHarness creates a new benchmark harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Harness{
		config:     config,
		benchmarks: []Benchmark{},
	}
}

// AddBenchmark adds a benchmark to the harness.
func (h *Harness) AddBenchmark(b Benchmark) {
	h.benchmarks = append(h.benchmarks, b)
}

// AddBenchmarks adds multiple benchmarks to the harness.
func (h *Harness) AddBenchmarks(benchmarks []Benchmark) {
	h.benchmarks = append(h.benchmarks, benchmarks...)
}

// RunAll executes all benchmarks and returns results.
func (h *Harness) RunAll() []BenchmarkResult {
	results := make([]BenchmarkResult, 0, len(h.benchmarks))

	for _, bench := range h.benchmarks {
		result := h.runBenchmark(bench)
		if h.config.Verbose {
			_, _ = fmt.Fprintf(h.config.Output, "ran %s: %d cycles\n",
				result.Name, result.SimulatedCycles)
		}
		results = append(results, result)
	}

	return results
}

func (h *Harness) runBenchmark(bench Benchmark) BenchmarkResult {
	cfg := h.config.System.Clone()
	cfg.CheckInvariants = true

	result := BenchmarkResult{
		Name:        bench.Name,
		Description: bench.Description,
		Cores:       cfg.NumCores,
	}

	s, err := system.MakeBuilder().
		WithConfig(cfg).
		WithSources(bench.Sources(cfg, h.config.Ops)...).
		Build("Machine")
	if err != nil {
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	_, err = s.RunUntilDone(h.config.CycleLimit)
	result.WallTime = time.Since(start)

	if err == nil {
		result.FlushedLines, err = s.Flush()
	}

	if err == nil {
		err = s.Checker.VerifyMemory()
	}

	if err != nil {
		result.Error = err.Error()
	}

	h.fill(&result, s)

	return result
}

func (h *Harness) fill(r *BenchmarkResult, s *system.System) {
	report := perf.Collect(s)

	var hits, totalLatency uint64
	for _, c := range s.Cores {
		st := c.Stats()
		r.Requests += st.Completed
		hits += st.Hits
		totalLatency += st.TotalLatency
		r.MaxLatency = max(r.MaxLatency, st.MaxLatency)
	}

	if r.Requests > 0 {
		r.HitRate = float64(hits) / float64(r.Requests)
		r.AverageLatency = float64(totalLatency) / float64(r.Requests)
	}

	r.SimulatedCycles = report.Cycles
	r.BusTransactions = report.BusReads + report.BusReadExclusives +
		report.BusUpgrades
	r.Upgrades = report.BusUpgrades
	r.CacheToCache = report.CacheToCache
	r.MemoryReads = report.MemoryReads
	r.MemoryWrites = report.MemoryWrites
	r.Invalidations = report.CoherencyInvalidates
	r.BusUtilization = report.Metrics().BusUtilization.Value
	r.Checks = s.Checker.Checks()
}

// PrintResults outputs benchmark results in a human-readable format.
func (h *Harness) PrintResults(results []BenchmarkResult) {
	w := h.config.Output

	_, _ = fmt.Fprintln(w, "=== Coherence Benchmark Results ===")
	_, _ = fmt.Fprintln(w, "")

	for _, r := range results {
		_, _ = fmt.Fprintf(w, "Benchmark: %s\n", r.Name)
		_, _ = fmt.Fprintf(w, "  Description: %s\n", r.Description)
		_, _ = fmt.Fprintf(w, "  Cores:            %d\n", r.Cores)
		_, _ = fmt.Fprintf(w, "  Simulated Cycles: %d\n", r.SimulatedCycles)
		_, _ = fmt.Fprintf(w, "  Requests:         %d\n", r.Requests)
		_, _ = fmt.Fprintf(w, "  Hit Rate:         %.3f\n", r.HitRate)
		_, _ = fmt.Fprintf(w, "  Avg Latency:      %.2f\n", r.AverageLatency)
		_, _ = fmt.Fprintf(w, "  Max Latency:      %d\n", r.MaxLatency)
		_, _ = fmt.Fprintln(w, "  --- Bus ---")
		_, _ = fmt.Fprintf(w, "  Transactions:     %d\n", r.BusTransactions)
		_, _ = fmt.Fprintf(w, "  Upgrades:         %d\n", r.Upgrades)
		_, _ = fmt.Fprintf(w, "  Cache-to-Cache:   %d\n", r.CacheToCache)
		_, _ = fmt.Fprintf(w, "  Memory Reads:     %d\n", r.MemoryReads)
		_, _ = fmt.Fprintf(w, "  Memory Writes:    %d\n", r.MemoryWrites)
		_, _ = fmt.Fprintf(w, "  Invalidations:    %d\n", r.Invalidations)
		_, _ = fmt.Fprintf(w, "  Utilization:      %.3f\n", r.BusUtilization)

		if r.Error != "" {
			_, _ = fmt.Fprintf(w, "  ERROR: %s\n", r.Error)
		}

		_, _ = fmt.Fprintf(w, "  Wall Time: %v\n", r.WallTime)
		_, _ = fmt.Fprintln(w, "")
	}
}

// PrintCSV outputs benchmark results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []BenchmarkResult) {
	_, _ = fmt.Fprintln(h.config.Output,
		"name,cores,cycles,requests,hit_rate,avg_latency,bus_transactions,upgrades,cache_to_cache,memory_reads,memory_writes,invalidations,bus_utilization,passed")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%d,%d,%d,%.4f,%.2f,%d,%d,%d,%d,%d,%d,%.4f,%t\n",
			r.Name,
			r.Cores,
			r.SimulatedCycles,
			r.Requests,
			r.HitRate,
			r.AverageLatency,
			r.BusTransactions,
			r.Upgrades,
			r.CacheToCache,
			r.MemoryReads,
			r.MemoryWrites,
			r.Invalidations,
			r.BusUtilization,
			r.Passed(),
		)
	}
}

// BenchmarkReport is the JSON document written by PrintJSON.
type BenchmarkReport struct {
	Metadata ReportMetadata    `json:"metadata"`
	Results  []BenchmarkResult `json:"results"`
	Summary  ReportSummary     `json:"summary"`
}

// ReportMetadata identifies a harness run.
type ReportMetadata struct {
	RunID     string               `json:"run_id"`
	Timestamp string               `json:"timestamp"`
	Config    *config.SystemConfig `json:"config"`
	Ops       int                  `json:"ops_per_core"`
}

// ReportSummary aggregates the results.
type ReportSummary struct {
	TotalBenchmarks int           `json:"total_benchmarks"`
	Failed          int           `json:"failed"`
	TotalCycles     uint64        `json:"total_cycles"`
	TotalRequests   uint64        `json:"total_requests"`
	TotalWallTime   time.Duration `json:"total_wall_time_ns"`
}

// PrintJSON outputs benchmark results as an indented JSON report.
func (h *Harness) PrintJSON(results []BenchmarkResult) error {
	report := BenchmarkReport{
		Metadata: ReportMetadata{
			RunID:     xid.New().String(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Config:    h.config.System,
			Ops:       h.config.Ops,
		},
		Results: results,
	}

	for _, r := range results {
		report.Summary.TotalBenchmarks++
		if !r.Passed() {
			report.Summary.Failed++
		}
		report.Summary.TotalCycles += r.SimulatedCycles
		report.Summary.TotalRequests += r.Requests
		report.Summary.TotalWallTime += r.WallTime
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
