package perf

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
)

// Rate is a ratio that is undefined when its denominator is zero.
type Rate struct {
	Value float64
	Valid bool
}

func ratio(n, d uint64) Rate {
	if d == 0 {
		return Rate{}
	}

	return Rate{Value: float64(n) / float64(d), Valid: true}
}

// String formats the rate with four decimals, N/A when undefined.
func (r Rate) String() string {
	if !r.Valid {
		return "N/A"
	}

	return fmt.Sprintf("%.4f", r.Value)
}

func (r Rate) csv() string {
	if !r.Valid {
		return ""
	}

	return strconv.FormatFloat(r.Value, 'g', -1, 64)
}

// Metrics are the rates derived from a Report.
type Metrics struct {
	Report Report

	CacheHitRate      Rate
	CacheMissRate     Rate
	CoherencyMissRate Rate
	BusUtilization    Rate
}

// Metrics derives the rate metrics. The coherency miss rate is the number
// of invalidations per read.
func (r Report) Metrics() Metrics {
	accesses := r.TotalReads + r.TotalWrites

	m := Metrics{
		Report:            r,
		CacheHitRate:      ratio(r.ReadHits+r.WriteHits, accesses),
		CacheMissRate:     ratio(r.ReadMisses+r.WriteMisses, accesses),
		CoherencyMissRate: ratio(r.CoherencyInvalidates, r.TotalReads),
	}

	if r.HasBusBusy {
		m.BusUtilization = ratio(r.CyclesBusBusy, r.Cycles)
	}

	return m
}

// WriteTable prints the counters and rates as a two-column table.
func (m Metrics) WriteTable(w io.Writer) error {
	r := m.Report
	rule := "--------------------------------------"

	rows := []struct {
		name  string
		value string
		skip  bool
	}{
		{"total_reads", fmt.Sprint(r.TotalReads), false},
		{"read_hits", fmt.Sprint(r.ReadHits), false},
		{"read_misses", fmt.Sprint(r.ReadMisses), false},
		{"total_writes", fmt.Sprint(r.TotalWrites), false},
		{"write_hits", fmt.Sprint(r.WriteHits), false},
		{"write_misses", fmt.Sprint(r.WriteMisses), false},
		{"coherency_invalidates", fmt.Sprint(r.CoherencyInvalidates), false},
		{"cycles", fmt.Sprint(r.Cycles), false},
		{"cycles_bus_busy", fmt.Sprint(r.CyclesBusBusy), !r.HasBusBusy},
		{rule, "", false},
		{"cache_hit_rate", m.CacheHitRate.String(), false},
		{"cache_miss_rate", m.CacheMissRate.String(), false},
		{"coherency_miss_rate", m.CoherencyMissRate.String(), false},
		{"bus_utilization", m.BusUtilization.String(), false},
	}

	if _, err := fmt.Fprintf(w, "%-28s %s\n%s\n", "Metric", "Value", rule); err != nil {
		return err
	}

	for _, row := range rows {
		if row.skip {
			continue
		}

		var err error
		if row.name == rule {
			_, err = fmt.Fprintln(w, rule)
		} else {
			_, err = fmt.Fprintf(w, "%-27s %s\n", row.name, row.value)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// CSVHeader is the column order of AppendCSV.
var CSVHeader = []string{
	"total_reads", "read_hits", "read_misses",
	"total_writes", "write_hits", "write_misses",
	"coherency_invalidates", "cycles", "cycles_bus_busy",
	"cache_hit_rate", "cache_miss_rate",
	"coherency_miss_rate", "bus_utilization",
}

func (m Metrics) csvRow() []string {
	r := m.Report

	busy := ""
	if r.HasBusBusy {
		busy = strconv.FormatUint(r.CyclesBusBusy, 10)
	}

	u := func(v uint64) string { return strconv.FormatUint(v, 10) }

	return []string{
		u(r.TotalReads), u(r.ReadHits), u(r.ReadMisses),
		u(r.TotalWrites), u(r.WriteHits), u(r.WriteMisses),
		u(r.CoherencyInvalidates), u(r.Cycles), busy,
		m.CacheHitRate.csv(), m.CacheMissRate.csv(),
		m.CoherencyMissRate.csv(), m.BusUtilization.csv(),
	}
}

// AppendCSV appends one row to the CSV file at path, writing the header
// first when the file does not exist yet.
func AppendCSV(path string, m Metrics) error {
	_, err := os.Stat(path)
	writeHeader := errors.Is(err, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open metrics csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(CSVHeader); err != nil {
			return fmt.Errorf("failed to write metrics csv: %w", err)
		}
	}

	if err := w.Write(m.csvRow()); err != nil {
		return fmt.Errorf("failed to write metrics csv: %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write metrics csv: %w", err)
	}

	return nil
}
