// Package perf collects the performance counters of a run, reads and writes
// perf dumps, derives rate metrics and records bus transactions into a trace
// database.
package perf

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sarchlab/moesisim/timing/system"
)

// Report holds the counters of one run.
type Report struct {
	TotalReads           uint64
	ReadHits             uint64
	ReadMisses           uint64
	TotalWrites          uint64
	WriteHits            uint64
	WriteMisses          uint64
	CoherencyInvalidates uint64
	Cycles               uint64
	CyclesBusBusy        uint64
	// HasBusBusy is false when a parsed dump carried no cycles_bus_busy.
	HasBusBusy bool

	BusReads          uint64
	BusReadExclusives uint64
	BusUpgrades       uint64
	BusPromotions     uint64
	CacheToCache      uint64
	MemoryReads       uint64
	MemoryWrites      uint64
	Writebacks        uint64

	// Extra holds keys of a parsed dump that have no field.
	Extra map[string]string
}

// Collect gathers the counters of a machine.
func Collect(s *system.System) Report {
	r := Report{
		Cycles:     s.Cycle(),
		HasBusBusy: true,
	}

	for _, c := range s.Controllers {
		st := c.Stats()
		r.TotalReads += st.Reads
		r.ReadHits += st.ReadHits
		r.ReadMisses += st.ReadMisses
		r.TotalWrites += st.Writes
		r.WriteHits += st.WriteHits
		r.WriteMisses += st.WriteMisses
		r.CoherencyInvalidates += st.Invalidations
	}

	b := s.Bus.Stats()
	r.CyclesBusBusy = b.BusyCycles
	r.BusReads = b.Reads
	r.BusReadExclusives = b.ReadExclusives
	r.BusUpgrades = b.Upgrades
	r.BusPromotions = b.Promotions
	r.CacheToCache = b.CacheToCache
	r.MemoryReads = b.MemoryReads
	r.MemoryWrites = b.MemoryWrites
	r.Writebacks = b.Writebacks

	return r
}

type field struct {
	key string
	ptr func(r *Report) *uint64
}

// fields lists the dump keys in dump order.
var fields = []field{
	{"total_reads", func(r *Report) *uint64 { return &r.TotalReads }},
	{"read_hits", func(r *Report) *uint64 { return &r.ReadHits }},
	{"read_misses", func(r *Report) *uint64 { return &r.ReadMisses }},
	{"total_writes", func(r *Report) *uint64 { return &r.TotalWrites }},
	{"write_hits", func(r *Report) *uint64 { return &r.WriteHits }},
	{"write_misses", func(r *Report) *uint64 { return &r.WriteMisses }},
	{"coherency_invalidates", func(r *Report) *uint64 { return &r.CoherencyInvalidates }},
	{"cycles", func(r *Report) *uint64 { return &r.Cycles }},
	{"cycles_bus_busy", func(r *Report) *uint64 { return &r.CyclesBusBusy }},
	{"bus_reads", func(r *Report) *uint64 { return &r.BusReads }},
	{"bus_read_exclusives", func(r *Report) *uint64 { return &r.BusReadExclusives }},
	{"bus_upgrades", func(r *Report) *uint64 { return &r.BusUpgrades }},
	{"bus_promotions", func(r *Report) *uint64 { return &r.BusPromotions }},
	{"cache_to_cache", func(r *Report) *uint64 { return &r.CacheToCache }},
	{"memory_reads", func(r *Report) *uint64 { return &r.MemoryReads }},
	{"memory_writes", func(r *Report) *uint64 { return &r.MemoryWrites }},
	{"writebacks", func(r *Report) *uint64 { return &r.Writebacks }},
}

// WriteDump writes the report as "key = value" lines.
func (r Report) WriteDump(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "# moesisim perf dump"); err != nil {
		return err
	}

	for _, f := range fields {
		if f.key == "cycles_bus_busy" && !r.HasBusBusy {
			continue
		}

		if _, err := fmt.Fprintf(w, "%s = %d\n", f.key, *f.ptr(&r)); err != nil {
			return err
		}
	}

	return nil
}

// ParseDump reads a perf dump. Blank lines, '#' comments and lines without
// '=' are skipped. Missing counters read as zero.
func ParseDump(in io.Reader) (Report, error) {
	r := Report{Extra: make(map[string]string)}

	byKey := make(map[string]field, len(fields))
	for _, f := range fields {
		byKey[f.key] = f
	}

	scanner := bufio.NewScanner(in)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		f, known := byKey[key]
		if !known {
			r.Extra[key] = val
			continue
		}

		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return r, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
		}

		*f.ptr(&r) = n
		if key == "cycles_bus_busy" {
			r.HasBusBusy = true
		}
	}

	if err := scanner.Err(); err != nil {
		return r, fmt.Errorf("failed to read perf dump: %w", err)
	}

	return r, nil
}
