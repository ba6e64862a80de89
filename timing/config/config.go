// Package config holds the machine configuration of a simulation run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/sarchlab/moesisim/timing/bus"
	"github.com/sarchlab/moesisim/timing/cache"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "MOESISIM_"

// SystemConfig describes the simulated machine.
type SystemConfig struct {
	// NumCores is the number of cores, each with a private cache.
	// Default: 4.
	NumCores int `json:"num_cores"`

	// NumSets is the number of sets per cache. Default: 16.
	NumSets int `json:"num_sets"`

	// Associativity is the number of ways per set. Default: 4.
	Associativity int `json:"associativity"`

	// BlockSize is the line size in bytes. Default: 64.
	BlockSize int `json:"block_size"`

	// MemoryLatency is the main memory response latency in cycles.
	// Default: 4 cycles.
	MemoryLatency uint64 `json:"memory_latency"`

	// MemoryTimeoutSlack is how many cycles past MemoryLatency the bus
	// waits before declaring a memory request lost. Default: 16 cycles.
	MemoryTimeoutSlack uint64 `json:"memory_timeout_slack"`

	// WritebackPolicy is "evict" (write back only on eviction) or
	// "handoff" (also write back whenever an owner supplies dirty data).
	WritebackPolicy string `json:"writeback_policy"`

	// CheckInvariants enables the per-cycle coherence checker.
	CheckInvariants bool `json:"check_invariants"`

	// FrequencyGHz is the clock of the ticking components when the machine
	// runs on the event engine. Default: 1 GHz.
	FrequencyGHz float64 `json:"frequency_ghz"`
}

// DefaultSystemConfig returns the default 4-core machine.
func DefaultSystemConfig() *SystemConfig {
	c := cache.DefaultConfig()

	return &SystemConfig{
		NumCores:           4,
		NumSets:            c.NumSets,
		Associativity:      c.Associativity,
		BlockSize:          c.BlockSize,
		MemoryLatency:      4,
		MemoryTimeoutSlack: bus.DefaultTimeoutSlack,
		WritebackPolicy:    string(bus.WritebackOnEvict),
		CheckInvariants:    true,
		FrequencyGHz:       1,
	}
}

// LoadConfig loads a SystemConfig from a JSON file. Fields missing from the
// file keep their defaults.
func LoadConfig(path string) (*SystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read system config file: %w", err)
	}

	config := DefaultSystemConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse system config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a SystemConfig to a JSON file.
func (c *SystemConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize system config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write system config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration describes a usable machine.
func (c *SystemConfig) Validate() error {
	if c.NumCores <= 0 {
		return fmt.Errorf("num_cores must be > 0")
	}
	if err := c.CacheConfig().Validate(); err != nil {
		return err
	}
	if c.MemoryLatency == 0 {
		return fmt.Errorf("memory_latency must be > 0")
	}
	if c.FrequencyGHz <= 0 {
		return fmt.Errorf("frequency_ghz must be > 0")
	}

	switch bus.WritebackPolicy(c.WritebackPolicy) {
	case bus.WritebackOnEvict, bus.WritebackOnHandoff:
	default:
		return fmt.Errorf("writeback_policy must be %q or %q, got %q",
			bus.WritebackOnEvict, bus.WritebackOnHandoff, c.WritebackPolicy)
	}

	return nil
}

// CacheConfig returns the geometry of each private cache.
func (c *SystemConfig) CacheConfig() cache.Config {
	return cache.Config{
		NumSets:       c.NumSets,
		Associativity: c.Associativity,
		BlockSize:     c.BlockSize,
	}
}

// Policy returns the bus write-back policy.
func (c *SystemConfig) Policy() bus.WritebackPolicy {
	return bus.WritebackPolicy(c.WritebackPolicy)
}

// Clone returns a copy of the SystemConfig.
func (c *SystemConfig) Clone() *SystemConfig {
	clone := *c
	return &clone
}

// ApplyEnv overrides fields from MOESISIM_* environment variables, e.g.
// MOESISIM_NUM_CORES=8 or MOESISIM_WRITEBACK_POLICY=handoff.
func (c *SystemConfig) ApplyEnv() error {
	ints := map[string]*int{
		"NUM_CORES":     &c.NumCores,
		"NUM_SETS":      &c.NumSets,
		"ASSOCIATIVITY": &c.Associativity,
		"BLOCK_SIZE":    &c.BlockSize,
	}
	for name, field := range ints {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*field = n
		}
	}

	uints := map[string]*uint64{
		"MEMORY_LATENCY":       &c.MemoryLatency,
		"MEMORY_TIMEOUT_SLACK": &c.MemoryTimeoutSlack,
	}
	for name, field := range uints {
		if v, ok := lookup(name); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*field = n
		}
	}

	if v, ok := lookup("WRITEBACK_POLICY"); ok {
		c.WritebackPolicy = v
	}

	if v, ok := lookup("CHECK_INVARIANTS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sCHECK_INVARIANTS: %w", EnvPrefix, err)
		}
		c.CheckInvariants = b
	}

	if v, ok := lookup("FREQUENCY_GHZ"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %sFREQUENCY_GHZ: %w", EnvPrefix, err)
		}
		c.FrequencyGHz = f
	}

	return nil
}

func lookup(name string) (string, bool) {
	return os.LookupEnv(EnvPrefix + name)
}
