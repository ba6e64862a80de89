package benchmarks

import (
	"github.com/sarchlab/moesisim/timing/config"
	"github.com/sarchlab/moesisim/timing/core"
	"github.com/sarchlab/moesisim/timing/traffic"
)

const (
	wordSize   = 8
	sharedBase = uint64(0x1000)
	privBase   = uint64(0x100000)
	privStride = uint64(0x10000)
)

// DefaultSeed seeds the random mixed workload of GetMicrobenchmarks.
const DefaultSeed = 42

// GetMicrobenchmarks returns every workload. Each one targets a specific
// sharing pattern.
func GetMicrobenchmarks() []Benchmark {
	return []Benchmark{
		privateData(),
		readSharing(),
		pingPong(),
		producerConsumer(),
		falseSharing(),
		evictionPressure(),
		RandomMixed(DefaultSeed),
	}
}

// GetCoreBenchmarks returns a minimal set for quick validation.
func GetCoreBenchmarks() []Benchmark {
	return []Benchmark{
		privateData(),
		pingPong(),
		falseSharing(),
	}
}

// Lookup finds a workload by name.
func Lookup(name string) (Benchmark, bool) {
	for _, b := range GetMicrobenchmarks() {
		if b.Name == name {
			return b, true
		}
	}

	return Benchmark{}, false
}

func perCore(c *config.SystemConfig, build func(id int) []core.Op) []core.Source {
	sources := make([]core.Source, c.NumCores)
	for id := range sources {
		sources[id] = core.NewScriptSource(build(id)...)
	}

	return sources
}

// 1. Private - every core works on its own lines
func privateData() Benchmark {
	return Benchmark{
		Name:        "private",
		Description: "each core reads and writes 4 private lines - no coherence traffic after warm-up",
		Sources: func(c *config.SystemConfig, ops int) []core.Source {
			return perCore(c, func(id int) []core.Op {
				base := privBase + uint64(id)*privStride
				script := make([]core.Op, 0, ops)
				for i := 0; len(script) < ops; i++ {
					addr := base + uint64(i%4)*uint64(c.BlockSize)
					if i%2 == 0 {
						script = append(script, core.Store(addr, wordSize, uint64(i)))
					} else {
						script = append(script, core.Load(addr, wordSize))
					}
				}
				return script
			})
		},
	}
}

// 2. Read sharing - every core reads the same lines
func readSharing() Benchmark {
	return Benchmark{
		Name:        "read_sharing",
		Description: "all cores read the same 4 lines - Shared copies, memory supplies every miss",
		Sources: func(c *config.SystemConfig, ops int) []core.Source {
			return perCore(c, func(id int) []core.Op {
				script := make([]core.Op, ops)
				for i := range script {
					addr := sharedBase + uint64((i+id)%4)*uint64(c.BlockSize)
					script[i] = core.Load(addr, wordSize)
				}
				return script
			})
		},
	}
}

// 3. Ping-pong - every core writes then reads one word
func pingPong() Benchmark {
	return Benchmark{
		Name:        "ping_pong",
		Description: "all cores write and read one shared word - ownership migrates on every write",
		Sources: func(c *config.SystemConfig, ops int) []core.Source {
			return perCore(c, func(id int) []core.Op {
				script := make([]core.Op, ops)
				for i := range script {
					if i%2 == 0 {
						script[i] = core.Store(sharedBase, wordSize, uint64(id<<32|i))
					} else {
						script[i] = core.Load(sharedBase, wordSize)
					}
				}
				return script
			})
		},
	}
}

// 4. Producer/consumer - core 0 writes a buffer the others read
func producerConsumer() Benchmark {
	return Benchmark{
		Name:        "producer_consumer",
		Description: "core 0 fills an 8-line buffer that the other cores read - Owned lines supply readers",
		Sources: func(c *config.SystemConfig, ops int) []core.Source {
			return perCore(c, func(id int) []core.Op {
				script := make([]core.Op, ops)
				for i := range script {
					addr := sharedBase + uint64(i%8)*uint64(c.BlockSize)
					if id == 0 {
						script[i] = core.Store(addr, wordSize, uint64(i))
					} else {
						script[i] = core.Load(addr, wordSize)
					}
				}
				return script
			})
		},
	}
}

// 5. False sharing - each core writes its own word of one line
func falseSharing() Benchmark {
	return Benchmark{
		Name:        "false_sharing",
		Description: "each core writes a distinct word of the same line - invalidations without true sharing",
		Sources: func(c *config.SystemConfig, ops int) []core.Source {
			words := c.BlockSize / wordSize
			return perCore(c, func(id int) []core.Op {
				addr := sharedBase + uint64((id%words)*wordSize)
				script := make([]core.Op, ops)
				for i := range script {
					script[i] = core.Store(addr, wordSize, uint64(i))
				}
				return script
			})
		},
	}
}

// 6. Eviction pressure - twice the associativity of lines in one set
func evictionPressure() Benchmark {
	return Benchmark{
		Name:        "eviction_pressure",
		Description: "each core cycles through 2x associativity lines of one set - dirty victims are written back",
		Sources: func(c *config.SystemConfig, ops int) []core.Source {
			stride := uint64(c.NumSets * c.BlockSize)
			lines := 2 * c.Associativity
			return perCore(c, func(id int) []core.Op {
				base := privBase + uint64(id)*uint64(lines)*stride
				script := make([]core.Op, ops)
				for i := range script {
					addr := base + uint64(i%lines)*stride
					if (i/lines)%2 == 0 {
						script[i] = core.Store(addr, wordSize, uint64(i))
					} else {
						script[i] = core.Load(addr, wordSize)
					}
				}
				return script
			})
		},
	}
}

// RandomMixed returns seeded random traffic over a small hot set shared by
// every core.
func RandomMixed(seed int64) Benchmark {
	return Benchmark{
		Name:        "random_mixed",
		Description: "seeded random reads and writes over 2 hot lines per core",
		Sources: func(c *config.SystemConfig, ops int) []core.Source {
			t := traffic.DefaultConfig(seed)
			t.BlockSize = c.BlockSize
			t.Lines = traffic.Pool(sharedBase, 2*c.NumCores, uint64(c.BlockSize))
			t.Requests = ops

			sources := make([]core.Source, c.NumCores)
			for id := range sources {
				sources[id] = traffic.NewGenerator(id, t)
			}
			return sources
		},
	}
}
