package system

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/moesisim/timing/bus"
	"github.com/sarchlab/moesisim/timing/cache"
	"github.com/sarchlab/moesisim/timing/checker"
	"github.com/sarchlab/moesisim/timing/config"
	"github.com/sarchlab/moesisim/timing/controller"
	"github.com/sarchlab/moesisim/timing/core"
	"github.com/sarchlab/moesisim/timing/memory"
)

// A Builder can build a System.
type Builder struct {
	engine    sim.Engine
	config    *config.SystemConfig
	sources   []core.Source
	maxCycles uint64
}

// MakeBuilder returns a Builder for the default machine.
func MakeBuilder() Builder {
	return Builder{
		config:    config.DefaultSystemConfig(),
		maxCycles: 1_000_000,
	}
}

// WithEngine sets the event engine that drives System.Run. A serial engine
// is created if none is given.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithConfig sets the machine configuration.
func (b Builder) WithConfig(c *config.SystemConfig) Builder {
	b.config = c.Clone()
	return b
}

// WithNumCores overrides the number of cores.
func (b Builder) WithNumCores(n int) Builder {
	b.config = b.config.Clone()
	b.config.NumCores = n
	return b
}

// WithSources sets the request source of each core. Missing sources leave
// the core idle.
func (b Builder) WithSources(sources ...core.Source) Builder {
	b.sources = sources
	return b
}

// WithMaxCycles bounds System.Run.
func (b Builder) WithMaxCycles(n uint64) Builder {
	b.maxCycles = n
	return b
}

// Build creates the machine. The name must be a valid component name, such
// as "Machine".
func (b Builder) Build(name string) (*System, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid system config: %w", err)
	}

	if len(b.sources) > b.config.NumCores {
		return nil, fmt.Errorf("%d sources for %d cores",
			len(b.sources), b.config.NumCores)
	}

	engine := b.engine
	if engine == nil {
		engine = sim.NewSerialEngine()
	}

	s := &System{
		config:    b.config.Clone(),
		engine:    engine,
		maxCycles: b.maxCycles,
	}
	s.TickingComponent = sim.NewTickingComponent(
		name, engine, sim.Freq(b.config.FrequencyGHz)*sim.GHz, s)

	s.Storage = memory.NewStorage()
	s.Memory = memory.NewFixedLatencyResponder(s.Storage, b.config.MemoryLatency)
	s.Bus = bus.New(
		b.config.NumCores,
		b.config.BlockSize,
		s.Memory,
		bus.WithWritebackPolicy(b.config.Policy()),
		bus.WithMemoryTimeout(b.config.MemoryLatency, b.config.MemoryTimeoutSlack),
	)

	stores := make([]*cache.Store, b.config.NumCores)
	for i := 0; i < b.config.NumCores; i++ {
		stores[i] = cache.NewStore(b.config.CacheConfig())

		ctrl := controller.New(i, stores[i], s.Bus)
		s.Bus.Attach(i, ctrl)
		s.Controllers = append(s.Controllers, ctrl)

		var src core.Source
		if i < len(b.sources) {
			src = b.sources[i]
		}
		s.Cores = append(s.Cores, core.NewCore(i, ctrl, src))
	}

	if b.config.CheckInvariants {
		s.Checker = checker.New(stores, s.Storage, s.Bus)
		for _, ctrl := range s.Controllers {
			ctrl.AcceptHook(s.Checker)
		}
	}

	return s, nil
}
