// Package traffic generates seeded pseudo-random CPU traffic for stress runs.
package traffic

import (
	"fmt"
	"math/rand"

	"github.com/sarchlab/moesisim/timing/controller"
	"github.com/sarchlab/moesisim/timing/core"
)

// Config shapes the traffic of one core.
type Config struct {
	// Seed seeds the generator. Cores derive their own streams from it.
	Seed int64
	// ReadRatio is the fraction of requests that are reads.
	ReadRatio float64
	// IssueProbability is the chance of issuing in a cycle the core could.
	IssueProbability float64
	// Lines are the line addresses the traffic touches.
	Lines []uint64
	// BlockSize is the line size in bytes.
	BlockSize int
	// WordSize is the access size in bytes.
	WordSize int
	// Requests is the request budget per core. Zero means unlimited.
	Requests int
}

// DefaultConfig returns a read-mostly mix over 8 hot lines of 64 bytes.
func DefaultConfig(seed int64) Config {
	return Config{
		Seed:             seed,
		ReadRatio:        0.7,
		IssueProbability: 0.5,
		Lines:            Pool(0x1000, 8, 64),
		BlockSize:        64,
		WordSize:         8,
		Requests:         1000,
	}
}

// Pool returns count line addresses starting at base, stride bytes apart.
func Pool(base uint64, count int, stride uint64) []uint64 {
	lines := make([]uint64, count)
	for i := range lines {
		lines[i] = base + uint64(i)*stride
	}

	return lines
}

// Validate checks that the configuration can produce legal requests.
func (c Config) Validate() error {
	if len(c.Lines) == 0 {
		return fmt.Errorf("traffic needs at least one line")
	}
	if c.WordSize <= 0 || c.WordSize > 8 || c.BlockSize%c.WordSize != 0 {
		return fmt.Errorf("word size %d does not tile a %dB line",
			c.WordSize, c.BlockSize)
	}
	if c.ReadRatio < 0 || c.ReadRatio > 1 {
		return fmt.Errorf("read ratio %g is not in [0, 1]", c.ReadRatio)
	}
	if c.IssueProbability <= 0 || c.IssueProbability > 1 {
		return fmt.Errorf("issue probability %g is not in (0, 1]",
			c.IssueProbability)
	}
	for _, l := range c.Lines {
		if l%uint64(c.BlockSize) != 0 {
			return fmt.Errorf("line 0x%X is not %dB aligned", l, c.BlockSize)
		}
	}

	return nil
}

// Generator is a core.Source producing random requests. It never issues on a
// busy path, and never touches a line the other path is fetching.
type Generator struct {
	config Config
	rng    *rand.Rand
	issued int
}

var _ core.Source = (*Generator)(nil)

// NewGenerator creates the generator of core id.
func NewGenerator(id int, config Config) *Generator {
	return &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed*1_000_003 + int64(id))),
	}
}

// Issued returns the number of requests produced so far.
func (g *Generator) Issued() int {
	return g.issued
}

// Done returns true once the request budget is spent.
func (g *Generator) Done() bool {
	return g.config.Requests > 0 && g.issued >= g.config.Requests
}

// Next draws the next request.
func (g *Generator) Next(
	_ uint64,
	_ int,
	view core.View,
) (controller.Request, bool) {
	if g.Done() || g.rng.Float64() >= g.config.IssueProbability {
		return controller.Request{}, false
	}

	kind, other := controller.Read, controller.Write
	if g.rng.Float64() >= g.config.ReadRatio {
		kind, other = controller.Write, controller.Read
	}

	line := g.config.Lines[g.rng.Intn(len(g.config.Lines))]
	words := g.config.BlockSize / g.config.WordSize
	addr := line + uint64(g.rng.Intn(words)*g.config.WordSize)
	data := g.rng.Uint64()

	if !view.CanAccept(kind) {
		return controller.Request{}, false
	}

	if fetching, ok := view.Outstanding(other); ok && fetching == line {
		return controller.Request{}, false
	}

	g.issued++

	req := controller.Request{
		Kind:    kind,
		Address: addr,
		Size:    g.config.WordSize,
	}
	if kind == controller.Write {
		req.Data = data & sizeMask(g.config.WordSize)
	}

	return req, true
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}
