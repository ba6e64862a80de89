// Package checker verifies the coherence invariants of a running machine on
// every stable cycle and checks CPU-visible values against a golden byte
// model.
package checker

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/moesisim/timing/cache"
	"github.com/sarchlab/moesisim/timing/coherence"
	"github.com/sarchlab/moesisim/timing/controller"
	"github.com/sarchlab/moesisim/timing/memory"
)

// BusTracker reports the lines the bus is still working on.
type BusTracker interface {
	// PendingWrite reports a memory write to the line not yet completed.
	PendingWrite(addr uint64) bool
	// InFlight reports a granted transaction on the line not yet completed.
	InFlight(addr uint64) bool
}

// Checker inspects every private cache and main memory.
type Checker struct {
	stores  []*cache.Store
	memory  memory.BackingStore
	bus     BusTracker
	golden  map[uint64]byte
	failure error

	checks uint64
}

// New creates a checker over the stores of every core, indexed by core.
func New(
	stores []*cache.Store,
	mem memory.BackingStore,
	bus BusTracker,
) *Checker {
	return &Checker{
		stores: stores,
		memory: mem,
		bus:    bus,
		golden: make(map[uint64]byte),
	}
}

// Checks returns the number of cycles checked.
func (c *Checker) Checks() uint64 {
	return c.checks
}

// Func observes controller responses and keeps the golden model. It
// implements sim.Hook.
func (c *Checker) Func(ctx sim.HookCtx) {
	if ctx.Pos != controller.HookPosResponse || c.failure != nil {
		return
	}

	rsp, ok := ctx.Item.(controller.Response)
	if !ok {
		return
	}

	core := coherence.NoCore
	if ctrl, ok := ctx.Domain.(*controller.Controller); ok {
		core = ctrl.ID()
	}

	if rsp.Kind == controller.Write {
		c.recordWrite(rsp)
		return
	}

	if want := c.expected(rsp.Address, rsp.Size); want != rsp.Data {
		c.failure = coherence.NewViolation(
			coherence.ErrInvariantViolation,
			core,
			rsp.Address,
			fmt.Sprintf("read returned 0x%X, last write was 0x%X",
				rsp.Data, want),
		).AtCycle(rsp.DoneCycle)
	}
}

func (c *Checker) recordWrite(rsp controller.Response) {
	for i := 0; i < rsp.Size; i++ {
		c.golden[rsp.Address+uint64(i)] = byte(rsp.Data >> (8 * i))
	}
}

func (c *Checker) expected(addr uint64, size int) uint64 {
	var v uint64

	for i := 0; i < size; i++ {
		a := addr + uint64(i)

		b, ok := c.golden[a]
		if !ok {
			b = c.memory.Read(a, 1)[0]
			c.golden[a] = b
		}

		v |= uint64(b) << (8 * i)
	}

	return v
}

type copyOf struct {
	core  int
	state coherence.State
	data  []byte
}

// Check verifies the invariants of a stable cycle. It returns the first
// violation found, including one latched from a response.
func (c *Checker) Check(cycle uint64) error {
	if c.failure != nil {
		return c.failure
	}

	c.checks++

	lines := make(map[uint64][]copyOf)
	for core, s := range c.stores {
		s.ForEachValid(func(l *cache.Line) {
			lines[l.Address()] = append(lines[l.Address()], copyOf{
				core:  core,
				state: l.State(),
				data:  l.Data(),
			})
		})
	}

	addrs := make([]uint64, 0, len(lines))
	for a := range lines {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		if err := c.checkLine(addr, lines[addr]); err != nil {
			c.failure = err.AtCycle(cycle)
			return c.failure
		}
	}

	return nil
}

func (c *Checker) checkLine(addr uint64, copies []copyOf) *coherence.ViolationError {
	states := make([]coherence.State, len(c.stores))
	count := map[coherence.State]int{}

	for _, cp := range copies {
		states[cp.core] = cp.state
		count[cp.state]++
	}

	fail := func(detail string) *coherence.ViolationError {
		return coherence.NewViolation(coherence.ErrInvariantViolation,
			coherence.NoCore, addr, detail, states...)
	}

	switch {
	case count[coherence.Modified] > 1:
		return fail("more than one Modified copy")
	case count[coherence.Owned] > 1:
		return fail("more than one Owned copy")
	case count[coherence.Exclusive] > 1:
		return fail("more than one Exclusive copy")
	case count[coherence.Modified] == 1 && len(copies) > 1:
		return fail("Modified copy is not the only copy")
	case count[coherence.Exclusive] == 1 && len(copies) > 1:
		return fail("Exclusive copy is not the only copy")
	}

	for _, cp := range copies[1:] {
		if !bytes.Equal(cp.data, copies[0].data) {
			return fail(fmt.Sprintf("cores %d and %d hold different data",
				copies[0].core, cp.core))
		}
	}

	// An Upgrade drops the owner at grant while the requester stays Shared
	// until completion, so memory may lag for that line until then.
	dirty := count[coherence.Modified] + count[coherence.Owned]
	if dirty > 0 || c.bus.PendingWrite(addr) || c.bus.InFlight(addr) {
		return nil
	}

	mem := c.memory.Read(addr, len(copies[0].data))
	if !bytes.Equal(mem, copies[0].data) {
		return fail("clean copies differ from memory")
	}

	return nil
}

// VerifyMemory checks that memory agrees with every value written through
// the caches. Call it after the caches have been flushed.
func (c *Checker) VerifyMemory() error {
	addrs := make([]uint64, 0, len(c.golden))
	for a := range c.golden {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, a := range addrs {
		if got := c.memory.Read(a, 1)[0]; got != c.golden[a] {
			return coherence.NewViolation(
				coherence.ErrInvariantViolation,
				coherence.NoCore,
				a,
				fmt.Sprintf("memory holds 0x%02X, last write was 0x%02X",
					got, c.golden[a]),
			)
		}
	}

	return nil
}
