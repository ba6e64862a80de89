// Package system assembles cores, caches, the coherency bus and main memory
// into a machine and runs it cycle by cycle.
package system

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/moesisim/timing/bus"
	"github.com/sarchlab/moesisim/timing/checker"
	"github.com/sarchlab/moesisim/timing/coherence"
	"github.com/sarchlab/moesisim/timing/config"
	"github.com/sarchlab/moesisim/timing/controller"
	"github.com/sarchlab/moesisim/timing/core"
	"github.com/sarchlab/moesisim/timing/memory"
)

// System is a multi-core machine with private MOESI caches on a snooping
// bus.
type System struct {
	*sim.TickingComponent

	Storage     *memory.Storage
	Memory      *memory.FixedLatencyResponder
	Bus         *bus.Bus
	Controllers []*controller.Controller
	Cores       []*core.Core
	// Checker is nil when invariant checking is disabled.
	Checker *checker.Checker

	config    *config.SystemConfig
	engine    sim.Engine
	maxCycles uint64

	cycle uint64
	err   error
}

// Config returns the machine configuration.
func (s *System) Config() *config.SystemConfig {
	return s.config
}

// Cycle returns the number of cycles simulated.
func (s *System) Cycle() uint64 {
	return s.cycle
}

// Err returns the violation that stopped the machine, if any.
func (s *System) Err() error {
	return s.err
}

// Engine returns the event engine used by Run.
func (s *System) Engine() sim.Engine {
	return s.engine
}

// AcceptBusHook registers a hook on the bus.
func (s *System) AcceptBusHook(h sim.Hook) {
	s.Bus.AcceptHook(h)
}

// AcceptCacheHook registers a hook on every cache controller.
func (s *System) AcceptCacheHook(h sim.Hook) {
	for _, c := range s.Controllers {
		c.AcceptHook(h)
	}
}

// StateOf returns the state of a line in every cache, indexed by core.
func (s *System) StateOf(addr uint64) []coherence.State {
	states := make([]coherence.State, len(s.Controllers))
	for i, c := range s.Controllers {
		states[i] = c.StateOf(addr)
	}

	return states
}

// Quiescent returns true when no request is in flight anywhere.
func (s *System) Quiescent() bool {
	if !s.Bus.Idle() {
		return false
	}

	for _, c := range s.Controllers {
		if c.Busy() {
			return false
		}
	}

	for _, c := range s.Cores {
		if c.InFlight() > 0 {
			return false
		}
	}

	return true
}

// Done returns true when every core has finished its work and the machine
// is quiescent.
func (s *System) Done() bool {
	for _, c := range s.Cores {
		if !c.Done() {
			return false
		}
	}

	return s.Quiescent()
}

// Step simulates one cycle: the bus first, then the controllers, then the
// checker on the stable state, then the CPU stubs. It returns false once the
// machine has stopped on an error.
func (s *System) Step() bool {
	if s.err != nil {
		return false
	}

	s.cycle++

	if err := s.step(s.cycle); err != nil {
		s.err = err
		return false
	}

	return true
}

func (s *System) step(cycle uint64) error {
	if _, err := s.Bus.Tick(cycle); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	for _, c := range s.Controllers {
		if _, err := c.Tick(cycle); err != nil {
			return fmt.Errorf("%s: %w", c.Name(), err)
		}
	}

	if s.Checker != nil {
		if err := s.Checker.Check(cycle); err != nil {
			return fmt.Errorf("checker: %w", err)
		}
	}

	for _, c := range s.Cores {
		if _, err := c.Tick(cycle); err != nil {
			return err
		}
	}

	return nil
}

// RunCycles simulates n cycles or until an error stops the machine.
func (s *System) RunCycles(n uint64) error {
	for i := uint64(0); i < n; i++ {
		if !s.Step() {
			break
		}
	}

	return s.err
}

// RunUntilDone simulates until every core is done, at most limit cycles. It
// returns the number of cycles simulated by this call.
func (s *System) RunUntilDone(limit uint64) (uint64, error) {
	start := s.cycle

	for !s.Done() {
		if s.cycle-start >= limit {
			return s.cycle - start, fmt.Errorf(
				"machine still busy after %d cycles", limit)
		}

		if !s.Step() {
			break
		}
	}

	return s.cycle - start, s.err
}

// Tick advances the machine by one cycle when driven by the event engine.
func (s *System) Tick() bool {
	if s.Done() || s.cycle >= s.maxCycles {
		return false
	}

	return s.Step()
}

// Run drives the machine on its event engine until every core is done, an
// error occurs, or the cycle bound is reached.
func (s *System) Run() error {
	s.TickLater()

	if err := s.engine.Run(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if s.err == nil && !s.Done() {
		return fmt.Errorf("machine still busy after %d cycles", s.cycle)
	}

	return s.err
}

// Flush writes every dirty line back to memory and empties the caches. The
// machine must be quiescent.
func (s *System) Flush() (int, error) {
	if !s.Quiescent() {
		return 0, fmt.Errorf("flush: machine is not quiescent")
	}

	total := 0
	for _, c := range s.Controllers {
		n, err := c.Flush(s.Storage.Write)
		if err != nil {
			return total, err
		}

		total += n
	}

	return total, nil
}

// Preload writes data directly into main memory. It must not overlap lines
// held by any cache.
func (s *System) Preload(addr uint64, data []byte) {
	s.Storage.Write(addr, data)
}
