package system

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sarchlab/moesisim/timing/bus"
	"github.com/sarchlab/moesisim/timing/coherence"
	"github.com/sarchlab/moesisim/timing/controller"
	"github.com/sarchlab/moesisim/timing/core"
	"github.com/sarchlab/moesisim/timing/memory"
)

// DefaultOpLimit bounds the cycles a single Do may take.
const DefaultOpLimit = 10_000

// Do runs one access on a core to completion and returns its response. The
// machine must be quiescent.
func (s *System) Do(coreID int, op core.Op) (controller.Response, error) {
	if !s.Quiescent() {
		return controller.Response{}, fmt.Errorf("do: machine is not quiescent")
	}

	c := s.Cores[coreID]
	c.SetSource(core.NewScriptSource(op))

	var rsp controller.Response
	got := false

	for i := 0; i < DefaultOpLimit; i++ {
		if got && s.Quiescent() {
			return rsp, nil
		}

		if !s.Step() {
			return rsp, s.err
		}

		if last := c.LastResponses(); len(last) > 0 {
			rsp = last[len(last)-1]
			got = true
		}
	}

	return rsp, fmt.Errorf("do: core %d %s 0x%X did not complete in %d cycles",
		coreID, op.Kind, op.Address, DefaultOpLimit)
}

// Counters is a snapshot of the traffic counters a scenario checks.
type Counters struct {
	Bus    bus.Stats
	Memory memory.Stats
}

// Snapshot captures the current counters.
func (s *System) Snapshot() Counters {
	return Counters{Bus: s.Bus.Stats(), Memory: s.Memory.Stats()}
}

// Delta returns the counters accumulated since before.
func (c Counters) Delta(before Counters) Counters {
	return Counters{
		Bus: bus.Stats{
			Reads:             c.Bus.Reads - before.Bus.Reads,
			ReadExclusives:    c.Bus.ReadExclusives - before.Bus.ReadExclusives,
			Upgrades:          c.Bus.Upgrades - before.Bus.Upgrades,
			Promotions:        c.Bus.Promotions - before.Bus.Promotions,
			BusyCycles:        c.Bus.BusyCycles - before.Bus.BusyCycles,
			CacheToCache:      c.Bus.CacheToCache - before.Bus.CacheToCache,
			MemoryReads:       c.Bus.MemoryReads - before.Bus.MemoryReads,
			MemoryWrites:      c.Bus.MemoryWrites - before.Bus.MemoryWrites,
			Writebacks:        c.Bus.Writebacks - before.Bus.Writebacks,
			HandoffWritebacks: c.Bus.HandoffWritebacks - before.Bus.HandoffWritebacks,
		},
		Memory: memory.Stats{
			Reads:  c.Memory.Reads - before.Memory.Reads,
			Writes: c.Memory.Writes - before.Memory.Writes,
		},
	}
}

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name        string
	Description string
	Address     uint64
	Policy      bus.WritebackPolicy
	// States holds the line's state in every cache after the scenario.
	States []coherence.State
	// Delta holds the traffic of the measured step only.
	Delta    Counters
	Response controller.Response
	// Failures lists the expectations that did not hold.
	Failures []string
}

// Passed returns true if every expectation held.
func (r ScenarioResult) Passed() bool {
	return len(r.Failures) == 0
}

func (r *ScenarioResult) expect(ok bool, format string, args ...any) {
	if !ok {
		r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
	}
}

func (r *ScenarioResult) expectStates(want ...coherence.State) {
	r.expect(slices.Equal(r.States[:len(want)], want),
		"states %s, want %s", stateList(r.States), stateList(want))
}

// handoffWrites is the number of memory writes the measured step costs when
// an owner hands dirty data over under the handoff policy.
func (r *ScenarioResult) handoffWrites() uint64 {
	if r.Policy == bus.WritebackOnHandoff {
		return 1
	}

	return 0
}

func stateList(states []coherence.State) string {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = st.String()
	}

	return "[" + strings.Join(names, " ") + "]"
}

// Scenario is a directed check of one protocol path on a fresh machine.
type Scenario struct {
	Name        string
	Description string

	setup   []scenarioStep
	measure scenarioStep
	verify  func(r *ScenarioResult)
}

type scenarioStep struct {
	core int
	op   core.Op
}

// ScenarioAddress is the line every scenario works on.
const ScenarioAddress = 0x1000

// ScenarioInitial is the word memory holds at ScenarioAddress before a
// scenario starts.
const ScenarioInitial = 0x0123_4567_89AB_CDEF

var (
	stepA = scenarioStep{0, core.Store(ScenarioAddress, 8, 0xA)}
	stepB = scenarioStep{1, core.Load(ScenarioAddress, 8)}
	stepC = scenarioStep{1, core.Store(ScenarioAddress, 8, 0xC)}
)

// Scenarios returns the directed scenarios A through E.
func Scenarios() []Scenario {
	return []Scenario{
		{
			Name:        "A",
			Description: "core 0 writes a line no cache holds",
			measure:     stepA,
			verify: func(r *ScenarioResult) {
				r.expectStates(coherence.Modified, coherence.Invalid)
				r.expect(r.Delta.Bus.ReadExclusives == 1 &&
					r.Delta.Bus.Transactions() == 1,
					"bus issued %d transactions, want one ReadExclusive",
					r.Delta.Bus.Transactions())
				r.expect(r.Delta.Memory.Reads == 1,
					"memory fetched %d times, want 1", r.Delta.Memory.Reads)
			},
		},
		{
			Name:        "B",
			Description: "after A, core 1 reads the line",
			setup:       []scenarioStep{stepA},
			measure:     stepB,
			verify: func(r *ScenarioResult) {
				r.expectStates(coherence.Owned, coherence.Shared)
				r.expect(r.Delta.Bus.Reads == 1 &&
					r.Delta.Bus.Transactions() == 1,
					"bus issued %d transactions, want one Read",
					r.Delta.Bus.Transactions())
				r.expect(r.Delta.Memory.Writes == r.handoffWrites(),
					"memory written %d times, want %d",
					r.Delta.Memory.Writes, r.handoffWrites())
				r.expect(r.Response.Data == 0xA,
					"core 1 read 0x%X, want 0xA", r.Response.Data)
			},
		},
		{
			Name:        "C",
			Description: "after B, core 1 writes the line",
			setup:       []scenarioStep{stepA, stepB},
			measure:     stepC,
			verify: func(r *ScenarioResult) {
				r.expectStates(coherence.Invalid, coherence.Modified)
				exclusive := r.Delta.Bus.Upgrades + r.Delta.Bus.ReadExclusives
				r.expect(exclusive == 1 && r.Delta.Bus.Transactions() == 1,
					"bus issued %d transactions, want one Upgrade or ReadExclusive",
					r.Delta.Bus.Transactions())
				r.expect(r.Delta.Memory.Writes == r.handoffWrites(),
					"memory written %d times, want %d",
					r.Delta.Memory.Writes, r.handoffWrites())
			},
		},
		{
			Name:        "D",
			Description: "core 2 reads a line only memory holds",
			measure:     scenarioStep{2, core.Load(ScenarioAddress, 8)},
			verify: func(r *ScenarioResult) {
				r.expectStates(coherence.Invalid, coherence.Invalid,
					coherence.Exclusive)
				r.expect(r.Delta.Bus.Reads == 1 &&
					r.Delta.Bus.Transactions() == 1,
					"bus issued %d transactions, want one Read",
					r.Delta.Bus.Transactions())
				r.expect(r.Delta.Memory.Reads == 1,
					"memory fetched %d times, want 1", r.Delta.Memory.Reads)
				r.expect(r.Response.Data == ScenarioInitial,
					"core 2 read 0x%X, want 0x%X",
					r.Response.Data, uint64(ScenarioInitial))
			},
		},
		{
			Name:        "E",
			Description: "core 0 writes a line it holds in E",
			setup:       []scenarioStep{{0, core.Load(ScenarioAddress, 8)}},
			measure:     scenarioStep{0, core.Store(ScenarioAddress, 8, 0xE)},
			verify: func(r *ScenarioResult) {
				r.expectStates(coherence.Modified)
				r.expect(r.Delta.Bus.Transactions() == 0,
					"bus issued %d transactions, want 0",
					r.Delta.Bus.Transactions())
				r.expect(r.Response.Hit, "write was not a hit")
			},
		},
	}
}

// LookupScenario finds a scenario by name.
func LookupScenario(name string) (Scenario, bool) {
	for _, sc := range Scenarios() {
		if strings.EqualFold(sc.Name, name) {
			return sc, true
		}
	}

	return Scenario{}, false
}

// Run plays the scenario on s, which must be fresh and have at least three
// cores. Errors are simulation failures; unmet expectations are reported in
// the result.
func (sc Scenario) Run(s *System) (ScenarioResult, error) {
	r := ScenarioResult{
		Name:        sc.Name,
		Description: sc.Description,
		Address:     ScenarioAddress,
		Policy:      s.Bus.Policy(),
	}

	if len(s.Cores) < 3 {
		return r, fmt.Errorf("scenario %s needs 3 cores, have %d",
			sc.Name, len(s.Cores))
	}

	initial := make([]byte, s.config.BlockSize)
	for i := 0; i < 8; i++ {
		initial[i] = byte(uint64(ScenarioInitial) >> (8 * i))
	}
	s.Preload(ScenarioAddress, initial)

	for _, st := range sc.setup {
		if _, err := s.Do(st.core, st.op); err != nil {
			return r, fmt.Errorf("scenario %s setup: %w", sc.Name, err)
		}
	}

	before := s.Snapshot()

	rsp, err := s.Do(sc.measure.core, sc.measure.op)
	if err != nil {
		return r, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	r.Response = rsp
	r.Delta = s.Snapshot().Delta(before)
	r.States = s.StateOf(ScenarioAddress)
	sc.verify(&r)

	return r, nil
}
