// Package bus implements the snooping coherency bus. The bus arbitrates
// among per-core requests, broadcasts the granted transaction to every cache
// controller, aggregates their snoop responses and falls back to main memory
// when no cache supplies the line. One transaction is in flight at a time.
package bus

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/moesisim/timing/coherence"
	"github.com/sarchlab/moesisim/timing/memory"
)

// Hook positions invoked by the bus.
var (
	// HookPosGrant fires when a transaction wins arbitration. Item is the
	// Transaction.
	HookPosGrant = &sim.HookPos{Name: "BusGrant"}
	// HookPosSnoop fires after the broadcast. Item is the Transaction,
	// Detail is a SnoopSummary.
	HookPosSnoop = &sim.HookPos{Name: "BusSnoop"}
	// HookPosMemory fires when a memory access completes. Item is the
	// memory.Request, Detail is the Transaction.
	HookPosMemory = &sim.HookPos{Name: "BusMemory"}
	// HookPosComplete fires when the requester receives its result. Item is
	// the Transaction, Detail is the Result.
	HookPosComplete = &sim.HookPos{Name: "BusComplete"}
)

// WritebackPolicy decides when an owner's dirty data reaches memory.
type WritebackPolicy string

const (
	// WritebackOnEvict writes dirty lines back only when they are evicted.
	WritebackOnEvict WritebackPolicy = "evict"
	// WritebackOnHandoff additionally writes the data back whenever a
	// Modified or Owned holder supplies it to another cache.
	WritebackOnHandoff WritebackPolicy = "handoff"
)

// Transaction is a granted or pending bus request.
type Transaction struct {
	ID         string
	Kind       coherence.TxnKind
	Address    uint64
	Requester  int
	IssueCycle uint64
	GrantCycle uint64
	DoneCycle  uint64

	// Promoted is set when an Upgrade was turned into a ReadExclusive
	// because the requester lost its copy before the grant.
	Promoted bool
}

// Writeback is a dirty victim evicted to make room for a fill.
type Writeback struct {
	Address uint64
	Data    []byte
}

// Grant is the requester's answer to its own broadcast.
type Grant struct {
	// Kind is the transaction kind to execute. It differs from the
	// requested kind only when an Upgrade is promoted.
	Kind coherence.TxnKind
	// Writeback is set when the fill evicted a Modified or Owned line.
	Writeback *Writeback
}

// SnoopReply is a non-requester's response to a broadcast.
type SnoopReply struct {
	coherence.SnoopResponse

	Core int
	Prev coherence.State
	Data []byte
}

// SnoopSummary aggregates the replies of one broadcast.
type SnoopSummary struct {
	Replies   []SnoopReply
	AnySharer bool
	Supplier  int
}

// DataSource tells where a transaction's data came from.
type DataSource uint8

// Data sources.
const (
	SourceNone DataSource = iota
	SourceCache
	SourceMemory
)

func (s DataSource) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceMemory:
		return "memory"
	default:
		return "none"
	}
}

// Result is delivered to the requester when its transaction resolves.
type Result struct {
	Data      []byte
	AnySharer bool
	Source    DataSource
	// Supplier is the core that supplied the data, -1 if none.
	Supplier int
}

// A Snooper is a cache controller attached to the bus.
type Snooper interface {
	// OnGrant is the requester's view of its own broadcast.
	OnGrant(txn Transaction) (Grant, error)
	// Snoop applies a broadcast to a non-requester.
	Snoop(txn Transaction) (SnoopReply, error)
	// Complete delivers the resolved data to the requester.
	Complete(txn Transaction, result Result) error
	// StateOf reports the local state of a line.
	StateOf(addr uint64) coherence.State
}

// Stats counts bus activity.
type Stats struct {
	Reads          uint64
	ReadExclusives uint64
	Upgrades       uint64
	Promotions     uint64

	// Grants counts grants per core.
	Grants []uint64

	BusyCycles        uint64
	CacheToCache      uint64
	MemoryReads       uint64
	MemoryWrites      uint64
	Writebacks        uint64
	HandoffWritebacks uint64
}

// Transactions returns the total number of granted transactions.
func (s Stats) Transactions() uint64 {
	return s.Reads + s.ReadExclusives + s.Upgrades
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseMemory
	phaseTransfer
)

type inflight struct {
	txn    Transaction
	result Result

	memOps      []memory.Request
	memIssuedAt uint64
}

// Bus is the snooping coherency bus.
type Bus struct {
	*sim.HookableBase

	numCores  int
	blockSize int
	policy    WritebackPolicy

	snoopers []Snooper
	memory   memory.Responder

	memLatency   uint64
	timeoutSlack uint64

	arbiter  Arbiter
	requests []*Transaction
	waited   []int

	phase   phase
	current *inflight
	stats   Stats
}

// DefaultTimeoutSlack is the number of cycles past the memory latency after
// which an outstanding memory access is declared lost.
const DefaultTimeoutSlack = 16

// Option configures a Bus.
type Option func(*Bus)

// WithWritebackPolicy sets the hand-off write-back policy.
func WithWritebackPolicy(policy WritebackPolicy) Option {
	return func(b *Bus) {
		b.policy = policy
	}
}

// WithArbiter replaces the round-robin arbiter.
func WithArbiter(a Arbiter) Option {
	return func(b *Bus) {
		b.arbiter = a
	}
}

// WithMemoryTimeout sets the memory watchdog bound to latency + slack cycles.
func WithMemoryTimeout(latency, slack uint64) Option {
	return func(b *Bus) {
		b.memLatency = latency
		b.timeoutSlack = slack
	}
}

// New creates a bus serving numCores controllers with lines of blockSize
// bytes, backed by the given memory responder.
func New(
	numCores, blockSize int,
	mem memory.Responder,
	opts ...Option,
) *Bus {
	b := &Bus{
		HookableBase: sim.NewHookableBase(),
		numCores:     numCores,
		blockSize:    blockSize,
		policy:       WritebackOnEvict,
		snoopers:     make([]Snooper, numCores),
		memory:       mem,
		memLatency:   memory.DefaultLatency,
		timeoutSlack: DefaultTimeoutSlack,
		arbiter:      NewRoundRobinArbiter(numCores),
		requests:     make([]*Transaction, numCores),
		waited:       make([]int, numCores),
	}
	b.stats.Grants = make([]uint64, numCores)

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Policy returns the write-back policy of the bus.
func (b *Bus) Policy() WritebackPolicy {
	return b.policy
}

// Name returns the name of the bus.
func (b *Bus) Name() string {
	return "Bus"
}

// Attach connects the controller of core id. Every core must be attached
// before the first Tick.
func (b *Bus) Attach(id int, s Snooper) {
	b.snoopers[id] = s
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	s := b.stats
	s.Grants = append([]uint64(nil), b.stats.Grants...)
	return s
}

// Arbiter returns the bus arbiter.
func (b *Bus) Arbiter() Arbiter {
	return b.arbiter
}

// Idle returns true when nothing is in flight and no request is pending.
func (b *Bus) Idle() bool {
	if b.phase != phaseIdle {
		return false
	}

	for _, r := range b.requests {
		if r != nil {
			return false
		}
	}

	return true
}

// Current returns the in-flight transaction, if any.
func (b *Bus) Current() (Transaction, bool) {
	if b.current == nil {
		return Transaction{}, false
	}

	return b.current.txn, true
}

// Pending returns the pending request of a core, if any.
func (b *Bus) Pending(core int) (Transaction, bool) {
	if r := b.requests[core]; r != nil {
		return *r, true
	}

	return Transaction{}, false
}

// InFlight returns true if the granted transaction works on the line at
// addr and has not completed yet.
func (b *Bus) InFlight(addr uint64) bool {
	return b.current != nil && b.current.txn.Address == b.blockAddr(addr)
}

// PendingWrite returns true if a memory write to the line at addr has been
// scheduled but not yet completed.
func (b *Bus) PendingWrite(addr uint64) bool {
	if b.current == nil {
		return false
	}

	for _, op := range b.current.memOps {
		if op.Write && op.Address == addr {
			return true
		}
	}

	return false
}

// Request posts a bus request for core. It becomes eligible for arbitration
// in the cycle after cycle. A core has at most one pending request.
func (b *Bus) Request(
	core int,
	kind coherence.TxnKind,
	addr uint64,
	cycle uint64,
) (string, error) {
	if core < 0 || core >= b.numCores {
		return "", fmt.Errorf("core %d is not attached to the bus", core)
	}

	if prev := b.requests[core]; prev != nil {
		return "", coherence.NewViolation(
			coherence.ErrContractViolation,
			core,
			addr,
			fmt.Sprintf("%s posted while %s 0x%X is pending",
				kind, prev.Kind, prev.Address),
		).AtCycle(cycle)
	}

	txn := &Transaction{
		ID:         sim.GetIDGenerator().Generate(),
		Kind:       kind,
		Address:    b.blockAddr(addr),
		Requester:  core,
		IssueCycle: cycle,
	}
	b.requests[core] = txn
	b.waited[core] = 0

	return txn.ID, nil
}

func (b *Bus) blockAddr(addr uint64) uint64 {
	return addr / uint64(b.blockSize) * uint64(b.blockSize)
}

// Tick advances the bus by one cycle.
func (b *Bus) Tick(cycle uint64) (madeProgress bool, err error) {
	switch b.phase {
	case phaseMemory:
		b.stats.BusyCycles++
		return b.tickMemory(cycle)
	case phaseTransfer:
		b.stats.BusyCycles++
		return true, b.complete(cycle)
	}

	txn, ok := b.arbitrate(cycle)
	if !ok {
		return false, nil
	}

	b.stats.BusyCycles++

	return true, b.grant(cycle, txn)
}

func (b *Bus) arbitrate(cycle uint64) (*Transaction, bool) {
	id, ok := b.arbiter.Arbitrate(func(core int) bool {
		r := b.requests[core]
		return r != nil && r.IssueCycle < cycle
	})
	if !ok {
		return nil, false
	}

	txn := b.requests[id]
	b.requests[id] = nil

	return txn, true
}

func (b *Bus) checkFairness(cycle uint64, granted int) error {
	b.waited[granted] = 0

	for core, r := range b.requests {
		if r == nil || r.IssueCycle >= cycle {
			continue
		}

		b.waited[core]++
		if b.waited[core] > b.numCores-1 {
			return coherence.NewViolation(
				coherence.ErrStarvation,
				core,
				r.Address,
				fmt.Sprintf("pending since cycle %d, passed over %d times",
					r.IssueCycle, b.waited[core]),
			).AtCycle(cycle)
		}
	}

	return nil
}

func (b *Bus) grant(cycle uint64, txn *Transaction) error {
	txn.GrantCycle = cycle
	requester := txn.Requester

	b.stats.Grants[requester]++
	if err := b.checkFairness(cycle, requester); err != nil {
		return err
	}

	g, err := b.snoopers[requester].OnGrant(*txn)
	if err != nil {
		return b.atCycle(err, cycle)
	}

	if g.Kind != txn.Kind {
		if txn.Kind != coherence.Upgrade || g.Kind != coherence.ReadExclusive {
			return coherence.NewViolation(
				coherence.ErrContractViolation,
				requester,
				txn.Address,
				fmt.Sprintf("granted %s turned into %s", txn.Kind, g.Kind),
			).AtCycle(cycle)
		}

		txn.Kind = g.Kind
		txn.Promoted = true
		b.stats.Promotions++
	}

	b.countKind(txn.Kind)
	b.InvokeHook(sim.HookCtx{Domain: b, Pos: HookPosGrant, Item: *txn})

	summary, err := b.broadcast(cycle, txn)
	if err != nil {
		return err
	}

	b.InvokeHook(sim.HookCtx{
		Domain: b,
		Pos:    HookPosSnoop,
		Item:   *txn,
		Detail: summary,
	})

	b.current = b.plan(txn, g, summary)

	return b.startNext(cycle)
}

func (b *Bus) countKind(kind coherence.TxnKind) {
	switch kind {
	case coherence.Read:
		b.stats.Reads++
	case coherence.ReadExclusive:
		b.stats.ReadExclusives++
	case coherence.Upgrade:
		b.stats.Upgrades++
	}
}

func (b *Bus) broadcast(cycle uint64, txn *Transaction) (SnoopSummary, error) {
	summary := SnoopSummary{Supplier: -1}

	for core, s := range b.snoopers {
		if core == txn.Requester {
			continue
		}

		reply, err := s.Snoop(*txn)
		if err != nil {
			return summary, b.atCycle(err, cycle)
		}

		if got := s.StateOf(txn.Address); got != reply.Next {
			return summary, coherence.NewViolation(
				coherence.ErrContractViolation,
				core,
				txn.Address,
				fmt.Sprintf("snoop of %s left the line in %s, expected %s",
					txn.Kind, got, reply.Next),
				reply.Prev, got,
			).AtCycle(cycle)
		}

		reply.Core = core
		summary.Replies = append(summary.Replies, reply)
		summary.AnySharer = summary.AnySharer || reply.Hit

		if !reply.ProvideData {
			continue
		}

		if summary.Supplier >= 0 {
			return summary, coherence.NewViolation(
				coherence.ErrInvariantViolation,
				coherence.NoCore,
				txn.Address,
				fmt.Sprintf("cores %d and %d both supplied data for %s",
					summary.Supplier, core, txn.Kind),
				summary.Replies[len(summary.Replies)-2].Prev, reply.Prev,
			).AtCycle(cycle)
		}

		summary.Supplier = core
	}

	return summary, nil
}

// supplierReply returns the reply of the supplying core.
func (s SnoopSummary) supplierReply() (SnoopReply, bool) {
	for _, r := range s.Replies {
		if r.Core == s.Supplier {
			return r, true
		}
	}

	return SnoopReply{}, false
}

// plan lays out the memory accesses of a granted transaction: the victim's
// write-back first, then a hand-off write-back if the policy asks for one,
// then the fetch if no cache supplied the line.
func (b *Bus) plan(txn *Transaction, g Grant, summary SnoopSummary) *inflight {
	f := &inflight{
		txn: *txn,
		result: Result{
			AnySharer: summary.AnySharer,
			Supplier:  summary.Supplier,
		},
	}

	if g.Writeback != nil {
		f.memOps = append(f.memOps, memory.Request{
			Write:   true,
			Address: g.Writeback.Address,
			Data:    g.Writeback.Data,
		})
		b.stats.Writebacks++
	}

	supplied, hasSupplier := summary.supplierReply()
	if hasSupplier {
		if b.policy == WritebackOnHandoff && supplied.Prev.IsDirty() {
			f.memOps = append(f.memOps, memory.Request{
				Write:   true,
				Address: txn.Address,
				Data:    supplied.Data,
			})
			b.stats.HandoffWritebacks++
		}
	}

	switch {
	case !txn.Kind.NeedsData():
		f.result.Source = SourceNone
	case hasSupplier:
		f.result.Source = SourceCache
		f.result.Data = append([]byte(nil), supplied.Data...)
		b.stats.CacheToCache++
	default:
		f.result.Source = SourceMemory
		f.memOps = append(f.memOps, memory.Request{
			Address: txn.Address,
			Size:    b.blockSize,
		})
	}

	return f
}

// startNext issues the next memory access of the in-flight transaction or,
// when none is left, schedules completion for the next cycle.
func (b *Bus) startNext(cycle uint64) error {
	if len(b.current.memOps) == 0 {
		b.phase = phaseTransfer
		return nil
	}

	if err := b.memory.Issue(b.current.memOps[0]); err != nil {
		return coherence.NewViolation(
			coherence.ErrContractViolation,
			b.current.txn.Requester,
			b.current.txn.Address,
			err.Error(),
		).AtCycle(cycle)
	}

	b.current.memIssuedAt = cycle
	b.phase = phaseMemory

	return nil
}

func (b *Bus) tickMemory(cycle uint64) (bool, error) {
	resp, ok := b.memory.Tick()
	if !ok {
		if cycle-b.current.memIssuedAt > b.memLatency+b.timeoutSlack {
			op := b.current.memOps[0]
			return false, coherence.NewViolation(
				coherence.ErrMemoryTimeout,
				b.current.txn.Requester,
				op.Address,
				fmt.Sprintf("%s issued at cycle %d never completed",
					opName(op), b.current.memIssuedAt),
			).AtCycle(cycle)
		}

		return false, nil
	}

	op := b.current.memOps[0]
	b.current.memOps = b.current.memOps[1:]

	if op.Write {
		b.stats.MemoryWrites++
	} else {
		b.stats.MemoryReads++
		b.current.result.Data = resp.Data
	}

	b.InvokeHook(sim.HookCtx{
		Domain: b,
		Pos:    HookPosMemory,
		Item:   op,
		Detail: b.current.txn,
	})

	if len(b.current.memOps) == 0 {
		return true, b.complete(cycle)
	}

	return true, b.startNext(cycle)
}

func (b *Bus) complete(cycle uint64) error {
	f := b.current
	f.txn.DoneCycle = cycle

	b.current = nil
	b.phase = phaseIdle

	if err := b.snoopers[f.txn.Requester].Complete(f.txn, f.result); err != nil {
		return b.atCycle(err, cycle)
	}

	b.InvokeHook(sim.HookCtx{
		Domain: b,
		Pos:    HookPosComplete,
		Item:   f.txn,
		Detail: f.result,
	})

	return nil
}

func (b *Bus) atCycle(err error, cycle uint64) error {
	if v, ok := coherence.AsViolation(err); ok && v.Cycle == 0 {
		v.AtCycle(cycle)
	}

	return err
}

func opName(op memory.Request) string {
	if op.Write {
		return "write"
	}
	return "read"
}
