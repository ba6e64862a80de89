// Package controller implements the per-core MOESI cache controller. A
// controller serves one read and one write from its CPU at a time, resolves
// hits locally and misses through the coherency bus, and answers the bus's
// snoops on behalf of its private cache.
package controller

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/moesisim/timing/bus"
	"github.com/sarchlab/moesisim/timing/cache"
	"github.com/sarchlab/moesisim/timing/coherence"
)

// Hook positions invoked by the controller.
var (
	// HookPosResponse fires when a response is delivered to the CPU. Item is
	// the Response.
	HookPosResponse = &sim.HookPos{Name: "CacheResponse"}
	// HookPosEvict fires when a valid line is evicted for a fill. Item is an
	// Eviction.
	HookPosEvict = &sim.HookPos{Name: "CacheEvict"}
	// HookPosInvalidate fires when a snoop drops a valid line. Item is the
	// bus.Transaction, Detail is the line's previous state.
	HookPosInvalidate = &sim.HookPos{Name: "CacheInvalidate"}
)

// AccessKind is the kind of a CPU access.
type AccessKind uint8

// CPU access kinds.
const (
	Read AccessKind = iota
	Write
)

func (k AccessKind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// Request is a CPU load or store of Size bytes.
type Request struct {
	Kind    AccessKind
	Address uint64
	Size    int
	// Data is the value to store, little endian. Unused for reads.
	Data uint64
}

// Response completes a Request.
type Response struct {
	Kind    AccessKind
	Address uint64
	Size    int
	// Data is the loaded value for reads and the stored value for writes.
	Data       uint64
	Hit        bool
	IssueCycle uint64
	DoneCycle  uint64
}

// Latency returns the number of cycles between issue and completion.
func (r Response) Latency() uint64 {
	return r.DoneCycle - r.IssueCycle
}

// Eviction describes a line dropped to make room for a fill.
type Eviction struct {
	Address   uint64
	State     coherence.State
	WroteBack bool
}

// PathState is the state of one request path.
type PathState uint8

// Path states. The read path never enters UpdateLine.
const (
	Idle PathState = iota
	AwaitBus
	UpdateLine
)

func (s PathState) String() string {
	switch s {
	case AwaitBus:
		return "AwaitBus"
	case UpdateLine:
		return "UpdateLine"
	default:
		return "Idle"
	}
}

// BusPort is the bus as seen by a controller.
type BusPort interface {
	Request(core int, kind coherence.TxnKind, addr uint64, cycle uint64) (string, error)
}

// Stats counts controller activity.
type Stats struct {
	Reads       uint64
	ReadHits    uint64
	ReadMisses  uint64
	Writes      uint64
	WriteHits   uint64
	WriteMisses uint64

	// Upgrades counts write hits on S or O that needed an Upgrade.
	Upgrades uint64
	// SilentUpgrades counts E to M transitions without a bus transaction.
	SilentUpgrades uint64
	// Promotions counts Upgrades turned into ReadExclusive at grant.
	Promotions uint64

	// Invalidations counts valid lines dropped by snoops.
	Invalidations uint64
	SnoopHits     uint64
	DataSupplied  uint64

	Evictions  uint64
	Writebacks uint64
}

type path struct {
	state PathState

	latched      *Request
	latchedCycle uint64

	req        Request
	issueCycle uint64
	hit        bool
	kind       coherence.TxnKind
	addr       uint64
	fill       *cache.Line
	done       bool
	result     uint64
}

func (p *path) busy() bool {
	return p.state != Idle || p.latched != nil
}

const (
	readPath = iota
	writePath
)

// Controller is the cache controller of one core.
type Controller struct {
	*sim.HookableBase

	id    int
	store *cache.Store
	bus   BusPort

	paths [2]path

	// posted is the path whose transaction is on the bus, -1 if none.
	posted int
	// deferred is a path that missed while the other path's transaction was
	// outstanding, -1 if none.
	deferred int

	responses []Response
	stats     Stats
}

// New creates the controller of core id over store.
func New(id int, store *cache.Store, port BusPort) *Controller {
	return &Controller{
		HookableBase: sim.NewHookableBase(),
		id:           id,
		store:        store,
		bus:          port,
		posted:       -1,
		deferred:     -1,
	}
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return fmt.Sprintf("Core[%d].Cache", c.id)
}

// ID returns the core the controller belongs to.
func (c *Controller) ID() int {
	return c.id
}

// Store returns the line store of the controller.
func (c *Controller) Store() *cache.Store {
	return c.store
}

// Stats returns the controller counters.
func (c *Controller) Stats() Stats {
	return c.stats
}

// ReadState returns the state of the read path.
func (c *Controller) ReadState() PathState {
	return c.paths[readPath].state
}

// WriteState returns the state of the write path.
func (c *Controller) WriteState() PathState {
	return c.paths[writePath].state
}

// CanAccept returns true if the path serving kind can take a request.
func (c *Controller) CanAccept(kind AccessKind) bool {
	return !c.paths[pathOf(kind)].busy()
}

// Outstanding returns the line the path serving kind is fetching through the
// bus.
func (c *Controller) Outstanding(kind AccessKind) (uint64, bool) {
	p := &c.paths[pathOf(kind)]
	if p.state != AwaitBus {
		return 0, false
	}

	return p.addr, true
}

// Busy returns true while any request is latched or in flight.
func (c *Controller) Busy() bool {
	return c.paths[readPath].busy() || c.paths[writePath].busy()
}

// StateOf returns the MOESI state of the line holding addr.
func (c *Controller) StateOf(addr uint64) coherence.State {
	return c.store.StateOf(addr)
}

func pathOf(kind AccessKind) int {
	if kind == Write {
		return writePath
	}
	return readPath
}

func (c *Controller) violation(
	kind error,
	addr uint64,
	cycle uint64,
	detail string,
	states ...coherence.State,
) error {
	return coherence.NewViolation(kind, c.id, addr, detail, states...).
		AtCycle(cycle)
}

// Submit latches a CPU request. It is served in the controller's tick of
// cycle. A request on a busy path is rejected, never queued.
func (c *Controller) Submit(req Request, cycle uint64) error {
	if err := c.store.CheckAccess(req.Address, req.Size); err != nil {
		return c.violation(coherence.ErrContractViolation,
			req.Address, cycle, err.Error())
	}

	p := &c.paths[pathOf(req.Kind)]
	if p.busy() {
		return c.violation(coherence.ErrContractViolation, req.Address, cycle,
			fmt.Sprintf("%s issued while the %s path is %s",
				req.Kind, req.Kind, p.state))
	}

	r := req
	p.latched = &r
	p.latchedCycle = cycle

	return nil
}

// TakeResponses returns the responses delivered so far and clears them.
func (c *Controller) TakeResponses() []Response {
	out := c.responses
	c.responses = nil

	return out
}

// Tick retires completed transactions, posts a deferred bus request and
// serves requests latched for this cycle.
func (c *Controller) Tick(cycle uint64) (madeProgress bool, err error) {
	for i := range c.paths {
		if c.paths[i].done {
			c.respond(i, cycle)
			madeProgress = true
		}
	}

	if c.posted < 0 && c.deferred >= 0 {
		i := c.deferred
		c.deferred = -1

		if err := c.post(i, cycle); err != nil {
			return madeProgress, err
		}

		madeProgress = true
	}

	for i := range c.paths {
		p := &c.paths[i]
		if p.latched == nil || p.latchedCycle > cycle {
			continue
		}

		req := *p.latched
		p.latched = nil

		if err := c.serve(i, req, cycle); err != nil {
			return true, err
		}

		madeProgress = true
	}

	return madeProgress, nil
}

func (c *Controller) serve(i int, req Request, cycle uint64) error {
	p := &c.paths[i]
	p.req = req
	p.issueCycle = cycle
	p.addr = c.store.BlockAddr(req.Address)

	if req.Kind == Write {
		return c.serveWrite(p, cycle)
	}

	return c.serveRead(p, cycle)
}

func (c *Controller) serveRead(p *path, cycle uint64) error {
	line := c.store.Lookup(p.addr)
	if line != nil {
		if _, err := coherence.Transition(line.State(), coherence.LocalReadHit, false); err != nil {
			return c.attribute(err, p.addr, cycle)
		}

		c.store.Touch(line)
		value, err := c.store.ReadWord(line, p.req.Address, p.req.Size)
		if err != nil {
			return c.violation(coherence.ErrContractViolation,
				p.req.Address, cycle, err.Error())
		}

		p.hit = true
		p.result = value
		c.respond(readPath, cycle)

		return nil
	}

	if err := c.checkConflict(writePath, p.addr, cycle); err != nil {
		return err
	}

	p.hit = false
	p.kind = coherence.Read

	return c.miss(readPath, cycle)
}

func (c *Controller) serveWrite(p *path, cycle uint64) error {
	line := c.store.Lookup(p.addr)

	state := coherence.Invalid
	if line != nil {
		state = line.State()
	}

	switch state {
	case coherence.Modified, coherence.Exclusive:
		out, err := coherence.Transition(state, coherence.LocalWriteHit, false)
		if err != nil {
			return c.attribute(err, p.addr, cycle)
		}

		if state == coherence.Exclusive {
			c.stats.SilentUpgrades++
		}

		c.store.SetState(line, out.Next)
		c.store.Touch(line)

		if err := c.merge(line, p, cycle); err != nil {
			return err
		}

		p.hit = true
		c.respond(writePath, cycle)

		return nil
	case coherence.Shared, coherence.Owned:
		if err := c.checkConflict(readPath, p.addr, cycle); err != nil {
			return err
		}

		c.store.Touch(line)
		p.hit = true
		p.kind = coherence.Upgrade
		c.stats.Upgrades++
	default:
		if err := c.checkConflict(readPath, p.addr, cycle); err != nil {
			return err
		}

		p.hit = false
		p.kind = coherence.ReadExclusive
	}

	return c.miss(writePath, cycle)
}

// checkConflict rejects a bus request for a line the other path is already
// fetching.
func (c *Controller) checkConflict(other int, addr uint64, cycle uint64) error {
	o := &c.paths[other]
	if o.state == AwaitBus && o.addr == addr {
		return c.violation(coherence.ErrContractViolation, addr, cycle,
			fmt.Sprintf("line is already being fetched for %s", o.kind))
	}

	return nil
}

func (c *Controller) miss(i int, cycle uint64) error {
	c.paths[i].state = AwaitBus

	if c.posted >= 0 {
		c.deferred = i
		return nil
	}

	return c.post(i, cycle)
}

func (c *Controller) post(i int, cycle uint64) error {
	p := &c.paths[i]

	if _, err := c.bus.Request(c.id, p.kind, p.addr, cycle); err != nil {
		return err
	}

	c.posted = i

	return nil
}

func (c *Controller) merge(line *cache.Line, p *path, cycle uint64) error {
	if err := c.store.WriteWord(line, p.req.Address, p.req.Size, p.req.Data); err != nil {
		return c.violation(coherence.ErrContractViolation,
			p.req.Address, cycle, err.Error())
	}

	p.result = p.req.Data

	return nil
}

func (c *Controller) respond(i int, cycle uint64) {
	p := &c.paths[i]

	rsp := Response{
		Kind:       p.req.Kind,
		Address:    p.req.Address,
		Size:       p.req.Size,
		Data:       p.result,
		Hit:        p.hit,
		IssueCycle: p.issueCycle,
		DoneCycle:  cycle,
	}

	if rsp.Kind == Write {
		c.stats.Writes++
		if rsp.Hit {
			c.stats.WriteHits++
		} else {
			c.stats.WriteMisses++
		}
	} else {
		c.stats.Reads++
		if rsp.Hit {
			c.stats.ReadHits++
		} else {
			c.stats.ReadMisses++
		}
	}

	p.state = Idle
	p.done = false
	p.fill = nil

	c.responses = append(c.responses, rsp)
	c.InvokeHook(sim.HookCtx{Domain: c, Pos: HookPosResponse, Item: rsp})
}

// attribute fills in the core and address of a violation raised by a pure
// protocol function.
func (c *Controller) attribute(err error, addr uint64, cycle uint64) error {
	if v, ok := coherence.AsViolation(err); ok {
		v.Core = c.id
		v.Address = addr
		v.AtCycle(cycle)
	}

	return err
}

func (c *Controller) postedPath(txn bus.Transaction) (*path, error) {
	if c.posted < 0 || txn.Requester != c.id {
		return nil, c.violation(coherence.ErrContractViolation, txn.Address, 0,
			fmt.Sprintf("%s %s delivered with no outstanding request",
				txn.Kind, txn.ID))
	}

	p := &c.paths[c.posted]
	if p.addr != txn.Address {
		return nil, c.violation(coherence.ErrContractViolation, txn.Address, 0,
			fmt.Sprintf("%s delivered for 0x%X while 0x%X is outstanding",
				txn.Kind, txn.Address, p.addr))
	}

	return p, nil
}

// OnGrant prepares the requester's cache for its granted transaction. An
// Upgrade whose line was invalidated while waiting becomes a ReadExclusive.
// A fill reserves a way and hands a dirty victim's data to the bus.
func (c *Controller) OnGrant(txn bus.Transaction) (bus.Grant, error) {
	p, err := c.postedPath(txn)
	if err != nil {
		return bus.Grant{}, err
	}

	if p.kind == coherence.Upgrade {
		switch st := c.store.StateOf(p.addr); st {
		case coherence.Shared, coherence.Owned:
			return bus.Grant{Kind: coherence.Upgrade}, nil
		case coherence.Invalid:
			p.kind = coherence.ReadExclusive
			p.hit = false
			c.stats.Promotions++
		default:
			return bus.Grant{}, c.violation(coherence.ErrContractViolation,
				p.addr, 0, "upgrade granted for a writable line", st)
		}
	}

	if line := c.store.Lookup(p.addr); line != nil {
		return bus.Grant{}, c.violation(coherence.ErrContractViolation,
			p.addr, 0, fmt.Sprintf("%s granted for a present line", p.kind),
			line.State())
	}

	victim := c.store.Victim(p.addr)
	if victim == nil {
		return bus.Grant{}, c.violation(coherence.ErrContractViolation,
			p.addr, 0, "no way available for the fill")
	}

	g := bus.Grant{Kind: p.kind}

	if victim.State().IsValid() {
		wb, err := c.evict(victim)
		if err != nil {
			return bus.Grant{}, err
		}

		g.Writeback = wb
	}

	if err := c.store.Reserve(victim); err != nil {
		return bus.Grant{}, err
	}

	p.fill = victim

	return g, nil
}

func (c *Controller) evict(victim *cache.Line) (*bus.Writeback, error) {
	ev := Eviction{
		Address:   victim.Address(),
		State:     victim.State(),
		WroteBack: victim.State().IsDirty(),
	}

	var wb *bus.Writeback
	if ev.WroteBack {
		wb = &bus.Writeback{
			Address: ev.Address,
			Data:    append([]byte(nil), victim.Data()...),
		}
		c.stats.Writebacks++
	}

	if err := c.store.Evict(victim, ev.WroteBack); err != nil {
		if v, ok := coherence.AsViolation(err); ok {
			v.Core = c.id
		}

		return nil, err
	}

	c.stats.Evictions++
	c.InvokeHook(sim.HookCtx{Domain: c, Pos: HookPosEvict, Item: ev})

	return wb, nil
}

// Snoop applies a broadcast from another core to the local copy of the line.
// It runs regardless of what the controller's own paths are doing.
func (c *Controller) Snoop(txn bus.Transaction) (bus.SnoopReply, error) {
	line := c.store.Lookup(txn.Address)
	if line == nil {
		return bus.SnoopReply{
			SnoopResponse: coherence.Snoop(coherence.Invalid, txn.Kind),
			Prev:          coherence.Invalid,
		}, nil
	}

	prev := line.State()
	rsp := coherence.Snoop(prev, txn.Kind)

	out, err := coherence.Transition(prev, txn.Kind.SnoopEvent(), false)
	if err != nil {
		return bus.SnoopReply{}, c.attribute(err, txn.Address, 0)
	}

	if out.Next != rsp.Next {
		return bus.SnoopReply{}, c.violation(coherence.ErrInvariantViolation,
			txn.Address, 0,
			fmt.Sprintf("%s snoop disagrees with the transition table", txn.Kind),
			prev, rsp.Next, out.Next)
	}

	reply := bus.SnoopReply{SnoopResponse: rsp, Prev: prev}
	if rsp.ProvideData {
		reply.Data = append([]byte(nil), line.Data()...)
		c.stats.DataSupplied++
	}

	c.stats.SnoopHits++

	if rsp.MustInvalidate {
		if err := c.store.Invalidate(line, rsp.ProvideData); err != nil {
			return bus.SnoopReply{}, c.attribute(err, txn.Address, 0)
		}
	} else {
		c.store.SetState(line, rsp.Next)
	}

	if out.Invalidated {
		c.stats.Invalidations++
		c.InvokeHook(sim.HookCtx{
			Domain: c,
			Pos:    HookPosInvalidate,
			Item:   txn,
			Detail: prev,
		})
	}

	return reply, nil
}

// Complete installs the resolved line and prepares the CPU response, which
// is delivered in the controller's tick of the same cycle.
func (c *Controller) Complete(txn bus.Transaction, result bus.Result) error {
	p, err := c.postedPath(txn)
	if err != nil {
		return err
	}

	c.posted = -1

	switch p.kind {
	case coherence.Upgrade:
		err = c.completeUpgrade(p, txn)
	case coherence.Read:
		err = c.completeFill(p, txn, coherence.LocalReadMiss, result)
	default:
		err = c.completeFill(p, txn, coherence.LocalWriteMiss, result)
	}

	if err != nil {
		return err
	}

	if p.req.Kind == Write {
		p.state = UpdateLine
	}

	p.done = true

	return nil
}

func (c *Controller) completeUpgrade(p *path, txn bus.Transaction) error {
	line := c.store.Lookup(p.addr)
	if line == nil {
		return c.violation(coherence.ErrContractViolation, p.addr, txn.DoneCycle,
			"upgraded line was lost before completion")
	}

	out, err := coherence.Transition(line.State(), coherence.LocalWriteHit, false)
	if err != nil {
		return c.attribute(err, p.addr, txn.DoneCycle)
	}

	c.store.SetState(line, out.Next)
	c.store.Touch(line)

	return c.merge(line, p, txn.DoneCycle)
}

func (c *Controller) completeFill(
	p *path,
	txn bus.Transaction,
	event coherence.Event,
	result bus.Result,
) error {
	if p.fill == nil {
		return c.violation(coherence.ErrContractViolation, p.addr, txn.DoneCycle,
			"fill completed without a reserved way")
	}

	if len(result.Data) != c.store.Config().BlockSize {
		return c.violation(coherence.ErrContractViolation, p.addr, txn.DoneCycle,
			fmt.Sprintf("fill delivered %d bytes", len(result.Data)))
	}

	out, err := coherence.Transition(coherence.Invalid, event, result.AnySharer)
	if err != nil {
		return c.attribute(err, p.addr, txn.DoneCycle)
	}

	line := p.fill
	c.store.Fill(line, p.addr, out.Next, result.Data)

	if p.req.Kind == Write {
		return c.merge(line, p, txn.DoneCycle)
	}

	value, err := c.store.ReadWord(line, p.req.Address, p.req.Size)
	if err != nil {
		return c.violation(coherence.ErrContractViolation,
			p.req.Address, txn.DoneCycle, err.Error())
	}

	p.result = value

	return nil
}

// Flush writes every dirty line back through writeback and empties the cache.
// It may only be called while the controller is idle.
func (c *Controller) Flush(writeback func(addr uint64, data []byte)) (int, error) {
	if c.Busy() {
		return 0, fmt.Errorf("flush core %d: requests in flight", c.id)
	}

	return c.store.Flush(writeback), nil
}
