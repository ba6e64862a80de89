// Package core provides the CPU stub that drives one cache controller. Each
// cycle the stub collects the controller's responses and, if its Source has
// work, issues one request to be served in the next cycle.
package core

import (
	"fmt"

	"github.com/sarchlab/moesisim/timing/controller"
)

// Port is the cache controller as seen by its CPU.
type Port interface {
	// Submit latches a request to be served in cycle.
	Submit(req controller.Request, cycle uint64) error
	// TakeResponses returns and clears the delivered responses.
	TakeResponses() []controller.Response
	// CanAccept returns true if the path serving kind is free.
	CanAccept(kind controller.AccessKind) bool
	// Outstanding returns the line the path serving kind is fetching.
	Outstanding(kind controller.AccessKind) (uint64, bool)
}

// View is the read-only part of a Port a Source may consult.
type View interface {
	CanAccept(kind controller.AccessKind) bool
	Outstanding(kind controller.AccessKind) (uint64, bool)
}

// A Source produces the CPU requests of one core.
type Source interface {
	// Next returns the request to issue in the next cycle, if any. It is
	// only called when inFlight requests are outstanding for the core.
	Next(cycle uint64, inFlight int, view View) (controller.Request, bool)
	// Done returns true once the source will produce no more requests.
	Done() bool
}

// Stats holds the CPU-side statistics of a core.
type Stats struct {
	// Issued is the number of requests handed to the controller.
	Issued uint64
	// Completed is the number of responses received.
	Completed uint64
	// Reads and Writes split Completed by kind.
	Reads  uint64
	Writes uint64
	// Hits is the number of responses the controller reported as hits. A
	// write to a Shared or Owned line is a hit even though it upgrades.
	Hits uint64
	// TotalLatency sums the issue-to-response latency of every response.
	TotalLatency uint64
	// MaxLatency is the largest latency observed.
	MaxLatency uint64
}

// AverageLatency returns the mean response latency in cycles.
func (s Stats) AverageLatency() float64 {
	if s.Completed == 0 {
		return 0
	}
	return float64(s.TotalLatency) / float64(s.Completed)
}

// Core is the CPU stub of one core.
type Core struct {
	id     int
	port   Port
	source Source

	inFlight int
	last     []controller.Response
	stats    Stats
}

// NewCore creates the CPU stub of core id.
func NewCore(id int, port Port, source Source) *Core {
	return &Core{
		id:     id,
		port:   port,
		source: source,
	}
}

// ID returns the core number.
func (c *Core) ID() int {
	return c.id
}

// SetSource replaces the request source.
func (c *Core) SetSource(source Source) {
	c.source = source
}

// Stats returns CPU-side statistics.
func (c *Core) Stats() Stats {
	return c.stats
}

// LastResponses returns the responses collected in the most recent tick.
func (c *Core) LastResponses() []controller.Response {
	return c.last
}

// InFlight returns the number of issued requests without a response.
func (c *Core) InFlight() int {
	return c.inFlight
}

// Done returns true when the source is exhausted and every request has been
// answered.
func (c *Core) Done() bool {
	return c.inFlight == 0 && (c.source == nil || c.source.Done())
}

// Tick collects the responses delivered in cycle and issues the next request
// for cycle+1.
func (c *Core) Tick(cycle uint64) (madeProgress bool, err error) {
	c.last = c.port.TakeResponses()
	for _, rsp := range c.last {
		c.record(rsp)
		madeProgress = true
	}

	if c.source == nil {
		return madeProgress, nil
	}

	req, ok := c.source.Next(cycle, c.inFlight, c.port)
	if !ok {
		return madeProgress, nil
	}

	if err := c.port.Submit(req, cycle+1); err != nil {
		return true, fmt.Errorf("core %d: %w", c.id, err)
	}

	c.inFlight++
	c.stats.Issued++

	return true, nil
}

func (c *Core) record(rsp controller.Response) {
	c.inFlight--
	c.stats.Completed++

	if rsp.Kind == controller.Write {
		c.stats.Writes++
	} else {
		c.stats.Reads++
	}

	if rsp.Hit {
		c.stats.Hits++
	}

	lat := rsp.Latency()
	c.stats.TotalLatency += lat
	c.stats.MaxLatency = max(c.stats.MaxLatency, lat)
}
