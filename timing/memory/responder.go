package memory

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a request is issued while another is still being
// served.
var ErrBusy = errors.New("memory responder busy")

// Request is a bus-forwarded memory access.
type Request struct {
	Write   bool
	Address uint64
	// Size is the number of bytes to read. Writes use len(Data).
	Size int
	Data []byte
}

// Response completes a Request. Writes return no data.
type Response struct {
	Request Request
	Data    []byte
}

// A Responder serves one memory request at a time.
type Responder interface {
	// Issue starts serving req. It fails with ErrBusy if a request is
	// outstanding.
	Issue(req Request) error
	// Tick advances one cycle and returns the response if the outstanding
	// request completed in this cycle.
	Tick() (Response, bool)
	// Busy returns true while a request is outstanding.
	Busy() bool
}

// Stats counts served requests.
type Stats struct {
	Reads  uint64
	Writes uint64
}

// FixedLatencyResponder answers every request after the same number of
// cycles.
type FixedLatencyResponder struct {
	store   BackingStore
	latency uint64

	pending   *Request
	countdown uint64

	stats Stats
}

// DefaultLatency is the memory latency in cycles.
const DefaultLatency = 4

// NewFixedLatencyResponder creates a responder over store. A latency of 0
// is treated as 1 cycle.
func NewFixedLatencyResponder(store BackingStore, latency uint64) *FixedLatencyResponder {
	if latency == 0 {
		latency = 1
	}

	return &FixedLatencyResponder{
		store:   store,
		latency: latency,
	}
}

// Latency returns the response latency in cycles.
func (r *FixedLatencyResponder) Latency() uint64 {
	return r.latency
}

// Stats returns the served request counts.
func (r *FixedLatencyResponder) Stats() Stats {
	return r.stats
}

// Busy returns true while a request is outstanding.
func (r *FixedLatencyResponder) Busy() bool {
	return r.pending != nil
}

// Issue starts serving req.
func (r *FixedLatencyResponder) Issue(req Request) error {
	if r.pending != nil {
		return fmt.Errorf("issue %s 0x%X: %w", kindName(req), req.Address, ErrBusy)
	}

	if req.Write {
		req.Data = append([]byte(nil), req.Data...)
	}

	r.pending = &req
	r.countdown = r.latency

	return nil
}

// Tick advances one cycle.
func (r *FixedLatencyResponder) Tick() (Response, bool) {
	if r.pending == nil {
		return Response{}, false
	}

	r.countdown--
	if r.countdown > 0 {
		return Response{}, false
	}

	req := *r.pending
	r.pending = nil

	if req.Write {
		r.store.Write(req.Address, req.Data)
		r.stats.Writes++

		return Response{Request: req}, true
	}

	r.stats.Reads++

	return Response{Request: req, Data: r.store.Read(req.Address, req.Size)}, true
}

func kindName(req Request) string {
	if req.Write {
		return "write"
	}
	return "read"
}
