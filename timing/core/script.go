package core

import "github.com/sarchlab/moesisim/timing/controller"

// Op is one scripted CPU access.
type Op struct {
	controller.Request

	// NotBefore holds the op back until the given cycle.
	NotBefore uint64
}

// Load returns a scripted read of size bytes.
func Load(addr uint64, size int) Op {
	return Op{Request: controller.Request{
		Kind:    controller.Read,
		Address: addr,
		Size:    size,
	}}
}

// Store returns a scripted write of size bytes.
func Store(addr uint64, size int, value uint64) Op {
	return Op{Request: controller.Request{
		Kind:    controller.Write,
		Address: addr,
		Size:    size,
		Data:    value,
	}}
}

// At holds the op back until cycle.
func (o Op) At(cycle uint64) Op {
	o.NotBefore = cycle
	return o
}

// ScriptSource replays a fixed list of accesses, one at a time: an op is
// issued only after the previous one has been answered.
type ScriptSource struct {
	ops  []Op
	next int
}

// NewScriptSource creates a source that replays ops in order.
func NewScriptSource(ops ...Op) *ScriptSource {
	return &ScriptSource{ops: ops}
}

// Append adds ops to the end of the script.
func (s *ScriptSource) Append(ops ...Op) {
	s.ops = append(s.ops, ops...)
}

// Next returns the next op once the core is quiet.
func (s *ScriptSource) Next(
	cycle uint64,
	inFlight int,
	view View,
) (controller.Request, bool) {
	if s.Done() || inFlight > 0 {
		return controller.Request{}, false
	}

	op := s.ops[s.next]
	if cycle+1 < op.NotBefore || !view.CanAccept(op.Kind) {
		return controller.Request{}, false
	}

	s.next++

	return op.Request, true
}

// Done returns true once every op has been issued.
func (s *ScriptSource) Done() bool {
	return s.next >= len(s.ops)
}

// Remaining returns the number of ops not yet issued.
func (s *ScriptSource) Remaining() int {
	return len(s.ops) - s.next
}
