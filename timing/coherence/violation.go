package coherence

import (
	"errors"
	"fmt"
	"strings"
)

// Violation classes. Every ViolationError unwraps to exactly one of these.
var (
	// ErrContractViolation is a broken caller precondition, e.g. a local hit
	// claimed against an Invalid line or a second request on a busy path.
	ErrContractViolation = errors.New("protocol contract violation")

	// ErrMissedWriteback is the eviction of a Modified or Owned line without
	// writing it back first.
	ErrMissedWriteback = errors.New("missed write-back before eviction")

	// ErrStarvation is a pending requester that was not granted the bus
	// within NumCores grants.
	ErrStarvation = errors.New("arbitration starvation")

	// ErrMemoryTimeout is a memory request that did not complete within the
	// configured bound.
	ErrMemoryTimeout = errors.New("memory responder timeout")

	// ErrInvariantViolation is a cross-core invariant that does not hold on
	// a stable cycle.
	ErrInvariantViolation = errors.New("coherence invariant violation")
)

// NoCore marks a violation that is not attributable to a single core.
const NoCore = -1

// ViolationError carries the state context of a fatal modeling error.
type ViolationError struct {
	Kind    error
	Core    int
	Address uint64
	Cycle   uint64
	States  []State
	Detail  string
}

// NewViolation creates a violation of the given class.
func NewViolation(
	kind error,
	core int,
	address uint64,
	detail string,
	states ...State,
) *ViolationError {
	return &ViolationError{
		Kind:    kind,
		Core:    core,
		Address: address,
		States:  states,
		Detail:  detail,
	}
}

// AtCycle records the cycle the violation was detected in.
func (e *ViolationError) AtCycle(cycle uint64) *ViolationError {
	e.Cycle = cycle
	return e
}

func (e *ViolationError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%v: %s", e.Kind, e.Detail)
	fmt.Fprintf(&b, " (addr 0x%X", e.Address)

	if e.Core != NoCore {
		fmt.Fprintf(&b, ", core %d", e.Core)
	}

	if e.Cycle != 0 {
		fmt.Fprintf(&b, ", cycle %d", e.Cycle)
	}

	if len(e.States) > 0 {
		names := make([]string, len(e.States))
		for i, s := range e.States {
			names[i] = s.String()
		}

		fmt.Fprintf(&b, ", states [%s]", strings.Join(names, " "))
	}

	b.WriteString(")")

	return b.String()
}

// Unwrap exposes the violation class to errors.Is.
func (e *ViolationError) Unwrap() error {
	return e.Kind
}

// AsViolation extracts a ViolationError from an error chain.
func AsViolation(err error) (*ViolationError, bool) {
	var v *ViolationError
	ok := errors.As(err, &v)

	return v, ok
}
