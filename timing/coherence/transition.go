package coherence

import "fmt"

// Event is an input to the MOESI transition function.
type Event uint8

// Local events come from the owning core's CPU; snoop events come from bus
// transactions issued by other cores.
const (
	LocalReadHit Event = iota
	LocalReadMiss
	LocalWriteHit
	LocalWriteMiss
	SnoopRead
	SnoopWrite
	SnoopInvalidate
)

var eventNames = [...]string{
	LocalReadHit:    "local_read_hit",
	LocalReadMiss:   "local_read_miss",
	LocalWriteHit:   "local_write_hit",
	LocalWriteMiss:  "local_write_miss",
	SnoopRead:       "snoop_read",
	SnoopWrite:      "snoop_write",
	SnoopInvalidate: "snoop_invalidate",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}

	return fmt.Sprintf("Event(%d)", uint8(e))
}

// IsSnoop returns true for events observed on the bus.
func (e Event) IsSnoop() bool {
	return e >= SnoopRead
}

// Outcome is the result of applying an event to a line state.
type Outcome struct {
	Next State

	// ProvideData is set when the line must supply its data to the bus.
	ProvideData bool

	// Invalidated is set when a valid line is dropped by a snoop.
	Invalidated bool
}

// Transition applies an event to a line state.
//
// anySharerResponded only matters for a local read miss on an Invalid line:
// the line becomes Shared if any other cache reported a copy and Exclusive
// otherwise. For the S and O states, a local write miss means the line is
// present without write permission; the caller sequences the invalidating
// bus transaction before applying it.
//
// Events that cannot legally reach the given state return an error wrapping
// ErrContractViolation.
func Transition(s State, e Event, anySharerResponded bool) (Outcome, error) {
	if e.IsSnoop() {
		return snoopTransition(s, e), nil
	}

	switch s {
	case Modified:
		switch e {
		case LocalReadHit, LocalWriteHit:
			return Outcome{Next: Modified}, nil
		}
	case Owned:
		switch e {
		case LocalReadHit:
			return Outcome{Next: Owned}, nil
		case LocalWriteHit, LocalWriteMiss:
			return Outcome{Next: Modified}, nil
		}
	case Exclusive:
		switch e {
		case LocalReadHit:
			return Outcome{Next: Exclusive}, nil
		case LocalWriteHit:
			return Outcome{Next: Modified}, nil
		}
	case Shared:
		switch e {
		case LocalReadHit:
			return Outcome{Next: Shared}, nil
		case LocalWriteHit, LocalWriteMiss:
			return Outcome{Next: Modified}, nil
		}
	case Invalid:
		switch e {
		case LocalReadMiss:
			if anySharerResponded {
				return Outcome{Next: Shared}, nil
			}

			return Outcome{Next: Exclusive}, nil
		case LocalWriteMiss:
			return Outcome{Next: Modified}, nil
		}
	}

	return Outcome{Next: s}, NewViolation(
		ErrContractViolation,
		NoCore,
		0,
		fmt.Sprintf("%s is not a legal event in state %s", e, s),
		s,
	)
}

func snoopTransition(s State, e Event) Outcome {
	if s == Invalid {
		return Outcome{Next: Invalid}
	}

	switch e {
	case SnoopRead:
		switch s {
		case Modified, Owned:
			return Outcome{Next: Owned, ProvideData: true}
		case Exclusive, Shared:
			return Outcome{Next: Shared}
		}
	case SnoopWrite:
		return Outcome{
			Next:        Invalid,
			ProvideData: s.IsDirty(),
			Invalidated: true,
		}
	}

	return Outcome{Next: Invalid, Invalidated: true}
}

// SnoopResponse is a cache's answer to a broadcast transaction.
type SnoopResponse struct {
	Next State

	// Hit is set when the cache held a valid copy before the snoop.
	Hit bool

	// ProvideData is set when the cache supplies the line to the requester.
	ProvideData bool

	// MustInvalidate is set when the cache must drop its copy.
	MustInvalidate bool
}

// Snoop is the responder policy every non-requesting cache applies to a
// broadcast transaction.
//
//	Read:                 M→O(data) O→O(data) E→S S→S I→I
//	ReadExclusive/Upgrade: M,O,E→I(data) S→I I→I
//
// Unlike the snoop half of Transition, an Exclusive holder supplies its
// (clean) data on an exclusive request, which saves the memory fetch.
func Snoop(s State, kind TxnKind) SnoopResponse {
	if s == Invalid {
		return SnoopResponse{Next: Invalid}
	}

	if kind == Read {
		switch s {
		case Modified, Owned:
			return SnoopResponse{Next: Owned, Hit: true, ProvideData: true}
		default:
			return SnoopResponse{Next: Shared, Hit: true}
		}
	}

	return SnoopResponse{
		Next:           Invalid,
		Hit:            true,
		ProvideData:    s != Shared,
		MustInvalidate: true,
	}
}
