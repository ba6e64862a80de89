// Package coherence provides the MOESI protocol core: line states, the
// transition function for local and snoop events, the snoop responder used by
// cache controllers, and the violation errors raised when a protocol contract
// is broken.
package coherence

import "fmt"

// State is the MOESI state of a cache line.
type State uint8

// The five MOESI states. The zero value is Invalid so that freshly allocated
// line tables start out empty.
const (
	Invalid State = iota
	Shared
	Exclusive
	Owned
	Modified
)

// String returns the single-letter name of the state.
func (s State) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Owned:
		return "O"
	case Modified:
		return "M"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// IsValid returns true if the line holds usable data.
func (s State) IsValid() bool {
	return s != Invalid
}

// IsDirty returns true if memory's copy of the line is stale, i.e. the line
// must be written back before it is discarded.
func (s State) IsDirty() bool {
	return s == Modified || s == Owned
}

// CanWrite returns true if a store can complete locally without a bus
// transaction.
func (s State) CanWrite() bool {
	return s == Modified || s == Exclusive
}

// ParseState converts a single-letter state name back into a State.
func ParseState(name string) (State, error) {
	switch name {
	case "I":
		return Invalid, nil
	case "S":
		return Shared, nil
	case "E":
		return Exclusive, nil
	case "O":
		return Owned, nil
	case "M":
		return Modified, nil
	}

	return Invalid, fmt.Errorf("unknown MOESI state %q", name)
}

// TxnKind is the kind of a bus transaction.
type TxnKind uint8

// Bus transaction kinds.
const (
	// Read fetches a line for reading; other copies may remain.
	Read TxnKind = iota
	// ReadExclusive fetches a line and invalidates every other copy.
	ReadExclusive
	// Upgrade invalidates every other copy without fetching data. The
	// requester already holds the data in S or O.
	Upgrade
)

// String returns the name of the transaction kind.
func (k TxnKind) String() string {
	switch k {
	case Read:
		return "Read"
	case ReadExclusive:
		return "ReadExclusive"
	case Upgrade:
		return "Upgrade"
	default:
		return fmt.Sprintf("TxnKind(%d)", uint8(k))
	}
}

// NeedsData returns true if the requester expects line data back.
func (k TxnKind) NeedsData() bool {
	return k != Upgrade
}

// IsExclusive returns true if the transaction invalidates other copies.
func (k TxnKind) IsExclusive() bool {
	return k == ReadExclusive || k == Upgrade
}

// SnoopEvent maps a transaction kind to the event other caches observe.
func (k TxnKind) SnoopEvent() Event {
	switch k {
	case Read:
		return SnoopRead
	case ReadExclusive:
		return SnoopWrite
	default:
		return SnoopInvalidate
	}
}
