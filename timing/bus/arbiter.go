package bus

// Arbiter picks the next requester to grant among the pending ones.
type Arbiter interface {
	Arbitrate(pending func(id int) bool) (int, bool)
}

// RoundRobinArbiter grants among requesters in rotating priority order. The
// scan starts at the pointer and wraps once; after a grant the pointer moves
// to one past the granted requester, so every requester is served within n
// grants.
type RoundRobinArbiter struct {
	n       int
	pointer int
}

// NewRoundRobinArbiter creates an arbiter over n requesters.
func NewRoundRobinArbiter(n int) *RoundRobinArbiter {
	return &RoundRobinArbiter{n: n}
}

// Pointer returns the requester that has the highest priority next.
func (a *RoundRobinArbiter) Pointer() int {
	return a.pointer
}

// Arbitrate picks the first pending requester at or after the pointer.
func (a *RoundRobinArbiter) Arbitrate(pending func(id int) bool) (int, bool) {
	for i := 0; i < a.n; i++ {
		id := (a.pointer + i) % a.n
		if pending(id) {
			a.pointer = (id + 1) % a.n
			return id, true
		}
	}

	return 0, false
}
