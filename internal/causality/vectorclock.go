package causality

type (
	// VectorClock maps peerId to a monotonically increasing counter. A peer
	// only ever increments its own component; merge takes the pointwise
	// maximum. An absent peer is treated as counter 0.
	VectorClock map[string]uint64

	// Ordering is the result of comparing two clocks.
	Ordering int
)

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// New returns an empty clock.
func New() VectorClock {
	return make(VectorClock)
}

// Increment bumps peerID's component and returns the new value.
func (c VectorClock) Increment(peerID string) uint64 {
	c[peerID]++
	return c[peerID]
}

// Merge folds other into c, taking the pointwise maximum.
func (c VectorClock) Merge(other VectorClock) {
	for peer, n := range other {
		if n > c[peer] {
			c[peer] = n
		}
	}
}

// Copy returns an independent copy of the clock.
func (c VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(c))
	for peer, n := range c {
		out[peer] = n
	}
	return out
}

// Equal reports whether both clocks have identical non-zero components.
func (c VectorClock) Equal(other VectorClock) bool {
	return c.dominatedBy(other) && other.dominatedBy(c)
}

// HappenedBefore reports whether c causally precedes other: every component
// of c is <= the corresponding component of other and at least one is
// strictly less. A clock never happens-before itself.
func (c VectorClock) HappenedBefore(other VectorClock) bool {
	return c.dominatedBy(other) && !other.dominatedBy(c)
}

// IsConcurrent reports whether neither clock precedes the other.
func (c VectorClock) IsConcurrent(other VectorClock) bool {
	return !c.HappenedBefore(other) && !other.HappenedBefore(c) && !c.Equal(other)
}

// Compare classifies the relation between c and other.
func (c VectorClock) Compare(other VectorClock) Ordering {
	le := c.dominatedBy(other)
	ge := other.dominatedBy(c)
	switch {
	case le && ge:
		return Equal
	case le:
		return Before
	case ge:
		return After
	default:
		return Concurrent
	}
}

// dominatedBy reports whether every component of c is <= other's.
func (c VectorClock) dominatedBy(other VectorClock) bool {
	for peer, n := range c {
		if n > other[peer] {
			return false
		}
	}
	return true
}
