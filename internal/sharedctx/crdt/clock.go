// Package crdt implements the conflict-free replicated primitives the shared
// context graph composes from, plus the vector clocks used for causality
// tracking between replicas.
package crdt

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

// VectorClock maps replica ids to their event counts.
type VectorClock map[string]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment bumps the replica's component and returns the clock.
func (vc VectorClock) Increment(replicaID string) VectorClock {
	vc[replicaID]++
	return vc
}

// Copy returns an independent copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge folds other into vc componentwise-max.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Compare returns the causal relation of vc to other: Before when other
// dominates, After when vc dominates, Concurrent when neither does.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool
	for k := range union(vc, other) {
		a, b := vc[k], other[k]
		switch {
		case a < b:
			less = true
		case a > b:
			greater = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether vc is causally at or after other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	ord := vc.Compare(other)
	return ord == After || ord == Equal
}

func union(a, b VectorClock) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}
