package crdt

// GCounter is a grow-only counter: per-replica monotone counts whose value
// is the sum.
type GCounter map[string]uint64

// NewGCounter returns an empty grow-only counter.
func NewGCounter() GCounter {
	return make(GCounter)
}

// Increment adds n to the replica's component. Negative or zero increments
// are ignored.
func (c GCounter) Increment(replicaID string, n uint64) {
	if n == 0 {
		return
	}
	c[replicaID] += n
}

// Value is the sum over all replicas.
func (c GCounter) Value() uint64 {
	var total uint64
	for _, v := range c {
		total += v
	}
	return total
}

// Merge folds other into c componentwise-max.
func (c GCounter) Merge(other GCounter) {
	for k, v := range other {
		if v > c[k] {
			c[k] = v
		}
	}
}

// Copy returns an independent copy.
func (c GCounter) Copy() GCounter {
	out := make(GCounter, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// PNCounter is a counter supporting decrements, kept as a pair of grow-only
// counters.
type PNCounter struct {
	P GCounter `json:"p"`
	N GCounter `json:"n"`
}

// NewPNCounter returns a zeroed counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{P: NewGCounter(), N: NewGCounter()}
}

// Increment adds n on behalf of replicaID.
func (c *PNCounter) Increment(replicaID string, n uint64) {
	c.P.Increment(replicaID, n)
}

// Decrement subtracts n on behalf of replicaID.
func (c *PNCounter) Decrement(replicaID string, n uint64) {
	c.N.Increment(replicaID, n)
}

// Value is the net count, possibly negative.
func (c *PNCounter) Value() int64 {
	return int64(c.P.Value()) - int64(c.N.Value())
}

// Merge folds other into c.
func (c *PNCounter) Merge(other *PNCounter) {
	c.P.Merge(other.P)
	c.N.Merge(other.N)
}
