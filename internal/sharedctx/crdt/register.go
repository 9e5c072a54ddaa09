package crdt

// LWWRegister is a last-write-wins register. An equal timestamp overwrites
// the held value; replica id order breaks ties only on merge.
type LWWRegister struct {
	Value     interface{} `json:"value"`
	TS        int64       `json:"ts"`
	ReplicaID string      `json:"replica_id"`
}

// Set applies a write when ts is at or past the current timestamp.
// Returns whether the write took effect.
func (r *LWWRegister) Set(value interface{}, ts int64, replicaID string) bool {
	if ts < r.TS {
		return false
	}
	r.Value = value
	r.TS = ts
	r.ReplicaID = replicaID
	return true
}

// Merge folds other into r, keeping the greater (ts, replicaID) pair.
func (r *LWWRegister) Merge(other LWWRegister) {
	if other.TS > r.TS || (other.TS == r.TS && other.ReplicaID > r.ReplicaID) {
		r.Value = other.Value
		r.TS = other.TS
		r.ReplicaID = other.ReplicaID
	}
}
