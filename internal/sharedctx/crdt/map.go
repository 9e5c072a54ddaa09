package crdt

// LWWMap is a map whose values are per-key LWW registers carrying a deletion
// flag, so removes and writes resolve the same way values do.
type LWWMap struct {
	Entries map[string]*MapEntry `json:"entries"`
}

// MapEntry is one key's register.
type MapEntry struct {
	Register LWWRegister `json:"register"`
	Deleted  bool        `json:"deleted"`
}

// NewLWWMap returns an empty map.
func NewLWWMap() *LWWMap {
	return &LWWMap{Entries: make(map[string]*MapEntry)}
}

// Set writes key=value at ts. Stale timestamps lose.
func (m *LWWMap) Set(key string, value interface{}, ts int64, replicaID string) bool {
	entry := m.Entries[key]
	if entry == nil {
		entry = &MapEntry{}
		m.Entries[key] = entry
	}
	if !entry.Register.Set(value, ts, replicaID) {
		return false
	}
	entry.Deleted = false
	return true
}

// Delete tombstones the key at ts.
func (m *LWWMap) Delete(key string, ts int64, replicaID string) bool {
	entry := m.Entries[key]
	if entry == nil {
		entry = &MapEntry{}
		m.Entries[key] = entry
	}
	if !entry.Register.Set(nil, ts, replicaID) {
		return false
	}
	entry.Deleted = true
	return true
}

// Get returns the live value for key.
func (m *LWWMap) Get(key string) (interface{}, bool) {
	entry := m.Entries[key]
	if entry == nil || entry.Deleted {
		return nil, false
	}
	return entry.Register.Value, true
}

// Len counts live keys.
func (m *LWWMap) Len() int {
	n := 0
	for _, entry := range m.Entries {
		if !entry.Deleted {
			n++
		}
	}
	return n
}

// Merge folds other into m per key.
func (m *LWWMap) Merge(other *LWWMap) {
	for key, theirs := range other.Entries {
		ours := m.Entries[key]
		if ours == nil {
			m.Entries[key] = &MapEntry{Register: theirs.Register, Deleted: theirs.Deleted}
			continue
		}
		before := ours.Register
		ours.Register.Merge(theirs.Register)
		if ours.Register.TS != before.TS || ours.Register.ReplicaID != before.ReplicaID {
			ours.Deleted = theirs.Deleted
		}
	}
}
