package crdt

import (
	"fmt"

	"github.com/google/uuid"
)

// ORSet is an observed-remove set. Every add carries a unique tag; a remove
// deletes only the tags it has observed, so a concurrent add survives.
type ORSet struct {
	// element -> tag -> deleted
	Tags map[string]map[string]bool `json:"tags"`
}

// NewORSet returns an empty set.
func NewORSet() *ORSet {
	return &ORSet{Tags: make(map[string]map[string]bool)}
}

// Add inserts the element with a fresh (replicaID, uuid) tag.
func (s *ORSet) Add(element, replicaID string) {
	tag := fmt.Sprintf("%s:%s", replicaID, uuid.New().String())
	if s.Tags[element] == nil {
		s.Tags[element] = make(map[string]bool)
	}
	s.Tags[element][tag] = false
}

// Remove marks every currently observed tag of the element deleted.
func (s *ORSet) Remove(element string) {
	for tag := range s.Tags[element] {
		s.Tags[element][tag] = true
	}
}

// Contains reports whether the element has at least one live tag.
func (s *ORSet) Contains(element string) bool {
	for _, deleted := range s.Tags[element] {
		if !deleted {
			return true
		}
	}
	return false
}

// Elements returns the live members of the set.
func (s *ORSet) Elements() []string {
	var out []string
	for element := range s.Tags {
		if s.Contains(element) {
			out = append(out, element)
		}
	}
	return out
}

// Merge unions the tag sets, preserving deletion flags from either side.
func (s *ORSet) Merge(other *ORSet) {
	for element, tags := range other.Tags {
		if s.Tags[element] == nil {
			s.Tags[element] = make(map[string]bool, len(tags))
		}
		for tag, deleted := range tags {
			s.Tags[element][tag] = s.Tags[element][tag] || deleted
		}
	}
}
