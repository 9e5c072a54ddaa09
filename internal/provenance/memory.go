package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

// MemoryStore is the in-process trace store. Traces are deep-copied on both
// store and read so no caller can mutate a stored record.
type MemoryStore struct {
	logger *zap.Logger

	mu       sync.RWMutex
	byID     map[string]*Trace
	byAgent  map[string][]string
	byAction map[string][]string
	// ids ordered by descending StartedAt (ID as tiebreak).
	ordered []string
}

// NewMemoryStore creates an empty in-memory trace store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger:   logger,
		byID:     make(map[string]*Trace),
		byAgent:  make(map[string][]string),
		byAction: make(map[string][]string),
	}
}

// Store appends a trace. Duplicate ids are rejected, not overwritten.
func (s *MemoryStore) Store(_ context.Context, trace *Trace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace must carry an id")
	}
	cp, err := cloneTrace(trace)
	if err != nil {
		return fmt.Errorf("clone trace: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[trace.ID]; exists {
		metrics.TraceStoreRejections.Inc()
		return fmt.Errorf("store trace %s: %w", trace.ID, ErrDuplicateTrace)
	}

	s.byID[cp.ID] = cp
	s.byAgent[cp.WasAssociatedWith.AgentDID] = append(s.byAgent[cp.WasAssociatedWith.AgentDID], cp.ID)
	s.byAction[cp.ActionType()] = append(s.byAction[cp.ActionType()], cp.ID)
	s.insertOrdered(cp)

	metrics.TracesStored.Inc()
	s.logger.Debug("Trace stored",
		zap.String("trace_id", cp.ID),
		zap.String("agent_did", cp.WasAssociatedWith.AgentDID),
		zap.String("action_type", cp.ActionType()),
	)
	return nil
}

// insertOrdered keeps s.ordered sorted by descending StartedAt.
func (s *MemoryStore) insertOrdered(t *Trace) {
	idx := sort.Search(len(s.ordered), func(i int) bool {
		other := s.byID[s.ordered[i]]
		if !other.StartedAt.Equal(t.StartedAt) {
			return other.StartedAt.Before(t.StartedAt)
		}
		return other.ID < t.ID
	})
	s.ordered = append(s.ordered, "")
	copy(s.ordered[idx+1:], s.ordered[idx:])
	s.ordered[idx] = t.ID
}

// Query returns traces matching q ordered by descending StartedAt.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Narrow by the most selective available index before filtering.
	var candidates []string
	switch {
	case q.AgentDID != "":
		candidates = s.byAgent[q.AgentDID]
	case q.ActionType != "":
		candidates = s.byAction[q.ActionType]
	default:
		candidates = s.ordered
	}

	matched := make([]*Trace, 0, len(candidates))
	for _, id := range candidates {
		t := s.byID[id]
		if q.matches(t) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	matched = q.window(matched)
	out := make([]*Trace, len(matched))
	for i, t := range matched {
		cp, err := cloneTrace(t)
		if err != nil {
			return nil, err
		}
		out[i] = cp
	}
	return out, nil
}

// GetByID returns a copy of the stored trace.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*Trace, error) {
	s.mu.RLock()
	t, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
	}
	return cloneTrace(t)
}

// Count returns the number of stored traces.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func cloneTrace(t *Trace) (*Trace, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var cp Trace
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
