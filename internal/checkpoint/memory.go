package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/metrics"
)

// MemoryStore keeps checkpoints in process memory, newest first per
// workflow.
type MemoryStore struct {
	mu         sync.Mutex
	byWorkflow map[string][]*Checkpoint
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byWorkflow: make(map[string][]*Checkpoint)}
}

// Create snapshots the workflow. Identical content replaces nothing: the
// existing checkpoint with the same hash is returned instead.
func (s *MemoryStore) Create(_ context.Context, snapshot *Snapshot) (*Checkpoint, error) {
	hash, err := hashSnapshot(snapshot)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cp := range s.byWorkflow[snapshot.WorkflowID] {
		if cp.ContentHash == hash {
			return cp, nil
		}
	}

	cp := &Checkpoint{
		ID:          checkpointID(snapshot.WorkflowID, hash),
		WorkflowID:  snapshot.WorkflowID,
		ContentHash: hash,
		CreatedAt:   time.Now(),
		Snapshot:    snapshot,
	}
	s.byWorkflow[snapshot.WorkflowID] = append([]*Checkpoint{cp}, s.byWorkflow[snapshot.WorkflowID]...)
	metrics.CheckpointsCreated.Inc()
	return cp, nil
}

// Resume returns the latest snapshot for the workflow.
func (s *MemoryStore) Resume(_ context.Context, workflowID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.byWorkflow[workflowID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	metrics.CheckpointsResumed.Inc()
	return cps[0].Snapshot, nil
}

// PruneKeepLatest drops all but the newest keep checkpoints.
func (s *MemoryStore) PruneKeepLatest(_ context.Context, workflowID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.byWorkflow[workflowID]
	if len(cps) > keep {
		s.byWorkflow[workflowID] = cps[:keep]
	}
	return nil
}

// Count returns the number of checkpoints held for a workflow.
func (s *MemoryStore) Count(workflowID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byWorkflow[workflowID])
}
