// Package checkpoint persists workflow snapshots so executing workflows can
// resume after a restart. Snapshots are content-addressed: the checkpoint id
// embeds a sha256 of the snapshot body.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("checkpoint not found")

// TaskSummary is the queued-task subset a snapshot needs to rebuild the
// queue on resume.
type TaskSummary struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Priority     int                    `json:"priority"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Input        map[string]interface{} `json:"input,omitempty"`
	StepNumber   int                    `json:"step_number,omitempty"`
}

// Snapshot is the durable state of one executing workflow.
type Snapshot struct {
	WorkflowID    string                 `json:"workflow_id"`
	Goal          string                 `json:"goal"`
	QueuedTasks   []TaskSummary          `json:"queued_tasks"`
	CompletedIDs  []string               `json:"completed_ids"`
	WorkingMemory map[string]interface{} `json:"working_memory,omitempty"`
	TakenAt       time.Time              `json:"taken_at"`
}

// Checkpoint wraps a snapshot with its content-derived identity.
type Checkpoint struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	Snapshot    *Snapshot `json:"snapshot"`
}

// Store persists checkpoints per workflow.
type Store interface {
	Create(ctx context.Context, snapshot *Snapshot) (*Checkpoint, error)
	Resume(ctx context.Context, workflowID string) (*Snapshot, error)
	PruneKeepLatest(ctx context.Context, workflowID string, keep int) error
}

// hashSnapshot derives the content hash over the canonical JSON encoding,
// excluding the capture time so identical state hashes identically.
func hashSnapshot(s *Snapshot) (string, error) {
	clone := *s
	clone.TakenAt = time.Time{}
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func checkpointID(workflowID, hash string) string {
	return fmt.Sprintf("ckpt-%s-%s", workflowID, hash[:12])
}
