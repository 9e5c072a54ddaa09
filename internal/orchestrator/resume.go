package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/streaming"
)

// maybeCheckpoint snapshots every executing workflow when the checkpoint
// interval elapsed.
func (o *Orchestrator) maybeCheckpoint(ctx context.Context, now time.Time) {
	if o.checkpoints == nil || o.checkpointInterval <= 0 {
		return
	}

	o.mu.Lock()
	if now.Sub(o.lastCheckpoint) < o.checkpointInterval {
		o.mu.Unlock()
		return
	}
	o.lastCheckpoint = now
	snapshots := o.snapshotExecutingLocked(now)
	o.mu.Unlock()

	for _, snap := range snapshots {
		o.persistSnapshot(ctx, snap)
	}
}

// Checkpoint forces an immediate snapshot of one workflow regardless of the
// interval.
func (o *Orchestrator) Checkpoint(ctx context.Context, workflowID string) (*checkpoint.Checkpoint, error) {
	if o.checkpoints == nil {
		return nil, fmt.Errorf("no checkpoint store configured")
	}

	o.mu.Lock()
	wf := o.workflows[workflowID]
	if wf == nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("unknown workflow %q", workflowID)
	}
	snap := o.snapshotLocked(wf, time.Now())
	o.mu.Unlock()

	ckpt, err := o.checkpoints.Create(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}
	o.recordCheckpoint(workflowID, ckpt)
	return ckpt, nil
}

// Resume rebuilds a workflow from its latest checkpoint: queued tasks return
// to the queue and completed ids are remembered, so the next tick dispatches
// normally.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (*models.Workflow, error) {
	if o.checkpoints == nil {
		return nil, fmt.Errorf("no checkpoint store configured")
	}
	snap, err := o.checkpoints.Resume(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", workflowID, err)
	}

	now := time.Now()
	o.mu.Lock()
	wf := o.workflows[workflowID]
	if wf == nil {
		wf = &models.Workflow{
			ID: workflowID,
			Goal: models.Goal{
				ID:          workflowID,
				Description: snap.Goal,
				SubmittedAt: now,
			},
			Status:    models.WorkflowExecuting,
			CreatedAt: now,
			UpdatedAt: now,
		}
		o.workflows[workflowID] = wf
		o.initWorkflowGraphLocked(wf)
	} else {
		wf.Status = models.WorkflowExecuting
		wf.Error = ""
	}

	done := o.completed[workflowID]
	if done == nil {
		done = make(map[string]struct{})
		o.completed[workflowID] = done
	}
	for _, id := range snap.CompletedIDs {
		done[id] = struct{}{}
		if o.tasks[id] == nil {
			o.tasks[id] = &models.Task{
				ID:         id,
				WorkflowID: workflowID,
				Status:     models.TaskCompleted,
				CreatedAt:  now,
			}
			wf.TaskIDs = append(wf.TaskIDs, id)
		}
	}

	requeued := 0
	for _, summary := range snap.QueuedTasks {
		if o.tasks[summary.ID] != nil {
			continue
		}
		task := &models.Task{
			ID:           summary.ID,
			WorkflowID:   workflowID,
			Type:         summary.Type,
			Priority:     summary.Priority,
			Status:       models.TaskQueued,
			Dependencies: summary.Dependencies,
			Input:        summary.Input,
			StepNumber:   summary.StepNumber,
			CreatedAt:    now,
		}
		o.tasks[task.ID] = task
		wf.TaskIDs = append(wf.TaskIDs, task.ID)
		o.queue.push(task)
		requeued++
	}
	wf.UpdatedAt = now
	o.mu.Unlock()

	metrics.CheckpointsResumed.Inc()
	o.logger.Info("workflow resumed",
		zap.String("workflow_id", workflowID),
		zap.Int("requeued", requeued),
		zap.Int("completed", len(snap.CompletedIDs)))
	return o.mustWorkflow(workflowID), nil
}

// snapshotExecutingLocked builds snapshots for every executing workflow.
func (o *Orchestrator) snapshotExecutingLocked(now time.Time) []*checkpoint.Snapshot {
	var out []*checkpoint.Snapshot
	for _, wf := range o.workflows {
		if wf.Status != models.WorkflowExecuting {
			continue
		}
		out = append(out, o.snapshotLocked(wf, now))
	}
	return out
}

// snapshotLocked captures one workflow's durable state.
func (o *Orchestrator) snapshotLocked(wf *models.Workflow, now time.Time) *checkpoint.Snapshot {
	// Stable ordering keeps the content hash identical for identical state.
	var queued []checkpoint.TaskSummary
	for _, t := range o.queue.snapshot(wf.ID) {
		queued = append(queued, checkpoint.TaskSummary{
			ID:           t.ID,
			Type:         t.Type,
			Priority:     t.Priority,
			Dependencies: t.Dependencies,
			Input:        t.Input,
			StepNumber:   t.StepNumber,
		})
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].ID < queued[j].ID })

	var completedIDs []string
	for id := range o.completed[wf.ID] {
		completedIDs = append(completedIDs, id)
	}
	sort.Strings(completedIDs)

	return &checkpoint.Snapshot{
		WorkflowID:    wf.ID,
		Goal:          wf.Goal.Description,
		QueuedTasks:   queued,
		CompletedIDs:  completedIDs,
		WorkingMemory: o.archived[wf.ID],
		TakenAt:       now,
	}
}

func (o *Orchestrator) persistSnapshot(ctx context.Context, snap *checkpoint.Snapshot) {
	ckpt, err := o.checkpoints.Create(ctx, snap)
	if err != nil {
		o.logger.Error("checkpoint failed", zap.String("workflow_id", snap.WorkflowID), zap.Error(err))
		return
	}
	o.recordCheckpoint(snap.WorkflowID, ckpt)
}

func (o *Orchestrator) recordCheckpoint(workflowID string, ckpt *checkpoint.Checkpoint) {
	o.mu.Lock()
	if wf := o.workflows[workflowID]; wf != nil {
		known := false
		for _, id := range wf.Checkpoints {
			if id == ckpt.ID {
				known = true
				break
			}
		}
		if !known {
			wf.Checkpoints = append(wf.Checkpoints, ckpt.ID)
		}
	}
	o.mu.Unlock()

	metrics.CheckpointsCreated.Inc()
	o.publish(streaming.Event{
		WorkflowID: workflowID,
		Type:       streaming.EventCheckpointCreated,
		Message:    ckpt.ID,
	})
}

func (o *Orchestrator) mustWorkflow(id string) *models.Workflow {
	wf, _ := o.Workflow(id)
	return wf
}
