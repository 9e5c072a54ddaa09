package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/models"
)

func newTaskID(taskType string) string {
	return fmt.Sprintf("%s-%s", taskType, uuid.New().String()[:8])
}

func stepMap(s models.PlanStep) map[string]interface{} {
	m := map[string]interface{}{
		"index":  s.Index,
		"action": s.Action,
	}
	if s.Rationale != "" {
		m["rationale"] = s.Rationale
	}
	return m
}

func planMap(goal string, steps []models.PlanStep) map[string]interface{} {
	raw := make([]interface{}, 0, len(steps))
	for _, s := range steps {
		raw = append(raw, stepMap(s))
	}
	return map[string]interface{}{"goal": goal, "steps": raw}
}

// expandPlan builds the execute-phase DAG from a completed plan task.
//
// Parallel mode fans out: every execute depends only on the plan task, and a
// single archive task depends on all executes. Sequential mode chains
// approve, execute, and observe per step, then appends archive.
//
// Each execute task's input carries the step, the whole plan, an actionRef
// naming its gate task, and the step action as target, so the executor's Act
// traversal passes parameter validation without further lookup.
func expandPlan(wf *models.Workflow, planTaskID, goal string, steps []models.PlanStep, parallel bool) []*models.Task {
	now := time.Now()
	plan := planMap(goal, steps)
	priority := wf.Goal.Priority

	mk := func(taskType string, deps []string, input map[string]interface{}, stepNumber int) *models.Task {
		return &models.Task{
			ID:           newTaskID(taskType),
			WorkflowID:   wf.ID,
			Type:         taskType,
			Priority:     priority,
			Status:       models.TaskQueued,
			Dependencies: deps,
			Input:        input,
			StepNumber:   stepNumber,
			CreatedAt:    now,
		}
	}

	var tasks []*models.Task

	if parallel {
		executeIDs := make([]string, 0, len(steps))
		for _, step := range steps {
			exec := mk(models.TaskTypeExecute, []string{planTaskID}, map[string]interface{}{
				"step":      stepMap(step),
				"plan":      plan,
				"actionRef": planTaskID,
				"target":    step.Action,
			}, step.Index)
			executeIDs = append(executeIDs, exec.ID)
			tasks = append(tasks, exec)
		}
		tasks = append(tasks, mk(models.TaskTypeArchive, executeIDs, archiveInput(goal, plan), 0))
		return tasks
	}

	prev := planTaskID
	for _, step := range steps {
		approve := mk(models.TaskTypeApprove, []string{prev}, map[string]interface{}{
			"goal": goal,
			"step": stepMap(step),
		}, step.Index)
		exec := mk(models.TaskTypeExecute, []string{approve.ID}, map[string]interface{}{
			"step":      stepMap(step),
			"plan":      plan,
			"actionRef": approve.ID,
			"target":    step.Action,
		}, step.Index)
		observe := mk(models.TaskTypeObserve, []string{exec.ID}, map[string]interface{}{
			"target": step.Action,
			"step":   stepMap(step),
		}, step.Index)
		tasks = append(tasks, approve, exec, observe)
		prev = observe.ID
	}
	tasks = append(tasks, mk(models.TaskTypeArchive, []string{prev}, archiveInput(goal, plan), 0))
	return tasks
}

// archiveInput defers the content payload to dispatch time; the completion
// timestamp is not known at expansion.
func archiveInput(goal string, plan map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"goal":        goal,
		"plan":        plan,
		"contentType": "trace",
	}
}

// prepareArchiveContent fills in the archive task's content just before
// dispatch, once the execute phase finished.
func prepareArchiveContent(task *models.Task) {
	if task.Type != models.TaskTypeArchive || task.Input == nil {
		return
	}
	if _, ok := task.Input["content"]; ok {
		return
	}
	payload := map[string]interface{}{
		"goal":        task.Input["goal"],
		"plan":        task.Input["plan"],
		"completedAt": time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	task.Input["content"] = string(raw)
}
