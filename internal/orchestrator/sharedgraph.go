package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/sharedctx"
)

// orchestratorDID is the actor identity under which the scheduler itself
// writes to workflow context graphs. It owns every graph it creates.
const orchestratorDID = "did:loom:orchestrator"

// contextFor returns the workflow's shared context graph, creating it on
// first use. Caller holds the mutex.
func (o *Orchestrator) contextFor(wf *models.Workflow) *sharedctx.SharedContext {
	if sc, ok := o.contexts[wf.ID]; ok {
		return sc
	}
	sc, err := sharedctx.New(sharedctx.Config{
		ID:        wf.ID,
		ReplicaID: "orchestrator",
		OwnerDID:  orchestratorDID,
		Emitter:   o.ctxEmitter,
		Logger:    o.logger.Named("sharedctx"),
	})
	if err != nil {
		// Only a custom strategy without a resolver can fail, and the
		// orchestrator never configures one.
		o.logger.Error("workflow context unavailable", zap.String("workflow_id", wf.ID), zap.Error(err))
		return nil
	}
	o.contexts[wf.ID] = sc
	return sc
}

// initWorkflowGraphLocked seeds a fresh workflow's context graph with the
// goal node. Caller holds the mutex.
func (o *Orchestrator) initWorkflowGraphLocked(wf *models.Workflow) {
	sc := o.contextFor(wf)
	if sc == nil {
		return
	}
	ctx := context.Background()
	if err := sc.AddNode(ctx, orchestratorDID, "goal", wf.Goal.Description); err != nil {
		o.logger.Warn("goal node rejected", zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	_ = sc.SetMetadata(ctx, orchestratorDID, "status", wf.Status)
}

// grantGraphAccessLocked gives a dispatched agent write access to its
// workflow's context graph. Caller holds the mutex.
func (o *Orchestrator) grantGraphAccessLocked(workflowID, agentDID string) {
	sc, ok := o.contexts[workflowID]
	if !ok {
		return
	}
	if err := sc.SetACL(orchestratorDID, agentDID, sharedctx.AccessWrite); err != nil {
		o.logger.Warn("graph grant rejected",
			zap.String("workflow_id", workflowID),
			zap.String("agent_did", agentDID),
			zap.Error(err))
	}
}

// recordTaskNodeLocked writes a completed task into the workflow's context
// graph: one node per task, one edge per dependency, linked back to the goal
// when the task has no dependencies. Caller holds the mutex.
func (o *Orchestrator) recordTaskNodeLocked(task *models.Task, agentDID string) {
	sc, ok := o.contexts[task.WorkflowID]
	if !ok {
		return
	}
	ctx := context.Background()
	if err := sc.AddNode(ctx, orchestratorDID, task.ID, task.Type); err != nil {
		o.logger.Warn("task node rejected", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	_ = sc.UpdateNode(ctx, orchestratorDID, task.ID, "status", task.Status)
	_ = sc.UpdateNode(ctx, orchestratorDID, task.ID, "agent_did", agentDID)

	if len(task.Dependencies) == 0 {
		_ = sc.AddEdge(ctx, orchestratorDID, task.ID+"->goal", task.ID, "goal", "fulfils")
		return
	}
	for _, dep := range task.Dependencies {
		edgeID := fmt.Sprintf("%s->%s", task.ID, dep)
		_ = sc.AddEdge(ctx, orchestratorDID, edgeID, task.ID, dep, "depends_on")
	}
}

// markGraphStatusLocked records a workflow status transition on the graph's
// metadata. Caller holds the mutex.
func (o *Orchestrator) markGraphStatusLocked(workflowID, status string) {
	sc, ok := o.contexts[workflowID]
	if !ok {
		return
	}
	_ = sc.SetMetadata(context.Background(), orchestratorDID, "status", status)
}

// WorkflowContext returns the shared context graph backing a workflow.
func (o *Orchestrator) WorkflowContext(workflowID string) (*sharedctx.SharedContext, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sc, ok := o.contexts[workflowID]
	return sc, ok
}
