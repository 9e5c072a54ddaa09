package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/aat"
	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/broker"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/provenance"
	"github.com/loomworks/loom/internal/validation"
)

// testReasoner scripts per-archetype decisions. Arbiter and archivist runs
// never reach it: the runtime's deterministic shortcuts handle them.
type testReasoner struct {
	archetype string
	planSteps []string

	execDelay  time.Duration
	execActive *atomic.Int64
	execPeak   *atomic.Int64
}

func (r *testReasoner) ReasonAboutContext(_ context.Context, _ string, view *models.ContextView, task *models.Task, previous []agent.ActionRecord) (*agent.Decision, error) {
	switch r.archetype {
	case models.ArchetypePlanner:
		reasoning := ""
		for i, step := range r.planSteps {
			reasoning += fmt.Sprintf("%d) %s\n", i+1, step)
		}
		return &agent.Decision{Reasoning: reasoning, ShouldContinue: false}, nil

	case models.ArchetypeExecutor:
		for _, rec := range previous {
			if rec.ActionType == models.ActionAct && rec.Success {
				return &agent.Decision{Reasoning: "done", ShouldContinue: false}, nil
			}
		}
		if r.execActive != nil {
			n := r.execActive.Add(1)
			for {
				peak := r.execPeak.Load()
				if n <= peak || r.execPeak.CompareAndSwap(peak, n) {
					break
				}
			}
			time.Sleep(r.execDelay)
			r.execActive.Add(-1)
		}
		act := view.FindAffordanceByAction(models.ActionAct)
		if act == nil {
			return &agent.Decision{Reasoning: "nothing to do", ShouldContinue: false}, nil
		}
		return &agent.Decision{
			Reasoning:            "executing step",
			SelectedAffordanceID: act.ID,
			ShouldContinue:       true,
			Usage:                &models.TokenUsage{TotalTokens: 10, CostUSD: 0.001},
		}, nil

	case models.ArchetypeObserver:
		for _, rec := range previous {
			if rec.ActionType == models.ActionObserve && rec.Success {
				return &agent.Decision{Reasoning: "done", ShouldContinue: false}, nil
			}
		}
		obs := view.FindAffordanceByAction(models.ActionObserve)
		if obs == nil {
			return &agent.Decision{Reasoning: "nothing to observe", ShouldContinue: false}, nil
		}
		return &agent.Decision{
			Reasoning:            "checking the step outcome",
			SelectedAffordanceID: obs.ID,
			Parameters:           map[string]interface{}{"report": "step looks healthy", "target": task.Input["target"]},
			ShouldContinue:       true,
		}, nil
	}
	return &agent.Decision{Reasoning: "noop", ShouldContinue: false}, nil
}

func testAATDefs() []*aat.AAT {
	return []*aat.AAT{
		{
			ID: models.ArchetypePlanner,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{{Type: models.ActionEmitPlan}},
			},
			Invariants: []aat.Invariant{
				{ID: "must-plan", Enforcement: aat.EnforcementStructural, RequiredOutputAction: models.ActionEmitPlan},
			},
		},
		{
			ID: models.ArchetypeExecutor,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{{Type: models.ActionAct}},
			},
		},
		{
			ID: models.ArchetypeObserver,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{{Type: models.ActionObserve}},
			},
		},
		{
			ID: models.ArchetypeArbiter,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{{Type: models.ActionApprove}, {Type: models.ActionDeny}},
			},
		},
		{
			ID: models.ArchetypeArchivist,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{{Type: models.ActionStore}},
			},
		},
		{
			ID: models.ArchetypeAnalyst,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{{Type: models.ActionQueryData}, {Type: models.ActionEmitInsight}},
			},
		},
	}
}

type harness struct {
	orch      *Orchestrator
	ckpts     *checkpoint.MemoryStore
	reasoners map[string]*testReasoner
}

func newHarness(t *testing.T, pol *Policy, planSteps []string) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	validator, err := validation.NewParamValidator()
	require.NoError(t, err)
	registry := aat.NewStaticRegistry(testAATDefs(), logger)
	ctxBroker := broker.New(logger, registry, policy.NewEngine(logger), validator, provenance.NewMemoryStore(logger))

	h := &harness{
		ckpts:     checkpoint.NewMemoryStore(),
		reasoners: make(map[string]*testReasoner),
	}
	factory := func(archetype string) agent.Reasoner {
		if r, ok := h.reasoners[archetype]; ok {
			return r
		}
		r := &testReasoner{archetype: archetype, planSteps: planSteps}
		h.reasoners[archetype] = r
		return r
	}

	h.orch = New(logger, pol, ctxBroker,
		auth.NewAuthority("test-signing-key", time.Hour),
		registry, factory, h.ckpts,
		WithTickInterval(10*time.Millisecond),
		WithCheckpointInterval(0),
	)
	return h
}

// tickUntil drives the scheduler manually until the condition holds.
func tickUntil(t *testing.T, o *Orchestrator, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		o.Tick(context.Background())
		return cond()
	}, 10*time.Second, 10*time.Millisecond)
	o.Stop()
}

func tasksByType(tasks []*models.Task, taskType string) []*models.Task {
	var out []*models.Task
	for _, task := range tasks {
		if task.Type == taskType {
			out = append(out, task)
		}
	}
	return out
}

func TestParallelPlanExecuteArchive(t *testing.T) {
	h := newHarness(t, nil, []string{"s1", "s2"})

	wf, err := h.orch.SubmitGoal(context.Background(), models.Goal{
		Description: "G",
		Options:     models.GoalOptions{EnableParallelExecution: true},
	})
	require.NoError(t, err)

	tickUntil(t, h.orch, func() bool {
		current, _ := h.orch.Workflow(wf.ID)
		return current.Status == models.WorkflowCompleted || current.Status == models.WorkflowFailed
	})

	current, ok := h.orch.Workflow(wf.ID)
	require.True(t, ok)
	assert.Equal(t, models.WorkflowCompleted, current.Status, current.Error)

	tasks := h.orch.WorkflowTasks(wf.ID)
	plans := tasksByType(tasks, models.TaskTypePlan)
	execs := tasksByType(tasks, models.TaskTypeExecute)
	archives := tasksByType(tasks, models.TaskTypeArchive)
	require.Len(t, plans, 1)
	require.Len(t, execs, 2)
	require.Len(t, archives, 1)

	for _, exec := range execs {
		assert.Equal(t, []string{plans[0].ID}, exec.Dependencies)
		assert.Equal(t, models.TaskCompleted, exec.Status)
	}
	assert.ElementsMatch(t, []string{execs[0].ID, execs[1].ID}, archives[0].Dependencies)
	assert.Equal(t, models.TaskCompleted, archives[0].Status)

	archived, ok := h.orch.ArchivedResult(wf.ID)
	require.True(t, ok)
	assert.Contains(t, archived, "ref")
}

func TestWorkflowContextGraph(t *testing.T) {
	h := newHarness(t, nil, []string{"s1", "s2"})

	wf, err := h.orch.SubmitGoal(context.Background(), models.Goal{
		Description: "G",
		Options:     models.GoalOptions{EnableParallelExecution: true},
	})
	require.NoError(t, err)

	tickUntil(t, h.orch, func() bool {
		current, _ := h.orch.Workflow(wf.ID)
		return current.Status == models.WorkflowCompleted || current.Status == models.WorkflowFailed
	})

	sc, ok := h.orch.WorkflowContext(wf.ID)
	require.True(t, ok)

	goalNode, ok := sc.Node("goal")
	require.True(t, ok)
	assert.Equal(t, "G", goalNode.Label)

	// Goal node plus one node per completed task: plan, two executes, archive.
	assert.Equal(t, 5, sc.NodeCount())

	tasks := h.orch.WorkflowTasks(wf.ID)
	plans := tasksByType(tasks, models.TaskTypePlan)
	execs := tasksByType(tasks, models.TaskTypeExecute)
	require.Len(t, plans, 1)
	require.Len(t, execs, 2)

	planNode, ok := sc.Node(plans[0].ID)
	require.True(t, ok)
	status, ok := planNode.Data.Get("status")
	require.True(t, ok)
	assert.Equal(t, models.TaskCompleted, status)

	// The plan had no dependencies, so it links straight to the goal.
	_, ok = sc.Edge(plans[0].ID + "->goal")
	assert.True(t, ok)

	// Executes link to the plan they depend on.
	for _, exec := range execs {
		_, ok := sc.Edge(exec.ID + "->" + plans[0].ID)
		assert.True(t, ok, "missing dependency edge for %s", exec.ID)
	}

	wfStatus, ok := sc.Metadata("status")
	require.True(t, ok)
	assert.Equal(t, models.WorkflowCompleted, wfStatus)
}

func TestSequentialExpansion(t *testing.T) {
	h := newHarness(t, nil, []string{"migrate schema", "verify rows"})

	wf, err := h.orch.SubmitGoal(context.Background(), models.Goal{
		Description: "migrate the catalog",
	})
	require.NoError(t, err)

	tickUntil(t, h.orch, func() bool {
		current, _ := h.orch.Workflow(wf.ID)
		return current.Status == models.WorkflowCompleted || current.Status == models.WorkflowFailed
	})

	current, _ := h.orch.Workflow(wf.ID)
	assert.Equal(t, models.WorkflowCompleted, current.Status, current.Error)

	tasks := h.orch.WorkflowTasks(wf.ID)
	approves := tasksByType(tasks, models.TaskTypeApprove)
	execs := tasksByType(tasks, models.TaskTypeExecute)
	observes := tasksByType(tasks, models.TaskTypeObserve)
	archives := tasksByType(tasks, models.TaskTypeArchive)
	require.Len(t, approves, 2)
	require.Len(t, execs, 2)
	require.Len(t, observes, 2)
	require.Len(t, archives, 1)

	// Per-step chain: approve -> execute -> observe, then archive after the
	// last observe.
	for i := range execs {
		assert.Equal(t, []string{approves[i].ID}, execs[i].Dependencies)
		assert.Equal(t, []string{execs[i].ID}, observes[i].Dependencies)
	}
	assert.Equal(t, []string{observes[1].ID}, archives[0].Dependencies)

	// The execute input names its approve gate and the step action.
	assert.Equal(t, approves[0].ID, execs[0].Input["actionRef"])
	assert.Equal(t, "migrate schema", execs[0].Input["target"])
}

func TestExecutorConcurrencyCap(t *testing.T) {
	pol := DefaultPolicy()
	pol.MaxPerType[models.ArchetypeExecutor] = 2

	h := newHarness(t, pol, []string{"a", "b", "c", "d", "e"})
	var active, peak atomic.Int64
	h.reasoners[models.ArchetypeExecutor] = &testReasoner{
		archetype:  models.ArchetypeExecutor,
		execDelay:  20 * time.Millisecond,
		execActive: &active,
		execPeak:   &peak,
	}

	wf, err := h.orch.SubmitGoal(context.Background(), models.Goal{
		Description: "wide fan-out",
		Options:     models.GoalOptions{EnableParallelExecution: true},
	})
	require.NoError(t, err)

	tickUntil(t, h.orch, func() bool {
		current, _ := h.orch.Workflow(wf.ID)
		return current.Status == models.WorkflowCompleted || current.Status == models.WorkflowFailed
	})

	current, _ := h.orch.Workflow(wf.ID)
	require.Equal(t, models.WorkflowCompleted, current.Status, current.Error)

	execs := tasksByType(h.orch.WorkflowTasks(wf.ID), models.TaskTypeExecute)
	require.Len(t, execs, 5)
	for _, exec := range execs {
		assert.Equal(t, models.TaskCompleted, exec.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2), "executor cap exceeded")
}

func TestDependencyOrderingHeldBack(t *testing.T) {
	h := newHarness(t, nil, nil)

	wf, err := h.orch.SubmitGoal(context.Background(), models.Goal{Description: "ordering"})
	require.NoError(t, err)

	// An execute task depending on a task that never completes must not
	// dispatch.
	blocked := &models.Task{
		ID:           "exec-blocked",
		WorkflowID:   wf.ID,
		Type:         models.TaskTypeExecute,
		Status:       models.TaskQueued,
		Dependencies: []string{"never-done"},
		Input:        map[string]interface{}{"target": "x"},
		CreatedAt:    time.Now(),
	}
	require.NoError(t, h.orch.EnqueueTasks(wf.ID, blocked))

	for i := 0; i < 5; i++ {
		h.orch.Tick(context.Background())
	}
	h.orch.Stop()

	got, ok := h.orch.Task("exec-blocked")
	require.True(t, ok)
	assert.Equal(t, models.TaskQueued, got.Status)
}

func TestEnqueueRejectsCycle(t *testing.T) {
	h := newHarness(t, nil, nil)

	wf, err := h.orch.SubmitGoal(context.Background(), models.Goal{Description: "cyclic"})
	require.NoError(t, err)

	a := &models.Task{ID: "t-a", WorkflowID: wf.ID, Type: models.TaskTypeExecute, Dependencies: []string{"t-b"}, CreatedAt: time.Now()}
	b := &models.Task{ID: "t-b", WorkflowID: wf.ID, Type: models.TaskTypeExecute, Dependencies: []string{"t-a"}, CreatedAt: time.Now()}

	err = h.orch.EnqueueTasks(wf.ID, a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	_, ok := h.orch.Task("t-a")
	assert.False(t, ok)
}

func TestResourceGateBlocksDispatch(t *testing.T) {
	pol := DefaultPolicy()
	pol.Resources.MaxTokensPerMinute = 5

	h := newHarness(t, pol, []string{"s1"})
	h.orch.gate.recordUsage(10, 0)

	wf, err := h.orch.SubmitGoal(context.Background(), models.Goal{Description: "starved"})
	require.NoError(t, err)

	ch := h.orch.Events().Subscribe(wf.ID, 16)
	defer h.orch.Events().Unsubscribe(wf.ID, ch)

	for i := 0; i < 3; i++ {
		h.orch.Tick(context.Background())
	}
	h.orch.Stop()

	// Nothing dispatched while the token window is exhausted.
	tasks := h.orch.WorkflowTasks(wf.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskQueued, tasks[0].Status)

	sawLimit := false
	for len(ch) > 0 {
		if evt := <-ch; evt.Type == "resource-limit-reached" {
			sawLimit = true
		}
	}
	assert.True(t, sawLimit)
}

func TestCheckpointAndResume(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	wf, err := h.orch.SubmitGoal(ctx, models.Goal{Description: "resumable"})
	require.NoError(t, err)

	// Simulate mid-flight state: two completed tasks, three still queued.
	doneA := &models.Task{ID: "done-a", WorkflowID: wf.ID, Type: models.TaskTypeExecute, CreatedAt: time.Now()}
	doneB := &models.Task{ID: "done-b", WorkflowID: wf.ID, Type: models.TaskTypeExecute, CreatedAt: time.Now()}
	require.NoError(t, h.orch.EnqueueTasks(wf.ID, doneA, doneB))
	var queued []*models.Task
	for i := 0; i < 3; i++ {
		queued = append(queued, &models.Task{
			ID:           fmt.Sprintf("exec-%d", i),
			WorkflowID:   wf.ID,
			Type:         models.TaskTypeExecute,
			Dependencies: []string{"done-a"},
			Input:        map[string]interface{}{"target": fmt.Sprintf("step-%d", i)},
			CreatedAt:    time.Now(),
		})
	}
	require.NoError(t, h.orch.EnqueueTasks(wf.ID, queued...))

	h.orch.mu.Lock()
	h.orch.workflows[wf.ID].Status = models.WorkflowExecuting
	for _, task := range []*models.Task{doneA, doneB} {
		task.Status = models.TaskCompleted
		h.orch.completed[wf.ID][task.ID] = struct{}{}
	}
	// Drop the completed tasks and the plan task from the queue.
	h.orch.queue.remove(wf.ID)
	for _, task := range queued {
		h.orch.queue.push(task)
	}
	h.orch.mu.Unlock()

	ckpt, err := h.orch.Checkpoint(ctx, wf.ID)
	require.NoError(t, err)
	require.NotEmpty(t, ckpt.ContentHash)

	// Fresh orchestrator, same checkpoint store: the destroyed state must
	// come back from the snapshot alone.
	h2 := newHarness(t, nil, nil)
	h2.ckpts = h.ckpts
	h2.orch.checkpoints = h.ckpts

	resumed, err := h2.orch.Resume(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowExecuting, resumed.Status)
	assert.Equal(t, 3, h2.orch.QueueDepth())

	for _, id := range []string{"done-a", "done-b"} {
		got, ok := h2.orch.Task(id)
		require.True(t, ok)
		assert.Equal(t, models.TaskCompleted, got.Status)
	}

	// A further dispatch tick proceeds normally: dependencies on the
	// remembered completed ids are satisfied.
	tickUntil(t, h2.orch, func() bool {
		current, _ := h2.orch.Workflow(wf.ID)
		return current.Status == models.WorkflowCompleted
	})
}

func TestArbiterSingleton(t *testing.T) {
	h := newHarness(t, nil, nil)

	reason, ok := h.orch.canSpawnLocked(models.ArchetypeArbiter)
	require.True(t, ok, reason)

	// With one arbiter busy, a second is rejected both by parallelizability
	// and by the policy self-conflict.
	ag, err := h.orch.spawnLocked(models.ArchetypeArbiter)
	require.NoError(t, err)
	h.orch.pool.markBusy(ag)

	reason, ok = h.orch.canSpawnLocked(models.ArchetypeArbiter)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	h.orch.pool.release(ag.runtime.ID)
	_, ok = h.orch.canSpawnLocked(models.ArchetypeArbiter)
	assert.True(t, ok)
}

func TestCancelWorkflow(t *testing.T) {
	h := newHarness(t, nil, nil)

	wf, err := h.orch.SubmitGoal(context.Background(), models.Goal{Description: "doomed"})
	require.NoError(t, err)
	require.NoError(t, h.orch.CancelWorkflow(wf.ID))

	current, _ := h.orch.Workflow(wf.ID)
	assert.Equal(t, models.WorkflowFailed, current.Status)
	assert.Equal(t, "cancelled", current.Error)
	assert.Zero(t, h.orch.QueueDepth())

	assert.Error(t, h.orch.CancelWorkflow("wf-unknown"))
}
