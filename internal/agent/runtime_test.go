package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/aat"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/broker"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/provenance"
	"github.com/loomworks/loom/internal/validation"
)

// reasonerFunc adapts a function to the Reasoner interface so tests can
// script per-iteration decisions against the live view.
type reasonerFunc func(view *models.ContextView, task *models.Task, previous []ActionRecord) (*Decision, error)

func (f reasonerFunc) ReasonAboutContext(_ context.Context, _ string, view *models.ContextView, task *models.Task, previous []ActionRecord) (*Decision, error) {
	return f(view, task, previous)
}

// toolReasoner is a reasonerFunc that also implements ToolRunner.
type toolReasoner struct {
	reasonerFunc
	result *ToolResult
	calls  int
}

func (t *toolReasoner) RunWithTools(_ context.Context, _ *models.Task, _ []string) *ToolResult {
	t.calls++
	return t.result
}

func testDefs() []*aat.AAT {
	plannerMax := aat.Parallelism{Parallelizable: true, MaxConcurrent: 3}
	return []*aat.AAT{
		{
			ID: models.ArchetypePlanner,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{{Type: models.ActionEmitPlan}, {Type: models.ActionQueryData}},
			},
			Invariants: []aat.Invariant{
				{ID: "must-plan", Enforcement: aat.EnforcementStructural, RequiredOutputAction: models.ActionEmitPlan},
			},
			Parallel: &plannerMax,
		},
		{
			ID: models.ArchetypeExecutor,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{
					{Type: models.ActionAct},
					{Type: models.ActionDelete},
				},
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
			Invariants: []aat.Invariant{
				{ID: "must-store", Enforcement: aat.EnforcementStructural, RequiredOutputAction: models.ActionStore},
			},
		},
		{
			ID: models.ArchetypeAnalyst,
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{
					{Type: models.ActionQueryData},
					{Type: models.ActionEmitInsight},
				},
			},
		},
		{
			ID: "restricted",
			ActionSpace: aat.ActionSpace{
				Allowed: []aat.AllowedAction{
					{Type: models.ActionAct, RequiresCapability: "field_ops"},
				},
			},
		},
	}
}

func testBroker(t *testing.T) *broker.Broker {
	t.Helper()
	logger := zaptest.NewLogger(t)
	validator, err := validation.NewParamValidator()
	require.NoError(t, err)
	return broker.New(logger,
		aat.NewStaticRegistry(testDefs(), logger),
		policy.NewEngine(logger),
		validator,
		provenance.NewMemoryStore(logger),
	)
}

func creds(did, agentType string, caps ...string) *auth.Credentials {
	return &auth.Credentials{DID: did, AgentType: agentType, Capabilities: caps, CredentialTypes: caps}
}

func newRuntime(t *testing.T, agentType string, r Reasoner) *Runtime {
	t.Helper()
	c := creds("did:loom:"+agentType+"-1", agentType)
	return NewRuntime(agentType+"-1", c, r, testBroker(t), zaptest.NewLogger(t), 10)
}

func TestPlannerStructuralEnforcement(t *testing.T) {
	// The reasoner never selects an affordance; structural enforcement must
	// still produce a plan from the numbered reasoning.
	reasoner := reasonerFunc(func(_ *models.ContextView, _ *models.Task, previous []ActionRecord) (*Decision, error) {
		return &Decision{
			Reasoning:      "Plan:\n1. build the artifact\n2. run the tests\n3. publish",
			ShouldContinue: false,
		}, nil
	})
	rt := newRuntime(t, models.ArchetypePlanner, reasoner)

	task := &models.Task{ID: "t-plan", Type: models.TaskTypePlan, Input: map[string]interface{}{"goal": "ship the release"}}
	res := rt.Run(context.Background(), task)

	require.Equal(t, StateCompleted, res.Status, res.Error)
	assert.Equal(t, "ship the release", res.Output["goal"])
	steps, ok := res.Output["steps"].([]interface{})
	require.True(t, ok)
	assert.Len(t, steps, 3)

	require.NotEmpty(t, res.Actions)
	assert.Equal(t, models.ActionEmitPlan, res.Actions[0].ActionType)
	assert.True(t, res.Actions[0].Success)
}

func TestPlannerSingleStepFallback(t *testing.T) {
	reasoner := reasonerFunc(func(_ *models.ContextView, _ *models.Task, _ []ActionRecord) (*Decision, error) {
		return &Decision{Reasoning: "no structure here", ShouldContinue: false}, nil
	})
	rt := newRuntime(t, models.ArchetypePlanner, reasoner)

	task := &models.Task{ID: "t-plan", Type: models.TaskTypePlan, Input: map[string]interface{}{"goal": "tidy the index"}}
	res := rt.Run(context.Background(), task)

	require.Equal(t, StateCompleted, res.Status, res.Error)
	steps, ok := res.Output["steps"].([]interface{})
	require.True(t, ok)
	require.Len(t, steps, 1)
	step, ok := steps[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "tidy the index", step["action"])
}

func TestArbiterShortcutApproves(t *testing.T) {
	reasoner := reasonerFunc(func(_ *models.ContextView, _ *models.Task, _ []ActionRecord) (*Decision, error) {
		return nil, fmt.Errorf("arbiter shortcut should bypass the reasoner")
	})
	rt := newRuntime(t, models.ArchetypeArbiter, reasoner)

	task := &models.Task{ID: "t-approve", Type: models.TaskTypeApprove, Input: map[string]interface{}{}}
	res := rt.Run(context.Background(), task)

	require.Equal(t, StateCompleted, res.Status, res.Error)
	assert.Equal(t, true, res.Output["approved"])
	require.Len(t, res.Actions, 1)
	assert.Equal(t, models.ActionApprove, res.Actions[0].ActionType)
}

func TestArchivistShortcutStores(t *testing.T) {
	reasoner := reasonerFunc(func(_ *models.ContextView, _ *models.Task, _ []ActionRecord) (*Decision, error) {
		return nil, fmt.Errorf("archivist shortcut should bypass the reasoner")
	})
	rt := newRuntime(t, models.ArchetypeArchivist, reasoner)

	task := &models.Task{ID: "t-archive", Type: models.TaskTypeArchive, Input: map[string]interface{}{
		"content":     `{"goal":"done"}`,
		"contentType": "trace",
	}}
	res := rt.Run(context.Background(), task)

	require.Equal(t, StateCompleted, res.Status, res.Error)
	ref, _ := res.Output["ref"].(string)
	assert.Contains(t, ref, "artifact:trace:")
}

func TestAnalystRefusalFallback(t *testing.T) {
	reasoner := reasonerFunc(func(_ *models.ContextView, _ *models.Task, _ []ActionRecord) (*Decision, error) {
		return &Decision{Reasoning: "I cannot analyze this data.", ShouldContinue: false}, nil
	})
	rt := newRuntime(t, models.ArchetypeAnalyst, reasoner)

	task := &models.Task{ID: "t-analyze", Type: models.TaskTypeAnalyze, Input: map[string]interface{}{}}
	res := rt.Run(context.Background(), task)

	// Fallback query first, then the analyst shortcut emits the insight.
	require.Equal(t, StateCompleted, res.Status, res.Error)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, models.ActionQueryData, res.Actions[0].ActionType)
	assert.Equal(t, models.ActionEmitInsight, res.Actions[1].ActionType)
	insight, _ := res.Output["insight"].(string)
	assert.Contains(t, insight, "no rows")
}

func TestExecutorToolHook(t *testing.T) {
	reasoner := &toolReasoner{
		result: &ToolResult{Success: true, Output: "exit 0"},
	}
	reasoner.reasonerFunc = func(view *models.ContextView, _ *models.Task, previous []ActionRecord) (*Decision, error) {
		if len(previous) > 0 {
			return &Decision{Reasoning: "done", ShouldContinue: false}, nil
		}
		aff := view.FindAffordanceByAction(models.ActionAct)
		if aff == nil {
			return nil, fmt.Errorf("no Act affordance in view")
		}
		return &Decision{
			Reasoning:            "running the step",
			SelectedAffordanceID: aff.ID,
			ShouldContinue:       true,
		}, nil
	}
	rt := newRuntime(t, models.ArchetypeExecutor, reasoner)

	task := &models.Task{ID: "t-exec", Type: models.TaskTypeExecute, Input: map[string]interface{}{
		"actionRef": "approve-7",
		"target":    "build the artifact",
	}}
	res := rt.Run(context.Background(), task)

	require.Equal(t, StateCompleted, res.Status, res.Error)
	assert.Equal(t, 1, reasoner.calls)
	executions, ok := res.Output["executions"].([]interface{})
	require.True(t, ok)
	require.Len(t, executions, 1)
	exec, ok := executions[0].(map[string]interface{})
	require.True(t, ok)
	er, ok := exec["executionResult"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, er["success"])
}

func TestPolicyDenialIsRecoverable(t *testing.T) {
	reasoner := reasonerFunc(func(view *models.ContextView, _ *models.Task, previous []ActionRecord) (*Decision, error) {
		switch len(previous) {
		case 0:
			aff := view.FindAffordanceByAction(models.ActionDelete)
			require.NotNil(t, aff)
			return &Decision{
				Reasoning:            "removing stale output",
				SelectedAffordanceID: aff.ID,
				Parameters:           map[string]interface{}{"path": "tmp/stale"},
				ShouldContinue:       true,
			}, nil
		case 1:
			aff := view.FindAffordanceByAction(models.ActionAct)
			return &Decision{
				Reasoning:            "acting instead",
				SelectedAffordanceID: aff.ID,
				Parameters:           map[string]interface{}{"target": "rebuild"},
				ShouldContinue:       true,
			}, nil
		default:
			return &Decision{Reasoning: "done", ShouldContinue: false}, nil
		}
	})
	rt := newRuntime(t, models.ArchetypeExecutor, reasoner)

	task := &models.Task{ID: "t-exec", Type: models.TaskTypeExecute, Input: map[string]interface{}{}}
	res := rt.Run(context.Background(), task)

	// The unconfirmed delete is denied but the run recovers and completes.
	require.Equal(t, StateCompleted, res.Status, res.Error)
	require.Len(t, res.Actions, 2)
	assert.False(t, res.Actions[0].Success)
	assert.Contains(t, res.Actions[0].Error, "policy-denied")
	assert.True(t, res.Actions[1].Success)
}

func TestWaitingOnMissingCredential(t *testing.T) {
	reasoner := reasonerFunc(func(_ *models.ContextView, _ *models.Task, _ []ActionRecord) (*Decision, error) {
		return &Decision{ShouldContinue: false}, nil
	})
	c := creds("did:loom:restricted-1", "restricted")
	rt := NewRuntime("restricted-1", c, reasoner, testBroker(t), zaptest.NewLogger(t), 10)

	task := &models.Task{ID: "t-r", Type: models.TaskTypeExecute, Input: map[string]interface{}{}}
	res := rt.Run(context.Background(), task)

	require.Equal(t, StateWaiting, res.Status)
	require.NotNil(t, res.WaitingOn)
	assert.Equal(t, models.ActionRequestCredential, res.WaitingOn.ActionType)
}

func TestMaxIterationsReached(t *testing.T) {
	reasoner := reasonerFunc(func(view *models.ContextView, _ *models.Task, _ []ActionRecord) (*Decision, error) {
		aff := view.FindAffordanceByAction(models.ActionObserve)
		return &Decision{
			Reasoning:            "keep watching",
			SelectedAffordanceID: aff.ID,
			Parameters:           map[string]interface{}{"report": "all quiet"},
			ShouldContinue:       true,
		}, nil
	})
	c := creds("did:loom:observer-1", models.ArchetypeObserver)
	rt := NewRuntime("observer-1", c, reasoner, testBroker(t), zaptest.NewLogger(t), 3)

	task := &models.Task{ID: "t-obs", Type: models.TaskTypeObserve, Input: map[string]interface{}{}}
	res := rt.Run(context.Background(), task)

	require.Equal(t, StateFailed, res.Status)
	assert.Contains(t, res.Error, "max iterations")
	assert.Len(t, res.Actions, 3)
}

func TestCancellationBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reasoner := reasonerFunc(func(_ *models.ContextView, _ *models.Task, _ []ActionRecord) (*Decision, error) {
		t.Fatal("reasoner must not run after cancellation")
		return nil, nil
	})
	rt := newRuntime(t, models.ArchetypeObserver, reasoner)

	res := rt.Run(ctx, &models.Task{ID: "t", Type: models.TaskTypeObserve, Input: map[string]interface{}{}})
	require.Equal(t, StateFailed, res.Status)
	assert.Contains(t, res.Error, "cancelled")
}

func TestResultProjectionNeverLeaksReasoning(t *testing.T) {
	secret := "chain of thought the caller must never see"
	reasoner := reasonerFunc(func(view *models.ContextView, _ *models.Task, previous []ActionRecord) (*Decision, error) {
		if len(previous) > 0 {
			return &Decision{Reasoning: secret, ShouldContinue: false}, nil
		}
		aff := view.FindAffordanceByAction(models.ActionObserve)
		return &Decision{
			Reasoning:            secret,
			SelectedAffordanceID: aff.ID,
			Parameters:           map[string]interface{}{"report": "nominal"},
			ShouldContinue:       true,
		}, nil
	})
	rt := newRuntime(t, models.ArchetypeObserver, reasoner)

	res := rt.Run(context.Background(), &models.Task{ID: "t", Type: models.TaskTypeObserve, Input: map[string]interface{}{}})
	require.Equal(t, StateCompleted, res.Status, res.Error)
	assert.Equal(t, "nominal", res.Output["report"])
	for _, v := range res.Output {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, secret)
		}
	}
}
