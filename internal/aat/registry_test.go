package aat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/models"
)

func writeDef(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
}

const plannerDef = `
id: planner
action_space:
  allowed:
    - type: EmitPlan
    - type: QueryData
  forbidden:
    - type: Act
      rationale: planners do not execute
behavioral_invariants:
  - id: planner-emits-plan
    enforcement: structural
    required_output_action: EmitPlan
parallelization:
  parallelizable: true
  max_concurrent: 3
  conflicts_with: [planner]
`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	writeDef(t, dir, "planner.yaml", plannerDef)
	r, err := NewRegistry(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryLoadsDefinitions(t *testing.T) {
	r := newTestRegistry(t)

	def := r.Get("planner")
	require.NotNil(t, def)
	require.Equal(t, "planner", def.ID)
	require.Len(t, def.ActionSpace.Allowed, 2)
}

func TestActionSpaceLookups(t *testing.T) {
	r := newTestRegistry(t)

	if !r.IsActionAllowed("planner", models.ActionEmitPlan) {
		t.Fatal("EmitPlan should be allowed for planner")
	}
	if r.IsActionAllowed("planner", models.ActionAct) {
		t.Fatal("Act should not be allowed for planner")
	}
	if !r.IsActionForbidden("planner", models.ActionAct) {
		t.Fatal("Act should be forbidden for planner")
	}
	// Allowed but unlisted actions are neither allowed nor forbidden.
	if r.IsActionAllowed("planner", models.ActionStore) {
		t.Fatal("Store is outside the planner action space")
	}
	if r.IsActionForbidden("planner", models.ActionStore) {
		t.Fatal("Store is not explicitly forbidden")
	}
}

func TestUnknownAATForbidsEverything(t *testing.T) {
	r := newTestRegistry(t)

	if r.IsActionAllowed("nonesuch", models.ActionEmitPlan) {
		t.Fatal("unknown AAT must allow nothing")
	}
	if !r.IsActionForbidden("nonesuch", models.ActionEmitPlan) {
		t.Fatal("unknown AAT must forbid everything")
	}
	res := r.ValidateAffordance("nonesuch", models.ActionEmitPlan)
	require.False(t, res.Valid)
	require.Contains(t, res.Reason, "unknown AAT")
}

func TestRequiredOutputAction(t *testing.T) {
	r := newTestRegistry(t)
	require.Equal(t, models.ActionEmitPlan, r.RequiredOutputAction("planner"))
	require.Equal(t, "", r.RequiredOutputAction("nonesuch"))
}

func TestParallelizationRulesExplicitAndDefault(t *testing.T) {
	r := newTestRegistry(t)

	explicit := r.ParallelizationRules("planner")
	require.True(t, explicit.Parallelizable)
	require.Equal(t, 3, explicit.MaxConcurrent)
	require.Equal(t, []string{"planner"}, explicit.ConflictsWith)

	// No definition on file: built-in archetype default applies.
	executor := r.ParallelizationRules(models.ArchetypeExecutor)
	require.True(t, executor.Parallelizable)
	require.Equal(t, 20, executor.MaxConcurrent)
	require.True(t, executor.RequiresIsolation)

	arbiter := r.ParallelizationRules(models.ArchetypeArbiter)
	require.False(t, arbiter.Parallelizable)
	require.Equal(t, 1, arbiter.MaxConcurrent)
}

func TestValidateAffordanceCarriesRationale(t *testing.T) {
	r := newTestRegistry(t)

	res := r.ValidateAffordance("planner", models.ActionAct)
	require.False(t, res.Valid)
	require.Contains(t, res.Reason, "planners do not execute")

	res = r.ValidateAffordance("planner", models.ActionEmitPlan)
	require.True(t, res.Valid)
}

func TestRejectsConflictingDefinition(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "bad.yaml", `
id: bad
action_space:
  allowed:
    - type: Act
  forbidden:
    - type: Act
`)
	_, err := NewRegistry(dir, zap.NewNop())
	require.Error(t, err)
}

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry([]*AAT{{
		ID: "observer",
		ActionSpace: ActionSpace{
			Allowed: []AllowedAction{{Type: models.ActionObserve}},
		},
	}}, zap.NewNop())
	require.True(t, r.IsActionAllowed("observer", models.ActionObserve))
	require.ElementsMatch(t, []string{"observer"}, r.IDs())
}
