package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/models"
)

const testRego = `
package loom.traverse

default decision = {"allow": true}

decision = {"allow": false, "reason": "acts are frozen"} {
	input.affordance.actionType == "Act"
}
`

func TestRegoStage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(testRego), 0o644))

	stage, err := NewRegoStage(dir, zap.NewNop())
	require.NoError(t, err)

	e := NewEngine(zap.NewNop())
	e.SetExternalStage(stage)

	view := &models.ContextView{
		AgentType: models.ArchetypeExecutor,
		ExpiresAt: time.Now().Add(time.Minute),
		Affordances: []models.Affordance{
			{ID: "aff-act", ActionType: models.ActionAct, Enabled: true},
			{ID: "aff-q", ActionType: models.ActionQueryData, Enabled: true},
		},
		Context: map[string]interface{}{},
	}

	d := e.Evaluate(context.Background(), Input{View: view, AffordanceID: "aff-act"})
	require.False(t, d.Allow)
	require.Contains(t, d.DenyReason(), "acts are frozen")

	d = e.Evaluate(context.Background(), Input{View: view, AffordanceID: "aff-q"})
	require.True(t, d.Allow)
}

func TestRegoStageEmptyDirErrors(t *testing.T) {
	_, err := NewRegoStage(t.TempDir(), zap.NewNop())
	require.Error(t, err)
}
