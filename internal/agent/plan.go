package agent

import (
	"regexp"
	"strings"

	"github.com/loomworks/loom/internal/models"
)

var numberedStep = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s+(.+)$`)

// synthesizePlanParams builds EmitPlan parameters from free-form reasoning.
// Numbered lines become plan steps; when none parse, the task itself becomes
// a single-step plan so a planner always emits something executable.
func synthesizePlanParams(reasoning string, task *models.Task) map[string]interface{} {
	goal, _ := task.Input["goal"].(string)
	if goal == "" {
		goal, _ = task.Input["description"].(string)
	}

	var steps []interface{}
	for i, match := range numberedStep.FindAllStringSubmatch(reasoning, -1) {
		action := strings.TrimSpace(match[2])
		if action == "" {
			continue
		}
		steps = append(steps, map[string]interface{}{
			"index":  i + 1,
			"action": action,
		})
	}

	if len(steps) == 0 {
		action := goal
		if action == "" {
			action = "complete task " + task.ID
		}
		steps = []interface{}{map[string]interface{}{
			"index":  1,
			"action": action,
		}}
	}

	return map[string]interface{}{
		"goal":  goal,
		"steps": steps,
	}
}

// PlanFromOutput extracts plan steps from a completed plan task's output.
// Used by the orchestrator when expanding a plan into the execute phase.
func PlanFromOutput(output map[string]interface{}) (string, []models.PlanStep) {
	goal, _ := output["goal"].(string)
	raw, _ := output["steps"].([]interface{})

	steps := make([]models.PlanStep, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case map[string]interface{}:
			action, _ := v["action"].(string)
			if action == "" {
				if d, ok := v["description"].(string); ok {
					action = d
				}
			}
			steps = append(steps, models.PlanStep{Index: i + 1, Action: action})
		case string:
			steps = append(steps, models.PlanStep{Index: i + 1, Action: v})
		}
	}
	return goal, steps
}
