package agent

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/models"
)

// RuleReasoner is the deterministic built-in reasoner used when no LLM
// backend is wired. It selects the affordance matching the task type and
// leaves parameter synthesis to the runtime's injection table and structural
// enforcement. Archetypes with shortcut decisions (arbiter, archivist) never
// reach it.
type RuleReasoner struct{}

// NewRuleReasoner returns the stateless built-in reasoner.
func NewRuleReasoner() RuleReasoner { return RuleReasoner{} }

func (RuleReasoner) ReasonAboutContext(_ context.Context, _ string, view *models.ContextView, task *models.Task, previous []ActionRecord) (*Decision, error) {
	want := primaryAction(task.Type)
	if want == "" || hasSuccess(previous, want) {
		return &Decision{Reasoning: "objective satisfied", ShouldContinue: false}, nil
	}

	if want == models.ActionEmitPlan {
		// Stopping unsatisfied hands control to structural enforcement,
		// which synthesizes the plan parameters from the reasoning and the
		// task input.
		return &Decision{
			Reasoning:      planReasoning(task),
			ShouldContinue: false,
		}, nil
	}

	aff := view.FindAffordanceByAction(want)
	if aff == nil {
		// Stopping here lets structural enforcement substitute the required
		// output action when one is declared.
		return &Decision{
			Reasoning:      describeTask(task),
			ShouldContinue: false,
		}, nil
	}

	return &Decision{
		Reasoning:            describeTask(task),
		SelectedAffordanceID: aff.ID,
		ShouldContinue:       true,
	}, nil
}

// primaryAction maps a task type to the affordance its archetype works
// through.
func primaryAction(taskType string) string {
	switch taskType {
	case models.TaskTypePlan:
		return models.ActionEmitPlan
	case models.TaskTypeExecute:
		return models.ActionAct
	case models.TaskTypeObserve:
		return models.ActionObserve
	case models.TaskTypeApprove:
		return models.ActionApprove
	case models.TaskTypeArchive:
		return models.ActionStore
	case models.TaskTypeAnalyze:
		return models.ActionQueryData
	}
	return ""
}

// planReasoning renders any steps carried by the task input as numbered
// lines so plan synthesis picks them up; otherwise the goal becomes a
// single-step plan.
func planReasoning(task *models.Task) string {
	raw, _ := task.Input["steps"].([]interface{})
	if len(raw) == 0 {
		return describeTask(task)
	}
	out := ""
	for i, item := range raw {
		step, _ := item.(string)
		if step == "" {
			if m, ok := item.(map[string]interface{}); ok {
				step, _ = m["action"].(string)
			}
		}
		if step != "" {
			out += fmt.Sprintf("%d. %s\n", i+1, step)
		}
	}
	if out == "" {
		return describeTask(task)
	}
	return out
}

func describeTask(task *models.Task) string {
	if goal, ok := task.Input["goal"].(string); ok && goal != "" {
		return fmt.Sprintf("working toward: %s", goal)
	}
	if target, ok := task.Input["target"].(string); ok && target != "" {
		return fmt.Sprintf("acting on: %s", target)
	}
	return fmt.Sprintf("handling %s task %s", task.Type, task.ID)
}
