package policy

import (
	"github.com/loomworks/loom/internal/models"
)

// builtinRules are always installed. They encode the engine's safety floor;
// rule files may add to them but the ids below cannot be removed, only
// overridden.
var builtinRules = []Rule{
	{
		ID:               "deny-unconfirmed-destructive",
		Name:             "Destructive actions require confirmation",
		Effect:           EffectDeny,
		Priority:         100,
		AppliesToActions: keys(models.DestructiveActions),
		Conditions: []models.Condition{
			{Field: "parameters.confirmed", Op: OpNeq, Value: true},
		},
		Reason: "destructive action requires parameters.confirmed=true",
	},
	{
		ID:       "deny-protected-paths",
		Name:     "Protected path writes are denied",
		Effect:   EffectDeny,
		Priority: 100,
		Conditions: []models.Condition{
			{Field: "parameters.path", Op: OpMatches, Value: `^/?(system|protected|\.env|credentials)`},
		},
		Reason: "writes to protected paths are denied",
	},
	{
		ID:               "require-approval-external-write",
		Name:             "External writes require approval",
		Effect:           EffectDeny,
		Priority:         90,
		AppliesToActions: keys(models.ExternalWriteActions),
		Conditions: []models.Condition{
			{Field: "context.hasApproval", Op: OpNeq, Value: true},
		},
		Reason: "external write requires context.hasApproval=true",
	},
	{
		ID:                  "deny-planner-execution",
		Name:                "Planners do not execute",
		Effect:              EffectDeny,
		Priority:            80,
		AppliesToAgentTypes: []string{models.ArchetypePlanner},
		AppliesToActions: []string{
			models.ActionAct,
			models.ActionDelete,
			models.ActionWriteExternal,
		},
		Reason: "planner archetype is denied executor-style actions",
	},
	{
		ID:                  "deny-observer-mutation",
		Name:                "Observers do not mutate",
		Effect:              EffectDeny,
		Priority:            80,
		AppliesToAgentTypes: []string{models.ArchetypeObserver},
		AppliesToActions:    keys(models.MutatingActions),
		Reason:              "observer archetype is denied mutating actions",
	},
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
