package policy

import (
	"github.com/loomworks/loom/internal/models"
)

// Rule effects
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Condition operators
const (
	OpEq        = "eq"
	OpNeq       = "neq"
	OpIn        = "in"
	OpNotIn     = "not_in"
	OpContains  = "contains"
	OpMatches   = "matches"
	OpGt        = "gt"
	OpLt        = "lt"
	OpGte       = "gte"
	OpLte       = "lte"
	OpExists    = "exists"
	OpNotExists = "not_exists"
)

// Rule is a declarative policy rule. A rule matches iff all its conditions
// hold over the evaluation context {context, affordance, parameters}; rules
// with non-empty action or agent-type filters are skipped when the filters
// disagree with the proposal under evaluation.
type Rule struct {
	ID                  string             `yaml:"id" json:"id"`
	Name                string             `yaml:"name,omitempty" json:"name,omitempty"`
	Effect              string             `yaml:"effect" json:"effect"`
	Priority            int                `yaml:"priority" json:"priority"`
	AppliesToActions    []string           `yaml:"applies_to_actions,omitempty" json:"applies_to_actions,omitempty"`
	AppliesToAgentTypes []string           `yaml:"applies_to_agent_types,omitempty" json:"applies_to_agent_types,omitempty"`
	Conditions          []models.Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Reason              string             `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Input is one proposed (agent, action, parameters) triple plus the view it
// was proposed under.
type Input struct {
	View         *models.ContextView
	AffordanceID string
	Parameters   map[string]interface{}
	// Constraints registered outside the view (engine-level deontic
	// constraints). View-inline constraints are read from View.
	ExtraConstraints []models.Constraint
}

// Decision is the outcome of one evaluation. Deny reasons accumulate: every
// applicable deny rule is evaluated so the caller sees the full violation
// set, never just the first.
type Decision struct {
	Allow    bool     `json:"allow"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Audited  []string `json:"audited,omitempty"`
	Matched  []string `json:"matched_rules,omitempty"`
}
