package models

import "time"

// Constraint types
const (
	ConstraintDeontic  = "deontic"
	ConstraintOutcome  = "outcome"
	ConstraintTemporal = "temporal"
	ConstraintResource = "resource"
)

// Constraint enforcement levels
const (
	EnforceStrict   = "strict"
	EnforceAdvisory = "advisory"
	EnforceAudit    = "audit-only"
)

// Deontic modalities
const (
	ModalityObligation  = "obligation"
	ModalityProhibition = "prohibition"
	ModalityPermission  = "permission"
)

// ContextView is the single-use, short-lived decision context offered to one
// agent: the affordances it may traverse next plus the constraints in force.
type ContextView struct {
	ID                  string                  `json:"id"`
	AgentDID            string                  `json:"agent_did"`
	AgentType           string                  `json:"agent_type"`
	Timestamp           time.Time               `json:"timestamp"`
	ExpiresAt           time.Time               `json:"expires_at"`
	Nonce               string                  `json:"nonce"`
	Scope               string                  `json:"scope,omitempty"`
	VerifiedCredentials []string                `json:"verified_credentials,omitempty"`
	Constraints         []Constraint            `json:"constraints,omitempty"`
	Affordances         []Affordance            `json:"affordances"`
	Structural          *StructuralRequirements `json:"structural_requirements,omitempty"`
	TracePolicy         string                  `json:"trace_policy,omitempty"`
	Context             map[string]interface{}  `json:"context,omitempty"`
}

// Affordance identifies one permissible next action inside a ContextView.
type Affordance struct {
	ID                 string           `json:"id"`
	ActionType         string           `json:"action_type"`
	Rel                string           `json:"rel,omitempty"`
	Target             string           `json:"target,omitempty"`
	Params             AffordanceParams `json:"params,omitempty"`
	RequiresCredential []string         `json:"requires_credential,omitempty"`
	Effects            []string         `json:"effects,omitempty"`
	Enabled            bool             `json:"enabled"`
}

// AffordanceParams declares the parameter contract of an affordance.
type AffordanceParams struct {
	SchemaRef string `json:"params_schema_ref,omitempty"`
}

// StructuralRequirements carries the machine-enforced output requirement of
// the agent's AAT into the view.
type StructuralRequirements struct {
	RequiredOutputAction string `json:"required_output_action"`
}

// Constraint is a rule attached to a ContextView. Deontic constraints carry a
// modality; strict violations deny, advisory violations warn, audit-only
// violations are logged.
type Constraint struct {
	ID               string      `json:"id"`
	Type             string      `json:"type"`
	Rule             DeonticRule `json:"rule"`
	EnforcementLevel string      `json:"enforcement_level"`
}

// DeonticRule expresses an obligation, prohibition, or permission over the
// evaluation context. Conditions are conjunctive.
type DeonticRule struct {
	Modality    string      `json:"modality"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Condition is a single field test. Fields are dotted paths over the
// evaluation context, e.g. "parameters.confirmed" or "context.hasApproval".
type Condition struct {
	Field string      `json:"field" yaml:"field"`
	Op    string      `json:"op" yaml:"op"`
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// Expired reports whether the view is past its expiry at the given instant.
func (v *ContextView) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// FindAffordance returns the affordance with the given id, or nil.
func (v *ContextView) FindAffordance(id string) *Affordance {
	for i := range v.Affordances {
		if v.Affordances[i].ID == id {
			return &v.Affordances[i]
		}
	}
	return nil
}

// FindAffordanceByAction returns the first enabled affordance with the given
// action type, or nil.
func (v *ContextView) FindAffordanceByAction(actionType string) *Affordance {
	for i := range v.Affordances {
		if v.Affordances[i].ActionType == actionType && v.Affordances[i].Enabled {
			return &v.Affordances[i]
		}
	}
	return nil
}

// EnabledAffordances returns the enabled subset of the view's affordances.
func (v *ContextView) EnabledAffordances() []Affordance {
	out := make([]Affordance, 0, len(v.Affordances))
	for _, a := range v.Affordances {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}
