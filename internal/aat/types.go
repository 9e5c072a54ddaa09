package aat

// Enforcement levels for behavioral invariants
const (
	EnforcementStructural = "structural"
	EnforcementAdvisory   = "advisory"
	EnforcementAudit      = "audit"
)

// AAT is an Abstract Agent Type: a declarative archetype describing the
// action space, behavioral invariants, and parallelization profile of one
// class of agent. Definitions are static and loaded once at startup.
type AAT struct {
	ID          string          `yaml:"id" json:"id"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	ActionSpace ActionSpace     `yaml:"action_space" json:"action_space"`
	Invariants  []Invariant     `yaml:"behavioral_invariants,omitempty" json:"behavioral_invariants,omitempty"`
	Parallel    *Parallelism    `yaml:"parallelization,omitempty" json:"parallelization,omitempty"`
}

// ActionSpace declares which action types an archetype may and may not take.
type ActionSpace struct {
	Allowed   []AllowedAction   `yaml:"allowed" json:"allowed"`
	Forbidden []ForbiddenAction `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`
}

// AllowedAction permits one action type, optionally gated on a capability
// the agent's credentials must carry.
type AllowedAction struct {
	Type               string `yaml:"type" json:"type"`
	RequiresCapability string `yaml:"requires_capability,omitempty" json:"requires_capability,omitempty"`
}

// ForbiddenAction denies one action type with a recorded rationale.
type ForbiddenAction struct {
	Type      string `yaml:"type" json:"type"`
	Rationale string `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// Invariant is a behavioral invariant carried by an archetype. Structural
// invariants are machine-enforced by the agent runtime; advisory and audit
// invariants are surfaced but not enforced.
type Invariant struct {
	ID                   string `yaml:"id" json:"id"`
	Enforcement          string `yaml:"enforcement" json:"enforcement"`
	RequiredOutputAction string `yaml:"required_output_action,omitempty" json:"required_output_action,omitempty"`
	Description          string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Parallelism is the parallelization profile of an archetype.
type Parallelism struct {
	Parallelizable        bool     `yaml:"parallelizable" json:"parallelizable"`
	MaxConcurrent         int      `yaml:"max_concurrent" json:"max_concurrent"`
	RequiresIsolation     bool     `yaml:"requires_isolation,omitempty" json:"requires_isolation,omitempty"`
	ConflictsWith         []string `yaml:"conflicts_with,omitempty" json:"conflicts_with,omitempty"`
	PreferredEnclaveScope string   `yaml:"preferred_enclave_scope,omitempty" json:"preferred_enclave_scope,omitempty"`
}

// ValidationResult is the outcome of validating an affordance against an AAT.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
