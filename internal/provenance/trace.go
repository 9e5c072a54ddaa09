// Package provenance holds the append-only record of every attempted
// action. Traces are immutable once stored; the store rejects duplicate ids
// instead of overwriting.
package provenance

import (
	"time"

	"github.com/loomworks/loom/internal/models"
)

// Trace outcome statuses
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// Trace is an immutable record of one attempted affordance traversal: who
// acted, what the action consumed, and what it produced.
type Trace struct {
	ID                string      `json:"id"`
	StartedAt         time.Time   `json:"started_at"`
	EndedAt           time.Time   `json:"ended_at"`
	WasAssociatedWith Association `json:"was_associated_with"`
	Used              Usage       `json:"used"`
	Generated         Generation  `json:"generated"`
	UsageEvent        *models.TokenUsage `json:"usage_event,omitempty"`
	InterventionLabel string      `json:"intervention_label,omitempty"`
}

// Association identifies the agent a trace is attributed to.
type Association struct {
	AgentDID  string `json:"agent_did"`
	AgentType string `json:"agent_type"`
}

// Usage records the inputs of the traversal.
type Usage struct {
	ContextSnapshotRef string                 `json:"context_snapshot_ref"`
	Affordance         models.Affordance      `json:"affordance"`
	Parameters         map[string]interface{} `json:"parameters,omitempty"`
	Credentials        []string               `json:"credentials,omitempty"`
}

// Generation records the outputs of the traversal.
type Generation struct {
	Outcome       Outcome  `json:"outcome"`
	StateChanges  []string `json:"state_changes,omitempty"`
	EventsEmitted []string `json:"events_emitted,omitempty"`
}

// Outcome is the terminal status of the traversal.
type Outcome struct {
	Status     string `json:"status"`
	ResultType string `json:"result_type,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ActionType returns the action type the trace records.
func (t *Trace) ActionType() string {
	return t.Used.Affordance.ActionType
}
