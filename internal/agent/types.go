// Package agent implements the per-task decision loop: fetch a context view,
// decide on an affordance, traverse it through the broker, and repeat until
// a terminal action or the iteration cap.
package agent

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/broker"
	"github.com/loomworks/loom/internal/models"
)

// Agent states
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateWaiting   = "waiting"
)

// Decision is what a reasoner (or a deterministic shortcut) proposes for the
// current iteration.
type Decision struct {
	Reasoning            string                 `json:"reasoning"`
	SelectedAffordanceID string                 `json:"selected_affordance_id,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	ShouldContinue       bool                   `json:"should_continue"`
	Message              string                 `json:"message,omitempty"`
	Usage                *models.TokenUsage     `json:"usage,omitempty"`
}

// Reasoner produces decisions from context views. Implementations wrap an
// LLM; tests use scripted reasoners.
type Reasoner interface {
	ReasonAboutContext(ctx context.Context, systemPrompt string, view *models.ContextView, task *models.Task, previous []ActionRecord) (*Decision, error)
}

// ToolRunner is the optional tool-execution capability of a reasoner. The
// runtime only consults it for executor agents.
type ToolRunner interface {
	RunWithTools(ctx context.Context, task *models.Task, allowedTools []string) *ToolResult
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ActionRecord is one entry in the agent's action history.
type ActionRecord struct {
	AffordanceID string                 `json:"affordance_id"`
	ActionType   string                 `json:"action_type"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Success      bool                   `json:"success"`
	ResultType   string                 `json:"result_type,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	TraceID      string                 `json:"trace_id,omitempty"`
	Error        string                 `json:"error,omitempty"`
	At           time.Time              `json:"at"`
}

// TaskResult is the projection of the action history the runtime hands back
// to the orchestrator. Raw reasoning never appears here.
type TaskResult struct {
	Status    string                 `json:"status"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	WaitingOn *models.Affordance     `json:"waiting_on,omitempty"`
	Actions   []ActionRecord         `json:"actions,omitempty"`
	Usage     models.TokenUsage      `json:"usage"`
}

// ContextBroker is the broker surface the runtime consumes.
type ContextBroker interface {
	GetContext(ctx context.Context, creds *auth.Credentials, taskContext map[string]interface{}) (*models.ContextView, error)
	Traverse(ctx context.Context, contextID, affordanceID string, params map[string]interface{}, creds *auth.Credentials) *broker.TraverseResult
}
