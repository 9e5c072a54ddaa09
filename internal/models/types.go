package models

import "time"

// Task types routed to agent archetypes
const (
	TaskTypePlan    = "plan"
	TaskTypeApprove = "approve"
	TaskTypeExecute = "execute"
	TaskTypeObserve = "observe"
	TaskTypeArchive = "archive"
	TaskTypeAnalyze = "analyze"
)

// Agent archetypes
const (
	ArchetypePlanner   = "planner"
	ArchetypeExecutor  = "executor"
	ArchetypeObserver  = "observer"
	ArchetypeArbiter   = "arbiter"
	ArchetypeArchivist = "archivist"
	ArchetypeAnalyst   = "analyst"
)

// Task statuses
const (
	TaskQueued    = "queued"
	TaskReady     = "ready"
	TaskAssigned  = "assigned"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Workflow statuses
const (
	WorkflowPlanning         = "planning"
	WorkflowAwaitingApproval = "awaiting-approval"
	WorkflowExecuting        = "executing"
	WorkflowCompleted        = "completed"
	WorkflowFailed           = "failed"
)

// Archetypes lists every archetype in dispatch order. The orchestrator
// attempts one dispatch per archetype per tick in this order.
var Archetypes = []string{
	ArchetypePlanner,
	ArchetypeArbiter,
	ArchetypeExecutor,
	ArchetypeObserver,
	ArchetypeArchivist,
	ArchetypeAnalyst,
}

// ArchetypeForTaskType routes a task type to the archetype that handles it.
func ArchetypeForTaskType(taskType string) string {
	switch taskType {
	case TaskTypePlan:
		return ArchetypePlanner
	case TaskTypeApprove:
		return ArchetypeArbiter
	case TaskTypeExecute:
		return ArchetypeExecutor
	case TaskTypeObserve:
		return ArchetypeObserver
	case TaskTypeArchive:
		return ArchetypeArchivist
	case TaskTypeAnalyze:
		return ArchetypeAnalyst
	}
	return ""
}

// Goal is a client-submitted objective. Immutable after submission.
type Goal struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Constraints []string               `json:"constraints,omitempty"`
	Priority    int                    `json:"priority"`
	Options     GoalOptions            `json:"options"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// GoalOptions control how the orchestrator expands a goal.
type GoalOptions struct {
	EnableParallelExecution bool   `json:"enable_parallel_execution"`
	RequireApproval         bool   `json:"require_approval"`
	RepositoryURL           string `json:"repository_url,omitempty"`
	MaxSteps                int    `json:"max_steps,omitempty"`
}

// Workflow is the goal-rooted task DAG managed by the orchestrator.
// It terminates completed iff every task completed, failed if any task
// failed without retry coverage.
type Workflow struct {
	ID          string    `json:"id"`
	Goal        Goal      `json:"goal"`
	Status      string    `json:"status"`
	TaskIDs     []string  `json:"task_ids"`
	Checkpoints []string  `json:"checkpoints,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Error       string    `json:"error,omitempty"`
}

// Task is one node of a workflow DAG. A task becomes ready only when every
// dependency completed; assigned -> running -> terminal is irreversible;
// Output is read-only once the task completed.
type Task struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	Type            string                 `json:"type"`
	Priority        int                    `json:"priority"`
	Status          string                 `json:"status"`
	Dependencies    []string               `json:"dependencies,omitempty"`
	Input           map[string]interface{} `json:"input,omitempty"`
	Output          map[string]interface{} `json:"output,omitempty"`
	AssignedAgentID string                 `json:"assigned_agent_id,omitempty"`
	StepNumber      int                    `json:"step_number,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// Terminal reports whether the task reached a terminal status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// PlanStep is a single step of an emitted plan.
type PlanStep struct {
	Index     int    `json:"index"`
	Action    string `json:"action"`
	Rationale string `json:"rationale,omitempty"`
}

// Plan is the structured output of a plan task.
type Plan struct {
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// TokenUsage tracks token consumption attributed to one agent.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add accumulates usage from one more call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}
