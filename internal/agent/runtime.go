package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/broker"
	"github.com/loomworks/loom/internal/models"
)

const (
	defaultMaxIterations = 10

	// Issued when an analyst reasoner refuses or returns nothing; an empty
	// result set from this query is still a successful traversal to build an
	// insight from.
	fallbackSPARQL = "SELECT ?s ?p ?o WHERE { ?s ?p ?o } LIMIT 25"
)

// Runtime drives one agent. A runtime executes a single task at a time.
type Runtime struct {
	ID    string
	DID   string
	AATID string

	creds    *auth.Credentials
	reasoner Reasoner
	broker   ContextBroker
	logger   *zap.Logger

	maxIterations int

	mu    sync.Mutex
	state string
}

// NewRuntime builds an agent runtime. The archetype comes from the verified
// credentials.
func NewRuntime(id string, creds *auth.Credentials, reasoner Reasoner, b ContextBroker, logger *zap.Logger, maxIterations int) *Runtime {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	return &Runtime{
		ID:            id,
		DID:           creds.DID,
		AATID:         creds.AgentType,
		creds:         creds,
		reasoner:      reasoner,
		broker:        b,
		logger:        logger,
		maxIterations: maxIterations,
		state:         StateIdle,
	}
}

// State returns the runtime's current state.
func (r *Runtime) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MarkIdle returns the runtime to the pool's idle state after a run.
func (r *Runtime) MarkIdle() { r.setState(StateIdle) }

func (r *Runtime) setState(s string) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run executes the decision loop for one task. Cancellation is cooperative:
// it is honored between iterations, never mid-traversal.
func (r *Runtime) Run(ctx context.Context, task *models.Task) *TaskResult {
	r.setState(StateRunning)

	var (
		history []ActionRecord
		usage   models.TokenUsage
	)
	taskCtx := r.buildTaskContext(task)

	finish := func(res *TaskResult) *TaskResult {
		res.Actions = history
		res.Usage = usage
		r.setState(res.Status)
		return res
	}

	for i := 0; i < r.maxIterations; i++ {
		select {
		case <-ctx.Done():
			return finish(&TaskResult{Status: StateFailed, Error: fmt.Sprintf("cancelled: %v", ctx.Err())})
		default:
		}

		view, err := r.broker.GetContext(ctx, r.creds, taskCtx)
		if err != nil {
			// An unknown archetype never becomes known mid-run.
			return finish(&TaskResult{Status: StateFailed, Error: fmt.Sprintf("context unavailable: %v", err)})
		}

		actionable := 0
		for _, aff := range view.EnabledAffordances() {
			if aff.ActionType != models.ActionRequestCredential {
				actionable++
			}
		}
		if actionable == 0 {
			if req := view.FindAffordanceByAction(models.ActionRequestCredential); req != nil {
				return finish(&TaskResult{Status: StateWaiting, WaitingOn: req})
			}
		}

		decision := r.shortcutDecision(view, task, history)
		if decision == nil {
			decision, err = r.reasoner.ReasonAboutContext(ctx, r.systemPrompt(), view, task, history)
			if err != nil {
				// Recoverable: retry with a fresh view next iteration.
				r.logger.Warn("Reasoner failed",
					zap.String("agent_id", r.ID),
					zap.Int("iteration", i),
					zap.Error(err),
				)
				continue
			}
		}
		if decision.Usage != nil {
			usage.Add(*decision.Usage)
		}

		decision = r.applyAnalystFallback(view, decision)
		decision, structuralErr := r.enforceStructural(view, decision, history, task)
		if structuralErr != nil {
			return finish(&TaskResult{Status: StateFailed, Error: structuralErr.Error()})
		}

		if !decision.ShouldContinue || decision.SelectedAffordanceID == "" {
			return finish(r.projectResult(history))
		}

		aff := view.FindAffordance(decision.SelectedAffordanceID)
		params := r.injectParameters(decision, aff, task)
		if aff != nil && aff.ActionType == models.ActionAct {
			r.runTools(ctx, task, params)
		}

		res := r.broker.Traverse(ctx, view.ID, decision.SelectedAffordanceID, params, r.creds)

		record := ActionRecord{
			AffordanceID: decision.SelectedAffordanceID,
			Parameters:   params,
			Success:      res.Success,
			TraceID:      res.TraceID,
			At:           time.Now(),
		}
		if aff != nil {
			record.ActionType = aff.ActionType
		}
		if res.Result != nil {
			record.ResultType = res.Result.Type
			record.Result = res.Result.Data
		}
		if res.Err != nil {
			record.Error = res.Err.Error()
		}
		history = append(history, record)

		if !res.Success {
			if res.Err.Kind == broker.KindEffectFailed {
				return finish(&TaskResult{Status: StateFailed, Error: res.Err.Error()})
			}
			// Every other failure kind is recoverable with a fresh view.
			r.logger.Debug("Traversal rejected, retrying",
				zap.String("agent_id", r.ID),
				zap.String("kind", string(res.Err.Kind)),
			)
			continue
		}

		if r.isTerminalAction(record.ActionType) {
			return finish(r.projectResult(history))
		}
	}

	return finish(&TaskResult{Status: StateFailed, Error: "max iterations reached"})
}

func (r *Runtime) systemPrompt() string {
	return fmt.Sprintf("You are a %s agent. Select exactly one affordance from the view or stop.", r.AATID)
}

func (r *Runtime) buildTaskContext(task *models.Task) map[string]interface{} {
	out := make(map[string]interface{}, len(task.Input)+3)
	for k, v := range task.Input {
		out[k] = v
	}
	out["taskId"] = task.ID
	out["taskType"] = task.Type
	if task.StepNumber > 0 {
		out["stepNumber"] = task.StepNumber
	}
	return out
}

// shortcutDecision builds a decision without the reasoner for the archetypes
// whose next step is fully determined by the task context.
func (r *Runtime) shortcutDecision(view *models.ContextView, task *models.Task, history []ActionRecord) *Decision {
	switch r.AATID {
	case models.ArchetypeArchivist:
		content, _ := task.Input["content"].(string)
		if content == "" || hasSuccess(history, models.ActionStore) {
			return nil
		}
		store := view.FindAffordanceByAction(models.ActionStore)
		if store == nil {
			return nil
		}
		params := map[string]interface{}{"content": content}
		if ct, ok := task.Input["contentType"].(string); ok {
			params["contentType"] = ct
		}
		return &Decision{
			Reasoning:            "task carries content to archive",
			SelectedAffordanceID: store.ID,
			Parameters:           params,
			ShouldContinue:       true,
		}

	case models.ArchetypeArbiter:
		if hasSuccess(history, models.ActionApprove) || hasSuccess(history, models.ActionDeny) {
			return nil
		}
		approve := view.FindAffordanceByAction(models.ActionApprove)
		if approve == nil {
			return nil
		}
		return &Decision{
			Reasoning:            "approval criteria satisfied",
			SelectedAffordanceID: approve.ID,
			Parameters:           map[string]interface{}{"rationale": "auto-approved: no blocking constraints"},
			ShouldContinue:       true,
		}

	case models.ArchetypeAnalyst:
		last := lastRecord(history)
		if last == nil || !last.Success || last.ActionType != models.ActionQueryData {
			return nil
		}
		insight := view.FindAffordanceByAction(models.ActionEmitInsight)
		if insight == nil {
			return nil
		}
		return &Decision{
			Reasoning:            "summarizing query results",
			SelectedAffordanceID: insight.ID,
			Parameters:           map[string]interface{}{"insight": summarizeRows(last.Result)},
			ShouldContinue:       true,
		}
	}
	return nil
}

// applyAnalystFallback substitutes a generic SPARQL query when an analyst
// reasoner refused or selected nothing.
func (r *Runtime) applyAnalystFallback(view *models.ContextView, d *Decision) *Decision {
	if r.AATID != models.ArchetypeAnalyst {
		return d
	}
	if d.SelectedAffordanceID != "" && !isRefusal(d.Reasoning) && !isRefusal(d.Message) {
		return d
	}
	query := view.FindAffordanceByAction(models.ActionQueryData)
	if query == nil {
		return d
	}
	return &Decision{
		Reasoning:            "reasoner declined; falling back to a broad query",
		SelectedAffordanceID: query.ID,
		Parameters:           map[string]interface{}{"query": fallbackSPARQL, "queryLanguage": "sparql"},
		ShouldContinue:       true,
		Usage:                d.Usage,
	}
}

// enforceStructural replaces the decision with the AAT's required output
// action when the agent would otherwise finish without taking it.
func (r *Runtime) enforceStructural(view *models.ContextView, d *Decision, history []ActionRecord, task *models.Task) (*Decision, error) {
	if view.Structural == nil || view.Structural.RequiredOutputAction == "" {
		return d, nil
	}
	required := view.Structural.RequiredOutputAction
	if hasSuccess(history, required) {
		return d, nil
	}

	if d.SelectedAffordanceID != "" {
		if aff := view.FindAffordance(d.SelectedAffordanceID); aff != nil && aff.ActionType == required {
			return d, nil
		}
		if d.ShouldContinue {
			// Let the agent take intermediate actions; the requirement bites
			// when it tries to stop.
			return d, nil
		}
	}

	aff := view.FindAffordanceByAction(required)
	if aff == nil {
		return nil, fmt.Errorf("required output action %s is not available in the view", required)
	}

	params := d.Parameters
	if required == models.ActionEmitPlan {
		params = synthesizePlanParams(d.Reasoning, task)
	}
	return &Decision{
		Reasoning:            d.Reasoning,
		SelectedAffordanceID: aff.ID,
		Parameters:           params,
		ShouldContinue:       true,
		Usage:                d.Usage,
	}, nil
}

// injectParameters fills the action's required parameters from the task
// context without overwriting what the decision already set.
func (r *Runtime) injectParameters(d *Decision, aff *models.Affordance, task *models.Task) map[string]interface{} {
	params := make(map[string]interface{}, len(d.Parameters)+4)
	for k, v := range d.Parameters {
		params[k] = v
	}
	if aff == nil {
		return params
	}

	setIfMissing := func(key string, value interface{}) {
		if _, ok := params[key]; !ok && value != nil {
			params[key] = value
		}
	}

	switch aff.ActionType {
	case models.ActionAct:
		setIfMissing("actionRef", task.Input["actionRef"])
		setIfMissing("step", task.Input["step"])
		target := task.Input["target"]
		if target == nil {
			if step, ok := task.Input["step"].(map[string]interface{}); ok {
				target = step["action"]
			}
		}
		setIfMissing("target", target)

	case models.ActionQueryData:
		setIfMissing("query", task.Input["query"])
		if _, ok := params["query"]; !ok {
			params["query"] = fallbackSPARQL
		}
		setIfMissing("queryLanguage", "sparql")
		setIfMissing("semanticLayerRef", task.Input["semanticLayerRef"])
		setIfMissing("sourceRef", task.Input["sourceRef"])

	case models.ActionStore:
		setIfMissing("content", task.Input["content"])
		setIfMissing("contentType", task.Input["contentType"])
	}
	return params
}

// runTools invokes the reasoner's tool execution for executors and merges
// the outcome into the traversal parameters.
func (r *Runtime) runTools(ctx context.Context, task *models.Task, params map[string]interface{}) {
	if r.AATID != models.ArchetypeExecutor {
		return
	}
	runner, ok := r.reasoner.(ToolRunner)
	if !ok {
		return
	}
	var allowed []string
	if raw, ok := task.Input["allowedTools"].([]string); ok {
		allowed = raw
	} else if raw, ok := task.Input["allowedTools"].([]interface{}); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				allowed = append(allowed, s)
			}
		}
	}

	result := runner.RunWithTools(ctx, task, allowed)
	if result == nil {
		return
	}
	params["executionResult"] = map[string]interface{}{
		"success": result.Success,
		"output":  result.Output,
		"error":   result.Error,
	}
}

func (r *Runtime) isTerminalAction(actionType string) bool {
	switch r.AATID {
	case models.ArchetypeArchivist:
		return actionType == models.ActionStore
	case models.ArchetypeArbiter:
		return actionType == models.ActionApprove || actionType == models.ActionDeny
	case models.ArchetypeAnalyst:
		return actionType == models.ActionEmitInsight ||
			actionType == models.ActionGenerateReport ||
			actionType == models.ActionDetectAnomaly
	}
	return false
}

// projectResult derives the task output from the actions actually traversed.
func (r *Runtime) projectResult(history []ActionRecord) *TaskResult {
	var output map[string]interface{}

	switch r.AATID {
	case models.ArchetypePlanner:
		output = lastSuccessResult(history, models.ActionEmitPlan)

	case models.ArchetypeExecutor:
		var executions []interface{}
		for _, rec := range history {
			if rec.Success && rec.ActionType == models.ActionAct {
				executions = append(executions, rec.Result)
			}
		}
		if len(executions) > 0 {
			output = map[string]interface{}{"executions": executions, "count": len(executions)}
		}

	case models.ArchetypeObserver:
		output = lastSuccessResult(history, models.ActionObserve, models.ActionGenerateReport)

	case models.ArchetypeArbiter:
		output = lastSuccessResult(history, models.ActionApprove, models.ActionDeny)

	case models.ArchetypeArchivist:
		output = lastSuccessResult(history, models.ActionStore)

	case models.ArchetypeAnalyst:
		output = lastSuccessResult(history,
			models.ActionEmitInsight, models.ActionDetectAnomaly, models.ActionGenerateReport)
		if output == nil {
			output = lastSuccessResult(history, models.ActionQueryData)
		}

	default:
		output = lastSuccessAny(history)
	}

	if output == nil {
		return &TaskResult{Status: StateFailed, Error: "no successful actions to derive a result from"}
	}
	return &TaskResult{Status: StateCompleted, Output: output}
}

func hasSuccess(history []ActionRecord, actionType string) bool {
	for _, rec := range history {
		if rec.Success && rec.ActionType == actionType {
			return true
		}
	}
	return false
}

func lastRecord(history []ActionRecord) *ActionRecord {
	if len(history) == 0 {
		return nil
	}
	return &history[len(history)-1]
}

func lastSuccessResult(history []ActionRecord, actionTypes ...string) map[string]interface{} {
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if !rec.Success {
			continue
		}
		for _, at := range actionTypes {
			if rec.ActionType == at {
				return rec.Result
			}
		}
	}
	return nil
}

func lastSuccessAny(history []ActionRecord) map[string]interface{} {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Success {
			return history[i].Result
		}
	}
	return nil
}

func summarizeRows(result map[string]interface{}) string {
	rows, _ := result["rows"].([]interface{})
	query, _ := result["query"].(string)
	if len(rows) == 0 {
		return fmt.Sprintf("query %q returned no rows", query)
	}
	return fmt.Sprintf("query %q returned %d rows", query, len(rows))
}

var refusalMarkers = []string{
	"i cannot", "i can't", "cannot comply", "unable to", "i refuse",
	"not able to", "i'm sorry", "i am sorry", "as an ai",
}

func isRefusal(s string) bool {
	lowered := strings.ToLower(s)
	for _, marker := range refusalMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
