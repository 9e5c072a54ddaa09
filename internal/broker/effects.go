package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/models"
)

// EffectResult is what an effect handler produced. Type names the result
// category an archetype projects its task output from.
type EffectResult struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// EffectHandler executes the side effect of one action type. The broker
// wraps handler panics and errors into effect-failed traversal errors.
type EffectHandler func(ctx context.Context, aff *models.Affordance, params map[string]interface{}) (*EffectResult, error)

// defaultHandlers implement every built-in action type so the engine runs
// end-to-end without external wiring. Embedders override per action via
// RegisterEffect; the Act and QueryData defaults are the usual override
// points.
func defaultHandlers() map[string]EffectHandler {
	return map[string]EffectHandler{
		models.ActionEmitPlan: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			steps, ok := params["steps"]
			if !ok {
				return nil, fmt.Errorf("plan has no steps")
			}
			return &EffectResult{Type: "plan", Data: map[string]interface{}{
				"goal":  params["goal"],
				"steps": steps,
			}}, nil
		},
		models.ActionApprove: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			return &EffectResult{Type: "decision", Data: map[string]interface{}{
				"approved":  true,
				"rationale": params["rationale"],
			}}, nil
		},
		models.ActionDeny: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			return &EffectResult{Type: "decision", Data: map[string]interface{}{
				"approved":  false,
				"rationale": params["rationale"],
			}}, nil
		},
		models.ActionAct: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			data := map[string]interface{}{
				"step":      params["step"],
				"target":    params["target"],
				"actionRef": params["actionRef"],
			}
			if er, ok := params["executionResult"]; ok {
				data["executionResult"] = er
			}
			return &EffectResult{Type: "execution", Data: data}, nil
		},
		models.ActionObserve: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			return &EffectResult{Type: "report", Data: map[string]interface{}{
				"report": params["report"],
				"target": params["target"],
			}}, nil
		},
		models.ActionGenerateReport: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			return &EffectResult{Type: "report", Data: map[string]interface{}{
				"report": params["report"],
			}}, nil
		},
		models.ActionStore: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			content, _ := params["content"].(string)
			if content == "" {
				return nil, fmt.Errorf("nothing to store")
			}
			contentType, _ := params["contentType"].(string)
			if contentType == "" {
				contentType = "artifact"
			}
			return &EffectResult{Type: "storage_ref", Data: map[string]interface{}{
				"ref":         fmt.Sprintf("artifact:%s:%s", contentType, uuid.New().String()),
				"contentType": contentType,
				"size":        len(content),
			}}, nil
		},
		models.ActionQueryData: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			query, _ := params["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("empty query")
			}
			// No data source is wired by default; an empty result set is a
			// successful query.
			return &EffectResult{Type: "query_results", Data: map[string]interface{}{
				"query": query,
				"rows":  []interface{}{},
			}}, nil
		},
		models.ActionEmitInsight: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			return &EffectResult{Type: "insight", Data: map[string]interface{}{
				"insight": params["insight"],
			}}, nil
		},
		models.ActionDetectAnomaly: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			return &EffectResult{Type: "anomalies", Data: map[string]interface{}{
				"anomalies": params["anomalies"],
			}}, nil
		},
		models.ActionRequestCredential: func(_ context.Context, _ *models.Affordance, params map[string]interface{}) (*EffectResult, error) {
			return &EffectResult{Type: "credential_request", Data: map[string]interface{}{
				"requested": params["requested"],
			}}, nil
		},
	}
}

// resultType returns the Type of a possibly-nil result for trace recording.
func resultType(res *EffectResult) string {
	if res == nil {
		return ""
	}
	return res.Type
}

// marshalResult renders the result data for state-change recording.
func marshalResult(res *EffectResult) []string {
	if res == nil || len(res.Data) == 0 {
		return nil
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return nil
	}
	return []string{string(raw)}
}
