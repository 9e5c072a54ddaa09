package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/loom/internal/models"
)

// evalContext is the document conditions are resolved against. Top-level
// keys are "context", "affordance", and "parameters".
type evalContext map[string]interface{}

func newEvalContext(view *models.ContextView, aff *models.Affordance, params map[string]interface{}) evalContext {
	ctxDoc := make(map[string]interface{}, len(view.Context)+2)
	for k, v := range view.Context {
		ctxDoc[k] = v
	}
	ctxDoc["agentType"] = view.AgentType
	ctxDoc["agentDID"] = view.AgentDID

	affDoc := map[string]interface{}{}
	if aff != nil {
		affDoc = map[string]interface{}{
			"id":         aff.ID,
			"actionType": aff.ActionType,
			"rel":        aff.Rel,
			"target":     aff.Target,
			"enabled":    aff.Enabled,
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	return evalContext{
		"context":    ctxDoc,
		"affordance": affDoc,
		"parameters": params,
	}
}

// resolve walks a dotted field path. The second return is false when any
// segment is missing.
func (ec evalContext) resolve(field string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(ec)
	for _, seg := range strings.Split(field, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// evalCondition evaluates one condition. Unknown operators never hold.
func (ec evalContext) evalCondition(c models.Condition) bool {
	val, present := ec.resolve(c.Field)

	switch c.Op {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	case OpNeq:
		// An absent field is not equal to anything. Guardrails written as
		// "confirmed neq true" must hold when the key is omitted entirely.
		return !present || !looseEqual(val, c.Value)
	case OpNotIn:
		return !present || !inList(val, c.Value)
	}
	if !present {
		return false
	}

	switch c.Op {
	case OpEq:
		return looseEqual(val, c.Value)
	case OpIn:
		return inList(val, c.Value)
	case OpContains:
		return contains(val, c.Value)
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		s, ok := asString(val)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case OpGt, OpLt, OpGte, OpLte:
		a, aok := asFloat(val)
		b, bok := asFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}
	}
	return false
}

// allHold reports whether every condition holds. An empty condition list
// holds vacuously.
func (ec evalContext) allHold(conds []models.Condition) bool {
	for _, c := range conds {
		if !ec.evalCondition(c) {
			return false
		}
	}
	return true
}

// looseEqual compares scalars with numeric coercion so YAML ints compare
// equal to JSON floats.
func looseEqual(a, b interface{}) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	as, aok := asString(a)
	bs, bok := asString(b)
	if aok && bok {
		return as == bs
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func inList(val, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		if strs, ok := list.([]string); ok {
			for _, s := range strs {
				if looseEqual(val, s) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if looseEqual(val, item) {
			return true
		}
	}
	return false
}

func contains(val, needle interface{}) bool {
	switch v := val.(type) {
	case string:
		s, ok := asString(needle)
		return ok && strings.Contains(v, s)
	case []interface{}:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
