// Package policy implements the deontic rule evaluator gating every
// affordance traversal. Evaluation is deterministic: the same view, proposal,
// and installed rule set always produce the same decision.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
)

// Engine evaluates declarative rules and deontic constraints against a
// proposed (agent, action, parameters) triple.
type Engine struct {
	logger *zap.Logger

	mu          sync.RWMutex
	rules       []Rule
	constraints []models.Constraint

	// Optional second evaluation stage (rego policies). Strict: an external
	// deny is merged into the decision's deny set.
	external ExternalStage
}

// ExternalStage is an optional additional evaluator consulted after the rule
// set, e.g. an OPA/rego policy directory.
type ExternalStage interface {
	Evaluate(ctx context.Context, doc map[string]interface{}) (allow bool, reason string, err error)
}

// NewEngine builds an engine carrying the built-in rules plus the given
// extra rules.
func NewEngine(logger *zap.Logger, extra ...Rule) *Engine {
	e := &Engine{logger: logger}
	e.SetRules(extra)
	return e
}

// SetRules replaces the installed rule set. Built-in rules are always
// retained; extra rules with the same id override the built-in.
func (e *Engine) SetRules(extra []Rule) {
	merged := make(map[string]Rule, len(builtinRules)+len(extra))
	for _, r := range builtinRules {
		merged[r.ID] = r
	}
	for _, r := range extra {
		merged[r.ID] = r
	}
	rules := make([]Rule, 0, len(merged))
	for _, r := range merged {
		rules = append(rules, r)
	}
	// Descending priority, id as a deterministic tiebreak.
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// Rules returns a snapshot of the installed rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// RegisterConstraint installs an engine-level deontic constraint applied to
// every evaluation in addition to view-inline constraints.
func (e *Engine) RegisterConstraint(c models.Constraint) {
	e.mu.Lock()
	e.constraints = append(e.constraints, c)
	e.mu.Unlock()
}

// SetExternalStage installs an optional second evaluation stage.
func (e *Engine) SetExternalStage(s ExternalStage) {
	e.mu.Lock()
	e.external = s
	e.mu.Unlock()
}

// Evaluate runs the full evaluation algorithm:
//
//  1. resolve the affordance; missing or disabled denies outright
//  2. collect applicable rules, descending priority
//  3. evaluate every rule, accumulating all deny reasons
//  4. evaluate each constraint under its deontic modality
//  5. any strict denial denies with the joined reasons; otherwise allow
//     with the accumulated warnings
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	start := time.Now()

	var d Decision
	if in.View == nil {
		d.Reasons = append(d.Reasons, "no context view")
		e.finish(&d, start)
		return d
	}

	aff := in.View.FindAffordance(in.AffordanceID)
	if aff == nil {
		d.Reasons = append(d.Reasons, fmt.Sprintf("affordance %q not present in view", in.AffordanceID))
		e.finish(&d, start)
		return d
	}
	if !aff.Enabled {
		d.Reasons = append(d.Reasons, fmt.Sprintf("affordance %q is disabled", in.AffordanceID))
		e.finish(&d, start)
		return d
	}

	doc := newEvalContext(in.View, aff, in.Parameters)

	e.mu.RLock()
	rules := e.rules
	engineConstraints := e.constraints
	external := e.external
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.applies(in.View.AgentType, aff.ActionType) {
			continue
		}
		if !doc.allHold(rule.Conditions) {
			continue
		}
		d.Matched = append(d.Matched, rule.ID)
		if rule.Effect == EffectDeny {
			d.Reasons = append(d.Reasons, rule.denyReason())
		}
	}

	evalConstraints := func(constraints []models.Constraint) {
		for _, c := range constraints {
			violation, ok := doc.constraintViolation(c)
			if !ok {
				continue
			}
			switch c.EnforcementLevel {
			case models.EnforceStrict:
				d.Reasons = append(d.Reasons, violation)
			case models.EnforceAdvisory:
				d.Warnings = append(d.Warnings, violation)
			case models.EnforceAudit:
				d.Audited = append(d.Audited, violation)
				e.logger.Info("Audit-only constraint violated",
					zap.String("constraint_id", c.ID),
					zap.String("violation", violation),
				)
			}
		}
	}
	evalConstraints(in.View.Constraints)
	evalConstraints(engineConstraints)
	evalConstraints(in.ExtraConstraints)

	if external != nil {
		allow, reason, err := external.Evaluate(ctx, doc)
		if err != nil {
			e.logger.Error("External policy stage failed", zap.Error(err))
			d.Reasons = append(d.Reasons, fmt.Sprintf("external policy error: %v", err))
		} else if !allow {
			if reason == "" {
				reason = "denied by external policy"
			}
			d.Reasons = append(d.Reasons, reason)
		}
	}

	d.Allow = len(d.Reasons) == 0
	e.finish(&d, start)
	return d
}

// PreFilter evaluates only the parameter-independent deny rules against a
// candidate affordance at view-issuance time. Rules conditioned on
// parameters are skipped; they can only be judged at traversal time.
func (e *Engine) PreFilter(view *models.ContextView, aff *models.Affordance) (bool, string) {
	doc := newEvalContext(view, aff, nil)

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, rule := range rules {
		if rule.Effect != EffectDeny {
			continue
		}
		if !rule.applies(view.AgentType, aff.ActionType) {
			continue
		}
		if dependsOnParameters(rule.Conditions) {
			continue
		}
		if doc.allHold(rule.Conditions) {
			return false, rule.denyReason()
		}
	}
	return true, ""
}

func dependsOnParameters(conditions []models.Condition) bool {
	for _, c := range conditions {
		if strings.HasPrefix(c.Field, "parameters.") {
			return true
		}
	}
	return false
}

func (e *Engine) finish(d *Decision, start time.Time) {
	outcome := "allow"
	if !d.Allow {
		outcome = "deny"
	}
	metrics.PolicyEvaluations.WithLabelValues(outcome).Inc()
	metrics.PolicyEvaluationDuration.Observe(time.Since(start).Seconds())
	if !d.Allow {
		e.logger.Debug("Policy denied traversal", zap.Strings("reasons", d.Reasons))
	}
}

// DenyReason joins accumulated deny reasons into one message.
func (d *Decision) DenyReason() string {
	return strings.Join(d.Reasons, "; ")
}

func (r *Rule) applies(agentType, actionType string) bool {
	if len(r.AppliesToActions) > 0 && !containsString(r.AppliesToActions, actionType) {
		return false
	}
	if len(r.AppliesToAgentTypes) > 0 && !containsString(r.AppliesToAgentTypes, agentType) {
		return false
	}
	return true
}

func (r *Rule) denyReason() string {
	if r.Reason != "" {
		return fmt.Sprintf("%s: %s", r.ID, r.Reason)
	}
	return fmt.Sprintf("denied by rule %s", r.ID)
}

// constraintViolation evaluates one constraint under its modality. The
// second return is false when the constraint is satisfied.
func (ec evalContext) constraintViolation(c models.Constraint) (string, bool) {
	switch c.Rule.Modality {
	case models.ModalityProhibition:
		if ec.allHold(c.Rule.Conditions) {
			return fmt.Sprintf("prohibition %s violated", c.ID), true
		}
	case models.ModalityObligation:
		if !ec.allHold(c.Rule.Conditions) {
			return fmt.Sprintf("obligation %s not satisfied", c.ID), true
		}
	case models.ModalityPermission:
		// Permissions never fail.
	}
	return "", false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
