// Package broker issues context views and mediates every affordance
// traversal. The broker is the only component that invokes effect handlers,
// and it persists a provenance trace for every attempt, successful or not.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/aat"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/provenance"
	"github.com/loomworks/loom/internal/validation"
)

const defaultViewTTL = 5 * time.Minute

// Broker mediates between agents and the action surface: it derives per-agent
// context views from the AAT registry and policy engine, and executes
// traversals against registered effect handlers.
type Broker struct {
	logger *zap.Logger
	tracer oteltrace.Tracer

	aats      *aat.Registry
	policies  *policy.Engine
	validator *validation.ParamValidator
	traces    provenance.Store

	viewTTL time.Duration

	mu       sync.Mutex
	views    map[string]*issuedView
	handlers map[string]EffectHandler

	// Constraints stamped onto every issued view in addition to the policy
	// engine's own constraint set.
	baseConstraints []models.Constraint
}

type issuedView struct {
	view     *models.ContextView
	consumed bool
}

// TraverseResult is the outcome of one traversal. TraceID is always set;
// a trace is persisted for failures too.
type TraverseResult struct {
	Success bool
	TraceID string
	Result  *EffectResult
	Err     *TraversalError
}

// Option configures a Broker.
type Option func(*Broker)

// WithViewTTL overrides the default view lifetime.
func WithViewTTL(ttl time.Duration) Option {
	return func(b *Broker) { b.viewTTL = ttl }
}

// WithBaseConstraints stamps the given constraints onto every issued view.
func WithBaseConstraints(cs ...models.Constraint) Option {
	return func(b *Broker) { b.baseConstraints = append(b.baseConstraints, cs...) }
}

// New builds a broker with the default effect handlers registered.
func New(logger *zap.Logger, aats *aat.Registry, policies *policy.Engine, validator *validation.ParamValidator, traces provenance.Store, opts ...Option) *Broker {
	b := &Broker{
		logger:    logger,
		tracer:    otel.Tracer("loom/broker"),
		aats:      aats,
		policies:  policies,
		validator: validator,
		traces:    traces,
		viewTTL:   defaultViewTTL,
		views:     make(map[string]*issuedView),
		handlers:  defaultHandlers(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterEffect installs or replaces the effect handler for an action type.
func (b *Broker) RegisterEffect(actionType string, h EffectHandler) {
	b.mu.Lock()
	b.handlers[actionType] = h
	b.mu.Unlock()
}

// GetContext derives a fresh context view for one agent. The agent type
// comes from the verified credentials, never from the caller. taskContext is
// carried into the view for policy evaluation and parameter injection.
func (b *Broker) GetContext(ctx context.Context, creds *auth.Credentials, taskContext map[string]interface{}) (*models.ContextView, error) {
	_, span := b.tracer.Start(ctx, "broker.GetContext",
		oteltrace.WithAttributes(attribute.String("agent.type", creds.AgentType)))
	defer span.End()

	def := b.aats.Get(creds.AgentType)
	if def == nil {
		return nil, terr(KindAATViolation, "unknown agent type %q", creds.AgentType)
	}

	now := time.Now()
	view := &models.ContextView{
		ID:                  uuid.New().String(),
		AgentDID:            creds.DID,
		AgentType:           creds.AgentType,
		Timestamp:           now,
		ExpiresAt:           now.Add(b.viewTTL),
		Nonce:               uuid.New().String(),
		VerifiedCredentials: creds.Refs(),
		Constraints:         append([]models.Constraint(nil), b.baseConstraints...),
		Context:             taskContext,
	}

	if required := b.aats.RequiredOutputAction(creds.AgentType); required != "" {
		view.Structural = &models.StructuralRequirements{RequiredOutputAction: required}
	}

	missingCredential := false
	for _, allowed := range def.ActionSpace.Allowed {
		aff := models.Affordance{
			ID:         allowed.Type + "-" + uuid.New().String()[:8],
			ActionType: allowed.Type,
			Rel:        "action",
			Enabled:    true,
		}
		if allowed.RequiresCapability != "" {
			aff.RequiresCredential = []string{allowed.RequiresCapability}
		}

		if !creds.HasCapability(allowed.RequiresCapability) || !creds.Satisfies(aff.RequiresCredential) {
			aff.Enabled = false
			missingCredential = true
		} else if ok, reason := b.policies.PreFilter(view, &aff); !ok {
			aff.Enabled = false
			b.logger.Debug("Affordance disabled by policy pre-filter",
				zap.String("agent_did", creds.DID),
				zap.String("action_type", aff.ActionType),
				zap.String("reason", reason),
			)
		}
		view.Affordances = append(view.Affordances, aff)
	}

	// A view where credentials gate everything still needs a way out of the
	// loop; the agent waits on this affordance instead of spinning.
	if missingCredential {
		view.Affordances = append(view.Affordances, models.Affordance{
			ID:         models.ActionRequestCredential + "-" + uuid.New().String()[:8],
			ActionType: models.ActionRequestCredential,
			Rel:        "credential",
			Enabled:    true,
		})
	}

	b.mu.Lock()
	b.pruneExpiredLocked(now)
	b.views[view.ID] = &issuedView{view: view}
	b.mu.Unlock()

	metrics.ViewsIssued.WithLabelValues(creds.AgentType).Inc()
	return view, nil
}

// Traverse executes one affordance traversal. Every call, including every
// failure, persists a provenance trace; TraceID on the result identifies it.
func (b *Broker) Traverse(ctx context.Context, contextID, affordanceID string, params map[string]interface{}, creds *auth.Credentials) *TraverseResult {
	ctx, span := b.tracer.Start(ctx, "broker.Traverse",
		oteltrace.WithAttributes(
			attribute.String("view.id", contextID),
			attribute.String("affordance.id", affordanceID),
		))
	defer span.End()

	start := time.Now()
	res := &TraverseResult{}

	view, aff, terrv := b.resolve(contextID, affordanceID, start)
	if terrv != nil {
		res.Err = terrv
	}

	if res.Err == nil {
		if vr := b.aats.ValidateAffordance(creds.AgentType, aff.ActionType); !vr.Valid {
			res.Err = terr(KindAATViolation, "%s", vr.Reason)
		}
	}
	if res.Err == nil && !creds.Satisfies(aff.RequiresCredential) {
		res.Err = terr(KindCredentialsInsufficient, "affordance %q requires credentials %v", aff.ID, aff.RequiresCredential)
	}
	if res.Err == nil {
		if err := b.validator.Validate(aff, params); err != nil {
			res.Err = wrapTerr(KindParamsInvalid, err, "parameter validation failed")
		}
	}
	if res.Err == nil {
		// Policies may have changed since the view was issued; the decision
		// at traversal time is the one that counts.
		decision := b.policies.Evaluate(ctx, policy.Input{
			View:         view,
			AffordanceID: affordanceID,
			Parameters:   params,
		})
		if !decision.Allow {
			res.Err = terr(KindPolicyDenied, "%s", decision.DenyReason())
		}
	}

	if res.Err == nil {
		b.consume(contextID)
		handler := b.handlerFor(aff.ActionType)
		if handler == nil {
			res.Err = terr(KindEffectFailed, "no effect handler for action %q", aff.ActionType)
		} else if out, err := b.runHandler(ctx, handler, aff, params); err != nil {
			res.Err = wrapTerr(KindEffectFailed, err, "effect handler failed")
		} else {
			res.Result = out
			res.Success = true
		}
	}

	res.TraceID = b.recordTrace(ctx, creds, view, aff, affordanceID, params, res, start)

	outcome := "success"
	actionType := "unknown"
	if aff != nil {
		actionType = aff.ActionType
	}
	if !res.Success {
		outcome = string(res.Err.Kind)
	}
	metrics.Traversals.WithLabelValues(actionType, outcome).Inc()
	metrics.TraversalDuration.WithLabelValues(actionType).Observe(time.Since(start).Seconds())

	return res
}

// runHandler invokes one effect handler, converting a panic in a registered
// handler into an ordinary error so a bad effect fails its traversal instead
// of the process.
func (b *Broker) runHandler(ctx context.Context, handler EffectHandler, aff *models.Affordance, params map[string]interface{}) (out *EffectResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("effect handler panicked",
				zap.String("action_type", aff.ActionType),
				zap.Any("panic", r))
			out = nil
			err = fmt.Errorf("effect handler panicked: %v", r)
		}
	}()
	return handler(ctx, aff, params)
}

// resolve locates the view and affordance, mapping every miss to its kind.
func (b *Broker) resolve(contextID, affordanceID string, now time.Time) (*models.ContextView, *models.Affordance, *TraversalError) {
	b.mu.Lock()
	iv, ok := b.views[contextID]
	b.mu.Unlock()

	if !ok {
		return nil, nil, terr(KindContextExpired, "unknown context view %q", contextID)
	}
	view := iv.view
	if view.Expired(now) {
		return view, nil, terr(KindContextExpired, "context view %q expired at %s", contextID, view.ExpiresAt.Format(time.RFC3339))
	}
	if iv.consumed {
		return view, nil, terr(KindContextExpired, "context view %q already consumed", contextID)
	}

	aff := view.FindAffordance(affordanceID)
	if aff == nil {
		return view, nil, terr(KindAffordanceUnknown, "affordance %q not present in view", affordanceID)
	}
	if !aff.Enabled {
		return view, aff, terr(KindAffordanceDisabled, "affordance %q is disabled", affordanceID)
	}
	return view, aff, nil
}

// consume marks the view single-use once a traversal reaches the effect
// stage. Rejections before that leave the view reusable, so an agent retry
// within the same iteration does not need a fresh view.
func (b *Broker) consume(contextID string) {
	b.mu.Lock()
	if iv, ok := b.views[contextID]; ok {
		iv.consumed = true
	}
	b.mu.Unlock()
}

func (b *Broker) handlerFor(actionType string) EffectHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[actionType]
}

func (b *Broker) pruneExpiredLocked(now time.Time) {
	for id, iv := range b.views {
		if iv.view.Expired(now) {
			delete(b.views, id)
		}
	}
}

// recordTrace persists the trace for a traversal attempt. Persisting the
// trace is itself mandatory; if the store rejects it the traversal result is
// downgraded to effect-failed so no action escapes the record.
func (b *Broker) recordTrace(ctx context.Context, creds *auth.Credentials, view *models.ContextView, aff *models.Affordance, affordanceID string, params map[string]interface{}, res *TraverseResult, start time.Time) string {
	tr := &provenance.Trace{
		ID:        uuid.New().String(),
		StartedAt: start,
		EndedAt:   time.Now(),
		WasAssociatedWith: provenance.Association{
			AgentDID:  creds.DID,
			AgentType: creds.AgentType,
		},
		Used: provenance.Usage{
			Parameters:  params,
			Credentials: creds.Refs(),
		},
	}
	if view != nil {
		tr.Used.ContextSnapshotRef = view.ID
	}
	if aff != nil {
		tr.Used.Affordance = *aff
	} else {
		tr.Used.Affordance = models.Affordance{ID: affordanceID}
	}

	if res.Success {
		tr.Generated = provenance.Generation{
			Outcome: provenance.Outcome{
				Status:     provenance.OutcomeSuccess,
				ResultType: resultType(res.Result),
			},
			StateChanges: marshalResult(res.Result),
		}
	} else {
		tr.Generated = provenance.Generation{
			Outcome: provenance.Outcome{
				Status: provenance.OutcomeFailure,
				Error:  res.Err.Error(),
			},
		}
	}

	if err := b.traces.Store(ctx, tr); err != nil {
		if errors.Is(err, provenance.ErrDuplicateTrace) {
			metrics.TraceStoreRejections.Inc()
		}
		b.logger.Error("Trace persistence failed",
			zap.String("trace_id", tr.ID),
			zap.Error(err),
		)
		if res.Success {
			res.Success = false
			res.Result = nil
			res.Err = wrapTerr(KindEffectFailed, err, "trace persistence failed")
		}
		return tr.ID
	}

	metrics.TracesStored.Inc()
	return tr.ID
}
