package broker

import (
	"errors"
	"fmt"
)

// Kind classifies a traversal failure. Kinds are stable strings recorded in
// traces and surfaced to the orchestrator.
type Kind string

const (
	KindContextExpired          Kind = "context-expired"
	KindAffordanceUnknown       Kind = "affordance-unknown"
	KindAffordanceDisabled      Kind = "affordance-disabled"
	KindParamsInvalid           Kind = "params-invalid"
	KindPolicyDenied            Kind = "policy-denied"
	KindCredentialsInsufficient Kind = "credentials-insufficient"
	KindAATViolation            Kind = "aat-violation"
	KindEffectFailed            Kind = "effect-failed"
)

// TraversalError carries the failure kind alongside the message so callers
// can branch on the class without string matching.
type TraversalError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *TraversalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TraversalError) Unwrap() error { return e.Err }

func terr(kind Kind, format string, args ...interface{}) *TraversalError {
	return &TraversalError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapTerr(kind Kind, err error, message string) *TraversalError {
	return &TraversalError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the failure kind from an error chain, or "" when the error
// is not a traversal error.
func KindOf(err error) Kind {
	var te *TraversalError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
