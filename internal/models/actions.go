package models

// Action types traversable through the context broker. Affordances carry one
// of these; AAT action spaces and policy rules are written against them.
const (
	ActionEmitPlan          = "EmitPlan"
	ActionApprove           = "Approve"
	ActionDeny              = "Deny"
	ActionAct               = "Act"
	ActionObserve           = "Observe"
	ActionGenerateReport    = "GenerateReport"
	ActionStore             = "Store"
	ActionQueryData         = "QueryData"
	ActionEmitInsight       = "EmitInsight"
	ActionDetectAnomaly     = "DetectAnomaly"
	ActionRequestCredential = "RequestCredential"
	ActionDelete            = "Delete"
	ActionWriteExternal     = "WriteExternal"
)

// DestructiveActions are denied by built-in policy unless the traversal
// carries parameters.confirmed=true.
var DestructiveActions = map[string]bool{
	ActionDelete: true,
}

// ExternalWriteActions require context.hasApproval=true under built-in policy.
var ExternalWriteActions = map[string]bool{
	ActionWriteExternal: true,
}

// MutatingActions change state outside the agent. Observers are denied these.
var MutatingActions = map[string]bool{
	ActionAct:           true,
	ActionStore:         true,
	ActionDelete:        true,
	ActionWriteExternal: true,
}
