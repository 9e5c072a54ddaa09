// Package sharedctx implements the replicated context graph agents
// collaborate through: a CRDT-backed labeled graph with per-context access
// control, causal change tracking, and pluggable conflict resolution.
package sharedctx

import (
	"context"
	"errors"

	"github.com/loomworks/loom/internal/sharedctx/crdt"
)

// Access levels, ordered. Public contexts grant implicit read.
const (
	AccessNone  = 0
	AccessRead  = 1
	AccessWrite = 2
	AccessAdmin = 3
	AccessOwner = 4
)

// Conflict resolution strategies.
const (
	StrategyLastWriteWins  = "last_write_wins"
	StrategyAutoMerge      = "auto_merge"
	StrategyFirstWriteWins = "first_write_wins"
	StrategyManual         = "manual"
	StrategyCustom         = "custom"
)

// Conflict statuses.
const (
	ConflictResolved      = "resolved"
	ConflictManualPending = "manual_pending"
)

// Change operations.
const (
	OpAddNode     = "add_node"
	OpUpdateNode  = "update_node"
	OpRemoveNode  = "remove_node"
	OpAddEdge     = "add_edge"
	OpRemoveEdge  = "remove_edge"
	OpSetMetadata = "set_metadata"
)

var (
	ErrAccessDenied       = errors.New("access denied")
	ErrUnknownNode        = errors.New("unknown node")
	ErrUnknownEdge        = errors.New("unknown edge")
	ErrUnknownConflict    = errors.New("unknown conflict")
	ErrConflictNotPending = errors.New("conflict is not pending")
	ErrNoCustomResolver   = errors.New("custom strategy requires a resolver")
)

// Node is a labeled graph node whose data fields are LWW registers. The
// label itself is a register too, so concurrent adds of the same id collapse
// to a single node with one winning label.
type Node struct {
	ID    string       `json:"id"`
	Label string       `json:"label"`
	Data  *crdt.LWWMap `json:"data"`

	labelTS      int64
	labelReplica string
}

// Edge links two nodes. The label follows the same register rule as Node.
type Edge struct {
	ID    string       `json:"id"`
	From  string       `json:"from"`
	To    string       `json:"to"`
	Label string       `json:"label"`
	Data  *crdt.LWWMap `json:"data"`

	labelTS      int64
	labelReplica string
}

// Change is one replicated mutation. Timestamp is unix nanoseconds at the
// originating replica; Clock is that replica's vector clock after the
// mutation.
type Change struct {
	ID        string           `json:"id"`
	ContextID string           `json:"context_id"`
	ReplicaID string           `json:"replica_id"`
	Op        string           `json:"op"`
	TargetID  string           `json:"target_id"`
	Label     string           `json:"label,omitempty"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
	Key       string           `json:"key,omitempty"`
	Value     interface{}      `json:"value,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Clock     crdt.VectorClock `json:"clock"`
}

// Conflict records two concurrent changes to the same target.
type Conflict struct {
	ID       string  `json:"id"`
	Local    *Change `json:"local"`
	Remote   *Change `json:"remote"`
	Strategy string  `json:"strategy"`
	Status   string  `json:"status"`
	WinnerID string  `json:"winner_id,omitempty"`
}

// CustomResolver picks the winning change under the custom strategy.
type CustomResolver func(local, remote *Change) *Change

// ChangeEmitter broadcasts local changes to the other replicas. The emitter
// is the seam the embedder wires to transport.
type ChangeEmitter interface {
	Emit(ctx context.Context, change *Change) error
}

// EmitterFunc adapts a function to ChangeEmitter.
type EmitterFunc func(ctx context.Context, change *Change) error

func (f EmitterFunc) Emit(ctx context.Context, change *Change) error { return f(ctx, change) }
