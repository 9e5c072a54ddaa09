package sharedctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/sharedctx/crdt"
)

const changeLogLimit = 1000

// SharedContext is one replica of a collaboratively edited graph. All
// mutations on a context serialize through its mutex; different contexts are
// independent.
type SharedContext struct {
	ID        string
	ReplicaID string

	logger  *zap.Logger
	emitter ChangeEmitter

	mu         sync.Mutex
	strategy   string
	resolver   CustomResolver
	public     bool
	acl        map[string]int
	clock      crdt.VectorClock
	nodes      map[string]*Node
	edges      map[string]*Edge
	metadata   *crdt.LWWMap
	changeLog  []*Change
	lastChange map[string]*Change
	conflicts  map[string]*Conflict
	deleted    bool
}

// Config configures a new shared context.
type Config struct {
	ID        string
	ReplicaID string
	OwnerDID  string
	Strategy  string
	Resolver  CustomResolver
	Public    bool
	Emitter   ChangeEmitter
	Logger    *zap.Logger
}

// New creates a context replica. The owner starts with owner access.
func New(cfg Config) (*SharedContext, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLastWriteWins
	}
	if cfg.Strategy == StrategyCustom && cfg.Resolver == nil {
		return nil, ErrNoCustomResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	sc := &SharedContext{
		ID:         cfg.ID,
		ReplicaID:  cfg.ReplicaID,
		logger:     cfg.Logger,
		emitter:    cfg.Emitter,
		strategy:   cfg.Strategy,
		resolver:   cfg.Resolver,
		public:     cfg.Public,
		acl:        map[string]int{},
		clock:      crdt.NewVectorClock(),
		nodes:      make(map[string]*Node),
		edges:      make(map[string]*Edge),
		metadata:   crdt.NewLWWMap(),
		lastChange: make(map[string]*Change),
		conflicts:  make(map[string]*Conflict),
	}
	if cfg.OwnerDID != "" {
		sc.acl[cfg.OwnerDID] = AccessOwner
	}
	return sc, nil
}

// Access returns the actor's effective access level.
func (sc *SharedContext) Access(did string) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.accessLocked(did)
}

func (sc *SharedContext) accessLocked(did string) int {
	if level, ok := sc.acl[did]; ok {
		return level
	}
	if sc.public {
		return AccessRead
	}
	return AccessNone
}

func (sc *SharedContext) requireLocked(did string, level int) error {
	if sc.accessLocked(did) < level {
		return fmt.Errorf("%w: %s needs level %d", ErrAccessDenied, did, level)
	}
	return nil
}

// SetACL grants or changes an actor's access level. Requires admin.
func (sc *SharedContext) SetACL(actorDID, subjectDID string, level int) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.requireLocked(actorDID, AccessAdmin); err != nil {
		return err
	}
	if level <= AccessNone {
		delete(sc.acl, subjectDID)
	} else {
		sc.acl[subjectDID] = level
	}
	return nil
}

// Delete tears the context down. Requires owner.
func (sc *SharedContext) Delete(actorDID string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.requireLocked(actorDID, AccessOwner); err != nil {
		return err
	}
	sc.deleted = true
	sc.nodes = make(map[string]*Node)
	sc.edges = make(map[string]*Edge)
	return nil
}

// Deleted reports whether the context has been torn down.
func (sc *SharedContext) Deleted() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.deleted
}

// AddNode creates a node. Requires write.
func (sc *SharedContext) AddNode(ctx context.Context, actorDID, nodeID, label string) error {
	return sc.mutate(ctx, actorDID, &Change{
		Op:       OpAddNode,
		TargetID: nodeID,
		Label:    label,
	})
}

// UpdateNode writes one data field of a node. Requires write.
func (sc *SharedContext) UpdateNode(ctx context.Context, actorDID, nodeID, key string, value interface{}) error {
	return sc.mutate(ctx, actorDID, &Change{
		Op:       OpUpdateNode,
		TargetID: nodeID,
		Key:      key,
		Value:    value,
	})
}

// RemoveNode deletes a node and its incident edges. Requires write.
func (sc *SharedContext) RemoveNode(ctx context.Context, actorDID, nodeID string) error {
	return sc.mutate(ctx, actorDID, &Change{
		Op:       OpRemoveNode,
		TargetID: nodeID,
	})
}

// AddEdge links two nodes. Requires write.
func (sc *SharedContext) AddEdge(ctx context.Context, actorDID, edgeID, from, to, label string) error {
	return sc.mutate(ctx, actorDID, &Change{
		Op:       OpAddEdge,
		TargetID: edgeID,
		From:     from,
		To:       to,
		Label:    label,
	})
}

// RemoveEdge deletes an edge. Requires write.
func (sc *SharedContext) RemoveEdge(ctx context.Context, actorDID, edgeID string) error {
	return sc.mutate(ctx, actorDID, &Change{
		Op:       OpRemoveEdge,
		TargetID: edgeID,
	})
}

// SetMetadata writes a context-level metadata field. Requires write.
func (sc *SharedContext) SetMetadata(ctx context.Context, actorDID, key string, value interface{}) error {
	return sc.mutate(ctx, actorDID, &Change{
		Op:       OpSetMetadata,
		TargetID: "metadata",
		Key:      key,
		Value:    value,
	})
}

// mutate runs one local mutation: access check, apply, clock increment, log
// append, broadcast.
func (sc *SharedContext) mutate(ctx context.Context, actorDID string, change *Change) error {
	sc.mu.Lock()
	if err := sc.requireLocked(actorDID, AccessWrite); err != nil {
		sc.mu.Unlock()
		return err
	}

	change.ID = uuid.New().String()
	change.ContextID = sc.ID
	change.ReplicaID = sc.ReplicaID
	change.Timestamp = time.Now().UnixNano()

	if err := sc.applyLocked(change, false); err != nil {
		sc.mu.Unlock()
		return err
	}

	sc.clock.Increment(sc.ReplicaID)
	change.Clock = sc.clock.Copy()
	sc.appendLogLocked(change)
	emitter := sc.emitter
	sc.mu.Unlock()

	metrics.ContextChangesApplied.WithLabelValues("local").Inc()

	if emitter != nil {
		// Broadcast may back-pressure; it happens outside the context lock.
		if err := emitter.Emit(ctx, change); err != nil {
			sc.logger.Warn("Change broadcast failed",
				zap.String("context_id", sc.ID),
				zap.String("change_id", change.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// applyLocked lands one change. forceWin marks a change the conflict
// strategy already chose as winner; its label lands even when register
// ordering would reject it (first_write_wins, custom, manual).
func (sc *SharedContext) applyLocked(change *Change, forceWin bool) error {
	switch change.Op {
	case OpAddNode:
		node, exists := sc.nodes[change.TargetID]
		if !exists {
			sc.nodes[change.TargetID] = &Node{
				ID: change.TargetID, Label: change.Label, Data: crdt.NewLWWMap(),
				labelTS: change.Timestamp, labelReplica: change.ReplicaID,
			}
			return nil
		}
		// Concurrent add of an existing id: a register assignment, not a no-op.
		if forceWin || labelWins(change, node.labelTS, node.labelReplica) {
			node.Label = change.Label
			node.labelTS = change.Timestamp
			node.labelReplica = change.ReplicaID
		}
	case OpUpdateNode:
		node, ok := sc.nodes[change.TargetID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, change.TargetID)
		}
		node.Data.Set(change.Key, change.Value, change.Timestamp, change.ReplicaID)
	case OpRemoveNode:
		if _, ok := sc.nodes[change.TargetID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, change.TargetID)
		}
		delete(sc.nodes, change.TargetID)
		for id, edge := range sc.edges {
			if edge.From == change.TargetID || edge.To == change.TargetID {
				delete(sc.edges, id)
			}
		}
	case OpAddEdge:
		if _, ok := sc.nodes[change.From]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, change.From)
		}
		if _, ok := sc.nodes[change.To]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, change.To)
		}
		edge, exists := sc.edges[change.TargetID]
		if !exists {
			sc.edges[change.TargetID] = &Edge{
				ID: change.TargetID, From: change.From, To: change.To,
				Label: change.Label, Data: crdt.NewLWWMap(),
				labelTS: change.Timestamp, labelReplica: change.ReplicaID,
			}
			return nil
		}
		if forceWin || labelWins(change, edge.labelTS, edge.labelReplica) {
			edge.Label = change.Label
			edge.labelTS = change.Timestamp
			edge.labelReplica = change.ReplicaID
		}
	case OpRemoveEdge:
		if _, ok := sc.edges[change.TargetID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEdge, change.TargetID)
		}
		delete(sc.edges, change.TargetID)
	case OpSetMetadata:
		sc.metadata.Set(change.Key, change.Value, change.Timestamp, change.ReplicaID)
	default:
		return fmt.Errorf("unknown change op %q", change.Op)
	}
	return nil
}

// labelWins orders label writes like an LWW register: later timestamp wins,
// an equal timestamp from the same replica overwrites, and cross-replica
// ties fall to the greater replica id.
func labelWins(change *Change, curTS int64, curReplica string) bool {
	if change.Timestamp != curTS {
		return change.Timestamp > curTS
	}
	if change.ReplicaID == curReplica {
		return true
	}
	return change.ReplicaID > curReplica
}

func (sc *SharedContext) appendLogLocked(change *Change) {
	sc.changeLog = append(sc.changeLog, change)
	if len(sc.changeLog) > changeLogLimit {
		sc.changeLog = sc.changeLog[len(sc.changeLog)-changeLogLimit:]
	}
	sc.lastChange[change.TargetID] = change
}

// Node returns a node by id.
func (sc *SharedContext) Node(id string) (*Node, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	n, ok := sc.nodes[id]
	return n, ok
}

// Edge returns an edge by id.
func (sc *SharedContext) Edge(id string) (*Edge, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	e, ok := sc.edges[id]
	return e, ok
}

// Metadata returns a metadata field.
func (sc *SharedContext) Metadata(key string) (interface{}, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.metadata.Get(key)
}

// NodeCount returns the number of live nodes.
func (sc *SharedContext) NodeCount() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.nodes)
}

// ChangeLog returns a snapshot of the bounded change log.
func (sc *SharedContext) ChangeLog() []*Change {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]*Change, len(sc.changeLog))
	copy(out, sc.changeLog)
	return out
}

// Clock returns a copy of the replica's vector clock.
func (sc *SharedContext) Clock() crdt.VectorClock {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.clock.Copy()
}
