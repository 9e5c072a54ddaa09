package sharedctx

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/sharedctx/crdt"
)

// ApplyRemote ingests a change from another replica. Obsolete changes are
// dropped; causally newer changes apply directly; concurrent changes go
// through the context's conflict strategy. The local clock is merged with
// the remote clock after any resolution.
func (sc *SharedContext) ApplyRemote(change *Change) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	switch sc.clock.Compare(change.Clock) {
	case crdt.After, crdt.Equal:
		// The local replica already saw everything this change knew about.
		sc.logger.Debug("Dropping obsolete remote change",
			zap.String("context_id", sc.ID),
			zap.String("change_id", change.ID),
		)
		return nil

	case crdt.Before:
		if err := sc.applyLocked(change, false); err != nil {
			return err
		}
		sc.clock.Merge(change.Clock)
		sc.appendLogLocked(change)
		metrics.ContextChangesApplied.WithLabelValues("remote").Inc()
		return nil

	default: // concurrent
		return sc.resolveConflictLocked(change)
	}
}

func (sc *SharedContext) resolveConflictLocked(remote *Change) error {
	local := sc.lastChange[remote.TargetID]
	conflict := &Conflict{
		ID:       uuid.New().String(),
		Local:    local,
		Remote:   remote,
		Strategy: sc.strategy,
		Status:   ConflictResolved,
	}

	var applyRemote bool
	switch sc.strategy {
	case StrategyLastWriteWins:
		applyRemote = remoteWinsLWW(local, remote)

	case StrategyFirstWriteWins:
		applyRemote = local == nil || remote.Timestamp < local.Timestamp ||
			(remote.Timestamp == local.Timestamp && remote.ReplicaID < local.ReplicaID)

	case StrategyAutoMerge:
		// The CRDT fields order concurrent writes by timestamp themselves, so
		// both sides apply.
		applyRemote = true

	case StrategyManual:
		conflict.Status = ConflictManualPending
		sc.conflicts[conflict.ID] = conflict
		metrics.ContextConflicts.WithLabelValues(StrategyManual).Inc()
		sc.logger.Info("Conflict awaiting manual resolution",
			zap.String("context_id", sc.ID),
			zap.String("conflict_id", conflict.ID),
		)
		return nil

	case StrategyCustom:
		winner := sc.resolver(local, remote)
		applyRemote = winner == remote

	default:
		return fmt.Errorf("unknown conflict strategy %q", sc.strategy)
	}

	if applyRemote {
		// auto_merge lets register ordering pick each field's winner; every
		// other strategy has already chosen, so its pick lands regardless.
		if err := sc.applyLocked(remote, sc.strategy != StrategyAutoMerge); err != nil {
			return err
		}
		sc.appendLogLocked(remote)
		conflict.WinnerID = remote.ID
		metrics.ContextChangesApplied.WithLabelValues("remote").Inc()
	} else if local != nil {
		conflict.WinnerID = local.ID
	}

	sc.clock.Merge(remote.Clock)
	sc.conflicts[conflict.ID] = conflict
	metrics.ContextConflicts.WithLabelValues(sc.strategy).Inc()
	return nil
}

// remoteWinsLWW applies the last-write-wins ordering: later timestamp, then
// lexicographically greater replica id.
func remoteWinsLWW(local, remote *Change) bool {
	if local == nil {
		return true
	}
	if remote.Timestamp != local.Timestamp {
		return remote.Timestamp > local.Timestamp
	}
	return remote.ReplicaID > local.ReplicaID
}

// Conflicts returns a snapshot of recorded conflicts.
func (sc *SharedContext) Conflicts() []*Conflict {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]*Conflict, 0, len(sc.conflicts))
	for _, c := range sc.conflicts {
		out = append(out, c)
	}
	return out
}

// PendingConflicts returns conflicts awaiting manual resolution.
func (sc *SharedContext) PendingConflicts() []*Conflict {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var out []*Conflict
	for _, c := range sc.conflicts {
		if c.Status == ConflictManualPending {
			out = append(out, c)
		}
	}
	return out
}

// ResolveManual settles a manual_pending conflict. winnerRemote applies the
// remote change; otherwise the local state stands.
func (sc *SharedContext) ResolveManual(conflictID string, winnerRemote bool) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	conflict, ok := sc.conflicts[conflictID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
	}
	if conflict.Status != ConflictManualPending {
		return fmt.Errorf("%w: %s", ErrConflictNotPending, conflictID)
	}

	if winnerRemote {
		if err := sc.applyLocked(conflict.Remote, true); err != nil {
			return err
		}
		sc.appendLogLocked(conflict.Remote)
		conflict.WinnerID = conflict.Remote.ID
		metrics.ContextChangesApplied.WithLabelValues("remote").Inc()
	} else if conflict.Local != nil {
		conflict.WinnerID = conflict.Local.ID
	}

	conflict.Status = ConflictResolved
	sc.clock.Merge(conflict.Remote.Clock)
	return nil
}
