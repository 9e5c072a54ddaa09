package provenance

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateTrace is returned when a trace id was already stored.
	// Appends are idempotent rejections, never overwrites.
	ErrDuplicateTrace = errors.New("trace id already stored")

	// ErrTraceNotFound is returned by GetByID for unknown ids.
	ErrTraceNotFound = errors.New("trace not found")
)

// Query filters a provenance lookup. Zero fields match everything; results
// are ordered by descending StartedAt.
type Query struct {
	AgentDID   string
	ActionType string
	FromTime   time.Time
	ToTime     time.Time
	Limit      int
	Offset     int
}

// Store is the append-only trace store. Implementations must serialize
// concurrent appends per trace id (first write wins) and must never mutate
// or delete a stored trace.
type Store interface {
	Store(ctx context.Context, trace *Trace) error
	Query(ctx context.Context, q Query) ([]*Trace, error)
	GetByID(ctx context.Context, id string) (*Trace, error)
}

// matches reports whether the trace satisfies the query filters.
func (q Query) matches(t *Trace) bool {
	if q.AgentDID != "" && t.WasAssociatedWith.AgentDID != q.AgentDID {
		return false
	}
	if q.ActionType != "" && t.ActionType() != q.ActionType {
		return false
	}
	if !q.FromTime.IsZero() && t.StartedAt.Before(q.FromTime) {
		return false
	}
	if !q.ToTime.IsZero() && t.StartedAt.After(q.ToTime) {
		return false
	}
	return true
}

// window applies offset/limit to an already ordered result set.
func (q Query) window(traces []*Trace) []*Trace {
	if q.Offset > 0 {
		if q.Offset >= len(traces) {
			return nil
		}
		traces = traces[q.Offset:]
	}
	if q.Limit > 0 && len(traces) > q.Limit {
		traces = traces[:q.Limit]
	}
	return traces
}
