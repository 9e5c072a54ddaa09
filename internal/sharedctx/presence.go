package sharedctx

import (
	"sync"
	"time"
)

// Presence states.
const (
	PresenceActive  = "active"
	PresenceIdle    = "idle"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Presence visibility settings.
const (
	VisibilityInvisible   = "invisible"
	VisibilityPublic      = "public"
	VisibilityConnections = "connections"
	VisibilityClose       = "close"
	VisibilityPrivate     = "private"
)

// Presence is a participant's ephemeral activity state. It is last-write-wins
// and non-durable; it never enters the change log.
type Presence struct {
	AgentDID       string                 `json:"agent_did"`
	State          string                 `json:"state"`
	Cursor         map[string]interface{} `json:"cursor,omitempty"`
	Selection      map[string]interface{} `json:"selection,omitempty"`
	ViewportBounds map[string]interface{} `json:"viewport_bounds,omitempty"`
	Visibility     string                 `json:"visibility"`
	LastActivity   time.Time              `json:"last_activity"`
}

// PresenceTracker holds the latest presence per participant on one context.
type PresenceTracker struct {
	ctx *SharedContext

	mu          sync.RWMutex
	presences   map[string]*Presence
	connections map[string]map[string]bool
}

// NewPresenceTracker builds a tracker bound to a context for access lookups.
func NewPresenceTracker(sc *SharedContext) *PresenceTracker {
	return &PresenceTracker{
		ctx:         sc,
		presences:   make(map[string]*Presence),
		connections: make(map[string]map[string]bool),
	}
}

// Update records a participant's presence, overwriting any previous state.
func (t *PresenceTracker) Update(p *Presence) {
	if p.Visibility == "" {
		p.Visibility = VisibilityPublic
	}
	p.LastActivity = time.Now()
	t.mu.Lock()
	t.presences[p.AgentDID] = p
	t.mu.Unlock()
}

// Connect records an accepted connection between two participants, used by
// the connections visibility level.
func (t *PresenceTracker) Connect(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connections[a] == nil {
		t.connections[a] = make(map[string]bool)
	}
	if t.connections[b] == nil {
		t.connections[b] = make(map[string]bool)
	}
	t.connections[a][b] = true
	t.connections[b][a] = true
}

// Visible returns the presences the viewer may see under each participant's
// visibility filter.
func (t *PresenceTracker) Visible(viewerDID string) []*Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Presence
	for did, p := range t.presences {
		if did == viewerDID {
			out = append(out, p)
			continue
		}
		if t.visibleToLocked(p, viewerDID) {
			out = append(out, p)
		}
	}
	return out
}

func (t *PresenceTracker) visibleToLocked(p *Presence, viewerDID string) bool {
	switch p.Visibility {
	case VisibilityInvisible, VisibilityPrivate:
		return false
	case VisibilityPublic:
		return true
	case VisibilityConnections:
		return t.connections[p.AgentDID][viewerDID]
	case VisibilityClose:
		return t.ctx.Access(viewerDID) >= AccessAdmin
	}
	return false
}
