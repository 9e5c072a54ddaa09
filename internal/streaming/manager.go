// Package streaming fans orchestrator events out to in-process subscribers,
// with a bounded per-workflow replay buffer so late subscribers can catch up.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types emitted by the orchestrator.
const (
	EventWorkflowStarted      = "workflow-started"
	EventWorkflowCompleted    = "workflow-completed"
	EventWorkflowFailed       = "workflow-failed"
	EventTaskEnqueued         = "task-enqueued"
	EventTaskDispatched       = "task-dispatched"
	EventTaskCompleted        = "task-completed"
	EventTaskFailed           = "task-failed"
	EventAgentSpawned         = "agent-spawned"
	EventAgentWaiting         = "agent-waiting"
	EventPlanExpanded         = "plan-expanded"
	EventResourceLimitReached = "resource-limit-reached"
	EventConcurrencyLimited   = "concurrency-limited"
	EventCheckpointCreated    = "checkpoint-created"
)

// Event is one orchestrator occurrence scoped to a workflow.
type Event struct {
	WorkflowID string                 `json:"workflow_id"`
	Type       string                 `json:"type"`
	TaskID     string                 `json:"task_id,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	AgentType  string                 `json:"agent_type,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Seq        uint64                 `json:"seq"`
}

// Marshal renders the event for SSE payloads and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

const defaultCapacity = 256

// Manager provides in-memory pub/sub for workflow events. Slow subscribers
// drop events rather than stalling the orchestrator tick.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager builds a manager with the given replay capacity per workflow.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a workflow; the caller must drain
// it and call Unsubscribe when done.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[workflowID]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, workflowID)
		}
	}
}

// Publish stamps, records, and delivers the event to every subscriber of its
// workflow.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.WorkflowID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[evt.WorkflowID]
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// the ring capacity.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[workflowID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
