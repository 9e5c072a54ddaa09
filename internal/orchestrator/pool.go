package orchestrator

import (
	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/metrics"
)

// pooledAgent is one spawned agent and its scheduling state. Busy/idle
// transitions happen under the orchestrator mutex.
type pooledAgent struct {
	runtime   *agent.Runtime
	archetype string
	busy      bool
	enclaveID string
}

// agentPool tracks spawned agents by archetype. Agents are reused across
// tasks: a completed run returns its agent to the idle set.
type agentPool struct {
	agents map[string]*pooledAgent
}

func newAgentPool() *agentPool {
	return &agentPool{agents: make(map[string]*pooledAgent)}
}

// idle returns an idle agent of the archetype, or nil when all are busy.
func (p *agentPool) idle(archetype string) *pooledAgent {
	for _, ag := range p.agents {
		if ag.archetype == archetype && !ag.busy {
			return ag
		}
	}
	return nil
}

// add registers a freshly spawned agent.
func (p *agentPool) add(ag *pooledAgent) {
	p.agents[ag.runtime.ID] = ag
}

// markBusy transitions an agent into a run.
func (p *agentPool) markBusy(ag *pooledAgent) {
	ag.busy = true
	metrics.AgentsActive.WithLabelValues(ag.archetype).Inc()
}

// release returns an agent to the idle set after its run.
func (p *agentPool) release(id string) {
	ag := p.agents[id]
	if ag == nil || !ag.busy {
		return
	}
	ag.busy = false
	ag.runtime.MarkIdle()
	metrics.AgentsActive.WithLabelValues(ag.archetype).Dec()
}

// active counts busy agents of one archetype.
func (p *agentPool) active(archetype string) int {
	n := 0
	for _, ag := range p.agents {
		if ag.archetype == archetype && ag.busy {
			n++
		}
	}
	return n
}

// totalActive counts busy agents across all archetypes.
func (p *agentPool) totalActive() int {
	n := 0
	for _, ag := range p.agents {
		if ag.busy {
			n++
		}
	}
	return n
}
