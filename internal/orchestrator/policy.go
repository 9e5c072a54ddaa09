// Package orchestrator schedules workflow task DAGs over a pool of archetype
// agents. A single coarse tick drives dispatch; all scheduler state is owned
// by the Orchestrator and guarded by one mutex.
package orchestrator

import "github.com/loomworks/loom/internal/models"

// ResourceLimits bound aggregate consumption across all agents.
type ResourceLimits struct {
	MaxTokensPerMinute    int     `json:"max_tokens_per_minute" yaml:"max_tokens_per_minute" mapstructure:"max_tokens_per_minute"`
	MaxCostPerHour        float64 `json:"max_cost_per_hour" yaml:"max_cost_per_hour" mapstructure:"max_cost_per_hour"`
	MaxConcurrentAPICalls int     `json:"max_concurrent_api_calls" yaml:"max_concurrent_api_calls" mapstructure:"max_concurrent_api_calls"`
}

// Policy is the concurrency policy accepted at construction. Per-type caps
// combine with each archetype's parallelization rules: the effective cap is
// the minimum of the two.
type Policy struct {
	MaxTotalAgents int                 `json:"max_total_agents" yaml:"max_total_agents" mapstructure:"max_total_agents"`
	MaxPerType     map[string]int      `json:"max_per_type" yaml:"max_per_type" mapstructure:"max_per_type"`
	ConflictMatrix map[string][]string `json:"conflict_matrix" yaml:"conflict_matrix" mapstructure:"conflict_matrix"`
	Resources      ResourceLimits      `json:"resources" yaml:"resources" mapstructure:"resources"`
}

// DefaultPolicy returns the stock concurrency policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxTotalAgents: 10,
		MaxPerType: map[string]int{
			models.ArchetypePlanner:   3,
			models.ArchetypeExecutor:  5,
			models.ArchetypeAnalyst:   3,
			models.ArchetypeObserver:  5,
			models.ArchetypeArbiter:   1,
			models.ArchetypeArchivist: 2,
		},
		ConflictMatrix: map[string][]string{
			models.ArchetypeArbiter: {models.ArchetypeArbiter},
			models.ArchetypePlanner: {models.ArchetypePlanner},
		},
		Resources: ResourceLimits{
			MaxTokensPerMinute:    100_000,
			MaxCostPerHour:        10.0,
			MaxConcurrentAPICalls: 10,
		},
	}
}

// maxFor returns the policy cap for an archetype; archetypes the policy does
// not mention are uncapped at the policy level.
func (p *Policy) maxFor(archetype string) int {
	if p.MaxPerType == nil {
		return 0
	}
	return p.MaxPerType[archetype]
}
