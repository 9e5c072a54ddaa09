// Package metrics exposes Prometheus metrics for the engine. Import for
// side effects registers everything with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_workflows_started_total",
			Help: "Total number of workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workflows_completed_total",
			Help: "Total number of workflows reaching a terminal status",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_workflow_duration_seconds",
			Help:    "Wall-clock duration from goal submission to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// Task metrics
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"task_type"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"task_type", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	// Dispatch / concurrency metrics
	AgentsSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_agents_spawned_total",
			Help: "Total number of agents spawned, by archetype",
		},
		[]string{"archetype"},
	)

	AgentsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_agents_active",
			Help: "Agents currently executing a task, by archetype",
		},
		[]string{"archetype"},
	)

	DispatchRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_dispatch_rejections_total",
			Help: "Dispatch attempts rejected before assignment",
		},
		[]string{"archetype", "reason"},
	)

	ResourceGateTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_resource_gate_trips_total",
			Help: "Scheduler ticks skipped because a resource limit was reached",
		},
		[]string{"limit"},
	)

	TokensConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_tokens_consumed_total",
			Help: "Total tokens consumed across all agents",
		},
	)

	// Policy metrics
	PolicyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_policy_evaluations_total",
			Help: "Policy evaluations by outcome",
		},
		[]string{"outcome"},
	)

	PolicyEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_policy_evaluation_duration_seconds",
			Help:    "Policy evaluation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	PolicyRulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_policy_rules_loaded",
			Help: "Number of policy rules currently installed",
		},
	)

	// Broker metrics
	ViewsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_context_views_issued_total",
			Help: "Context views issued, by agent type",
		},
		[]string{"agent_type"},
	)

	Traversals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_traversals_total",
			Help: "Affordance traversals by action type and outcome",
		},
		[]string{"action_type", "outcome"},
	)

	TraversalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_traversal_duration_seconds",
			Help:    "Traversal latency including effect execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)

	// Provenance metrics
	TracesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_traces_stored_total",
			Help: "Traces appended to the provenance store",
		},
	)

	TraceStoreRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_trace_store_rejections_total",
			Help: "Trace appends rejected as duplicates",
		},
	)

	// Shared context metrics
	ContextChangesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_context_changes_applied_total",
			Help: "Shared context changes applied, by origin",
		},
		[]string{"origin"},
	)

	ContextConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_context_conflicts_total",
			Help: "Concurrent shared context changes detected, by resolution",
		},
		[]string{"resolution"},
	)

	// Checkpoint metrics
	CheckpointsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_checkpoints_created_total",
			Help: "Workflow checkpoints created",
		},
	)

	CheckpointsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_checkpoints_resumed_total",
			Help: "Workflows resumed from a checkpoint",
		},
	)
)
