package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/aat"
	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/enclave"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/sharedctx"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/validation"
)

const (
	defaultTickInterval       = 500 * time.Millisecond
	defaultCheckpointInterval = 30 * time.Second
	defaultMaxIterations      = 10
	enclaveSweepInterval      = time.Minute

	rejectionConcurrencyLimited = "concurrency-limited"
)

// ReasonerFactory supplies the reasoner for a newly spawned agent of one
// archetype.
type ReasonerFactory func(archetype string) agent.Reasoner

// Orchestrator owns the task queue, the agent pool, the workflow registry,
// the checkpointer, the resource windows, and the concurrency policy. All
// scheduler state is guarded by a single mutex; the coarse tick makes
// finer-grained locking unnecessary.
type Orchestrator struct {
	logger *zap.Logger
	tracer oteltrace.Tracer

	policy      *Policy
	broker      agent.ContextBroker
	authority   *auth.Authority
	aats        *aat.Registry
	reasoners   ReasonerFactory
	checkpoints checkpoint.Store
	enclaves    enclave.Service
	events      *streaming.Manager
	gate        *resourceGate

	tickInterval       time.Duration
	checkpointInterval time.Duration
	maxIterations      int

	ctxEmitter sharedctx.ChangeEmitter

	mu               sync.Mutex
	queue            *taskQueue
	pool             *agentPool
	workflows        map[string]*models.Workflow
	tasks            map[string]*models.Task
	completed        map[string]map[string]struct{}
	archived         map[string]map[string]interface{}
	contexts         map[string]*sharedctx.SharedContext
	agentSeq         int
	lastCheckpoint   time.Time
	lastEnclaveSweep time.Time

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTickInterval overrides the scheduler cadence.
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.tickInterval = d }
}

// WithCheckpointInterval sets how often executing workflows snapshot.
// Zero disables checkpointing even when a store is configured.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.checkpointInterval = d }
}

// WithMaxIterations caps the agent runtime decision loop.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) { o.maxIterations = n }
}

// WithEnclaves wires an enclave service for isolation-requiring archetypes.
func WithEnclaves(svc enclave.Service) Option {
	return func(o *Orchestrator) { o.enclaves = svc }
}

// WithEvents wires the event stream manager.
func WithEvents(m *streaming.Manager) Option {
	return func(o *Orchestrator) { o.events = m }
}

// WithContextEmitter broadcasts workflow context graph changes beyond the
// local process, e.g. over Redis pub/sub.
func WithContextEmitter(e sharedctx.ChangeEmitter) Option {
	return func(o *Orchestrator) { o.ctxEmitter = e }
}

// New builds an orchestrator. A nil policy means DefaultPolicy; a nil
// checkpoint store disables checkpointing.
func New(logger *zap.Logger, pol *Policy, ctxBroker agent.ContextBroker, authority *auth.Authority, aats *aat.Registry, reasoners ReasonerFactory, checkpoints checkpoint.Store, opts ...Option) *Orchestrator {
	if pol == nil {
		pol = DefaultPolicy()
	}
	o := &Orchestrator{
		logger:             logger,
		tracer:             otel.Tracer("loom/orchestrator"),
		policy:             pol,
		broker:             ctxBroker,
		authority:          authority,
		aats:               aats,
		reasoners:          reasoners,
		checkpoints:        checkpoints,
		enclaves:           enclave.Disabled{},
		gate:               newResourceGate(pol.Resources),
		tickInterval:       defaultTickInterval,
		checkpointInterval: defaultCheckpointInterval,
		maxIterations:      defaultMaxIterations,
		queue:              newTaskQueue(),
		pool:               newAgentPool(),
		workflows:          make(map[string]*models.Workflow),
		tasks:              make(map[string]*models.Task),
		completed:          make(map[string]map[string]struct{}),
		archived:           make(map[string]map[string]interface{}),
		contexts:           make(map[string]*sharedctx.SharedContext),
		stopCh:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.events == nil {
		o.events = streaming.NewManager(0)
	}
	return o
}

// Events exposes the orchestrator's event stream for subscribers.
func (o *Orchestrator) Events() *streaming.Manager { return o.events }

// SubmitGoal registers a goal as a new workflow rooted at a plan task.
func (o *Orchestrator) SubmitGoal(ctx context.Context, goal models.Goal) (*models.Workflow, error) {
	if goal.Description == "" {
		return nil, fmt.Errorf("goal has no description")
	}
	if goal.ID == "" {
		goal.ID = uuid.New().String()
	}
	if goal.SubmittedAt.IsZero() {
		goal.SubmittedAt = time.Now()
	}

	now := time.Now()
	wf := &models.Workflow{
		ID:        fmt.Sprintf("wf-%s", uuid.New().String()[:8]),
		Goal:      goal,
		Status:    models.WorkflowPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	planTask := &models.Task{
		ID:         newTaskID(models.TaskTypePlan),
		WorkflowID: wf.ID,
		Type:       models.TaskTypePlan,
		Priority:   goal.Priority,
		Status:     models.TaskQueued,
		Input: map[string]interface{}{
			"goal":        goal.Description,
			"constraints": goal.Constraints,
		},
		CreatedAt: now,
	}

	o.mu.Lock()
	o.workflows[wf.ID] = wf
	o.completed[wf.ID] = make(map[string]struct{})
	o.initWorkflowGraphLocked(wf)
	err := o.enqueueLocked(wf, planTask)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.WorkflowsStarted.Inc()
	o.publish(streaming.Event{
		WorkflowID: wf.ID,
		Type:       streaming.EventWorkflowStarted,
		Message:    goal.Description,
	})
	o.logger.Info("workflow submitted",
		zap.String("workflow_id", wf.ID),
		zap.String("goal", goal.Description),
		zap.Bool("parallel", goal.Options.EnableParallelExecution))
	return snapshotWorkflow(wf), nil
}

// EnqueueTasks adds pre-built tasks to an existing workflow, rejecting
// dependency cycles before anything is queued.
func (o *Orchestrator) EnqueueTasks(workflowID string, tasks ...*models.Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf := o.workflows[workflowID]
	if wf == nil {
		return fmt.Errorf("unknown workflow %q", workflowID)
	}
	return o.enqueueLocked(wf, tasks...)
}

// enqueueLocked validates the workflow DAG including the new tasks, then
// queues them. Caller holds the mutex.
func (o *Orchestrator) enqueueLocked(wf *models.Workflow, tasks ...*models.Task) error {
	graph := make([]*models.Task, 0, len(wf.TaskIDs)+len(tasks))
	for _, id := range wf.TaskIDs {
		if t := o.tasks[id]; t != nil {
			graph = append(graph, t)
		}
	}
	graph = append(graph, tasks...)
	if err := validation.CheckTaskGraph(graph).Err(); err != nil {
		return fmt.Errorf("enqueue rejected: %w", err)
	}

	for _, task := range tasks {
		if task.Status == "" {
			task.Status = models.TaskQueued
		}
		o.tasks[task.ID] = task
		wf.TaskIDs = append(wf.TaskIDs, task.ID)
		o.queue.push(task)
		metrics.TasksEnqueued.WithLabelValues(task.Type).Inc()
		o.publish(streaming.Event{
			WorkflowID: wf.ID,
			Type:       streaming.EventTaskEnqueued,
			TaskID:     task.ID,
			Message:    task.Type,
		})
	}
	wf.UpdatedAt = time.Now()
	return nil
}

// Start launches the scheduler loop. Stop shuts it down and waits for
// in-flight task runs to finish.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.Tick(ctx)
			}
		}
	}()
}

// Stop halts future dispatch and waits for in-flight agents. In-flight
// tasks are never preempted.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// Tick runs one scheduling pass: refresh resource windows, gate, attempt one
// dispatch per archetype, then the completion, checkpoint, and enclave
// cleanup passes. Exposed so tests and embedders can drive the scheduler
// deterministically.
func (o *Orchestrator) Tick(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.tick")
	defer span.End()

	now := time.Now()
	o.gate.refresh(now)

	if reason, ok := o.gate.allow(); !ok {
		metrics.ResourceGateTrips.WithLabelValues(reason).Inc()
		o.publishToActive(streaming.EventResourceLimitReached, reason)
	} else {
		for _, archetype := range models.Archetypes {
			o.dispatchOne(ctx, archetype)
		}
	}

	o.completionPass()
	o.maybeCheckpoint(ctx, now)
	o.sweepEnclaves(ctx, now)
}

// dispatchOne attempts a single dispatch for one archetype.
func (o *Orchestrator) dispatchOne(ctx context.Context, archetype string) {
	o.mu.Lock()

	task := o.queue.next(func(t *models.Task) bool {
		return models.ArchetypeForTaskType(t.Type) == archetype && o.readyLocked(t)
	})
	if task == nil {
		o.mu.Unlock()
		return
	}

	if reason, ok := o.canSpawnLocked(archetype); !ok {
		o.queue.push(task)
		metrics.DispatchRejections.WithLabelValues(archetype, rejectionConcurrencyLimited).Inc()
		o.publish(streaming.Event{
			WorkflowID: task.WorkflowID,
			Type:       streaming.EventConcurrencyLimited,
			TaskID:     task.ID,
			AgentType:  archetype,
			Message:    reason,
		})
		o.mu.Unlock()
		return
	}

	if !o.gate.allowDispatch() {
		o.queue.push(task)
		metrics.ResourceGateTrips.WithLabelValues(limitDispatch).Inc()
		o.mu.Unlock()
		return
	}

	ag := o.pool.idle(archetype)
	if ag == nil {
		var err error
		ag, err = o.spawnLocked(archetype)
		if err != nil {
			o.queue.push(task)
			o.mu.Unlock()
			o.logger.Error("agent spawn failed", zap.String("archetype", archetype), zap.Error(err))
			return
		}
		o.publish(streaming.Event{
			WorkflowID: task.WorkflowID,
			Type:       streaming.EventAgentSpawned,
			AgentID:    ag.runtime.ID,
			AgentType:  archetype,
		})
	}

	wf := o.workflows[task.WorkflowID]
	o.requestEnclaveLocked(ctx, ag, wf)
	o.grantGraphAccessLocked(task.WorkflowID, ag.runtime.DID)

	prepareArchiveContent(task)
	now := time.Now()
	task.Status = models.TaskAssigned
	task.AssignedAgentID = ag.runtime.ID
	task.Status = models.TaskRunning
	task.StartedAt = &now
	o.pool.markBusy(ag)
	o.gate.beginCall()
	o.mu.Unlock()

	o.publish(streaming.Event{
		WorkflowID: task.WorkflowID,
		Type:       streaming.EventTaskDispatched,
		TaskID:     task.ID,
		AgentID:    ag.runtime.ID,
		AgentType:  archetype,
	})

	o.wg.Add(1)
	go o.runTask(ctx, ag, task)
}

// readyLocked reports whether every dependency of the task completed.
func (o *Orchestrator) readyLocked(t *models.Task) bool {
	done := o.completed[t.WorkflowID]
	for _, dep := range t.Dependencies {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}

// canSpawnLocked applies the parallelization rules and the concurrency
// policy to one archetype.
func (o *Orchestrator) canSpawnLocked(archetype string) (string, bool) {
	rules := o.aats.ParallelizationRules(archetype)
	active := o.pool.active(archetype)

	if !rules.Parallelizable && active > 0 {
		return fmt.Sprintf("%s is not parallelizable", archetype), false
	}

	limit := rules.MaxConcurrent
	if pcap := o.policy.maxFor(archetype); pcap > 0 && (limit == 0 || pcap < limit) {
		limit = pcap
	}
	if limit > 0 && active >= limit {
		return fmt.Sprintf("%s at per-type limit %d", archetype, limit), false
	}
	if o.policy.MaxTotalAgents > 0 && o.pool.totalActive() >= o.policy.MaxTotalAgents {
		return fmt.Sprintf("global agent limit %d reached", o.policy.MaxTotalAgents), false
	}
	for _, c := range rules.ConflictsWith {
		if o.pool.active(c) > 0 {
			return fmt.Sprintf("%s conflicts with active %s", archetype, c), false
		}
	}
	for _, c := range o.policy.ConflictMatrix[archetype] {
		if o.pool.active(c) > 0 {
			return fmt.Sprintf("%s conflicts with active %s", archetype, c), false
		}
	}
	return "", true
}

// spawnLocked creates and registers a new agent of one archetype.
func (o *Orchestrator) spawnLocked(archetype string) (*pooledAgent, error) {
	o.agentSeq++
	id := fmt.Sprintf("agent-%s-%d", archetype, o.agentSeq)
	did := fmt.Sprintf("did:loom:%s", id)

	creds, err := o.authority.Issue(did, archetype, baseCapabilities(archetype), []string{"agent"})
	if err != nil {
		return nil, fmt.Errorf("issue credentials: %w", err)
	}

	runtime := agent.NewRuntime(id, creds, o.reasoners(archetype), o.broker, o.logger.Named("agent"), o.maxIterations)
	ag := &pooledAgent{runtime: runtime, archetype: archetype}
	o.pool.add(ag)
	metrics.AgentsSpawned.WithLabelValues(archetype).Inc()
	return ag, nil
}

// baseCapabilities are the capabilities granted at spawn. Gated actions such
// as Delete stay disabled until an operator issues a stronger credential.
func baseCapabilities(archetype string) []string {
	return []string{archetype}
}

// requestEnclaveLocked asks for an isolation enclave when the archetype
// requires one and the goal configured a repository. Enclave failures are
// logged and ignored; the run proceeds without isolation.
func (o *Orchestrator) requestEnclaveLocked(ctx context.Context, ag *pooledAgent, wf *models.Workflow) {
	if ag.enclaveID != "" || wf == nil {
		return
	}
	rules := o.aats.ParallelizationRules(ag.archetype)
	if !rules.RequiresIsolation || wf.Goal.Options.RepositoryURL == "" {
		return
	}
	enc, err := o.enclaves.Create(ctx, enclave.Request{
		AgentDID: ag.runtime.DID,
		Scope:    rules.PreferredEnclaveScope,
	})
	if err != nil {
		if err != enclave.ErrDisabled {
			o.logger.Warn("enclave request failed", zap.String("agent_id", ag.runtime.ID), zap.Error(err))
		}
		return
	}
	ag.enclaveID = enc.ID
}

// runTask executes one task on its assigned agent and folds the result back
// into scheduler state.
func (o *Orchestrator) runTask(ctx context.Context, ag *pooledAgent, task *models.Task) {
	defer o.wg.Done()

	ctx, span := o.tracer.Start(ctx, "orchestrator.runTask",
		oteltrace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type),
			attribute.String("agent.id", ag.runtime.ID),
		))
	defer span.End()

	res := ag.runtime.Run(ctx, task)

	o.gate.endCall()
	o.gate.recordUsage(res.Usage.TotalTokens, res.Usage.CostUSD)
	if res.Usage.TotalTokens > 0 {
		metrics.TokensConsumed.Add(float64(res.Usage.TotalTokens))
	}

	o.handleResult(task, ag, res)
}

// handleResult records a finished run: task status, plan expansion, archive
// retention, and agent release.
func (o *Orchestrator) handleResult(task *models.Task, ag *pooledAgent, res *agent.TaskResult) {
	now := time.Now()

	o.mu.Lock()
	o.pool.release(ag.runtime.ID)
	o.sealEnclave(ag)

	wf := o.workflows[task.WorkflowID]
	task.CompletedAt = &now

	var events []streaming.Event
	switch res.Status {
	case agent.StateCompleted:
		task.Status = models.TaskCompleted
		task.Output = res.Output
		if done := o.completed[task.WorkflowID]; done != nil {
			done[task.ID] = struct{}{}
		}
		events = append(events, streaming.Event{
			WorkflowID: task.WorkflowID,
			Type:       streaming.EventTaskCompleted,
			TaskID:     task.ID,
			AgentID:    ag.runtime.ID,
		})
		if task.Type == models.TaskTypePlan && wf != nil {
			if evt, err := o.expandPlanLocked(wf, task); err != nil {
				task.Status = models.TaskFailed
				task.Error = err.Error()
				delete(o.completed[task.WorkflowID], task.ID)
				events = append(events, streaming.Event{
					WorkflowID: task.WorkflowID,
					Type:       streaming.EventTaskFailed,
					TaskID:     task.ID,
					Message:    err.Error(),
				})
			} else {
				events = append(events, evt)
			}
		}
		if task.Type == models.TaskTypeArchive {
			// Archived results stay resident; callers read them via
			// ArchivedResult until the process exits.
			o.archived[task.WorkflowID] = res.Output
		}
		if task.Status == models.TaskCompleted {
			o.recordTaskNodeLocked(task, ag.runtime.DID)
		}

	case agent.StateWaiting:
		// No credential grantor is wired, so a waiting agent cannot make
		// progress; surface the gap as a task failure.
		waitingOn := "credential grant"
		if res.WaitingOn != nil {
			waitingOn = fmt.Sprintf("credential grant for %s", res.WaitingOn.ActionType)
		}
		task.Status = models.TaskFailed
		task.Error = "waiting on " + waitingOn
		events = append(events,
			streaming.Event{
				WorkflowID: task.WorkflowID,
				Type:       streaming.EventAgentWaiting,
				TaskID:     task.ID,
				AgentID:    ag.runtime.ID,
				Message:    waitingOn,
			},
			streaming.Event{
				WorkflowID: task.WorkflowID,
				Type:       streaming.EventTaskFailed,
				TaskID:     task.ID,
				Message:    task.Error,
			})

	default:
		task.Status = models.TaskFailed
		task.Error = res.Error
		events = append(events, streaming.Event{
			WorkflowID: task.WorkflowID,
			Type:       streaming.EventTaskFailed,
			TaskID:     task.ID,
			AgentID:    ag.runtime.ID,
			Message:    res.Error,
		})
	}

	metrics.TasksCompleted.WithLabelValues(task.Type, task.Status).Inc()
	if task.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(task.Type).Observe(now.Sub(*task.StartedAt).Seconds())
	}
	if wf != nil {
		wf.UpdatedAt = now
	}
	o.mu.Unlock()

	for _, evt := range events {
		o.publish(evt)
	}
}

// expandPlanLocked turns a completed plan task into the execute-phase DAG.
func (o *Orchestrator) expandPlanLocked(wf *models.Workflow, planTask *models.Task) (streaming.Event, error) {
	goal, steps := agent.PlanFromOutput(planTask.Output)
	if len(steps) == 0 {
		return streaming.Event{}, fmt.Errorf("plan produced no steps")
	}
	if goal == "" {
		goal = wf.Goal.Description
	}

	tasks := expandPlan(wf, planTask.ID, goal, steps, wf.Goal.Options.EnableParallelExecution)
	if err := o.enqueueLocked(wf, tasks...); err != nil {
		return streaming.Event{}, err
	}
	wf.Status = models.WorkflowExecuting

	o.logger.Info("plan expanded",
		zap.String("workflow_id", wf.ID),
		zap.Int("steps", len(steps)),
		zap.Bool("parallel", wf.Goal.Options.EnableParallelExecution))
	return streaming.Event{
		WorkflowID: wf.ID,
		Type:       streaming.EventPlanExpanded,
		TaskID:     planTask.ID,
		Payload:    map[string]interface{}{"steps": len(steps)},
	}, nil
}

// sealEnclave closes the agent's enclave after a run. Caller holds the mutex.
func (o *Orchestrator) sealEnclave(ag *pooledAgent) {
	if ag.enclaveID == "" {
		return
	}
	if err := o.enclaves.Seal(context.Background(), ag.enclaveID); err != nil && err != enclave.ErrDisabled {
		o.logger.Warn("enclave seal failed", zap.String("enclave_id", ag.enclaveID), zap.Error(err))
	}
	ag.enclaveID = ""
}

// completionPass moves workflows to terminal status: failed as soon as any
// task failed, completed once every task completed.
func (o *Orchestrator) completionPass() {
	now := time.Now()

	o.mu.Lock()
	var events []streaming.Event
	for _, wf := range o.workflows {
		if wf.Status == models.WorkflowCompleted || wf.Status == models.WorkflowFailed {
			continue
		}

		allDone := len(wf.TaskIDs) > 0
		failedID := ""
		for _, id := range wf.TaskIDs {
			t := o.tasks[id]
			if t == nil {
				continue
			}
			if t.Status == models.TaskFailed {
				failedID = t.ID
				break
			}
			if t.Status != models.TaskCompleted {
				allDone = false
			}
		}

		switch {
		case failedID != "":
			wf.Status = models.WorkflowFailed
			failed := o.tasks[failedID]
			wf.Error = fmt.Sprintf("task %s failed: %s", failedID, failed.Error)
			wf.UpdatedAt = now
			o.markGraphStatusLocked(wf.ID, wf.Status)
			metrics.WorkflowsCompleted.WithLabelValues(models.WorkflowFailed).Inc()
			metrics.WorkflowDuration.Observe(now.Sub(wf.CreatedAt).Seconds())
			events = append(events, streaming.Event{
				WorkflowID: wf.ID,
				Type:       streaming.EventWorkflowFailed,
				Message:    wf.Error,
			})
		case allDone:
			wf.Status = models.WorkflowCompleted
			wf.UpdatedAt = now
			o.markGraphStatusLocked(wf.ID, wf.Status)
			metrics.WorkflowsCompleted.WithLabelValues(models.WorkflowCompleted).Inc()
			metrics.WorkflowDuration.Observe(now.Sub(wf.CreatedAt).Seconds())
			events = append(events, streaming.Event{
				WorkflowID: wf.ID,
				Type:       streaming.EventWorkflowCompleted,
			})
		}
	}
	o.mu.Unlock()

	for _, evt := range events {
		o.publish(evt)
	}
}

// CancelWorkflow drops the workflow's queued tasks and marks it failed.
// In-flight tasks finish; their results are still recorded.
func (o *Orchestrator) CancelWorkflow(id string) error {
	o.mu.Lock()
	wf := o.workflows[id]
	if wf == nil {
		o.mu.Unlock()
		return fmt.Errorf("unknown workflow %q", id)
	}
	o.queue.remove(id)
	for _, tid := range wf.TaskIDs {
		if t := o.tasks[tid]; t != nil && t.Status == models.TaskQueued {
			t.Status = models.TaskCancelled
		}
	}
	wf.Status = models.WorkflowFailed
	wf.Error = "cancelled"
	wf.UpdatedAt = time.Now()
	o.markGraphStatusLocked(wf.ID, wf.Status)
	o.mu.Unlock()

	o.publish(streaming.Event{WorkflowID: id, Type: streaming.EventWorkflowFailed, Message: "cancelled"})
	return nil
}

// sweepEnclaves periodically reaps expired enclaves.
func (o *Orchestrator) sweepEnclaves(ctx context.Context, now time.Time) {
	o.mu.Lock()
	due := now.Sub(o.lastEnclaveSweep) >= enclaveSweepInterval
	if due {
		o.lastEnclaveSweep = now
	}
	o.mu.Unlock()
	if !due {
		return
	}
	if n := o.enclaves.CleanupExpired(ctx); n > 0 {
		o.logger.Debug("expired enclaves cleaned", zap.Int("count", n))
	}
}

// publish forwards one event to the stream manager.
func (o *Orchestrator) publish(evt streaming.Event) {
	o.events.Publish(evt)
}

// publishToActive broadcasts one message to every non-terminal workflow.
func (o *Orchestrator) publishToActive(eventType, message string) {
	o.mu.Lock()
	var ids []string
	for id, wf := range o.workflows {
		if wf.Status != models.WorkflowCompleted && wf.Status != models.WorkflowFailed {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.publish(streaming.Event{WorkflowID: id, Type: eventType, Message: message})
	}
}

// Workflow returns a copy of one workflow.
func (o *Orchestrator) Workflow(id string) (*models.Workflow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf := o.workflows[id]
	if wf == nil {
		return nil, false
	}
	return snapshotWorkflow(wf), true
}

// Task returns a copy of one task.
func (o *Orchestrator) Task(id string) (*models.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.tasks[id]
	if t == nil {
		return nil, false
	}
	clone := *t
	return &clone, true
}

// WorkflowTasks returns copies of every task of one workflow.
func (o *Orchestrator) WorkflowTasks(workflowID string) []*models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf := o.workflows[workflowID]
	if wf == nil {
		return nil
	}
	out := make([]*models.Task, 0, len(wf.TaskIDs))
	for _, id := range wf.TaskIDs {
		if t := o.tasks[id]; t != nil {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out
}

// ActiveAgents counts busy agents of one archetype.
func (o *Orchestrator) ActiveAgents(archetype string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pool.active(archetype)
}

// QueueDepth reports the number of queued tasks.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.len()
}

// ArchivedResult returns the retained archive output of a workflow, if any.
func (o *Orchestrator) ArchivedResult(workflowID string) (map[string]interface{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out, ok := o.archived[workflowID]
	return out, ok
}

func snapshotWorkflow(wf *models.Workflow) *models.Workflow {
	clone := *wf
	clone.TaskIDs = append([]string(nil), wf.TaskIDs...)
	clone.Checkpoints = append([]string(nil), wf.Checkpoints...)
	return &clone
}
