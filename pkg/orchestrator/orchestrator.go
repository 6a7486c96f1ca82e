// Package orchestrator is the facade over the whole core: it accepts task
// submissions through the active topology, drives the scheduling loop,
// spawns workers through the execution provider, and runs a completion
// monitor per live execution.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmops/swarmd/pkg/budget"
	"github.com/swarmops/swarmd/pkg/conflict"
	"github.com/swarmops/swarmd/pkg/events"
	"github.com/swarmops/swarmd/pkg/graph"
	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/provider"
	"github.com/swarmops/swarmd/pkg/scheduler"
	"github.com/swarmops/swarmd/pkg/store"
	"github.com/swarmops/swarmd/pkg/topology"
)

// DefaultLoopInterval drives the outer scheduling loop between wakes.
const DefaultLoopInterval = 10 * time.Second

// Orchestrator wires submission, scheduling, dispatch, and completion.
type Orchestrator struct {
	store     store.Store
	graph     *graph.Graph
	scheduler *scheduler.Scheduler
	topo      topology.Handler
	provider  provider.Provider
	conflicts *conflict.Monitor
	budget    *budget.Guard
	hub       *events.Hub
	logger    *slog.Logger

	executions map[string]string // task ID → execution ID
	execMu     sync.Mutex

	loopInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New wires the orchestrator over its collaborators.
func New(st store.Store, g *graph.Graph, sched *scheduler.Scheduler, topo topology.Handler,
	prov provider.Provider, cm *conflict.Monitor, bg *budget.Guard, hub *events.Hub, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:        st,
		graph:        g,
		scheduler:    sched,
		topo:         topo,
		provider:     prov,
		conflicts:    cm,
		budget:       bg,
		hub:          hub,
		logger:       logger.With("component", "orchestrator"),
		executions:   make(map[string]string),
		loopInterval: DefaultLoopInterval,
		stopCh:       make(chan struct{}),
	}
}

// Submit routes validated tasks through the topology. Submission is refused
// outright while the budget is paused.
func (o *Orchestrator) Submit(ctx context.Context, tasks []*models.Task) error {
	paused, err := o.budget.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return budget.ErrBudgetPaused
	}
	for _, task := range tasks {
		if err := o.budget.CheckTaskBudget(ctx, task.BudgetCents); err != nil {
			return err
		}
	}
	for _, task := range tasks {
		if err := o.topo.SubmitTask(ctx, task); err != nil {
			return fmt.Errorf("submit task %s: %w", task.ID, err)
		}
	}
	return nil
}

// Cancel flips the task to cancelled and, when it is already dispatched,
// stops the worker best-effort.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, store.ErrNotFound
	}
	if err := task.Transition(models.TaskStatusCancelled); err != nil {
		return nil, err
	}
	if err := o.store.PutTask(ctx, task); err != nil {
		return nil, err
	}

	o.execMu.Lock()
	execID, dispatched := o.executions[taskID]
	delete(o.executions, taskID)
	o.execMu.Unlock()
	if dispatched {
		if err := o.provider.CancelExecution(ctx, execID); err != nil {
			o.logger.Warn("best-effort cancel failed", "taskId", taskID, "executionId", execID, "error", err)
		}
	}
	return task, nil
}

// ExecuteTask force-starts a single task regardless of the scheduling loop.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return store.ErrNotFound
	}
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusAssigned {
		return fmt.Errorf("task %s is %s, not startable", taskID, task.Status)
	}
	return o.dispatch(ctx, task)
}

// ExecuteBatch force-starts every currently ready task and returns the IDs
// it dispatched.
func (o *Orchestrator) ExecuteBatch(ctx context.Context) ([]string, error) {
	ready, err := o.graph.ReadyTasks(ctx)
	if err != nil {
		return nil, err
	}
	var started []string
	for _, task := range ready {
		if err := o.dispatch(ctx, task); err != nil {
			o.logger.Error("batch dispatch failed", "taskId", task.ID, "error", err)
			continue
		}
		started = append(started, task.ID)
	}
	return started, nil
}

// dispatch spawns a worker for the task, records the agent, locks the
// task's files, and starts the completion monitor.
func (o *Orchestrator) dispatch(ctx context.Context, task *models.Task) error {
	handle, err := o.provider.ExecuteTask(ctx, task)
	if err != nil {
		return fmt.Errorf("spawn worker for task %s: %w", task.ID, err)
	}

	if task.Status == models.TaskStatusPending {
		if err := task.Transition(models.TaskStatusAssigned); err != nil {
			return err
		}
	}
	task.AssignedAgent = handle.AgentID
	if err := task.Transition(models.TaskStatusRunning); err != nil {
		return err
	}
	if err := o.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("store running task: %w", err)
	}

	agent := &models.Agent{
		ID:        handle.AgentID,
		Status:    models.AgentStatusRunning,
		TaskID:    task.ID,
		StartedAt: time.Now(),
		Branch:    task.Context.Branch,
	}
	if err := o.store.PutAgent(ctx, agent); err != nil {
		return fmt.Errorf("store agent: %w", err)
	}

	conflicts := o.conflicts.RegisterFileActivity(handle.AgentID, task.ID, task.Context.Files, task.Context.Branch)
	for _, c := range conflicts {
		o.hub.Broadcast(events.EventConflictPotential, map[string]any{
			"taskId":   task.ID,
			"files":    c.Files,
			"agents":   c.Agents,
			"severity": string(c.Severity),
		})
	}

	o.execMu.Lock()
	o.executions[task.ID] = handle.ExecutionID
	o.execMu.Unlock()

	o.hub.Broadcast(events.EventAgentSpawned, map[string]any{
		"agentId": handle.AgentID,
		"taskId":  task.ID,
	})
	o.hub.Broadcast(events.EventTaskStarted, map[string]any{
		"taskId":  task.ID,
		"agentId": handle.AgentID,
	})

	o.wg.Add(1)
	go o.monitor(task, handle)
	return nil
}

// monitor waits out one execution and feeds its outcome through the
// topology's completion path. A provider timeout fails the task.
func (o *Orchestrator) monitor(task *models.Task, handle *provider.ExecutionHandle) {
	defer o.wg.Done()
	ctx := context.Background()

	timeout := time.Duration(task.TimeoutMinutes) * time.Minute
	wait, err := o.provider.WaitForCompletion(ctx, handle.ExecutionID, timeout)

	o.execMu.Lock()
	delete(o.executions, task.ID)
	o.execMu.Unlock()

	if err != nil {
		o.logger.Error("completion wait failed", "taskId", task.ID, "error", err)
		wait = &provider.WaitResult{Status: provider.WaitFailed}
	}

	result := wait.Result
	if result == nil {
		result = &models.Result{
			TaskID:  task.ID,
			AgentID: handle.AgentID,
			Status:  models.ResultSuccess,
		}
	}
	switch wait.Status {
	case provider.WaitTimeout:
		result.Status = models.ResultFailed
		result.Error = fmt.Sprintf("execution timed out after %d minutes", task.TimeoutMinutes)
	case provider.WaitFailed:
		result.Status = models.ResultFailed
		if result.Error == "" {
			result.Error = "worker execution failed"
		}
	}

	if _, err := o.topo.OnTaskComplete(ctx, task.ID, result); err != nil {
		o.logger.Error("completion pipeline failed", "taskId", task.ID, "error", err)
	}
}

// Health is the liveness snapshot served by the health endpoint.
type Health struct {
	Status       string               `json:"status"`
	Topology     string               `json:"topology"`
	Provider     string               `json:"provider"`
	QueueDepth   int                  `json:"queueDepth"`
	ActiveAgents int                  `json:"activeAgents"`
	ActiveJobs   int                  `json:"activeJobs"`
	Jobs         []provider.ActiveJob `json:"jobs,omitempty"`
}

// HealthSnapshot reports the process's mode and load.
func (o *Orchestrator) HealthSnapshot(ctx context.Context) (*Health, error) {
	status := "healthy"
	if err := o.store.Ping(ctx); err != nil {
		status = "degraded"
	}
	pending, err := o.store.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusPending})
	if err != nil {
		return nil, err
	}
	active, err := o.store.CountActiveAgents(ctx)
	if err != nil {
		return nil, err
	}
	jobs := o.provider.ActiveJobs()
	return &Health{
		Status:       status,
		Topology:     o.topo.Name(),
		Provider:     o.provider.Name(),
		QueueDepth:   len(pending),
		ActiveAgents: active,
		ActiveJobs:   len(jobs),
		Jobs:         jobs,
	}, nil
}

// Start launches the outer loop: each pass schedules ready tasks, then
// dispatches both the fresh assignments and the deferred spawn-new tasks.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.loopInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-o.scheduler.WakeCh():
			}
			o.runPass(ctx)
		}
	}()
}

// runPass performs one schedule-and-dispatch cycle. Failures on one task
// never stall the others.
func (o *Orchestrator) runPass(ctx context.Context) {
	decision, err := o.scheduler.Schedule(ctx)
	if err != nil {
		o.logger.Error("scheduling pass failed", "error", err)
		return
	}

	for _, a := range decision.Assignments {
		task, err := o.store.GetTask(ctx, a.TaskID)
		if err != nil || task == nil || task.Status != models.TaskStatusAssigned {
			continue
		}
		if err := o.dispatch(ctx, task); err != nil {
			o.logger.Error("dispatch failed", "taskId", a.TaskID, "error", err)
		}
	}

	// Deferred spawn-new entries become fresh workers unless the budget is
	// paused.
	paused, err := o.budget.Paused(ctx)
	if err != nil || paused {
		return
	}
	for _, d := range decision.Deferred {
		if d.Reason != scheduler.ReasonNoSuitableAgent {
			continue
		}
		task, err := o.store.GetTask(ctx, d.TaskID)
		if err != nil || task == nil || task.Status != models.TaskStatusPending {
			continue
		}
		if err := o.dispatch(ctx, task); err != nil {
			o.logger.Error("spawn-new dispatch failed", "taskId", d.TaskID, "error", err)
		}
	}
}

// Stop halts the loop and waits for in-flight monitors to drain.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}
