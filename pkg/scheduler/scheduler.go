// Package scheduler turns ready tasks into agent assignments. It composes
// the dependency graph, the store, the router, the scoring registry, the
// conflict monitor, and the budget guard, and owns the task completion
// pipeline.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swarmops/swarmd/pkg/budget"
	"github.com/swarmops/swarmd/pkg/conflict"
	"github.com/swarmops/swarmd/pkg/events"
	"github.com/swarmops/swarmd/pkg/graph"
	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/router"
	"github.com/swarmops/swarmd/pkg/scoring"
	"github.com/swarmops/swarmd/pkg/store"
)

// DefaultMaxConcurrentPerAgent caps how many tasks one agent may hold.
const DefaultMaxConcurrentPerAgent = 1

// DefaultTickInterval drives the background scheduling loop between wakes.
const DefaultTickInterval = 10 * time.Second

// Deferral reasons reported by Schedule. The orchestrator keys its
// spawn-new path on ReasonNoSuitableAgent.
const (
	ReasonNoSuitableAgent = "no suitable agent"
	ReasonFileConflict    = "file conflict with active agent"
)

// Broadcaster receives the scheduler's notifications. The events hub
// satisfies this; tests substitute a recorder.
type Broadcaster interface {
	Broadcast(eventType string, data map[string]any)
}

// Assignment pairs a task with the agent chosen for it.
type Assignment struct {
	TaskID  string  `json:"taskId"`
	AgentID string  `json:"agentId"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// Deferred is a ready task that could not be placed this pass.
type Deferred struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// Blocked is a pending task still gated on dependencies.
type Blocked struct {
	TaskID    string   `json:"taskId"`
	UnmetDeps []string `json:"unmetDeps"`
}

// Decision is one scheduling pass's output: three disjoint lists.
type Decision struct {
	Assignments []Assignment `json:"assignments"`
	Deferred    []Deferred   `json:"deferred"`
	Blocked     []Blocked    `json:"blocked"`
}

// Scheduler assigns ready tasks to capable agents.
type Scheduler struct {
	store     store.Store
	graph     *graph.Graph
	router    *router.Router
	registry  *scoring.Registry
	conflicts *conflict.Monitor
	budget    *budget.Guard
	events    Broadcaster
	logger    *slog.Logger

	maxConcurrentPerAgent int

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options tunes the scheduler; zero values fall back to defaults.
type Options struct {
	MaxConcurrentPerAgent int
	TickInterval          time.Duration
}

// New wires a scheduler over its collaborators.
func New(st store.Store, g *graph.Graph, rt *router.Router, reg *scoring.Registry,
	cm *conflict.Monitor, bg *budget.Guard, events Broadcaster, logger *slog.Logger, opts Options) *Scheduler {
	maxPer := opts.MaxConcurrentPerAgent
	if maxPer <= 0 {
		maxPer = DefaultMaxConcurrentPerAgent
	}
	return &Scheduler{
		store:                 st,
		graph:                 g,
		router:                rt,
		registry:              reg,
		conflicts:             cm,
		budget:                bg,
		events:                events,
		logger:                logger.With("component", "scheduler"),
		maxConcurrentPerAgent: maxPer,
		wake:                  make(chan struct{}, 1),
		stopCh:                make(chan struct{}),
	}
}

// RegisterTask persists the task and records its dependency edges. Edge
// insertion is all-or-nothing: a cycle-introducing edge fails the whole
// registration before the task becomes schedulable.
func (s *Scheduler) RegisterTask(ctx context.Context, task *models.Task) error {
	if err := s.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("store task %s: %w", task.ID, err)
	}
	for _, dep := range task.Context.Dependencies {
		if err := s.graph.AddDependency(ctx, task.ID, dep); err != nil {
			return fmt.Errorf("register dependency %s → %s: %w", task.ID, dep, err)
		}
	}
	s.events.Broadcast(events.EventTaskCreated, map[string]any{
		"taskId":   task.ID,
		"type":     string(task.Type),
		"priority": string(task.Priority),
	})
	return nil
}

// Schedule runs one assignment pass over the currently ready tasks and the
// agents with spare capacity.
func (s *Scheduler) Schedule(ctx context.Context) (*Decision, error) {
	ready, err := s.graph.ReadyTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("ready tasks: %w", err)
	}
	sortTasks(ready)

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	pool, load, err := s.capacityPool(ctx, agents)
	if err != nil {
		return nil, err
	}

	decision := &Decision{}
	readyIDs := make(map[string]bool, len(ready))

	for _, task := range ready {
		readyIDs[task.ID] = true

		route := s.router.Route(task, pool)
		if route.AgentID == "" {
			decision.Deferred = append(decision.Deferred, Deferred{
				TaskID: task.ID,
				Reason: ReasonNoSuitableAgent,
			})
			continue
		}

		check := s.conflicts.CheckTaskAssignment(task.Context.Files, task.Context.Branch, route.AgentID)
		if !check.Safe {
			for _, c := range check.PotentialConflicts {
				s.events.Broadcast(events.EventConflictPotential, map[string]any{
					"taskId":   task.ID,
					"files":    c.Files,
					"agents":   c.Agents,
					"severity": string(c.Severity),
				})
			}
			decision.Deferred = append(decision.Deferred, Deferred{
				TaskID: task.ID,
				Reason: ReasonFileConflict,
			})
			continue
		}

		if err := s.assign(ctx, task, route.AgentID); err != nil {
			s.logger.Error("assignment failed", "taskId", task.ID, "agentId", route.AgentID, "error", err)
			decision.Deferred = append(decision.Deferred, Deferred{TaskID: task.ID, Reason: err.Error()})
			continue
		}

		rec := s.registry.Record(route.AgentID, task.Type)
		decision.Assignments = append(decision.Assignments, Assignment{
			TaskID:  task.ID,
			AgentID: route.AgentID,
			Score:   scoring.Score(rec),
			Reason:  route.Reason,
		})

		load[route.AgentID]++
		if load[route.AgentID] >= s.maxConcurrentPerAgent {
			pool = removeAgent(pool, route.AgentID)
		}
	}

	blocked, err := s.blockedTasks(ctx, readyIDs)
	if err != nil {
		return nil, err
	}
	decision.Blocked = blocked
	return decision, nil
}

// assign flips the task to assigned and broadcasts the event.
func (s *Scheduler) assign(ctx context.Context, task *models.Task, agentID string) error {
	if err := task.Transition(models.TaskStatusAssigned); err != nil {
		return err
	}
	task.AssignedAgent = agentID
	if err := s.store.PutTask(ctx, task); err != nil {
		return fmt.Errorf("store assignment: %w", err)
	}
	s.events.Broadcast(events.EventTaskAssigned, map[string]any{
		"taskId":  task.ID,
		"agentId": agentID,
	})
	return nil
}

// capacityPool filters agents to those with spare capacity, seeding the
// per-agent load map from the tasks each one already holds. A busy agent
// stays in the pool until its holdings reach maxConcurrentPerAgent.
func (s *Scheduler) capacityPool(ctx context.Context, agents []*models.Agent) ([]*models.Agent, map[string]int, error) {
	load := make(map[string]int, len(agents))
	for _, status := range []models.TaskStatus{models.TaskStatusAssigned, models.TaskStatusRunning} {
		held, err := s.store.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return nil, nil, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, task := range held {
			if task.AssignedAgent != "" {
				load[task.AssignedAgent]++
			}
		}
	}

	var pool []*models.Agent
	for _, agent := range agents {
		switch agent.Status {
		case models.AgentStatusIdle, models.AgentStatusRunning:
		default:
			continue
		}
		if load[agent.ID] < s.maxConcurrentPerAgent {
			pool = append(pool, agent)
		}
	}
	return pool, load, nil
}

// blockedTasks enumerates pending tasks outside the ready set with their
// incomplete dependencies.
func (s *Scheduler) blockedTasks(ctx context.Context, readyIDs map[string]bool) ([]Blocked, error) {
	pending, err := s.store.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusPending})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	var blocked []Blocked
	for _, task := range pending {
		if readyIDs[task.ID] {
			continue
		}
		deps, err := s.graph.Dependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		var unmet []string
		for _, depID := range deps {
			dep, err := s.store.GetTask(ctx, depID)
			if err != nil {
				return nil, err
			}
			if dep == nil || dep.Status != models.TaskStatusCompleted {
				unmet = append(unmet, depID)
			}
		}
		blocked = append(blocked, Blocked{TaskID: task.ID, UnmetDeps: unmet})
	}
	return blocked, nil
}

// CompleteTask runs the completion pipeline for a task's result: flip the
// task terminal, persist the result, fold it into scoring, release the
// agent's locks, debit the budget, and return the dependents that became
// ready. Errors in one stage do not abandon the later stages.
func (s *Scheduler) CompleteTask(ctx context.Context, taskID string, result *models.Result) ([]*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		return nil, fmt.Errorf("complete: unknown task %s", taskID)
	}

	next := models.TaskStatusCompleted
	eventType := events.EventTaskCompleted
	if result.Status == models.ResultFailed {
		next = models.TaskStatusFailed
		eventType = events.EventTaskFailed
	}
	if !task.Status.Terminal() {
		if err := task.Transition(next); err != nil {
			return nil, err
		}
		if err := s.store.PutTask(ctx, task); err != nil {
			return nil, fmt.Errorf("store completion: %w", err)
		}
	}

	if err := s.store.PutResult(ctx, result); err != nil {
		return nil, fmt.Errorf("store result for %s: %w", taskID, err)
	}

	if result.AgentID != "" {
		s.registry.Update(result.AgentID, task.Type, result)
		s.conflicts.ReleaseAgentLocks(result.AgentID)
		s.settleAgent(ctx, result)
	}

	s.debitBudget(ctx, result)

	s.events.Broadcast(eventType, map[string]any{
		"taskId":     taskID,
		"agentId":    result.AgentID,
		"status":     string(result.Status),
		"durationMs": result.DurationMs,
		"costCents":  result.CostCents,
	})

	return s.newlyReady(ctx, taskID)
}

// settleAgent records the agent's terminal state and usage.
func (s *Scheduler) settleAgent(ctx context.Context, result *models.Result) {
	agent, err := s.store.GetAgent(ctx, result.AgentID)
	if err != nil || agent == nil {
		return
	}
	agent.Status = models.AgentStatusCompleted
	if result.Status == models.ResultFailed {
		agent.Status = models.AgentStatusFailed
	}
	now := time.Now()
	agent.CompletedAt = &now
	agent.Tokens = result.Tokens
	agent.CostCents = result.CostCents
	if err := s.store.PutAgent(ctx, agent); err != nil {
		s.logger.Error("agent settle failed", "agentId", agent.ID, "error", err)
	}
	s.events.Broadcast(events.EventAgentTerminated, map[string]any{
		"agentId": agent.ID,
		"taskId":  result.TaskID,
	})
}

// debitBudget folds the result's cost into the counters and broadcasts
// threshold crossings.
func (s *Scheduler) debitBudget(ctx context.Context, result *models.Result) {
	outcome, err := s.budget.RecordSpend(ctx, result.CostCents)
	if err != nil {
		s.logger.Error("budget debit failed", "taskId", result.TaskID, "error", err)
		return
	}
	if outcome.Paused {
		s.events.Broadcast(events.EventBudgetPaused, map[string]any{
			"dailyUsedCents":  outcome.State.DailyUsedCents,
			"dailyLimitCents": outcome.State.Config.DailyLimitCents,
		})
	} else if outcome.Warning {
		s.events.Broadcast(events.EventBudgetWarning, map[string]any{
			"dailyUsedCents":  outcome.State.DailyUsedCents,
			"dailyLimitCents": outcome.State.Config.DailyLimitCents,
		})
	}
}

// newlyReady re-evaluates the dependents of a finished task.
func (s *Scheduler) newlyReady(ctx context.Context, taskID string) ([]*models.Task, error) {
	dependents, err := s.graph.Dependents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", taskID, err)
	}
	var ready []*models.Task
	for _, depID := range dependents {
		dep, err := s.store.GetTask(ctx, depID)
		if err != nil {
			return nil, err
		}
		if dep == nil || dep.Status != models.TaskStatusPending {
			continue
		}
		ok, err := s.graph.DependenciesSatisfied(ctx, depID)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, dep)
		}
	}
	if len(ready) > 0 {
		s.Wake()
	}
	return ready, nil
}

// Rebalance reverts every task assigned to the lost agent back to pending
// and runs a fresh scheduling pass over the remaining agents.
func (s *Scheduler) Rebalance(ctx context.Context, lostAgentID string) (*Decision, error) {
	assigned, err := s.store.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusAssigned})
	if err != nil {
		return nil, fmt.Errorf("list assigned: %w", err)
	}
	reverted := 0
	for _, task := range assigned {
		if task.AssignedAgent != lostAgentID {
			continue
		}
		if err := task.Transition(models.TaskStatusPending); err != nil {
			s.logger.Error("revert failed", "taskId", task.ID, "error", err)
			continue
		}
		if err := s.store.PutTask(ctx, task); err != nil {
			return nil, fmt.Errorf("store revert: %w", err)
		}
		reverted++
	}
	s.conflicts.ReleaseAgentLocks(lostAgentID)
	if reverted > 0 {
		s.logger.Info("rebalancing after agent loss", "agentId", lostAgentID, "reverted", reverted)
	}
	return s.Schedule(ctx)
}

// Wake nudges the background loop without waiting for the next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WakeCh exposes the wake signal so an outer loop can drive scheduling
// passes itself instead of using Start.
func (s *Scheduler) WakeCh() <-chan struct{} {
	return s.wake
}

// Start runs the background scheduling loop until Stop.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.wake:
			}
			if _, err := s.Schedule(ctx); err != nil {
				s.logger.Error("scheduling pass failed", "error", err)
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// sortTasks orders by priority rank then FIFO on creation time, with the ID
// as a stable final tiebreak.
func sortTasks(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func removeAgent(pool []*models.Agent, id string) []*models.Agent {
	for i, agent := range pool {
		if agent.ID == id {
			return append(pool[:i], pool[i+1:]...)
		}
	}
	return pool
}
