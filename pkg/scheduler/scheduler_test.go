package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmd/pkg/budget"
	"github.com/swarmops/swarmd/pkg/conflict"
	"github.com/swarmops/swarmd/pkg/graph"
	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/router"
	"github.com/swarmops/swarmd/pkg/scoring"
	"github.com/swarmops/swarmd/pkg/store"
)

// recorder captures broadcast events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type string
	Data map[string]any
}

func (r *recorder) Broadcast(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, Data: data})
}

func (r *recorder) typesSeen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	scheduler *Scheduler
	store     store.Store
	conflicts *conflict.Monitor
	budget    *budget.Guard
	events    *recorder
}

func newFixture(t *testing.T) *fixture {
	return newFixtureOpts(t, Options{})
}

func newFixtureOpts(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := graph.New(st)
	reg := scoring.NewRegistry(scoring.DefaultAlpha)
	rt := router.New(reg)
	cm := conflict.NewMonitor()
	bg := budget.NewGuard(st, logger)
	rec := &recorder{}
	return &fixture{
		scheduler: New(st, g, rt, reg, cm, bg, rec, logger, opts),
		store:     st,
		conflicts: cm,
		budget:    bg,
		events:    rec,
	}
}

func makeTask(id string, priority models.Priority, createdAt time.Time) *models.Task {
	return &models.Task{
		ID:        id,
		Type:      models.TaskTypeCode,
		Priority:  priority,
		Prompt:    "work",
		Status:    models.TaskStatusPending,
		CreatedAt: createdAt,
		Context:   models.TaskContext{Branch: "main"},
	}
}

func idleAgent(t *testing.T, f *fixture, id string) {
	t.Helper()
	require.NoError(t, f.store.PutAgent(context.Background(), &models.Agent{ID: id, Status: models.AgentStatusIdle}))
}

func TestScheduleOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Now()

	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("low", models.PriorityLow, base)))
	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("older", models.PriorityNormal, base)))
	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("newer", models.PriorityNormal, base.Add(time.Minute))))
	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("urgent", models.PriorityHigh, base.Add(2*time.Minute))))

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		idleAgent(t, f, id)
	}

	decision, err := f.scheduler.Schedule(ctx)
	require.NoError(t, err)
	require.Len(t, decision.Assignments, 4)
	assert.Equal(t, "urgent", decision.Assignments[0].TaskID)
	assert.Equal(t, "older", decision.Assignments[1].TaskID, "FIFO within a priority band")
	assert.Equal(t, "newer", decision.Assignments[2].TaskID)
	assert.Equal(t, "low", decision.Assignments[3].TaskID)

	got, err := f.store.GetTask(ctx, "urgent")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, got.Status)
	assert.NotEmpty(t, got.AssignedAgent)
}

func TestScheduleDefersWithoutAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("t1", models.PriorityNormal, time.Now())))

	decision, err := f.scheduler.Schedule(ctx)
	require.NoError(t, err)
	assert.Empty(t, decision.Assignments)
	require.Len(t, decision.Deferred, 1)
	assert.Equal(t, ReasonNoSuitableAgent, decision.Deferred[0].Reason)

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status, "deferred tasks stay pending")
}

func TestScheduleRespectsAgentCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Now()

	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("t1", models.PriorityNormal, base)))
	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("t2", models.PriorityNormal, base.Add(time.Second))))
	idleAgent(t, f, "a1")

	decision, err := f.scheduler.Schedule(ctx)
	require.NoError(t, err)
	require.Len(t, decision.Assignments, 1)
	assert.Equal(t, "t1", decision.Assignments[0].TaskID)
	require.Len(t, decision.Deferred, 1)
	assert.Equal(t, "t2", decision.Deferred[0].TaskID)
}

func TestScheduleUsesSpareCapacityOfBusyAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixtureOpts(t, Options{MaxConcurrentPerAgent: 2})
	base := time.Now()

	// a1 already runs one task but has room for a second.
	running := makeTask("held", models.PriorityNormal, base)
	require.NoError(t, running.Transition(models.TaskStatusAssigned))
	running.AssignedAgent = "a1"
	require.NoError(t, running.Transition(models.TaskStatusRunning))
	require.NoError(t, f.store.PutTask(ctx, running))
	require.NoError(t, f.store.PutAgent(ctx, &models.Agent{ID: "a1", Status: models.AgentStatusRunning, TaskID: "held"}))

	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("t1", models.PriorityNormal, base.Add(time.Second))))

	decision, err := f.scheduler.Schedule(ctx)
	require.NoError(t, err)
	require.Len(t, decision.Assignments, 1)
	assert.Equal(t, "a1", decision.Assignments[0].AgentID)

	// A third task finds a1 at capacity.
	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("t2", models.PriorityNormal, base.Add(2*time.Second))))
	decision, err = f.scheduler.Schedule(ctx)
	require.NoError(t, err)
	assert.Empty(t, decision.Assignments)
	require.Len(t, decision.Deferred, 1)
	assert.Equal(t, "t2", decision.Deferred[0].TaskID)
	assert.Equal(t, ReasonNoSuitableAgent, decision.Deferred[0].Reason)
}

func TestScheduleDefersOnFileConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Another agent already holds the file the task needs.
	f.conflicts.RegisterFileActivity("busy-agent", "other-task", []string{"src/auth.go"}, "main")

	task := makeTask("t1", models.PriorityNormal, time.Now())
	task.Context.Files = []string{"src/auth.go"}
	require.NoError(t, f.scheduler.RegisterTask(ctx, task))
	idleAgent(t, f, "a1")

	decision, err := f.scheduler.Schedule(ctx)
	require.NoError(t, err)
	assert.Empty(t, decision.Assignments)
	require.Len(t, decision.Deferred, 1)
	assert.Equal(t, ReasonFileConflict, decision.Deferred[0].Reason)
	assert.Contains(t, f.events.typesSeen(), "conflict-potential")
}

func TestScheduleReportsBlockedTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Now()

	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("a", models.PriorityNormal, base)))
	gated := makeTask("b", models.PriorityNormal, base.Add(time.Second))
	gated.Context.Dependencies = []string{"a"}
	require.NoError(t, f.scheduler.RegisterTask(ctx, gated))

	decision, err := f.scheduler.Schedule(ctx)
	require.NoError(t, err)
	require.Len(t, decision.Blocked, 1)
	assert.Equal(t, "b", decision.Blocked[0].TaskID)
	assert.Equal(t, []string{"a"}, decision.Blocked[0].UnmetDeps)
}

func TestRegisterTaskRejectsCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Now()

	first := makeTask("a", models.PriorityNormal, base)
	first.Context.Dependencies = []string{"b"}
	require.NoError(t, f.scheduler.RegisterTask(ctx, first))

	second := makeTask("b", models.PriorityNormal, base)
	second.Context.Dependencies = []string{"a"}
	err := f.scheduler.RegisterTask(ctx, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrCycleDetected)
}

func TestCompleteTaskPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Now()

	require.NoError(t, f.scheduler.RegisterTask(ctx, makeTask("a", models.PriorityNormal, base)))
	gated := makeTask("b", models.PriorityNormal, base.Add(time.Second))
	gated.Context.Dependencies = []string{"a"}
	require.NoError(t, f.scheduler.RegisterTask(ctx, gated))

	// Drive a to running under agent-1.
	a, err := f.store.GetTask(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, a.Transition(models.TaskStatusAssigned))
	require.NoError(t, a.Transition(models.TaskStatusRunning))
	require.NoError(t, f.store.PutTask(ctx, a))
	require.NoError(t, f.store.PutAgent(ctx, &models.Agent{ID: "agent-1", Status: models.AgentStatusRunning, TaskID: "a"}))
	f.conflicts.RegisterFileActivity("agent-1", "a", []string{"src/auth.go"}, "main")

	result := &models.Result{
		TaskID:     "a",
		AgentID:    "agent-1",
		Status:     models.ResultSuccess,
		DurationMs: 60_000,
		CostCents:  40,
		Tokens:     models.TokenUsage{Input: 1000, Output: 400},
	}
	ready, err := f.scheduler.CompleteTask(ctx, "a", result)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID, "dependent becomes ready")

	got, err := f.store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	stored, err := f.store.GetResult(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 40, stored.CostCents)

	agent, err := f.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, agent.Status)
	require.NotNil(t, agent.CompletedAt)
	assert.Equal(t, 40, agent.CostCents)

	assert.Empty(t, f.conflicts.Locks(), "completion releases the agent's locks")

	status, err := f.budget.Projection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, status.DailyUsedCents)

	types := f.events.typesSeen()
	assert.Contains(t, types, "task-completed")
	assert.Contains(t, types, "agent-terminated")

	// The wake channel was nudged for the newly ready dependent.
	select {
	case <-f.scheduler.WakeCh():
	default:
		t.Fatal("expected a wake signal after a dependent became ready")
	}
}

func TestCompleteTaskFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task := makeTask("a", models.PriorityNormal, time.Now())
	require.NoError(t, f.scheduler.RegisterTask(ctx, task))
	stored, err := f.store.GetTask(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, stored.Transition(models.TaskStatusAssigned))
	require.NoError(t, stored.Transition(models.TaskStatusRunning))
	require.NoError(t, f.store.PutTask(ctx, stored))

	_, err = f.scheduler.CompleteTask(ctx, "a", &models.Result{
		TaskID:  "a",
		AgentID: "agent-1",
		Status:  models.ResultFailed,
		Error:   "worker crashed",
	})
	require.NoError(t, err)

	got, err := f.store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, f.events.typesSeen(), "task-failed")
}

func TestCompleteTaskUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler.CompleteTask(context.Background(), "ghost", &models.Result{TaskID: "ghost"})
	assert.Error(t, err)
}

func TestRebalanceRevertsAssignments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task := makeTask("t1", models.PriorityNormal, time.Now())
	require.NoError(t, f.scheduler.RegisterTask(ctx, task))
	idleAgent(t, f, "a1")

	decision, err := f.scheduler.Schedule(ctx)
	require.NoError(t, err)
	require.Len(t, decision.Assignments, 1)
	lost := decision.Assignments[0].AgentID
	f.conflicts.RegisterFileActivity(lost, "t1", []string{"src/auth.go"}, "main")

	// The agent disappears before picking the work up; mark it failed so it
	// leaves the capacity pool.
	agent, err := f.store.GetAgent(ctx, lost)
	require.NoError(t, err)
	agent.Status = models.AgentStatusFailed
	require.NoError(t, f.store.PutAgent(ctx, agent))

	rebalanced, err := f.scheduler.Rebalance(ctx, lost)
	require.NoError(t, err)

	assert.Empty(t, f.conflicts.Locks(), "rebalance releases the lost agent's locks")
	// No idle agent remains, so the reverted task defers.
	require.Len(t, rebalanced.Deferred, 1)
	assert.Equal(t, "t1", rebalanced.Deferred[0].TaskID)

	got, err := f.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Empty(t, got.AssignedAgent)
}

func TestWakeIsNonBlocking(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.scheduler.Wake()
	}
	select {
	case <-f.scheduler.WakeCh():
	default:
		t.Fatal("expected a buffered wake signal")
	}
}
