package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmd/pkg/models"
)

func newTask(id string, status models.TaskStatus, createdAt time.Time) *models.Task {
	return &models.Task{
		ID:        id,
		Type:      models.TaskTypeCode,
		Priority:  models.PriorityNormal,
		Model:     models.ModelSonnet,
		Prompt:    "do the thing",
		Status:    status,
		CreatedAt: createdAt,
		Context:   models.TaskContext{Branch: "main", Files: []string{"a.go"}},
	}
}

func TestMemoryTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	task := newTask("t1", models.TaskStatusPending, time.Now())
	require.NoError(t, s.PutTask(ctx, task))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task, got)

	// The stored copy is isolated from caller mutation.
	task.Prompt = "mutated"
	task.Context.Files[0] = "b.go"
	again, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "do the thing", again.Prompt)
	assert.Equal(t, "a.go", again.Context.Files[0])
}

func TestMemoryGetTaskAbsent(t *testing.T) {
	got, err := NewMemoryStore().GetTask(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryListTasksFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()

	require.NoError(t, s.PutTask(ctx, newTask("t1", models.TaskStatusPending, base)))
	require.NoError(t, s.PutTask(ctx, newTask("t2", models.TaskStatusPending, base.Add(time.Minute))))
	running := newTask("t3", models.TaskStatusRunning, base.Add(2*time.Minute))
	require.NoError(t, s.PutTask(ctx, running))

	pending, err := s.ListTasks(ctx, TaskFilter{Status: models.TaskStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "t2", pending[0].ID, "newest first")
	assert.Equal(t, "t1", pending[1].ID)

	limited, err := s.ListTasks(ctx, TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	offset, err := s.ListTasks(ctx, TaskFilter{Offset: 2})
	require.NoError(t, err)
	require.Len(t, offset, 1)
	assert.Equal(t, "t1", offset[0].ID)
}

func TestMemoryAddSpendAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	b, err := s.AddSpend(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, 40, b.DailyUsedCents)
	assert.Equal(t, 40, b.WeeklyUsedCents)

	b, err = s.AddSpend(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 100, b.DailyUsedCents)
	assert.Equal(t, 100, b.WeeklyUsedCents)
}

func TestMemoryResetDailyIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.AddSpend(ctx, 500)
	require.NoError(t, err)
	b, err := s.GetBudget(ctx)
	require.NoError(t, err)
	b.Paused = true
	require.NoError(t, s.PutBudget(ctx, b))

	require.NoError(t, s.ResetDaily(ctx))
	require.NoError(t, s.ResetDaily(ctx))

	b, err = s.GetBudget(ctx)
	require.NoError(t, err)
	assert.Zero(t, b.DailyUsedCents)
	assert.False(t, b.Paused)
	assert.Equal(t, 500, b.WeeklyUsedCents, "weekly counter survives daily reset")
}

func TestMemoryDependencyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddDependency(ctx, "b", "a"))
	require.NoError(t, s.AddDependency(ctx, "b", "a")) // duplicate is a no-op

	deps, err := s.Dependencies(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, deps)

	dependents, err := s.Dependents(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, dependents)

	require.NoError(t, s.RemoveDependency(ctx, "b", "a"))
	deps, err = s.Dependencies(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, deps)
	dependents, err = s.Dependents(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, dependents)
}

func TestMemoryDependencySnapshotsAreStable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddDependency(ctx, "c", "a"))
	require.NoError(t, s.AddDependency(ctx, "c", "b"))

	before, err := s.Dependencies(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, before)

	// Edge removal must not rewrite slices handed out earlier.
	require.NoError(t, s.RemoveDependency(ctx, "c", "a"))
	assert.Equal(t, []string{"a", "b"}, before)

	after, err := s.Dependencies(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, after)
}

func TestMemoryCountActiveAgents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.PutAgent(ctx, &models.Agent{ID: "a1", Status: models.AgentStatusRunning}))
	require.NoError(t, s.PutAgent(ctx, &models.Agent{ID: "a2", Status: models.AgentStatusIdle}))
	require.NoError(t, s.PutAgent(ctx, &models.Agent{ID: "a3", Status: models.AgentStatusInitializing}))
	require.NoError(t, s.PutAgent(ctx, &models.Agent{ID: "a4", Status: models.AgentStatusCompleted}))

	count, err := s.CountActiveAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
