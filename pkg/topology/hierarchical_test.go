package topology

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
	"github.com/swarmops/swarmd/pkg/scheduler"
	"github.com/swarmops/swarmd/pkg/scoring"
	"github.com/swarmops/swarmd/pkg/store"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (r *recorder) Broadcast(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.data = append(r.data, data)
}

func (r *recorder) seen(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func newScheduler(t *testing.T, st store.Store, rec *recorder) *scheduler.Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := scoring.NewRegistry(scoring.DefaultAlpha)
	return scheduler.New(st, graph.New(st), router.New(reg), reg,
		conflict.NewMonitor(), budget.NewGuard(st, logger), rec, logger, scheduler.Options{})
}

func rootTask(id string) *models.Task {
	return &models.Task{
		ID:        id,
		Type:      models.TaskTypeCode,
		Priority:  models.PriorityNormal,
		Prompt:    "build the feature",
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	}
}

func newHierarchical(t *testing.T) (*Hierarchical, store.Store, *recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHierarchical(newScheduler(t, st, rec), st, rec, logger), st, rec
}

func TestCreateSubTaskDepthLimit(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHierarchical(t)

	require.NoError(t, h.SubmitTask(ctx, rootTask("root")))

	// Chain down to the depth limit: children at depths 1, 2, and 3.
	parentID := "root"
	for wantDepth := 1; wantDepth <= DefaultMaxDepth; wantDepth++ {
		sub, err := h.CreateSubTask(ctx, parentID, rootTask("template"))
		require.NoError(t, err)
		assert.NotEqual(t, "template", sub.ID, "sub-task gets a fresh ID")
		assert.Equal(t, parentID, sub.ParentTaskID)

		depth, err := h.Depth(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, wantDepth, depth)
		parentID = sub.ID
	}

	// A child of a depth-3 parent would sit at depth 4.
	_, err := h.CreateSubTask(ctx, parentID, rootTask("template"))
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestCreateSubTaskFanOutLimit(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHierarchical(t)

	require.NoError(t, h.SubmitTask(ctx, rootTask("root")))
	for i := 0; i < DefaultMaxSubTasksPerTask; i++ {
		_, err := h.CreateSubTask(ctx, "root", rootTask("template"))
		require.NoError(t, err)
	}

	_, err := h.CreateSubTask(ctx, "root", rootTask("template"))
	assert.ErrorIs(t, err, ErrFanOutExceeded)
}

func TestCreateSubTaskUnknownParent(t *testing.T) {
	h, _, _ := newHierarchical(t)
	_, err := h.CreateSubTask(context.Background(), "ghost", rootTask("template"))
	assert.Error(t, err)
}

func TestCreateSubTaskRegistersForScheduling(t *testing.T) {
	ctx := context.Background()
	h, st, _ := newHierarchical(t)

	require.NoError(t, h.SubmitTask(ctx, rootTask("root")))
	sub, err := h.CreateSubTask(ctx, "root", rootTask("template"))
	require.NoError(t, err)

	got, err := st.GetTask(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, "root", got.ParentTaskID)
}

func TestOnTaskCompleteAggregatesSiblings(t *testing.T) {
	ctx := context.Background()
	h, st, rec := newHierarchical(t)

	require.NoError(t, h.SubmitTask(ctx, rootTask("root")))
	first, err := h.CreateSubTask(ctx, "root", rootTask("template"))
	require.NoError(t, err)
	second, err := h.CreateSubTask(ctx, "root", rootTask("template"))
	require.NoError(t, err)

	runTask := func(id string) {
		task, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		require.NoError(t, task.Transition(models.TaskStatusAssigned))
		require.NoError(t, task.Transition(models.TaskStatusRunning))
		require.NoError(t, st.PutTask(ctx, task))
	}
	runTask(first.ID)
	runTask(second.ID)

	_, err = h.OnTaskComplete(ctx, first.ID, &models.Result{TaskID: first.ID, Status: models.ResultSuccess})
	require.NoError(t, err)
	assert.False(t, rec.seen("task-progress"), "one sibling still running")

	_, err = h.OnTaskComplete(ctx, second.ID, &models.Result{TaskID: second.ID, Status: models.ResultSuccess})
	require.NoError(t, err)
	assert.True(t, rec.seen("task-progress"), "all siblings terminal")
}

func TestDepthWalksParentChainAfterRestart(t *testing.T) {
	ctx := context.Background()
	h, st, _ := newHierarchical(t)

	// Records written by a previous process: only the store knows them.
	root := rootTask("root")
	child := rootTask("child")
	child.ParentTaskID = "root"
	grand := rootTask("grand")
	grand.ParentTaskID = "child"
	for _, task := range []*models.Task{root, child, grand} {
		require.NoError(t, st.PutTask(ctx, task))
	}

	depth, err := h.Depth(ctx, "grand")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}
