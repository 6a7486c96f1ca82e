package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmd/pkg/events"
	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/scheduler"
	"github.com/swarmops/swarmd/pkg/store"
)

// Hierarchy limits.
const (
	DefaultMaxDepth           = 3
	DefaultMaxSubTasksPerTask = 5
)

// Hierarchical lets an agent split its task into sub-tasks, bounded in
// depth and fan-out. Parent-child edges and depths are tracked in-process;
// the parent ID also persists on the task record.
type Hierarchical struct {
	scheduler *scheduler.Scheduler
	store     store.Store
	events    scheduler.Broadcaster
	logger    *slog.Logger

	maxDepth    int
	maxSubTasks int

	depth    map[string]int      // task → depth, roots at 0
	children map[string][]string // parent → child IDs
	mu       sync.Mutex
}

// NewHierarchical creates the handler with default limits.
func NewHierarchical(s *scheduler.Scheduler, st store.Store, events scheduler.Broadcaster, logger *slog.Logger) *Hierarchical {
	return &Hierarchical{
		scheduler:   s,
		store:       st,
		events:      events,
		logger:      logger.With("component", "topology", "mode", "hierarchical"),
		maxDepth:    DefaultMaxDepth,
		maxSubTasks: DefaultMaxSubTasksPerTask,
		depth:       make(map[string]int),
		children:    make(map[string][]string),
	}
}

func (h *Hierarchical) Name() string { return "hierarchical" }

// SubmitTask registers a root task at depth 0.
func (h *Hierarchical) SubmitTask(ctx context.Context, task *models.Task) error {
	if err := h.scheduler.RegisterTask(ctx, task); err != nil {
		return err
	}
	h.mu.Lock()
	h.depth[task.ID] = 0
	h.mu.Unlock()
	h.scheduler.Wake()
	return nil
}

// CreateSubTask mints a child of parentID from the template. The child gets
// a fresh ID, inherits the parent reference, and is rejected when it would
// exceed the depth or fan-out limits.
func (h *Hierarchical) CreateSubTask(ctx context.Context, parentID string, template *models.Task) (*models.Task, error) {
	parent, err := h.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load parent %s: %w", parentID, err)
	}
	if parent == nil {
		return nil, fmt.Errorf("create sub-task: unknown parent %s", parentID)
	}

	h.mu.Lock()
	parentDepth := h.depth[parentID]
	if parentDepth+1 > h.maxDepth {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: parent %s is at depth %d", ErrDepthExceeded, parentID, parentDepth)
	}
	if len(h.children[parentID]) >= h.maxSubTasks {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: parent %s already has %d sub-tasks", ErrFanOutExceeded, parentID, len(h.children[parentID]))
	}

	sub := *template
	sub.ID = uuid.NewString()
	sub.ParentTaskID = parentID
	sub.Status = models.TaskStatusPending
	sub.AssignedAgent = ""
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	h.depth[sub.ID] = parentDepth + 1
	h.children[parentID] = append(h.children[parentID], sub.ID)
	h.mu.Unlock()

	if err := h.scheduler.RegisterTask(ctx, &sub); err != nil {
		h.mu.Lock()
		delete(h.depth, sub.ID)
		h.children[parentID] = h.children[parentID][:len(h.children[parentID])-1]
		h.mu.Unlock()
		return nil, err
	}

	h.logger.Info("sub-task created",
		"taskId", sub.ID, "parentId", parentID, "depth", parentDepth+1)
	h.scheduler.Wake()
	return &sub, nil
}

// OnTaskComplete runs the pipeline and, when the finished task has a
// parent, checks whether every sibling is terminal so the parent's results
// can be aggregated.
func (h *Hierarchical) OnTaskComplete(ctx context.Context, taskID string, result *models.Result) ([]*models.Task, error) {
	ready, err := h.scheduler.CompleteTask(ctx, taskID, result)
	if err != nil {
		return nil, err
	}

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil || task == nil || task.ParentTaskID == "" {
		return ready, err
	}

	done, total, allTerminal := h.siblingProgress(ctx, task.ParentTaskID)
	if allTerminal {
		h.events.Broadcast(events.EventTaskProgress, map[string]any{
			"taskId":    task.ParentTaskID,
			"phase":     "sub-tasks-complete",
			"completed": done,
			"total":     total,
		})
		h.logger.Info("all sub-tasks terminal, parent ready to aggregate",
			"parentId", task.ParentTaskID, "subTasks", total)
	}
	return ready, nil
}

// siblingProgress counts terminal children of the parent.
func (h *Hierarchical) siblingProgress(ctx context.Context, parentID string) (terminal, total int, all bool) {
	h.mu.Lock()
	ids := append([]string(nil), h.children[parentID]...)
	h.mu.Unlock()

	total = len(ids)
	for _, id := range ids {
		child, err := h.store.GetTask(ctx, id)
		if err != nil {
			return terminal, total, false
		}
		// An expired child record counts as settled.
		if child == nil || child.Status.Terminal() {
			terminal++
		}
	}
	return terminal, total, total > 0 && terminal == total
}

// Depth reports a task's recorded depth, falling back to walking the parent
// chain in the store for tasks registered before a restart.
func (h *Hierarchical) Depth(ctx context.Context, taskID string) (int, error) {
	h.mu.Lock()
	if d, ok := h.depth[taskID]; ok {
		h.mu.Unlock()
		return d, nil
	}
	h.mu.Unlock()

	depth := 0
	current := taskID
	for {
		task, err := h.store.GetTask(ctx, current)
		if err != nil {
			return 0, err
		}
		if task == nil || task.ParentTaskID == "" {
			return depth, nil
		}
		depth++
		if depth > h.maxDepth {
			return depth, nil
		}
		current = task.ParentTaskID
	}
}
