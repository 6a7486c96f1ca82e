// Package topology shapes the orchestrator-agent communication graph.
// Three interchangeable handlers sit between task submission and the
// scheduler: plain hub-and-spoke, hierarchical with parent/child task
// trees, and mesh with agent-to-agent messaging.
package topology

import (
	"context"
	"errors"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/scheduler"
)

// Sentinel errors surfaced to submitters as precondition failures.
var (
	ErrDepthExceeded  = errors.New("sub-task depth limit exceeded")
	ErrFanOutExceeded = errors.New("sub-task fan-out limit exceeded")
	ErrPeerTimeout    = errors.New("peer timeout")
)

// Handler is the submission-side strategy the orchestrator routes through.
type Handler interface {
	Name() string

	// SubmitTask registers the task for scheduling.
	SubmitTask(ctx context.Context, task *models.Task) error

	// OnTaskComplete runs the completion pipeline and returns tasks that
	// became ready.
	OnTaskComplete(ctx context.Context, taskID string, result *models.Result) ([]*models.Task, error)
}

// Hub is the default topology: every task flows orchestrator → agent and
// back, with no agent-to-agent paths.
type Hub struct {
	scheduler *scheduler.Scheduler
}

// NewHub creates the hub-and-spoke handler.
func NewHub(s *scheduler.Scheduler) *Hub {
	return &Hub{scheduler: s}
}

func (h *Hub) Name() string { return "hub" }

// SubmitTask registers the task and nudges the scheduling loop.
func (h *Hub) SubmitTask(ctx context.Context, task *models.Task) error {
	if err := h.scheduler.RegisterTask(ctx, task); err != nil {
		return err
	}
	h.scheduler.Wake()
	return nil
}

// OnTaskComplete delegates straight to the completion pipeline.
func (h *Hub) OnTaskComplete(ctx context.Context, taskID string, result *models.Result) ([]*models.Task, error) {
	return h.scheduler.CompleteTask(ctx, taskID, result)
}
