// Package store abstracts orchestrator state persistence behind a single
// operation set with two backends: an ephemeral in-memory store and a
// durable bbolt-backed key-value store. Backend selection happens once at
// startup; it is a deployment choice, not a runtime switch.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/swarmops/swarmd/pkg/models"
)

// ErrNotFound is returned by callers that need a missing record to be an
// error. The Store methods themselves signal absence with a nil result.
var ErrNotFound = errors.New("record not found")

// Retention intervals applied by both backends. The bolt backend persists
// them as TTLs on disk; the memory backend applies them via cache expiry.
const (
	TaskTTL   = 7 * 24 * time.Hour
	ResultTTL = 7 * 24 * time.Hour
	AgentTTL  = 24 * time.Hour
	DepTTL    = 7 * 24 * time.Hour
)

// TaskFilter narrows ListTasks. Zero values match everything. Limit 0 means
// no limit. Results are ordered newest-first by creation time.
type TaskFilter struct {
	Status   models.TaskStatus
	Type     models.TaskType
	Priority models.Priority
	Offset   int
	Limit    int
}

// Matches reports whether the task passes the filter's field constraints.
func (f TaskFilter) Matches(t *models.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	return true
}

// Store is the persistence contract every backend fulfils. All mutations are
// linearisable from the caller's viewpoint within a single orchestrator
// process. Absent entries are signalled by a nil result, not an error.
type Store interface {
	// Tasks
	GetTask(ctx context.Context, id string) (*models.Task, error)
	PutTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	// Results (keyed by task ID, one per task)
	GetResult(ctx context.Context, taskID string) (*models.Result, error)
	PutResult(ctx context.Context, result *models.Result) error

	// Agents
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	PutAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	CountActiveAgents(ctx context.Context) (int, error)

	// Budget. AddSpend atomically increments both counters and returns the
	// updated state.
	GetBudget(ctx context.Context) (*models.BudgetState, error)
	PutBudget(ctx context.Context, b *models.BudgetState) error
	AddSpend(ctx context.Context, cents int) (*models.BudgetState, error)
	ResetDaily(ctx context.Context) error
	ResetWeekly(ctx context.Context) error

	// Dependency edges. Forward: task → its dependencies. Reverse: task →
	// its dependents. Both adjacency directions are maintained together.
	AddDependency(ctx context.Context, taskID, dependsOn string) error
	RemoveDependency(ctx context.Context, taskID, dependsOn string) error
	Dependencies(ctx context.Context, taskID string) ([]string, error)
	Dependents(ctx context.Context, taskID string) ([]string, error)

	// Ping checks backend liveness.
	Ping(ctx context.Context) error
	Close() error
}
