// Package provider abstracts the execution backend that launches, monitors,
// and cancels worker processes. Three implementations exist: a cloud
// machines backend driven over its lifecycle REST API, a cloud jobs backend
// that starts a job template and polls, and a mock for local development.
// Selection happens once at process start.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/swarmops/swarmd/pkg/models"
)

// DefaultWaitTimeout bounds WaitForCompletion when the caller passes zero.
const DefaultWaitTimeout = 30 * time.Minute

// ExecutionState is the coarse lifecycle of a spawned worker.
type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateRunning   ExecutionState = "running"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
)

// WaitStatus is the outcome of a blocking wait.
type WaitStatus string

const (
	WaitCompleted WaitStatus = "completed"
	WaitFailed    WaitStatus = "failed"
	WaitTimeout   WaitStatus = "timeout"
)

// ExecutionHandle identifies a spawned worker.
type ExecutionHandle struct {
	ExecutionID string `json:"executionId"`
	AgentID     string `json:"agentId"`
}

// WaitResult is the outcome of WaitForCompletion. Result is present when the
// backend surfaced a parseable worker result.
type WaitResult struct {
	Status WaitStatus     `json:"status"`
	Result *models.Result `json:"result,omitempty"`
}

// ActiveJob is an observation-only view of a live execution.
type ActiveJob struct {
	ExecutionID string    `json:"executionId"`
	TaskID      string    `json:"taskId"`
	StartTime   time.Time `json:"startTime"`
}

// Provider is the contract every execution backend fulfils. A 404 from the
// backend means the resource finished and was reclaimed, never an error.
type Provider interface {
	// ExecuteTask spawns a worker for the task and returns its handle.
	ExecuteTask(ctx context.Context, task *models.Task) (*ExecutionHandle, error)

	// ExecutionStatus reports the worker's coarse state. A missing resource
	// reads as completed.
	ExecutionStatus(ctx context.Context, executionID string) (ExecutionState, error)

	// WaitForCompletion blocks until the execution finishes or timeout
	// elapses. Zero timeout means DefaultWaitTimeout.
	WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (*WaitResult, error)

	// CancelExecution stops the worker. Best-effort: a missing resource is
	// not an error.
	CancelExecution(ctx context.Context, executionID string) error

	ActiveJobCount() int
	ActiveJobs() []ActiveJob

	Name() string
}

// Tier is a CPU/memory sizing class.
type Tier string

const (
	TierLight    Tier = "light"
	TierStandard Tier = "standard"
	TierHeavy    Tier = "heavy"
)

// TierSpec is the concrete resource shape of a tier.
type TierSpec struct {
	CPUs     int `json:"cpus"`
	MemoryMB int `json:"memoryMb"`
}

var tierSpecs = map[Tier]TierSpec{
	TierLight:    {CPUs: 1, MemoryMB: 1024},
	TierStandard: {CPUs: 2, MemoryMB: 2048},
	TierHeavy:    {CPUs: 4, MemoryMB: 4096},
}

// Spec returns the tier's resource shape.
func (t Tier) Spec() TierSpec {
	return tierSpecs[t]
}

// TierFor sizes a task: security work and opus code tasks run heavy, docs
// and small reviews run light, everything else standard.
func TierFor(task *models.Task) Tier {
	switch {
	case task.Type == models.TaskTypeSecurity:
		return TierHeavy
	case task.Model == models.ModelOpus && task.Type == models.TaskTypeCode:
		return TierHeavy
	case task.Type == models.TaskTypeDoc:
		return TierLight
	case task.Type == models.TaskTypeReview && len(task.Context.Files) < 3:
		return TierLight
	default:
		return TierStandard
	}
}

// Config carries the credentials and backend coordinates shared by the
// remote providers.
type Config struct {
	BaseURL   string
	APIToken  string
	AppName   string
	Image     string
	LLMAPIKey string
	SCMToken  string
}

// AgentIDFor derives the worker's agent ID from the task's ID prefix.
func AgentIDFor(taskID string) string {
	id := taskID
	if len(id) > 8 {
		id = id[:8]
	}
	return "agent-" + id
}

// workerEnv builds the environment contract the worker expects: the task
// payload, identity, model, credentials, and emptied queue bindings so the
// worker reports over stdout instead of consuming a queue.
func workerEnv(task *models.Task, cfg Config) (map[string]string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("serialise task %s: %w", task.ID, err)
	}
	env := map[string]string{
		"TASK_ID":           task.ID,
		"TASK_JSON":         string(payload),
		"AGENT_ID":          AgentIDFor(task.ID),
		"MODEL":             string(task.Model),
		"ANTHROPIC_API_KEY": cfg.LLMAPIKey,
		"WORK_QUEUE_URL":    "",
		"WORK_QUEUE_NAME":   "",
		"WORK_QUEUE_REGION": "",
	}
	if cfg.SCMToken != "" {
		env["GITHUB_TOKEN"] = cfg.SCMToken
	}
	return env, nil
}

// jobTracker is the shared active-job table embedded by each provider.
type jobTracker struct {
	jobs map[string]ActiveJob
	mu   sync.RWMutex
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[string]ActiveJob)}
}

func (t *jobTracker) add(executionID, taskID string, start time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[executionID] = ActiveJob{ExecutionID: executionID, TaskID: taskID, StartTime: start}
}

func (t *jobTracker) remove(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, executionID)
}

func (t *jobTracker) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func (t *jobTracker) list() []ActiveJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ActiveJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	return out
}

func (t *jobTracker) get(executionID string) (ActiveJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[executionID]
	return j, ok
}
