package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmd/pkg/models"
)

// Simulated run times by task type.
var mockDurations = map[models.TaskType]time.Duration{
	models.TaskTypeDoc:      2 * time.Second,
	models.TaskTypeTest:     5 * time.Second,
	models.TaskTypeSecurity: 8 * time.Second,
}

const mockDefaultDuration = 3 * time.Second

type mockMachine struct {
	taskID     string
	task       *models.Task
	startedAt  time.Time
	finishesAt time.Time
	cancelled  bool
}

// MockProvider simulates executions in-process: each task gets a machine
// record with a pre-computed completion time and reads as completed once
// that time elapses. Used for local development and tests.
type MockProvider struct {
	machines map[string]*mockMachine
	mu       sync.Mutex
	tracker  *jobTracker
	logger   *slog.Logger

	now func() time.Time
}

// NewMockProvider creates an empty mock.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		machines: make(map[string]*mockMachine),
		tracker:  newJobTracker(),
		logger:   logger.With("component", "provider", "backend", "mock"),
		now:      time.Now,
	}
}

func (p *MockProvider) Name() string { return "mock" }

// ExecuteTask records a simulated machine whose completion time depends on
// the task type.
func (p *MockProvider) ExecuteTask(ctx context.Context, task *models.Task) (*ExecutionHandle, error) {
	duration, ok := mockDurations[task.Type]
	if !ok {
		duration = mockDefaultDuration
	}

	executionID := "mock-" + uuid.NewString()
	start := p.now()

	p.mu.Lock()
	p.machines[executionID] = &mockMachine{
		taskID:     task.ID,
		task:       task,
		startedAt:  start,
		finishesAt: start.Add(duration),
	}
	p.mu.Unlock()
	p.tracker.add(executionID, task.ID, start)

	p.logger.Info("mock execution started",
		"executionId", executionID, "taskId", task.ID, "simulatedDuration", duration)
	return &ExecutionHandle{ExecutionID: executionID, AgentID: AgentIDFor(task.ID)}, nil
}

// ExecutionStatus reads as running until the simulated completion time, then
// completed. Unknown executions read as completed, matching the remote
// backends' 404 behaviour.
func (p *MockProvider) ExecutionStatus(ctx context.Context, executionID string) (ExecutionState, error) {
	p.mu.Lock()
	m, ok := p.machines[executionID]
	p.mu.Unlock()
	if !ok {
		return StateCompleted, nil
	}
	if m.cancelled || !p.now().Before(m.finishesAt) {
		return StateCompleted, nil
	}
	return StateRunning, nil
}

// WaitForCompletion sleeps out the remaining simulated time and synthesises
// a successful result.
func (p *MockProvider) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (*WaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	p.mu.Lock()
	m, ok := p.machines[executionID]
	p.mu.Unlock()
	defer p.finish(executionID)

	if !ok {
		return &WaitResult{Status: WaitCompleted}, nil
	}

	remaining := m.finishesAt.Sub(p.now())
	if remaining > timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return &WaitResult{Status: WaitTimeout}, nil
		}
	}
	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return &WaitResult{
		Status: WaitCompleted,
		Result: p.synthesiseResult(m),
	}, nil
}

func (p *MockProvider) synthesiseResult(m *mockMachine) *models.Result {
	duration := m.finishesAt.Sub(m.startedAt)
	result := &models.Result{
		TaskID:     m.taskID,
		AgentID:    AgentIDFor(m.taskID),
		Status:     models.ResultSuccess,
		Summary:    "simulated execution",
		DurationMs: duration.Milliseconds(),
		CostCents:  5,
		Tokens:     models.TokenUsage{Input: 1000, Output: 500},
	}
	if m.cancelled {
		result.Status = models.ResultFailed
		result.Error = "execution cancelled"
	}
	for _, f := range m.task.Context.Files {
		result.Files = append(result.Files, models.FileChange{Path: f, Action: models.FileModify})
	}
	return result
}

// CancelExecution marks the machine cancelled. Unknown executions are a
// no-op.
func (p *MockProvider) CancelExecution(ctx context.Context, executionID string) error {
	p.mu.Lock()
	if m, ok := p.machines[executionID]; ok {
		m.cancelled = true
		m.finishesAt = p.now()
	}
	p.mu.Unlock()
	p.tracker.remove(executionID)
	return nil
}

func (p *MockProvider) finish(executionID string) {
	p.mu.Lock()
	delete(p.machines, executionID)
	p.mu.Unlock()
	p.tracker.remove(executionID)
}

func (p *MockProvider) ActiveJobCount() int     { return p.tracker.count() }
func (p *MockProvider) ActiveJobs() []ActiveJob { return p.tracker.list() }
