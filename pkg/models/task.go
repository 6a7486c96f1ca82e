// Package models defines the domain types shared across the orchestrator:
// tasks, agents, results, budget state, and agent-performance records.
package models

import (
	"fmt"
	"time"
)

// TaskType classifies the kind of coding work a task describes.
type TaskType string

const (
	TaskTypeCode     TaskType = "code"
	TaskTypeTest     TaskType = "test"
	TaskTypeReview   TaskType = "review"
	TaskTypeDoc      TaskType = "doc"
	TaskTypeSecurity TaskType = "security"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCode, TaskTypeTest, TaskTypeReview, TaskTypeDoc, TaskTypeSecurity:
		return true
	}
	return false
}

// Priority orders tasks within the scheduler queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns the scheduling rank of a priority; lower ranks schedule first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// Model names the LLM a task prefers.
type Model string

const (
	ModelOpus   Model = "opus"
	ModelSonnet Model = "sonnet"
)

// Valid reports whether m is a known model.
func (m Model) Valid() bool {
	return m == ModelOpus || m == ModelSonnet
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// rank gives each status a position on the lifecycle axis for the
// monotonicity check. Terminal states share the top rank.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusAssigned:
		return 1
	case TaskStatusRunning:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether a task may move from s to next. Transitions
// are monotonic along pending → assigned → running → terminal, with one
// exception: assigned → pending is allowed when the scheduler rebalances a
// task off an unavailable agent. Cancellation is allowed from any
// non-terminal state.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == TaskStatusCancelled {
		return true
	}
	if s == TaskStatusAssigned && next == TaskStatusPending {
		return true
	}
	return next.rank() > s.rank()
}

// TaskContext carries the git-scoped inputs a worker needs to act on a task.
type TaskContext struct {
	Branch       string   `json:"branch"`
	Files        []string `json:"files"`
	Dependencies []string `json:"dependencies"`
	RepoURL      string   `json:"repoUrl,omitempty"`
	BaseCommit   string   `json:"baseCommit,omitempty"`
}

// Task is a single unit of coding work described by a prompt plus typed
// context. Invariants: Dependencies never contains the task's own ID
// (directly or transitively), and AssignedAgent is set iff Status is at
// least assigned.
type Task struct {
	ID             string      `json:"id"`
	Type           TaskType    `json:"type"`
	Priority       Priority    `json:"priority"`
	Model          Model       `json:"model"`
	Prompt         string      `json:"prompt"`
	Context        TaskContext `json:"context"`
	MaxTokens      int         `json:"maxTokens,omitempty"`
	TimeoutMinutes int         `json:"timeoutMinutes"`
	BudgetCents    int         `json:"budgetCents"`
	CreatedAt      time.Time   `json:"createdAt"`
	ParentTaskID   string      `json:"parentTaskId,omitempty"`
	AssignedAgent  string      `json:"assignedAgent,omitempty"`
	Status         TaskStatus  `json:"status"`
}

// Transition moves the task to next, enforcing the lifecycle rules.
func (t *Task) Transition(next TaskStatus) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("invalid task transition %s → %s for task %s", t.Status, next, t.ID)
	}
	t.Status = next
	if next == TaskStatusPending {
		t.AssignedAgent = ""
	}
	return nil
}
