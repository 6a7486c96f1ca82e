package models

import "time"

// AgentStatus is the lifecycle state of a worker agent.
type AgentStatus string

const (
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusRunning      AgentStatus = "running"
	AgentStatusCompleted    AgentStatus = "completed"
	AgentStatusFailed       AgentStatus = "failed"
	AgentStatusTerminated   AgentStatus = "terminated"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusInitializing, AgentStatusRunning,
		AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated:
		return true
	}
	return false
}

// Terminal reports whether the agent has finished for good. File locks held
// by an agent are released when it reaches a terminal status.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated:
		return true
	}
	return false
}

// Active reports whether the agent counts against concurrency limits.
func (s AgentStatus) Active() bool {
	return s == AgentStatusRunning || s == AgentStatusInitializing
}

// TokenUsage tracks the running token counters for an agent or result.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cached int64 `json:"cached"`
}

// Total returns the sum of all token counters.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.Cached
}

// Agent is a worker process that executes exactly one task at a time. It is
// created when the execution provider returns an execution handle and
// retained for one day.
type Agent struct {
	ID          string      `json:"id"`
	Status      AgentStatus `json:"status"`
	TaskID      string      `json:"taskId,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Branch      string      `json:"branch,omitempty"`
	Tokens      TokenUsage  `json:"tokens"`
	CostCents   int         `json:"costCents"`
}
