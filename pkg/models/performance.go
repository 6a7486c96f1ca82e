package models

import "time"

// Defaults for a fresh (agent, task type) performance record.
const (
	DefaultSuccessRate   = 0.5
	DefaultAvgDurationMs = 300000
	DefaultAvgCostCents  = 100
)

// PerformanceRecord tracks an agent's exponentially-smoothed history for one
// task type. The router scores these to pick the best agent for a task.
type PerformanceRecord struct {
	AgentID        string    `json:"agentId"`
	TaskType       TaskType  `json:"taskType"`
	SuccessRate    float64   `json:"successRate"`
	AvgDurationMs  float64   `json:"avgDurationMs"`
	AvgCostCents   float64   `json:"avgCostCents"`
	CompletedCount int       `json:"completedCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NewPerformanceRecord returns a record seeded with the neutral defaults.
func NewPerformanceRecord(agentID string, taskType TaskType) *PerformanceRecord {
	return &PerformanceRecord{
		AgentID:       agentID,
		TaskType:      taskType,
		SuccessRate:   DefaultSuccessRate,
		AvgDurationMs: DefaultAvgDurationMs,
		AvgCostCents:  DefaultAvgCostCents,
	}
}
