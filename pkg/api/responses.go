package api

import (
	"github.com/swarmops/swarmd/pkg/budget"
	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/provider"
)

// SubmitTasksResponse acknowledges a successful submission.
type SubmitTasksResponse struct {
	TaskIDs            []string `json:"taskIds"`
	EstimatedCostCents int      `json:"estimatedCostCents"`
}

// TaskDetailResponse is a task together with its latest result, if any.
type TaskDetailResponse struct {
	Task   *models.Task   `json:"task"`
	Result *models.Result `json:"result,omitempty"`
}

// TaskListResponse pages through tasks.
type TaskListResponse struct {
	Tasks []*models.Task `json:"tasks"`
	Count int            `json:"count"`
}

// AgentRollups aggregates the agent fleet by status.
type AgentRollups struct {
	Total          int            `json:"total"`
	Active         int            `json:"active"`
	ByStatus       map[string]int `json:"byStatus"`
	TotalCostCents int            `json:"totalCostCents"`
	TotalTokens    int64          `json:"totalTokens"`
}

// AgentListResponse is the fleet plus its rollups.
type AgentListResponse struct {
	Agents  []*models.Agent `json:"agents"`
	Rollups AgentRollups    `json:"rollups"`
}

// BudgetResponse is the guard's status view.
type BudgetResponse struct {
	*budget.Status
}

// ExecuteResponse acknowledges a force-start.
type ExecuteResponse struct {
	Started []string `json:"started"`
}

// ErrorResponse is the structured error body for validation failures.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Details []FieldError `json:"details,omitempty"`
}

// HealthResponse is the unauthenticated liveness view.
type HealthResponse struct {
	Status       string               `json:"status"`
	Topology     string               `json:"topology"`
	Provider     string               `json:"provider"`
	QueueDepth   int                  `json:"queueDepth"`
	ActiveAgents int                  `json:"activeAgents"`
	ActiveJobs   int                  `json:"activeJobs"`
	Jobs         []provider.ActiveJob `json:"jobs,omitempty"`
}
