package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/store"
)

// submitTasksHandler handles POST /api/v1/tasks.
func (s *Server) submitTasksHandler(c *echo.Context) error {
	var req SubmitTasksRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.Validate(); err != nil {
		return mapDomainError(err)
	}

	tasks := make([]*models.Task, 0, len(req.Tasks))
	estimated := 0
	for i := range req.Tasks {
		task := req.Tasks[i].ToTask()
		tasks = append(tasks, task)
		estimated += task.BudgetCents
	}

	if err := s.orch.Submit(c.Request().Context(), tasks); err != nil {
		return mapDomainError(err)
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return c.JSON(http.StatusAccepted, &SubmitTasksResponse{
		TaskIDs:            ids,
		EstimatedCostCents: estimated,
	})
}

// getTaskHandler handles GET /api/v1/tasks/:id.
func (s *Server) getTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	ctx := c.Request().Context()
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return mapDomainError(err)
	}
	if task == nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	result, err := s.store.GetResult(ctx, taskID)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &TaskDetailResponse{Task: task, Result: result})
}

// listTasksHandler handles GET /api/v1/tasks with status/type/priority
// filters and offset/limit pagination.
func (s *Server) listTasksHandler(c *echo.Context) error {
	filter := store.TaskFilter{}

	if v := c.QueryParam("status"); v != "" {
		if !models.TaskStatus(v).Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter: "+v)
		}
		filter.Status = models.TaskStatus(v)
	}
	if v := c.QueryParam("type"); v != "" {
		if !models.TaskType(v).Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid type filter: "+v)
		}
		filter.Type = models.TaskType(v)
	}
	if v := c.QueryParam("priority"); v != "" {
		if !models.Priority(v).Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid priority filter: "+v)
		}
		filter.Priority = models.Priority(v)
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}

	tasks, err := s.store.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

// cancelTaskHandler handles POST /api/v1/tasks/:id/cancel.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	task, err := s.orch.Cancel(c.Request().Context(), taskID)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents, err := s.store.ListAgents(c.Request().Context())
	if err != nil {
		return mapDomainError(err)
	}

	rollups := AgentRollups{ByStatus: make(map[string]int)}
	for _, a := range agents {
		rollups.Total++
		rollups.ByStatus[string(a.Status)]++
		if a.Status.Active() {
			rollups.Active++
		}
		rollups.TotalCostCents += a.CostCents
		rollups.TotalTokens += a.Tokens.Total()
	}
	return c.JSON(http.StatusOK, &AgentListResponse{Agents: agents, Rollups: rollups})
}

// budgetHandler handles GET /api/v1/budget.
func (s *Server) budgetHandler(c *echo.Context) error {
	status, err := s.budget.Projection(c.Request().Context())
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &BudgetResponse{Status: status})
}

// executeTaskHandler handles POST /api/v1/execute/:taskId.
func (s *Server) executeTaskHandler(c *echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	if err := s.orch.ExecuteTask(c.Request().Context(), taskID); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusAccepted, &ExecuteResponse{Started: []string{taskID}})
}

// executeBatchHandler handles POST /api/v1/execute/batch.
func (s *Server) executeBatchHandler(c *echo.Context) error {
	started, err := s.orch.ExecuteBatch(c.Request().Context())
	if err != nil {
		return mapDomainError(err)
	}
	if started == nil {
		started = []string{}
	}
	return c.JSON(http.StatusAccepted, &ExecuteResponse{Started: started})
}

// healthHandler handles GET /health. Unauthenticated.
func (s *Server) healthHandler(c *echo.Context) error {
	snapshot, err := s.orch.HealthSnapshot(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "health check failed")
	}
	code := http.StatusOK
	if snapshot.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, &HealthResponse{
		Status:       snapshot.Status,
		Topology:     snapshot.Topology,
		Provider:     snapshot.Provider,
		QueueDepth:   snapshot.QueueDepth,
		ActiveAgents: snapshot.ActiveAgents,
		ActiveJobs:   snapshot.ActiveJobs,
		Jobs:         snapshot.Jobs,
	})
}
