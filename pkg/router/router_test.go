package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/scoring"
)

func codeTask() *models.Task {
	return &models.Task{
		ID:          "t1",
		Type:        models.TaskTypeCode,
		Priority:    models.PriorityNormal,
		Prompt:      "implement feature",
		BudgetCents: 100,
	}
}

func seedRecord(r *scoring.Registry, agentID string, taskType models.TaskType, successRate, durationMs float64, costCents float64, count int) {
	for i := 0; i < count; i++ {
		status := models.ResultSuccess
		// Approximate the target rate by mixing failures in.
		if float64(i) >= successRate*float64(count) {
			status = models.ResultFailed
		}
		r.Update(agentID, taskType, &models.Result{
			Status:     status,
			DurationMs: int64(durationMs),
			CostCents:  int(costCents),
		})
	}
}

func TestRouteNoIdleAgentsSpawnsNew(t *testing.T) {
	r := New(scoring.NewRegistry(scoring.DefaultAlpha))
	decision := r.Route(codeTask(), nil)

	assert.Empty(t, decision.AgentID)
	assert.Equal(t, 0.5, decision.Confidence)
	assert.Equal(t, models.ModelSonnet, decision.Model)
	assert.Contains(t, decision.Reason, "spawn new")
}

func TestRoutePrefersStrongHistory(t *testing.T) {
	reg := scoring.NewRegistry(scoring.DefaultAlpha)
	// Thirty straight successes, fast and cheap.
	for i := 0; i < 30; i++ {
		reg.Update("a1", models.TaskTypeCode, &models.Result{
			Status:     models.ResultSuccess,
			DurationMs: 60_000,
			CostCents:  50,
		})
	}

	r := New(reg)
	agents := []*models.Agent{
		{ID: "a1", Status: models.AgentStatusIdle},
		{ID: "a2", Status: models.AgentStatusIdle}, // no history, defaults
	}
	decision := r.Route(codeTask(), agents)

	require.Equal(t, "a1", decision.AgentID)
	assert.GreaterOrEqual(t, decision.Confidence, 0.8)
	assert.Contains(t, decision.Reason, "high success rate")
	assert.Contains(t, decision.Reason, "experienced")
}

func TestRouteConfidenceMultipliers(t *testing.T) {
	reg := scoring.NewRegistry(scoring.DefaultAlpha)
	r := New(reg)
	agents := []*models.Agent{{ID: "a1", Status: models.AgentStatusIdle}}

	// Fresh record: count 0 → 0.6 multiplier, rate 0.5 is in the
	// indecisive band → another 0.8.
	decision := r.Route(codeTask(), agents)
	base := scoring.Score(reg.Record("a1", models.TaskTypeCode))
	if base > 1 {
		base = 1
	}
	want := float64(int(base*0.6*0.8*100+0.5)) / 100
	assert.InDelta(t, want, decision.Confidence, 0.01)
	assert.LessOrEqual(t, decision.Confidence, 1.0)
}

func TestSelectModelRules(t *testing.T) {
	reg := scoring.NewRegistry(scoring.DefaultAlpha)
	r := New(reg)
	idle := []*models.Agent{{ID: "a1", Status: models.AgentStatusIdle}}

	t.Run("explicit model wins", func(t *testing.T) {
		task := codeTask()
		task.Model = models.ModelOpus
		assert.Equal(t, models.ModelOpus, r.Route(task, idle).Model)
	})

	t.Run("security gets opus", func(t *testing.T) {
		task := codeTask()
		task.Type = models.TaskTypeSecurity
		assert.Equal(t, models.ModelOpus, r.Route(task, idle).Model)
	})

	t.Run("review gets opus", func(t *testing.T) {
		task := codeTask()
		task.Type = models.TaskTypeReview
		assert.Equal(t, models.ModelOpus, r.Route(task, idle).Model)
	})

	t.Run("big budget gets opus", func(t *testing.T) {
		task := codeTask()
		task.BudgetCents = 500
		assert.Equal(t, models.ModelOpus, r.Route(task, idle).Model)
	})

	t.Run("weak agent gets opus", func(t *testing.T) {
		weakReg := scoring.NewRegistry(scoring.DefaultAlpha)
		for i := 0; i < 10; i++ {
			weakReg.Update("a1", models.TaskTypeCode, &models.Result{
				Status:     models.ResultFailed,
				DurationMs: 60_000,
				CostCents:  50,
			})
		}
		weakRouter := New(weakReg)
		decision := weakRouter.Route(codeTask(), idle)
		assert.Equal(t, "a1", decision.AgentID)
		assert.Equal(t, models.ModelOpus, decision.Model)
	})

	t.Run("default is sonnet", func(t *testing.T) {
		assert.Equal(t, models.ModelSonnet, r.Route(codeTask(), idle).Model)
	})
}

func TestRouteConfidenceRounded(t *testing.T) {
	reg := scoring.NewRegistry(scoring.DefaultAlpha)
	seedRecord(reg, "a1", models.TaskTypeCode, 0.9, 120_000, 40, 25)

	r := New(reg)
	decision := r.Route(codeTask(), []*models.Agent{{ID: "a1", Status: models.AgentStatusIdle}})
	scaled := decision.Confidence * 100
	assert.InDelta(t, float64(int(scaled+0.5)), scaled, 1e-9, "confidence carries two decimals")
}
