// Package router decides which agent (if any) should take a task, and which
// model the execution should use, based on the scoring registry's history.
package router

import (
	"fmt"
	"math"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/scoring"
)

// Model-selection and confidence thresholds.
const (
	opusBudgetCents     = 500
	weakSuccessRate     = 0.6
	weakMinCompletions  = 5
	lowExperience       = 5
	midExperience       = 20
	indecisiveBandLow   = 0.3
	indecisiveBandHigh  = 0.7
	spawnNewConfidence  = 0.5
	highSuccessRateMark = 0.8
)

// Decision is the router's output. A nil AgentID means no existing agent is
// suitable and a fresh worker should be spawned.
type Decision struct {
	AgentID    string       `json:"agentId,omitempty"`
	Model      models.Model `json:"model"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
}

// Router scores idle agents against tasks.
type Router struct {
	registry *scoring.Registry
}

// New creates a router over the registry.
func New(registry *scoring.Registry) *Router {
	return &Router{registry: registry}
}

// Route picks the best idle agent for the task, or recommends spawning a
// new one when no idle agent exists.
func (r *Router) Route(task *models.Task, idleAgents []*models.Agent) Decision {
	if len(idleAgents) == 0 {
		return Decision{
			Model:      r.selectModel(task, nil),
			Confidence: spawnNewConfidence,
			Reason:     "no idle agents; spawn new worker",
		}
	}

	var best *models.PerformanceRecord
	for _, agent := range idleAgents {
		rec := r.registry.Record(agent.ID, task.Type)
		if best == nil || scoring.Better(rec, best) {
			best = rec
		}
	}

	score := scoring.Score(best)
	confidence := math.Min(1, score)
	if best.CompletedCount < lowExperience {
		confidence *= 0.6
	} else if best.CompletedCount < midExperience {
		confidence *= 0.8
	}
	if best.SuccessRate > indecisiveBandLow && best.SuccessRate < indecisiveBandHigh {
		confidence *= 0.8
	}
	confidence = math.Round(confidence*100) / 100

	return Decision{
		AgentID:    best.AgentID,
		Model:      r.selectModel(task, best),
		Confidence: confidence,
		Reason:     describe(best, score),
	}
}

// selectModel honours the task's explicit preference, then escalates to
// opus for security/review work, expensive tasks, or historically weak
// agents; everything else runs on sonnet.
func (r *Router) selectModel(task *models.Task, rec *models.PerformanceRecord) models.Model {
	if task.Model != "" {
		return task.Model
	}
	if task.Type == models.TaskTypeSecurity || task.Type == models.TaskTypeReview {
		return models.ModelOpus
	}
	if task.BudgetCents >= opusBudgetCents {
		return models.ModelOpus
	}
	if rec != nil && rec.SuccessRate < weakSuccessRate && rec.CompletedCount >= weakMinCompletions {
		return models.ModelOpus
	}
	return models.ModelSonnet
}

// describe builds the human-readable routing reason.
func describe(rec *models.PerformanceRecord, score float64) string {
	quality := "unproven"
	switch {
	case rec.SuccessRate >= highSuccessRateMark && rec.CompletedCount > 0:
		quality = "high success rate"
	case rec.SuccessRate < indecisiveBandLow && rec.CompletedCount > 0:
		quality = "low success rate"
	case rec.CompletedCount > 0:
		quality = "mixed history"
	}
	experience := "new"
	switch {
	case rec.CompletedCount >= midExperience:
		experience = "experienced"
	case rec.CompletedCount >= lowExperience:
		experience = "warming up"
	}
	return fmt.Sprintf("agent %s: %s, %s (%d completions, score %.2f)",
		rec.AgentID, quality, experience, rec.CompletedCount, score)
}
