// Package scoring tracks per-(agent, task type) performance with
// exponentially-weighted moving averages and computes the composite
// suitability score the router ranks agents by.
package scoring

import (
	"sync"
	"time"

	"github.com/swarmops/swarmd/pkg/models"
)

// DefaultAlpha is the EWMA smoothing factor.
const DefaultAlpha = 0.3

// Composite score weights: success dominates, speed and cost split the rest.
const (
	weightSuccess = 0.5
	weightSpeed   = 0.25
	weightCost    = 0.25
)

// Normalisation bounds for the speed and cost terms.
const (
	durationFloorMs   = 10_000
	durationCeilingMs = 3_600_000
	costFloorCents    = 1
	costCeilingCents  = 1000
)

// Decay parameters: records idle past DecayAfter drift their success rate
// 5% towards the neutral 0.5 on each decay tick.
const (
	DecayAfter  = 24 * time.Hour
	decayFactor = 0.05
	neutralRate = 0.5
)

type key struct {
	agentID  string
	taskType models.TaskType
}

// Registry holds the performance records. Safe for concurrent use.
type Registry struct {
	alpha   float64
	records map[key]*models.PerformanceRecord
	mu      sync.RWMutex

	// now is swappable for decay tests.
	now func() time.Time
}

// NewRegistry creates a registry with the given smoothing factor; alpha
// outside (0,1) falls back to DefaultAlpha.
func NewRegistry(alpha float64) *Registry {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return &Registry{
		alpha:   alpha,
		records: make(map[key]*models.PerformanceRecord),
		now:     time.Now,
	}
}

// Record returns a copy of the (agentID, taskType) record, seeded with
// defaults when the pair has no history yet.
func (r *Registry) Record(agentID string, taskType models.TaskType) *models.PerformanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[key{agentID, taskType}]; ok {
		cp := *rec
		return &cp
	}
	return models.NewPerformanceRecord(agentID, taskType)
}

// Update folds a completed result into the agent's record for the task
// type. Success contributes 1, anything else 0; duration and cost smooth
// identically.
func (r *Registry) Update(agentID string, taskType models.TaskType, result *models.Result) *models.PerformanceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{agentID, taskType}
	rec, ok := r.records[k]
	if !ok {
		rec = models.NewPerformanceRecord(agentID, taskType)
		r.records[k] = rec
	}

	outcome := 0.0
	if result.Status == models.ResultSuccess {
		outcome = 1.0
	}
	rec.SuccessRate = r.alpha*outcome + (1-r.alpha)*rec.SuccessRate
	rec.AvgDurationMs = r.alpha*float64(result.DurationMs) + (1-r.alpha)*rec.AvgDurationMs
	rec.AvgCostCents = r.alpha*float64(result.CostCents) + (1-r.alpha)*rec.AvgCostCents
	rec.CompletedCount++
	rec.UpdatedAt = r.now()

	cp := *rec
	return &cp
}

// Score computes the composite suitability of a record for a task of its
// type: weighted success, speed, and cost terms, multiplied by the
// experience bonus 1 + min(0.2, completedCount/500).
func Score(rec *models.PerformanceRecord) float64 {
	speed := 1 - clamp((rec.AvgDurationMs-durationFloorMs)/(durationCeilingMs-durationFloorMs))
	cost := 1 - clamp((rec.AvgCostCents-costFloorCents)/(costCeilingCents-costFloorCents))
	base := weightSuccess*rec.SuccessRate + weightSpeed*speed + weightCost*cost

	bonus := 1 + min(0.2, float64(rec.CompletedCount)/500)
	return base * bonus
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Decay drifts every record idle past DecayAfter 5% towards the neutral
// success rate. The caller drives the tick from its own timer.
func (r *Registry) Decay() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-DecayAfter)
	decayed := 0
	for _, rec := range r.records {
		if rec.UpdatedAt.IsZero() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		rec.SuccessRate += (neutralRate - rec.SuccessRate) * decayFactor
		decayed++
	}
	return decayed
}

// Better orders two records with the tie-break rules: higher score wins; on
// equal score the higher completion count wins; on a further tie the
// earliest last-updated wins.
func Better(a, b *models.PerformanceRecord) bool {
	sa, sb := Score(a), Score(b)
	if sa != sb {
		return sa > sb
	}
	if a.CompletedCount != b.CompletedCount {
		return a.CompletedCount > b.CompletedCount
	}
	return a.UpdatedAt.Before(b.UpdatedAt)
}
