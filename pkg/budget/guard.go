// Package budget enforces spend limits over the persisted budget state:
// per-task caps at submission, daily/weekly counters on completion, and an
// automatic pause once the daily limit is consumed.
package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/store"
)

// projectedCostPerAgentCents is the per-active-agent estimate used for burn
// projection before real costs land.
const projectedCostPerAgentCents = 150

// SpendOutcome reports the state after a spend was folded in.
type SpendOutcome struct {
	State   *models.BudgetState
	Warning bool // crossed the alert threshold
	Paused  bool // crossed the pause threshold on this spend
}

// Status is the read-side view served by the budget endpoint.
type Status struct {
	Config              models.BudgetConfig `json:"config"`
	DailyUsedCents      int                 `json:"dailyUsedCents"`
	WeeklyUsedCents     int                 `json:"weeklyUsedCents"`
	DailyRemainingCents int                 `json:"dailyRemainingCents"`
	Paused              bool                `json:"paused"`
	ProjectedDailyCents int                 `json:"projectedDailyCents"`
	ActiveAgents        int                 `json:"activeAgents"`
}

// Guard wraps the store's budget record with the enforcement rules.
type Guard struct {
	store  store.Store
	logger *slog.Logger
}

// NewGuard creates a guard over st.
func NewGuard(st store.Store, logger *slog.Logger) *Guard {
	return &Guard{store: st, logger: logger.With("component", "budget")}
}

// state loads the budget record, seeding defaults on first use.
func (g *Guard) state(ctx context.Context) (*models.BudgetState, error) {
	b, err := g.store.GetBudget(ctx)
	if err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}
	if b == nil {
		b = &models.BudgetState{Config: models.DefaultBudgetConfig()}
		if err := g.store.PutBudget(ctx, b); err != nil {
			return nil, fmt.Errorf("seed budget: %w", err)
		}
	}
	return b, nil
}

// Paused reports whether spending is currently halted.
func (g *Guard) Paused(ctx context.Context) (bool, error) {
	b, err := g.state(ctx)
	if err != nil {
		return false, err
	}
	return b.Paused, nil
}

// CheckTaskBudget validates a submission-time budget request against the
// per-task cap and the remaining daily headroom.
func (g *Guard) CheckTaskBudget(ctx context.Context, budgetCents int) error {
	b, err := g.state(ctx)
	if err != nil {
		return err
	}
	if b.Paused {
		return ErrBudgetPaused
	}
	if budgetCents > b.Config.PerTaskMaxCents {
		return fmt.Errorf("%w: %d cents exceeds per-task maximum %d", ErrOverTaskBudget, budgetCents, b.Config.PerTaskMaxCents)
	}
	return nil
}

// RecordSpend atomically folds actual cost into the daily and weekly
// counters, then applies the alert and pause thresholds to the new totals.
func (g *Guard) RecordSpend(ctx context.Context, cents int) (*SpendOutcome, error) {
	if cents <= 0 {
		b, err := g.state(ctx)
		if err != nil {
			return nil, err
		}
		return &SpendOutcome{State: b}, nil
	}

	// Seed defaults before the atomic increment so thresholds exist.
	if _, err := g.state(ctx); err != nil {
		return nil, err
	}
	b, err := g.store.AddSpend(ctx, cents)
	if err != nil {
		return nil, fmt.Errorf("record spend: %w", err)
	}

	outcome := &SpendOutcome{State: b}

	pauseAt := b.Config.DailyLimitCents * b.Config.PauseThresholdPercent / 100
	alertAt := b.Config.DailyLimitCents * b.Config.AlertThresholdPercent / 100

	if !b.Paused && b.DailyUsedCents >= pauseAt {
		b.Paused = true
		if err := g.store.PutBudget(ctx, b); err != nil {
			return nil, fmt.Errorf("pause budget: %w", err)
		}
		outcome.Paused = true
		g.logger.Warn("daily budget exhausted, pausing new work",
			"dailyUsedCents", b.DailyUsedCents,
			"dailyLimitCents", b.Config.DailyLimitCents)
	} else if b.DailyUsedCents >= alertAt {
		outcome.Warning = true
		g.logger.Warn("daily budget past alert threshold",
			"dailyUsedCents", b.DailyUsedCents,
			"dailyLimitCents", b.Config.DailyLimitCents,
			"thresholdPercent", b.Config.AlertThresholdPercent)
	}

	return outcome, nil
}

// Projection estimates where the daily spend is heading: cents already used
// plus a flat per-agent estimate for every agent still running.
func (g *Guard) Projection(ctx context.Context) (*Status, error) {
	b, err := g.state(ctx)
	if err != nil {
		return nil, err
	}
	active, err := g.store.CountActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active agents: %w", err)
	}

	remaining := b.Config.DailyLimitCents - b.DailyUsedCents
	if remaining < 0 {
		remaining = 0
	}
	return &Status{
		Config:              b.Config,
		DailyUsedCents:      b.DailyUsedCents,
		WeeklyUsedCents:     b.WeeklyUsedCents,
		DailyRemainingCents: remaining,
		Paused:              b.Paused,
		ProjectedDailyCents: b.DailyUsedCents + active*projectedCostPerAgentCents,
		ActiveAgents:        active,
	}, nil
}

// ResetDaily zeroes the daily counter and lifts the pause. Idempotent.
func (g *Guard) ResetDaily(ctx context.Context) error {
	if _, err := g.state(ctx); err != nil {
		return err
	}
	if err := g.store.ResetDaily(ctx); err != nil {
		return fmt.Errorf("reset daily budget: %w", err)
	}
	g.logger.Info("daily budget counter reset")
	return nil
}

// ResetWeekly zeroes the weekly counter. Idempotent.
func (g *Guard) ResetWeekly(ctx context.Context) error {
	if _, err := g.state(ctx); err != nil {
		return err
	}
	if err := g.store.ResetWeekly(ctx); err != nil {
		return fmt.Errorf("reset weekly budget: %w", err)
	}
	g.logger.Info("weekly budget counter reset")
	return nil
}

// UpdateConfig replaces the limits while preserving the running counters.
func (g *Guard) UpdateConfig(ctx context.Context, cfg models.BudgetConfig) error {
	b, err := g.state(ctx)
	if err != nil {
		return err
	}
	b.Config = cfg
	return g.store.PutBudget(ctx, b)
}
