package models

import "time"

// BudgetConfig holds the spend limits the guard enforces. All amounts are
// integer cents; thresholds are whole percentages of the daily limit.
type BudgetConfig struct {
	PerTaskMaxCents       int `json:"perTaskMaxCents"`
	DailyLimitCents       int `json:"dailyLimitCents"`
	WeeklyLimitCents      int `json:"weeklyLimitCents"`
	AlertThresholdPercent int `json:"alertThresholdPercent"`
	PauseThresholdPercent int `json:"pauseThresholdPercent"`
}

// DefaultBudgetConfig returns the process-wide defaults used when no budget
// has been persisted yet.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		PerTaskMaxCents:       500,
		DailyLimitCents:       5000,
		WeeklyLimitCents:      25000,
		AlertThresholdPercent: 80,
		PauseThresholdPercent: 100,
	}
}

// BudgetState is the single process-wide budget record: configuration plus
// running counters. Unlike tasks and agents it never expires from the store.
type BudgetState struct {
	Config          BudgetConfig `json:"config"`
	DailyUsedCents  int          `json:"dailyUsedCents"`
	WeeklyUsedCents int          `json:"weeklyUsedCents"`
	Paused          bool         `json:"paused"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}
