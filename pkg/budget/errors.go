package budget

import "errors"

// Sentinel errors callers branch on. The API layer maps ErrBudgetPaused to a
// 4xx response rather than a server fault.
var (
	ErrBudgetPaused   = errors.New("budget paused: daily limit reached")
	ErrOverTaskBudget = errors.New("task budget over limit")
)
