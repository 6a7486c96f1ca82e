package api

import (
	"fmt"
	"regexp"
	"strings"
)

// Submission payload limits.
const (
	maxTasksPerSubmit = 20
	maxPromptLen      = 50000
	maxBranchLen      = 255
	maxFiles          = 100
	maxFilePathLen    = 500
	maxDependencies   = 50
	maxTokensLimit    = 200000
	maxTimeoutMinutes = 120
	maxBudgetCents    = 10000

	defaultTimeoutMinutes = 30
	defaultBudgetCents    = 100
)

var (
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9._\-/]+$`)
	uuidPattern   = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// FieldError is one schema violation in a request body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates a request's schema violations.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s: %s", d.Field, d.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Details = append(e.Details, FieldError{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Details) == 0 {
		return nil
	}
	return e
}
