package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmd/pkg/models"
)

// SubmitTasksRequest is the HTTP request body for POST /api/v1/tasks.
type SubmitTasksRequest struct {
	Tasks []TaskRequest `json:"tasks"`
}

// TaskRequest is one task inside a submission envelope.
type TaskRequest struct {
	Type           string             `json:"type"`
	Priority       string             `json:"priority,omitempty"`
	Model          string             `json:"model,omitempty"`
	Prompt         string             `json:"prompt"`
	Context        TaskContextRequest `json:"context"`
	MaxTokens      int                `json:"maxTokens,omitempty"`
	TimeoutMinutes int                `json:"timeoutMinutes,omitempty"`
	BudgetCents    int                `json:"budgetCents,omitempty"`
	ParentTaskID   string             `json:"parentTaskId,omitempty"`
}

// TaskContextRequest is the git-scoped context of one submitted task.
type TaskContextRequest struct {
	Branch       string   `json:"branch"`
	Files        []string `json:"files,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	RepoURL      string   `json:"repoUrl,omitempty"`
	BaseCommit   string   `json:"baseCommit,omitempty"`
}

// Validate checks the envelope and every task against the submission schema.
func (r *SubmitTasksRequest) Validate() error {
	verr := &ValidationError{}
	if len(r.Tasks) == 0 {
		verr.add("tasks", "at least one task is required")
		return verr
	}
	if len(r.Tasks) > maxTasksPerSubmit {
		verr.add("tasks", fmt.Sprintf("at most %d tasks per submission", maxTasksPerSubmit))
		return verr
	}
	for i := range r.Tasks {
		r.Tasks[i].validate(fmt.Sprintf("tasks[%d]", i), verr)
	}
	return verr.orNil()
}

func (t *TaskRequest) validate(prefix string, verr *ValidationError) {
	if !models.TaskType(t.Type).Valid() {
		verr.add(prefix+".type", "must be one of code, test, review, doc, security")
	}
	if t.Priority != "" && !models.Priority(t.Priority).Valid() {
		verr.add(prefix+".priority", "must be one of high, normal, low")
	}
	if t.Model != "" && !models.Model(t.Model).Valid() {
		verr.add(prefix+".model", "must be opus or sonnet")
	}
	if len(t.Prompt) < 1 || len(t.Prompt) > maxPromptLen {
		verr.add(prefix+".prompt", fmt.Sprintf("length must be 1-%d", maxPromptLen))
	}

	branch := t.Context.Branch
	if len(branch) < 1 || len(branch) > maxBranchLen || !branchPattern.MatchString(branch) {
		verr.add(prefix+".context.branch", "must be 1-255 characters of [A-Za-z0-9._-/]")
	}
	if len(t.Context.Files) > maxFiles {
		verr.add(prefix+".context.files", fmt.Sprintf("at most %d paths", maxFiles))
	}
	for j, f := range t.Context.Files {
		if len(f) == 0 || len(f) > maxFilePathLen {
			verr.add(fmt.Sprintf("%s.context.files[%d]", prefix, j),
				fmt.Sprintf("path length must be 1-%d", maxFilePathLen))
		}
	}
	if len(t.Context.Dependencies) > maxDependencies {
		verr.add(prefix+".context.dependencies", fmt.Sprintf("at most %d dependencies", maxDependencies))
	}
	for j, dep := range t.Context.Dependencies {
		if !uuidPattern.MatchString(dep) {
			verr.add(fmt.Sprintf("%s.context.dependencies[%d]", prefix, j), "must be a lowercase UUID")
		}
	}
	if t.Context.BaseCommit != "" && !commitPattern.MatchString(t.Context.BaseCommit) {
		verr.add(prefix+".context.baseCommit", "must be a 40-character hex commit hash")
	}

	if t.MaxTokens != 0 && (t.MaxTokens < 1 || t.MaxTokens > maxTokensLimit) {
		verr.add(prefix+".maxTokens", fmt.Sprintf("must be 1-%d", maxTokensLimit))
	}
	if t.TimeoutMinutes != 0 && (t.TimeoutMinutes < 1 || t.TimeoutMinutes > maxTimeoutMinutes) {
		verr.add(prefix+".timeoutMinutes", fmt.Sprintf("must be 1-%d", maxTimeoutMinutes))
	}
	if t.BudgetCents != 0 && (t.BudgetCents < 1 || t.BudgetCents > maxBudgetCents) {
		verr.add(prefix+".budgetCents", fmt.Sprintf("must be 1-%d", maxBudgetCents))
	}
	if t.ParentTaskID != "" && !uuidPattern.MatchString(t.ParentTaskID) {
		verr.add(prefix+".parentTaskId", "must be a lowercase UUID")
	}
}

// ToTask materialises the request into a domain task with defaults applied
// and a fresh ID.
func (t *TaskRequest) ToTask() *models.Task {
	priority := models.Priority(t.Priority)
	if priority == "" {
		priority = models.PriorityNormal
	}
	model := models.Model(t.Model)
	if model == "" {
		model = models.ModelSonnet
	}
	timeout := t.TimeoutMinutes
	if timeout == 0 {
		timeout = defaultTimeoutMinutes
	}
	budgetCents := t.BudgetCents
	if budgetCents == 0 {
		budgetCents = defaultBudgetCents
	}

	return &models.Task{
		ID:       uuid.NewString(),
		Type:     models.TaskType(t.Type),
		Priority: priority,
		Model:    model,
		Prompt:   t.Prompt,
		Context: models.TaskContext{
			Branch:       t.Context.Branch,
			Files:        t.Context.Files,
			Dependencies: t.Context.Dependencies,
			RepoURL:      t.Context.RepoURL,
			BaseCommit:   t.Context.BaseCommit,
		},
		MaxTokens:      t.MaxTokens,
		TimeoutMinutes: timeout,
		BudgetCents:    budgetCents,
		CreatedAt:      time.Now().UTC(),
		ParentTaskID:   t.ParentTaskID,
		Status:         models.TaskStatusPending,
	}
}
