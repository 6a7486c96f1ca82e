package models

// ResultStatus grades a completed execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
)

// Valid reports whether s is a known result status.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultSuccess, ResultPartial, ResultFailed:
		return true
	}
	return false
}

// FileAction describes what a worker did to a file.
type FileAction string

const (
	FileAdd    FileAction = "add"
	FileModify FileAction = "modify"
	FileDelete FileAction = "delete"
)

// FileChange is a single file-level output of a task execution.
type FileChange struct {
	Path   string     `json:"path"`
	Action FileAction `json:"action"`
}

// TestRecord summarises a test run reported by a worker.
type TestRecord struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ReviewRecord summarises a review finding reported by a worker.
type ReviewRecord struct {
	File     string `json:"file"`
	Severity string `json:"severity"`
	Comment  string `json:"comment"`
}

// Result is the terminal outcome of a task execution. Keyed by task ID;
// at most one result per task.
type Result struct {
	TaskID       string         `json:"taskId"`
	AgentID      string         `json:"agentId"`
	Status       ResultStatus   `json:"status"`
	Files        []FileChange   `json:"files,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Tests        []TestRecord   `json:"tests,omitempty"`
	Reviews      []ReviewRecord `json:"reviews,omitempty"`
	Tokens       TokenUsage     `json:"tokens"`
	DurationMs   int64          `json:"durationMs"`
	CostCents    int            `json:"costCents"`
	BaseCommit   string         `json:"baseCommit,omitempty"`
	ResultCommit string         `json:"resultCommit,omitempty"`
	Conflicts    []string       `json:"conflicts,omitempty"`
	Error        string         `json:"error,omitempty"`
}
