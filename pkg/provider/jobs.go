package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/retry"
)

// jobPollInterval is how often the jobs provider polls a run's status. The
// jobs API has no blocking wait endpoint.
const jobPollInterval = 5 * time.Second

// JobsProvider starts a pre-defined job template through its management API
// and polls run status until it reaches a terminal state.
type JobsProvider struct {
	cfg      Config
	template string
	client   *http.Client
	tracker  *jobTracker
	logger   *slog.Logger
}

// NewJobsProvider creates a provider that runs the named job template.
func NewJobsProvider(cfg Config, template string, logger *slog.Logger) *JobsProvider {
	return &JobsProvider{
		cfg:      cfg,
		template: template,
		client:   &http.Client{Timeout: 60 * time.Second},
		tracker:  newJobTracker(),
		logger:   logger.With("component", "provider", "backend", "jobs"),
	}
}

func (p *JobsProvider) Name() string { return "jobs" }

type startRunRequest struct {
	Env      map[string]string `json:"env"`
	CPUs     int               `json:"cpus"`
	MemoryMB int               `json:"memoryMb"`
	RunLabel string            `json:"runLabel"`
}

type runResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

func (p *JobsProvider) runsURL(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/jobs/" + p.template + "/runs" + path
}

func (p *JobsProvider) call(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &retry.HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ExecuteTask starts a run of the job template with the worker environment
// and tier sizing injected as overrides.
func (p *JobsProvider) ExecuteTask(ctx context.Context, task *models.Task) (*ExecutionHandle, error) {
	env, err := workerEnv(task, p.cfg)
	if err != nil {
		return nil, err
	}
	spec := TierFor(task).Spec()
	reqBody := startRunRequest{
		Env:      env,
		CPUs:     spec.CPUs,
		MemoryMB: spec.MemoryMB,
		RunLabel: AgentIDFor(task.ID),
	}

	var run runResponse
	err = retry.Do(ctx, retry.DefaultPolicy(), func() error {
		return p.call(ctx, http.MethodPost, p.runsURL(""), reqBody, &run)
	})
	if err != nil {
		return nil, fmt.Errorf("start job run for task %s: %w", task.ID, err)
	}

	p.tracker.add(run.RunID, task.ID, time.Now())
	p.logger.Info("job run started", "runId", run.RunID, "taskId", task.ID)
	return &ExecutionHandle{ExecutionID: run.RunID, AgentID: AgentIDFor(task.ID)}, nil
}

func mapRunStatus(status string) ExecutionState {
	switch status {
	case "queued", "pending", "provisioning":
		return StatePending
	case "running":
		return StateRunning
	case "succeeded", "completed", "stopped":
		return StateCompleted
	default:
		return StateFailed
	}
}

// ExecutionStatus reads the run's status. A 404 means the run record aged
// out after finishing.
func (p *JobsProvider) ExecutionStatus(ctx context.Context, executionID string) (ExecutionState, error) {
	var run runResponse
	err := retry.Do(ctx, retry.DefaultPolicy(), func() error {
		return p.call(ctx, http.MethodGet, p.runsURL("/"+executionID), nil, &run)
	})
	if err != nil {
		if isNotFound(err) {
			p.tracker.remove(executionID)
			return StateCompleted, nil
		}
		return StateFailed, fmt.Errorf("job run %s status: %w", executionID, err)
	}
	return mapRunStatus(run.Status), nil
}

// WaitForCompletion polls the run on a fixed interval until it reaches a
// terminal state or timeout elapses.
func (p *JobsProvider) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (*WaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	defer p.tracker.remove(executionID)

	for {
		state, err := p.ExecutionStatus(ctx, executionID)
		if err != nil {
			return &WaitResult{Status: WaitFailed}, nil
		}
		switch state {
		case StateCompleted:
			return &WaitResult{Status: WaitCompleted}, nil
		case StateFailed:
			return &WaitResult{Status: WaitFailed}, nil
		}

		if time.Now().After(deadline) {
			return &WaitResult{Status: WaitTimeout}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelExecution stops the run. A missing run already finished.
func (p *JobsProvider) CancelExecution(ctx context.Context, executionID string) error {
	err := retry.Do(ctx, retry.DefaultPolicy(), func() error {
		return p.call(ctx, http.MethodPost, p.runsURL("/"+executionID+"/cancel"), nil, nil)
	})
	p.tracker.remove(executionID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("cancel job run %s: %w", executionID, err)
	}
	return nil
}

func (p *JobsProvider) ActiveJobCount() int     { return p.tracker.count() }
func (p *JobsProvider) ActiveJobs() []ActiveJob { return p.tracker.list() }
