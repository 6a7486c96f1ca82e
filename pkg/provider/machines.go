package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/swarmops/swarmd/pkg/models"
	"github.com/swarmops/swarmd/pkg/retry"
)

// MachinesProvider drives a machine-lifecycle REST API: POST creates a
// machine, GET reads its state, GET with a blocking wait query waits for a
// terminal state, POST stops it.
type MachinesProvider struct {
	cfg     Config
	client  *http.Client
	tracker *jobTracker
	logger  *slog.Logger
}

// NewMachinesProvider creates a provider over the API at cfg.BaseURL.
func NewMachinesProvider(cfg Config, logger *slog.Logger) *MachinesProvider {
	return &MachinesProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		tracker: newJobTracker(),
		logger:  logger.With("component", "provider", "backend", "machines"),
	}
}

func (p *MachinesProvider) Name() string { return "machines" }

// machineConfig is the machine-creation payload.
type machineConfig struct {
	Image       string            `json:"image"`
	Guest       guestSpec         `json:"guest"`
	Env         map[string]string `json:"env"`
	AutoDestroy bool              `json:"auto_destroy"`
}

type guestSpec struct {
	CPUs     int `json:"cpus"`
	MemoryMB int `json:"memory_mb"`
}

type createMachineRequest struct {
	Name   string        `json:"name"`
	Config machineConfig `json:"config"`
}

type machineResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

func (p *MachinesProvider) machinesURL(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/apps/" + p.cfg.AppName + "/machines" + path
}

// call performs one authenticated request and decodes the JSON response into
// out (when non-nil). Non-2xx responses come back as *retry.HTTPError so the
// caller's retry predicate can classify them.
func (p *MachinesProvider) call(ctx context.Context, method, url string, body, out any) error {
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

// ExecuteTask creates a machine sized by the task's tier with the worker
// environment injected.
func (p *MachinesProvider) ExecuteTask(ctx context.Context, task *models.Task) (*ExecutionHandle, error) {
	env, err := workerEnv(task, p.cfg)
	if err != nil {
		return nil, err
	}
	spec := TierFor(task).Spec()
	reqBody := createMachineRequest{
		Name: AgentIDFor(task.ID),
		Config: machineConfig{
			Image:       p.cfg.Image,
			Guest:       guestSpec{CPUs: spec.CPUs, MemoryMB: spec.MemoryMB},
			Env:         env,
			AutoDestroy: true,
		},
	}

	var machine machineResponse
	err = retry.Do(ctx, retry.DefaultPolicy(), func() error {
		return p.call(ctx, http.MethodPost, p.machinesURL(""), reqBody, &machine)
	})
	if err != nil {
		return nil, fmt.Errorf("create machine for task %s: %w", task.ID, err)
	}

	p.tracker.add(machine.ID, task.ID, time.Now())
	p.logger.Info("machine created",
		"machineId", machine.ID, "taskId", task.ID, "tier", string(TierFor(task)))
	return &ExecutionHandle{ExecutionID: machine.ID, AgentID: AgentIDFor(task.ID)}, nil
}

// mapMachineState folds the backend's state vocabulary onto the coarse
// lifecycle.
func mapMachineState(state string) ExecutionState {
	switch state {
	case "created", "starting", "queued":
		return StatePending
	case "started", "running", "replacing":
		return StateRunning
	case "stopped", "destroyed", "destroying", "stopping":
		return StateCompleted
	default:
		return StateFailed
	}
}

// ExecutionStatus reads the machine state. A 404 means the machine was
// reclaimed after finishing, so it reads as completed.
func (p *MachinesProvider) ExecutionStatus(ctx context.Context, executionID string) (ExecutionState, error) {
	var machine machineResponse
	err := retry.Do(ctx, retry.DefaultPolicy(), func() error {
		return p.call(ctx, http.MethodGet, p.machinesURL("/"+executionID), nil, &machine)
	})
	if err != nil {
		if isNotFound(err) {
			p.tracker.remove(executionID)
			return StateCompleted, nil
		}
		return StateFailed, fmt.Errorf("machine %s status: %w", executionID, err)
	}
	return mapMachineState(machine.State), nil
}

// WaitForCompletion uses the API's blocking wait endpoint, re-issuing the
// wait in slices until the machine stops or the timeout elapses.
func (p *MachinesProvider) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (*WaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	defer p.tracker.remove(executionID)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &WaitResult{Status: WaitTimeout}, nil
		}
		slice := remaining
		if slice > 60*time.Second {
			slice = 60 * time.Second
		}

		url := fmt.Sprintf("%s/%s/wait?state=stopped&timeout=%d",
			p.machinesURL(""), executionID, int(slice.Seconds()))
		var machine machineResponse
		err := retry.Do(ctx, retry.DefaultPolicy(), func() error {
			return p.call(ctx, http.MethodGet, url, nil, &machine)
		})
		if err != nil {
			if isNotFound(err) {
				return &WaitResult{Status: WaitCompleted}, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The wait endpoint 408s when the slice elapses first.
			if isWaitExpired(err) {
				continue
			}
			return &WaitResult{Status: WaitFailed}, nil
		}
		switch mapMachineState(machine.State) {
		case StateCompleted:
			return &WaitResult{Status: WaitCompleted}, nil
		case StateFailed:
			return &WaitResult{Status: WaitFailed}, nil
		}
	}
}

// CancelExecution stops the machine. Best-effort: a missing machine already
// finished.
func (p *MachinesProvider) CancelExecution(ctx context.Context, executionID string) error {
	err := retry.Do(ctx, retry.DefaultPolicy(), func() error {
		return p.call(ctx, http.MethodPost, p.machinesURL("/"+executionID+"/stop"), nil, nil)
	})
	p.tracker.remove(executionID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("stop machine %s: %w", executionID, err)
	}
	return nil
}

func (p *MachinesProvider) ActiveJobCount() int     { return p.tracker.count() }
func (p *MachinesProvider) ActiveJobs() []ActiveJob { return p.tracker.list() }

func isNotFound(err error) bool {
	var httpErr *retry.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

func isWaitExpired(err error) bool {
	var httpErr *retry.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusRequestTimeout
}
