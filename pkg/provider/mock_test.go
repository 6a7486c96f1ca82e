package provider

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmd/pkg/models"
)

func newMock(t *testing.T) *MockProvider {
	t.Helper()
	return NewMockProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func docTask() *models.Task {
	return &models.Task{
		ID:      "1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed",
		Type:    models.TaskTypeDoc,
		Model:   models.ModelSonnet,
		Prompt:  "write the README",
		Context: models.TaskContext{Files: []string{"README.md"}},
	}
}

func TestMockExecuteAndWait(t *testing.T) {
	ctx := context.Background()
	p := newMock(t)
	start := time.Now()
	p.now = func() time.Time { return start }

	handle, err := p.ExecuteTask(ctx, docTask())
	require.NoError(t, err)
	assert.Equal(t, "agent-1b9d6bcd", handle.AgentID)
	assert.Equal(t, 1, p.ActiveJobCount())

	state, err := p.ExecutionStatus(ctx, handle.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	// Doc tasks simulate a 2 second run.
	p.now = func() time.Time { return start.Add(2 * time.Second) }
	state, err = p.ExecutionStatus(ctx, handle.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	res, err := p.WaitForCompletion(ctx, handle.ExecutionID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, WaitCompleted, res.Status)
	require.NotNil(t, res.Result)
	assert.Equal(t, models.ResultSuccess, res.Result.Status)
	assert.Equal(t, int64(2000), res.Result.DurationMs)
	assert.Equal(t, 5, res.Result.CostCents)
	require.Len(t, res.Result.Files, 1)
	assert.Equal(t, "README.md", res.Result.Files[0].Path)
	assert.Equal(t, models.FileModify, res.Result.Files[0].Action)

	assert.Zero(t, p.ActiveJobCount(), "finished execution leaves the tracker")
}

func TestMockWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	p := newMock(t)
	start := time.Now()
	p.now = func() time.Time { return start }

	// Security tasks simulate 8 seconds; a 10ms budget cannot cover it.
	task := docTask()
	task.Type = models.TaskTypeSecurity
	handle, err := p.ExecuteTask(ctx, task)
	require.NoError(t, err)

	res, err := p.WaitForCompletion(ctx, handle.ExecutionID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, WaitTimeout, res.Status)
	assert.Nil(t, res.Result)
}

func TestMockUnknownExecutionReadsCompleted(t *testing.T) {
	ctx := context.Background()
	p := newMock(t)

	state, err := p.ExecutionStatus(ctx, "mock-unknown")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	res, err := p.WaitForCompletion(ctx, "mock-unknown", time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitCompleted, res.Status)
	assert.Nil(t, res.Result)
}

func TestMockCancelProducesFailedResult(t *testing.T) {
	ctx := context.Background()
	p := newMock(t)
	start := time.Now()
	p.now = func() time.Time { return start }

	handle, err := p.ExecuteTask(ctx, docTask())
	require.NoError(t, err)

	require.NoError(t, p.CancelExecution(ctx, handle.ExecutionID))
	assert.Zero(t, p.ActiveJobCount())

	res, err := p.WaitForCompletion(ctx, handle.ExecutionID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, WaitCompleted, res.Status)
	require.NotNil(t, res.Result)
	assert.Equal(t, models.ResultFailed, res.Result.Status)
	assert.Equal(t, "execution cancelled", res.Result.Error)
}

func TestMockCancelUnknownIsNoOp(t *testing.T) {
	p := newMock(t)
	assert.NoError(t, p.CancelExecution(context.Background(), "mock-unknown"))
}

func TestMockWaitHonoursContext(t *testing.T) {
	p := newMock(t)
	handle, err := p.ExecuteTask(context.Background(), docTask())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.WaitForCompletion(ctx, handle.ExecutionID, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
