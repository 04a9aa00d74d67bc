package tool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/genji/internal/config"
	"github.com/harunnryd/genji/internal/task"
)

func testTaskRegistry(t *testing.T) *task.Registry {
	t.Helper()
	r, err := task.NewRegistry(config.TasksConfig{
		GCInterval:      "1m",
		CompletedTTL:    "5m",
		BackgroundGrace: "50ms",
		DefaultTimeout:  "10s",
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestTimeTool(t *testing.T) {
	res, err := TimeTool{}.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	parsed, err := time.Parse(time.RFC3339, res.Content)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestTimeTool_UnknownZone(t *testing.T) {
	res, err := TimeTool{}.Execute(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorKindRecoverable, res.ErrorKind)
}

func TestExecCommandTool_ForegroundSuccess(t *testing.T) {
	tl := NewExecCommandTool(testTaskRegistry(t))

	res, err := tl.Execute(context.Background(), json.RawMessage(`{"command":"echo built"}`))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "built\n", res.Content)
	assert.NotEmpty(t, res.Data["task_id"])
	assert.EqualValues(t, 0, res.Data["exit_code"])
}

func TestExecCommandTool_FailureCarriesExitCode(t *testing.T) {
	tl := NewExecCommandTool(testTaskRegistry(t))

	res, err := tl.Execute(context.Background(), json.RawMessage(`{"command":"sh -c \"exit 4\""}`))
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, ErrorKindRecoverable, res.ErrorKind)
	assert.EqualValues(t, 4, res.Data["exit_code"])
}

func TestExecCommandTool_MissingCommand(t *testing.T) {
	tl := NewExecCommandTool(testTaskRegistry(t))

	res, err := tl.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestExecCommandAndTaskStatus_Background(t *testing.T) {
	tasks := testTaskRegistry(t)
	execTool := NewExecCommandTool(tasks)
	statusTool := NewTaskStatusTool(tasks)

	res, err := execTool.Execute(context.Background(), json.RawMessage(`{"command":"sleep 2","background":true}`))
	require.NoError(t, err)
	require.True(t, res.Success)
	taskID := res.Data["task_id"].(string)

	status, err := statusTool.Execute(context.Background(), json.RawMessage(`{"task_id":"`+taskID+`"}`))
	require.NoError(t, err)
	require.True(t, status.Success)
	assert.Equal(t, true, status.Data["alive"])

	listing, err := statusTool.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, listing.Success)
	assert.Contains(t, listing.Content, "1 running")

	tk, ok := tasks.Get(taskID)
	require.True(t, ok)
	require.NoError(t, tk.Kill())
}

func TestTaskStatusTool_UnknownTask(t *testing.T) {
	statusTool := NewTaskStatusTool(testTaskRegistry(t))

	res, err := statusTool.Execute(context.Background(), json.RawMessage(`{"task_id":"task_none"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
}
