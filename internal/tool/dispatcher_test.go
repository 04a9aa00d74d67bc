package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/genji/internal/telemetry"
)

func newTestDispatcher(t *testing.T, tools ...Tool) (*Dispatcher, *telemetry.FileAuditLogger) {
	t.Helper()
	r := NewRegistry()
	for _, tl := range tools {
		r.Register(tl)
	}
	audit, err := telemetry.NewFileAuditLogger(t.TempDir(), true, nil)
	require.NoError(t, err)
	rec := telemetry.NewRecorder(telemetry.SlogSink{}, 20, 5*time.Second)
	t.Cleanup(rec.Close)
	return NewDispatcher(r, audit, rec), audit
}

func TestDispatcher_SuccessEmitsOneAuditRecord(t *testing.T) {
	d, audit := newTestDispatcher(t, &fakeTool{name: "time"})

	res := d.Execute(context.Background(), "time", nil, ExecuteOptions{ConversationID: "conv_1"})
	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Content)

	entries, err := audit.Query("time")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "success", entries[0].Status)
	assert.Equal(t, "conv_1", entries[0].ConversationID)
}

func TestDispatcher_UnknownToolListsKnownNames(t *testing.T) {
	d, audit := newTestDispatcher(t, &fakeTool{name: "time"}, &fakeTool{name: "exec_command"})

	res := d.Execute(context.Background(), "launch_rocket", nil, ExecuteOptions{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorKindRecoverable, res.ErrorKind)
	assert.Contains(t, res.Error, "launch_rocket")
	assert.Contains(t, res.Error, "exec_command, time")

	entries, err := audit.Query("launch_rocket")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].Status)
}

func TestDispatcher_HandlerErrorBecomesResult(t *testing.T) {
	failing := &fakeTool{
		name: "flaky",
		fn: func(context.Context, json.RawMessage) (*Result, error) {
			return nil, fmt.Errorf("backend unavailable")
		},
	}
	d, _ := newTestDispatcher(t, failing)

	res := d.Execute(context.Background(), "flaky", nil, ExecuteOptions{})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "backend unavailable")
	assert.Equal(t, ErrorKindRecoverable, res.ErrorKind)
}

func TestDispatcher_PanicIsCaught(t *testing.T) {
	panicking := &fakeTool{
		name: "boom",
		fn: func(context.Context, json.RawMessage) (*Result, error) {
			panic("handler exploded")
		},
	}
	d, audit := newTestDispatcher(t, panicking)

	res := d.Execute(context.Background(), "boom", nil, ExecuteOptions{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorKindFatal, res.ErrorKind)
	assert.Contains(t, res.Error, "handler exploded")

	entries, err := audit.Query("boom")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDispatcher_BatchIDFlowsToAudit(t *testing.T) {
	d, audit := newTestDispatcher(t, &fakeTool{name: "time"})

	d.Execute(context.Background(), "time", nil, ExecuteOptions{BatchID: "batch_7"})

	entries, err := audit.Query("time")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "batch_7", entries[0].BatchID)
}

func TestResult_EncodeIsValidJSON(t *testing.T) {
	res := &Result{Success: true, Content: "done", Data: map[string]interface{}{"pid": 42}}
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.Encode()), &decoded))
	assert.Equal(t, true, decoded["success"])
}
