package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/genji/internal/errors"
	"github.com/harunnryd/genji/internal/protocol"
	"github.com/harunnryd/genji/internal/tool"
)

type localTool struct {
	name  string
	delay time.Duration
	fn    func(input json.RawMessage) (*tool.Result, error)
}

func (lt *localTool) Name() string        { return lt.name }
func (lt *localTool) Description() string { return "test tool" }
func (lt *localTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (lt *localTool) Execute(ctx context.Context, input json.RawMessage) (*tool.Result, error) {
	if lt.delay > 0 {
		time.Sleep(lt.delay)
	}
	if lt.fn != nil {
		return lt.fn(input)
	}
	return &tool.Result{Success: true, Content: lt.name + " done"}, nil
}

// fakeGateway scripts one SSE response per incoming request and records the
// request bodies.
type fakeGateway struct {
	mu       sync.Mutex
	turns    [][]protocol.StreamEvent
	requests []protocol.ChatRequest
	server   *httptest.Server
}

func newFakeGateway(t *testing.T, turns ...[]protocol.StreamEvent) *fakeGateway {
	t.Helper()
	g := &fakeGateway{turns: turns}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req protocol.ChatRequest
		require.NoError(t, json.Unmarshal(body, &req))

		g.mu.Lock()
		idx := len(g.requests)
		g.requests = append(g.requests, req)
		g.mu.Unlock()
		require.Less(t, idx, len(g.turns), "more requests than scripted turns")

		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range g.turns[idx] {
			require.NoError(t, protocol.WriteEvent(w, ev))
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) request(i int) protocol.ChatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

func (g *fakeGateway) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func textTurn(text string) []protocol.StreamEvent {
	return []protocol.StreamEvent{
		{Type: protocol.EventMessageStart, Message: &protocol.MessageStart{Role: "assistant"}},
		{Type: protocol.EventContentBlockStart, Index: 0, ContentBlock: &protocol.ContentBlock{Type: protocol.BlockText}},
		protocol.TextDelta(0, text),
		{Type: protocol.EventContentBlockStop, Index: 0},
		{Type: protocol.EventMessageDelta, Delta: &protocol.Delta{StopReason: protocol.StopEndTurn}},
		{Type: protocol.EventMessageStop},
	}
}

func toolTurn(calls ...[2]string) []protocol.StreamEvent {
	events := []protocol.StreamEvent{
		{Type: protocol.EventMessageStart, Message: &protocol.MessageStart{Role: "assistant"}},
	}
	for i, c := range calls {
		events = append(events,
			protocol.ToolUseStart(i, c[0], c[1]),
			protocol.InputDelta(i, `{}`),
			protocol.StreamEvent{Type: protocol.EventContentBlockStop, Index: i},
		)
	}
	events = append(events,
		protocol.StreamEvent{Type: protocol.EventMessageDelta, Delta: &protocol.Delta{StopReason: protocol.StopToolUse}},
		protocol.StreamEvent{Type: protocol.EventMessageStop},
	)
	return events
}

func newTestLoop(t *testing.T, g *fakeGateway, opts Options, tools ...tool.Tool) *Loop {
	t.Helper()
	registry := tool.NewRegistry()
	for _, tl := range tools {
		registry.Register(tl)
	}
	dispatcher := tool.NewDispatcher(registry, nil, nil)
	return New(NewClient(g.server.URL), dispatcher, nil, nil, opts)
}

func TestRunTurn_TextOnly(t *testing.T) {
	g := newFakeGateway(t, textTurn("hello there"))

	var streamed string
	l := newTestLoop(t, g, Options{
		Callbacks: Callbacks{OnText: func(s string) { streamed += s }},
	})

	require.NoError(t, l.RunTurn(context.Background(), "hi"))
	assert.Equal(t, StateDone, l.State())
	assert.Equal(t, "hello there", streamed)

	history := l.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "hello there", history[1].Blocks[0].Text)
	assert.Equal(t, 1, g.requestCount())
}

func TestRunTurn_BatchWaitsForAllThreeCalls(t *testing.T) {
	g := newFakeGateway(t,
		toolTurn([2]string{"c1", "fast"}, [2]string{"c2", "slow"}, [2]string{"c3", "medium"}),
		textTurn("all done"),
	)

	var resolved atomic.Int32
	mk := func(name string, delay time.Duration) *localTool {
		return &localTool{name: name, delay: delay, fn: func(json.RawMessage) (*tool.Result, error) {
			resolved.Add(1)
			return &tool.Result{Success: true, Content: name + " ok"}, nil
		}}
	}

	l := newTestLoop(t, g,
		Options{},
		mk("fast", 10*time.Millisecond),
		mk("slow", 200*time.Millisecond),
		mk("medium", 50*time.Millisecond),
	)

	require.NoError(t, l.RunTurn(context.Background(), "run them"))
	assert.Equal(t, StateDone, l.State())
	assert.EqualValues(t, 3, resolved.Load())
	require.Equal(t, 2, g.requestCount())

	// The resume request must already carry all three correlated results, in
	// original request order.
	resume := g.request(1)
	var resultBlocks []protocol.Block
	for _, m := range resume.Messages {
		for _, b := range m.Blocks {
			if b.Type == protocol.BlockToolResult {
				resultBlocks = append(resultBlocks, b)
			}
		}
	}
	require.Len(t, resultBlocks, 3)
	assert.Equal(t, "c1", resultBlocks[0].ToolUseID)
	assert.Equal(t, "c2", resultBlocks[1].ToolUseID)
	assert.Equal(t, "c3", resultBlocks[2].ToolUseID)
	assert.Equal(t, 3, l.ToolCallsUsed())
}

func TestRunTurn_UnknownToolBecomesErrorResult(t *testing.T) {
	g := newFakeGateway(t,
		toolTurn([2]string{"c1", "no_such_tool"}),
		textTurn("recovered"),
	)
	l := newTestLoop(t, g, Options{})

	require.NoError(t, l.RunTurn(context.Background(), "try it"))

	resume := g.request(1)
	var found bool
	for _, m := range resume.Messages {
		for _, b := range m.Blocks {
			if b.Type == protocol.BlockToolResult && b.ToolUseID == "c1" {
				found = true
				assert.True(t, b.IsError)
				assert.Contains(t, b.Content, "no_such_tool")
			}
		}
	}
	assert.True(t, found, "unknown tool must produce a correlated error result")
}

func TestRunTurn_DuplicateCallIDAppliedOnce(t *testing.T) {
	g := newFakeGateway(t,
		toolTurn([2]string{"dup_1", "echo"}),
		toolTurn([2]string{"dup_1", "echo"}),
		textTurn("done"),
	)
	l := newTestLoop(t, g, Options{}, &localTool{name: "echo"})

	require.NoError(t, l.RunTurn(context.Background(), "go"))

	var resultCount int
	for _, m := range l.History() {
		for _, b := range m.Blocks {
			if b.Type == protocol.BlockToolResult && b.ToolUseID == "dup_1" {
				resultCount++
			}
		}
	}
	assert.Equal(t, 1, resultCount, "one recorded result per call id")
}

func TestRunTurn_LoopLimit(t *testing.T) {
	turns := make([][]protocol.StreamEvent, 0, 6)
	for i := 0; i < 6; i++ {
		turns = append(turns, toolTurn([2]string{fmt.Sprintf("c%d", i), "echo"}))
	}
	g := newFakeGateway(t, turns...)

	l := newTestLoop(t, g, Options{MaxToolCalls: 3}, &localTool{name: "echo"})

	err := l.RunTurn(context.Background(), "loop forever")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLoopLimit)
	assert.Equal(t, StateError, l.State())
	assert.LessOrEqual(t, l.ToolCallsUsed(), 3)
}

func TestRunTurn_ApprovalDenied(t *testing.T) {
	g := newFakeGateway(t,
		toolTurn([2]string{"c1", "exec_command"}),
		textTurn("understood"),
	)

	var executed atomic.Bool
	l := newTestLoop(t, g,
		Options{
			RequireApproval: []string{"exec_command"},
			Callbacks: Callbacks{
				OnApproval: func(call *ToolCall) *Rendezvous {
					r := NewRendezvous()
					r.Resolve(false)
					return r
				},
			},
		},
		&localTool{name: "exec_command", fn: func(json.RawMessage) (*tool.Result, error) {
			executed.Store(true)
			return &tool.Result{Success: true}, nil
		}},
	)

	require.NoError(t, l.RunTurn(context.Background(), "rm -rf /"))
	assert.False(t, executed.Load(), "denied tool must not run")

	resume := g.request(1)
	var denied bool
	for _, m := range resume.Messages {
		for _, b := range m.Blocks {
			if b.Type == protocol.BlockToolResult && b.ToolUseID == "c1" {
				denied = true
				assert.True(t, b.IsError)
				assert.Contains(t, b.Content, "denied")
			}
		}
	}
	assert.True(t, denied)
}

func TestRunTurn_ApprovalCancelledIsNotADenial(t *testing.T) {
	g := newFakeGateway(t,
		toolTurn([2]string{"c1", "exec_command"}),
		textTurn("understood"),
	)

	var executed atomic.Bool
	l := newTestLoop(t, g,
		Options{
			RequireApproval: []string{"exec_command"},
			Callbacks: Callbacks{
				OnApproval: func(call *ToolCall) *Rendezvous {
					r := NewRendezvous()
					r.Cancel()
					return r
				},
			},
		},
		&localTool{name: "exec_command", fn: func(json.RawMessage) (*tool.Result, error) {
			executed.Store(true)
			return &tool.Result{Success: true}, nil
		}},
	)

	require.NoError(t, l.RunTurn(context.Background(), "rm -rf /"))
	assert.False(t, executed.Load(), "tool must not run after a cancelled prompt")

	resume := g.request(1)
	var found bool
	for _, m := range resume.Messages {
		for _, b := range m.Blocks {
			if b.Type == protocol.BlockToolResult && b.ToolUseID == "c1" {
				found = true
				assert.True(t, b.IsError)
				assert.Contains(t, b.Content, "cancelled")
				assert.NotContains(t, b.Content, "denied")
			}
		}
	}
	assert.True(t, found)
}

func TestRunTurn_CancellationDiscardsStaleResults(t *testing.T) {
	g := newFakeGateway(t, toolTurn([2]string{"c1", "slow"}))

	ctx, cancel := context.WithCancel(context.Background())
	l := newTestLoop(t, g, Options{},
		&localTool{name: "slow", fn: func(json.RawMessage) (*tool.Result, error) {
			cancel()
			time.Sleep(50 * time.Millisecond)
			return &tool.Result{Success: true, Content: "late"}, nil
		}},
	)

	err := l.RunTurn(ctx, "start")
	require.Error(t, err)
	assert.Equal(t, StateError, l.State())

	for _, m := range l.History() {
		for _, b := range m.Blocks {
			assert.NotEqual(t, protocol.BlockToolResult, b.Type, "stale results must not reach history")
		}
	}
}

func TestRunTurn_AllCallsTerminalAfterBatch(t *testing.T) {
	g := newFakeGateway(t,
		toolTurn([2]string{"c1", "ok_tool"}, [2]string{"c2", "bad_tool"}),
		textTurn("done"),
	)

	var calls []*ToolCall
	l := newTestLoop(t, g,
		Options{Callbacks: Callbacks{OnToolResult: func(c *ToolCall) { calls = append(calls, c) }}},
		&localTool{name: "ok_tool"},
		&localTool{name: "bad_tool", fn: func(json.RawMessage) (*tool.Result, error) {
			return nil, fmt.Errorf("broken")
		}},
	)

	require.NoError(t, l.RunTurn(context.Background(), "go"))
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Contains(t, []string{CallCompleted, CallError}, c.Status)
	}
}

func TestRunTurn_SendsContextPolicyAndTools(t *testing.T) {
	g := newFakeGateway(t, textTurn("ok"))
	l := newTestLoop(t, g, Options{Provider: "claude", Model: "claude-sonnet-4-5"}, &localTool{name: "echo"})

	require.NoError(t, l.RunTurn(context.Background(), "hi"))

	req := g.request(0)
	assert.Equal(t, "claude", req.Provider)
	assert.Equal(t, "claude-sonnet-4-5", req.Model)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "echo", req.Tools[0].Name)
}
