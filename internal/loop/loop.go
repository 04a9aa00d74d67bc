package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/genji/internal/contextmgr"
	"github.com/harunnryd/genji/internal/errors"
	"github.com/harunnryd/genji/internal/logger"
	"github.com/harunnryd/genji/internal/protocol"
	"github.com/harunnryd/genji/internal/rpc"
	"github.com/harunnryd/genji/internal/tool"
)

// State of the conversation loop.
type State string

const (
	StateIdle           State = "idle"
	StateSending        State = "sending"
	StateStreaming      State = "streaming"
	StatePausedForTools State = "paused_for_tools"
	StateExecutingTools State = "executing_tools"
	StateDone           State = "done"
	StateError          State = "error"
)

// ToolCall tracks one model-issued call through its lifecycle. Identity is ID,
// unique per turn; status moves forward only.
type ToolCall struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Status string
	Result *tool.Result
}

// Tool call statuses.
const (
	CallPending   = "pending"
	CallRunning   = "running"
	CallCompleted = "completed"
	CallError     = "error"
)

// Callbacks let an interactive surface observe the turn. All are optional.
type Callbacks struct {
	OnText       func(delta string)
	OnToolStart  func(call *ToolCall)
	OnToolResult func(call *ToolCall)
	// OnApproval is consulted for tools in the require-approval set. The
	// surface resolves the rendezvous; a nil callback approves everything.
	OnApproval func(call *ToolCall) *Rendezvous
}

// Options configures a Loop.
type Options struct {
	Provider        string
	Model           string
	System          string
	WorkingDir      string
	Platform        string
	MaxToolCalls    int
	RequireApproval []string
	Callbacks       Callbacks
}

// Loop drives turns against the gateway: send, stream, stage tool calls,
// execute, resume, until the model stops asking for tools or the safety cap
// trips. Single goroutine owns history and state; tool execution fans out per
// batch and joins before anything is applied.
type Loop struct {
	client     *Client
	dispatcher *tool.Dispatcher
	remote     *rpc.Client
	ctxmgr     *contextmgr.Manager
	opts       Options

	conversationID  string
	state           State
	history         []protocol.Message
	toolCallsUsed   int
	appliedResults  map[string]bool
	requireApproval map[string]bool
}

func New(client *Client, dispatcher *tool.Dispatcher, remote *rpc.Client, ctxmgr *contextmgr.Manager, opts Options) *Loop {
	if opts.MaxToolCalls <= 0 {
		opts.MaxToolCalls = 40
	}
	approval := make(map[string]bool, len(opts.RequireApproval))
	for _, name := range opts.RequireApproval {
		approval[strings.ToLower(name)] = true
	}
	return &Loop{
		client:          client,
		dispatcher:      dispatcher,
		remote:          remote,
		ctxmgr:          ctxmgr,
		opts:            opts,
		conversationID:  "conv_" + ulid.Make().String(),
		state:           StateIdle,
		appliedResults:  make(map[string]bool),
		requireApproval: approval,
	}
}

// State returns the current loop state.
func (l *Loop) State() State { return l.state }

// ConversationID identifies this loop in audit and telemetry records.
func (l *Loop) ConversationID() string { return l.conversationID }

// History returns the canonical (untruncated) history.
func (l *Loop) History() []protocol.Message { return l.history }

// ToolCallsUsed reports the safety-cap counter, carried turn to turn.
func (l *Loop) ToolCallsUsed() int { return l.toolCallsUsed }

// SetCallbacks replaces the observer callbacks. Call between turns only;
// RunTurn reads them without locking.
func (l *Loop) SetCallbacks(cb Callbacks) { l.opts.Callbacks = cb }

// RunTurn sends one user message and drives the loop to completion. On
// cancellation, in-flight results from the stale turn are discarded; history
// keeps everything up to the last fully resolved exchange.
func (l *Loop) RunTurn(ctx context.Context, userMessage string) error {
	ctx = logger.WithConversationID(ctx, l.conversationID)
	l.history = append(l.history, protocol.Message{Role: "user", Content: userMessage})

	for {
		if err := ctx.Err(); err != nil {
			l.state = StateError
			return err
		}

		turn, err := l.streamOnce(ctx)
		if err != nil {
			l.state = StateError
			return err
		}

		l.appendAssistantTurn(turn)

		if len(turn.calls) == 0 {
			l.state = StateDone
			return nil
		}

		if l.toolCallsUsed+len(turn.calls) > l.opts.MaxToolCalls {
			l.state = StateError
			return fmt.Errorf("used %d of %d tool calls: %w", l.toolCallsUsed, l.opts.MaxToolCalls, errors.ErrLoopLimit)
		}
		l.toolCallsUsed += len(turn.calls)

		l.state = StateExecutingTools
		results, err := l.executeBatch(ctx, turn.calls)
		if err != nil {
			// Cancelled mid-batch: nothing from the stale turn is applied.
			l.state = StateError
			return err
		}

		l.applyResults(turn.calls, results)
		l.state = StateSending
	}
}

// turnOutput is what one stream pass produced.
type turnOutput struct {
	text       string
	calls      []*ToolCall
	stopReason string
}

// streamOnce performs Sending and Streaming: opens the stream and consumes
// unified events. Tool calls are buffered, never executed mid-stream; an
// upstream may announce several before it pauses.
func (l *Loop) streamOnce(ctx context.Context) (*turnOutput, error) {
	l.state = StateSending

	messages := l.history
	var policy *protocol.ContextPolicy
	if l.ctxmgr != nil {
		messages = l.ctxmgr.ApplyToHistory(l.history)
		policy = l.ctxmgr.ServerSidePolicy()
	}

	req := &protocol.ChatRequest{
		Provider:      l.opts.Provider,
		Model:         l.opts.Model,
		System:        l.opts.System,
		Messages:      messages,
		Tools:         l.assembleTools(ctx),
		ContextPolicy: policy,
		WorkingDir:    l.opts.WorkingDir,
		Platform:      l.opts.Platform,
	}

	out := &turnOutput{}
	var textBuf strings.Builder
	inputBufs := make(map[int]*strings.Builder)
	callsByIndex := make(map[int]*ToolCall)

	l.state = StateStreaming
	err := l.client.Stream(ctx, req, func(ev protocol.StreamEvent) error {
		switch ev.Type {
		case protocol.EventContentBlockStart:
			if ev.ContentBlock != nil && ev.ContentBlock.Type == protocol.BlockToolUse {
				call := &ToolCall{
					ID:     ev.ContentBlock.ID,
					Name:   ev.ContentBlock.Name,
					Status: CallPending,
				}
				callsByIndex[ev.Index] = call
				inputBufs[ev.Index] = &strings.Builder{}
				out.calls = append(out.calls, call)
				if l.opts.Callbacks.OnToolStart != nil {
					l.opts.Callbacks.OnToolStart(call)
				}
			}
		case protocol.EventContentBlockDelta:
			if ev.Delta == nil {
				return nil
			}
			if ev.Delta.Text != "" {
				textBuf.WriteString(ev.Delta.Text)
				if l.opts.Callbacks.OnText != nil {
					l.opts.Callbacks.OnText(ev.Delta.Text)
				}
			}
			if ev.Delta.PartialJSON != "" {
				if buf, ok := inputBufs[ev.Index]; ok {
					buf.WriteString(ev.Delta.PartialJSON)
				}
			}
		case protocol.EventMessageDelta:
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				out.stopReason = ev.Delta.StopReason
			}
		case protocol.EventError:
			if ev.Error != nil {
				return fmt.Errorf("stream error %d: %s: %w", ev.Error.Status, ev.Error.Message, errors.ErrUpstreamHTTP)
			}
			return errors.ErrUpstreamHTTP
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out.text = textBuf.String()
	for idx, call := range callsByIndex {
		raw := strings.TrimSpace(inputBufs[idx].String())
		if raw == "" {
			raw = "{}"
		}
		call.Input = json.RawMessage(raw)
	}

	// End of turn with staged calls counts as a pause even without an
	// explicit tool_use stop reason.
	if out.stopReason == "" && len(out.calls) > 0 {
		out.stopReason = protocol.StopToolUse
	}
	if len(out.calls) > 0 {
		l.state = StatePausedForTools
	}
	return out, nil
}

// assembleTools merges local descriptors with the remote provider's list,
// deduplicated case-insensitively with local entries winning. Routing reads
// the live registry, so nothing here is cached across batches.
func (l *Loop) assembleTools(ctx context.Context) []protocol.ToolDef {
	var defs []protocol.ToolDef
	if l.dispatcher != nil {
		defs = append(defs, l.dispatcher.Registry().Descriptors()...)
	}
	if l.remote != nil && l.remote.Connected() {
		remoteDefs, err := l.remote.ListTools(ctx)
		if err != nil {
			slog.Warn("Remote tool listing failed", "error", err)
		} else {
			defs = append(defs, remoteDefs...)
		}
	}

	seen := make(map[string]bool, len(defs))
	out := make([]protocol.ToolDef, 0, len(defs))
	for _, d := range defs {
		key := strings.ToLower(d.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

// executeBatch runs every pending call concurrently and waits for the whole
// batch. Individual tool failures become error results, not batch failures;
// only cancellation aborts.
func (l *Loop) executeBatch(ctx context.Context, calls []*ToolCall) ([]*tool.Result, error) {
	batchID := "batch_" + ulid.Make().String()
	results := make([]*tool.Result, len(calls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			call.Status = CallRunning
			res := l.executeOne(gctx, call, batchID)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (l *Loop) executeOne(ctx context.Context, call *ToolCall, batchID string) *tool.Result {
	if l.requireApproval[strings.ToLower(call.Name)] && l.opts.Callbacks.OnApproval != nil {
		rendezvous := l.opts.Callbacks.OnApproval(call)
		granted, err := rendezvous.Await(ctx)
		if err != nil {
			return &tool.Result{Success: false, Error: "approval wait cancelled", ErrorKind: tool.ErrorKindFatal}
		}
		if !granted {
			return &tool.Result{Success: false, Error: "user denied execution of " + call.Name, ErrorKind: tool.ErrorKindRecoverable}
		}
	}

	if l.dispatcher != nil && l.dispatcher.Registry().Has(call.Name) {
		return l.dispatcher.Execute(ctx, call.Name, call.Input, tool.ExecuteOptions{
			ConversationID: l.conversationID,
			BatchID:        batchID,
		})
	}

	if l.remote != nil && l.remote.Connected() {
		content, isErr, err := l.remote.CallTool(ctx, call.Name, call.Input)
		if err != nil {
			kind := tool.ErrorKindFatal
			if errors.IsRetryable(err) {
				kind = tool.ErrorKindRecoverable
			}
			return &tool.Result{Success: false, Error: err.Error(), ErrorKind: kind}
		}
		if isErr {
			return &tool.Result{Success: false, Error: content, ErrorKind: tool.ErrorKindRecoverable}
		}
		return &tool.Result{Success: true, Content: content}
	}

	return &tool.Result{
		Success:   false,
		Error:     errors.UnknownTool(fmt.Sprintf("no local or remote handler for %q", call.Name)).Error(),
		ErrorKind: tool.ErrorKindRecoverable,
	}
}

// applyResults appends correlated tool_result blocks in original request
// order, whatever order individual calls finished in. A second result for an
// id that already resolved is dropped.
func (l *Loop) applyResults(calls []*ToolCall, results []*tool.Result) {
	blocks := make([]protocol.Block, 0, len(calls))
	for i, call := range calls {
		res := results[i]
		if res == nil {
			res = &tool.Result{Success: false, Error: "no result produced", ErrorKind: tool.ErrorKindFatal}
		}
		call.Result = res
		if res.Success {
			call.Status = CallCompleted
		} else {
			call.Status = CallError
		}
		if l.opts.Callbacks.OnToolResult != nil {
			l.opts.Callbacks.OnToolResult(call)
		}

		if l.appliedResults[call.ID] {
			slog.Warn("Duplicate tool result dropped", "call_id", call.ID, "tool", call.Name)
			continue
		}
		l.appliedResults[call.ID] = true

		blocks = append(blocks, protocol.Block{
			Type:      protocol.BlockToolResult,
			ToolUseID: call.ID,
			Content:   res.Encode(),
			IsError:   !res.Success,
		})
	}
	if len(blocks) > 0 {
		l.history = append(l.history, protocol.Message{Role: "user", Blocks: blocks})
	}
}

func (l *Loop) appendAssistantTurn(turn *turnOutput) {
	var blocks []protocol.Block
	if turn.text != "" {
		blocks = append(blocks, protocol.Block{Type: protocol.BlockText, Text: turn.text})
	}
	for _, call := range turn.calls {
		blocks = append(blocks, protocol.Block{
			Type:  protocol.BlockToolUse,
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
	}
	if len(blocks) > 0 {
		l.history = append(l.history, protocol.Message{Role: "assistant", Blocks: blocks})
	}
}
