package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/genji/internal/concurrency"
	"github.com/harunnryd/genji/internal/errors"
	"github.com/harunnryd/genji/internal/protocol"
)

const providerBinaryName = "genji-tools"

// Client manages one external tool-provider process over newline-delimited
// JSON on its stdio. Calls are correlated by id, so the provider may batch or
// reorder responses freely.
type Client struct {
	providerPath     string
	handshakeTimeout time.Duration
	callTimeout      time.Duration

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	toolCache []protocol.ToolDef

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	nextID    int64
	closed    bool
}

type pendingCall struct {
	done  chan callOutcome
	timer *time.Timer
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Option configures a Client.
type Option func(*Client)

// WithProviderPath sets an explicit provider executable location, checked
// before the default search paths.
func WithProviderPath(path string) Option {
	return func(c *Client) { c.providerPath = path }
}

// WithTimeouts overrides the handshake and per-call deadlines.
func WithTimeouts(handshake, call time.Duration) Option {
	return func(c *Client) {
		if handshake > 0 {
			c.handshakeTimeout = handshake
		}
		if call > 0 {
			c.callTimeout = call
		}
	}
}

// New constructs a disconnected client. Connect must be called before use.
func New(opts ...Option) *Client {
	c := &Client{
		handshakeTimeout: 5 * time.Second,
		callTimeout:      60 * time.Second,
		pending:          make(map[int64]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect locates and launches the provider executable and performs the
// handshake. Idempotent when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	path, err := c.locateProvider()
	if err != nil {
		return err
	}

	cmd := exec.Command(path)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "open provider stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "open provider stdout")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start provider")
	}

	c.cmd = cmd
	c.pendingMu.Lock()
	c.stdin = stdin
	c.closed = false
	c.pendingMu.Unlock()

	c.startReader(stdout)
	concurrency.SafeGo(func() {
		err := cmd.Wait()
		slog.Debug("Tool provider exited", "error", err)
		c.markDisconnected()
	}, nil)

	handshakeCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	if _, err := c.callLocked(handshakeCtx, "initialize", map[string]interface{}{
		"protocolVersion": "1.0",
		"clientInfo":      map[string]string{"name": "genji"},
	}, c.handshakeTimeout); err != nil {
		c.teardownLocked()
		if errors.IsCategory(err, errors.ErrRpcTimeout) || handshakeCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("provider handshake: %w", errors.ErrConnectTimeout)
		}
		return errors.Wrap(err, "provider handshake")
	}

	c.connected = true
	slog.Info("Tool provider connected", "path", path)
	return nil
}

// Connected reports whether a handshake has completed and the child is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Call sends one request and waits for the correlated response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.callLocked(ctx, method, params, c.callTimeout)
}

func (c *Client) callLocked(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.pendingMu.Lock()
	if c.closed && method != "initialize" {
		c.pendingMu.Unlock()
		return nil, errors.ErrConnectionClosed
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{done: make(chan callOutcome, 1)}
	pc.timer = time.AfterFunc(timeout, func() {
		c.reject(id, fmt.Errorf("%s after %s: %w", method, timeout, errors.ErrRpcTimeout))
	})
	c.pending[id] = pc
	stdin := c.stdin
	c.pendingMu.Unlock()

	if stdin == nil {
		c.reject(id, errors.ErrConnectionClosed)
		return nil, errors.ErrConnectionClosed
	}

	frame, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.reject(id, err)
		return nil, errors.Wrap(err, "encode request")
	}
	if _, err := stdin.Write(append(frame, '\n')); err != nil {
		c.reject(id, errors.ErrConnectionClosed)
		return nil, fmt.Errorf("write request: %w", errors.ErrConnectionClosed)
	}

	select {
	case out := <-pc.done:
		return out.result, out.err
	case <-ctx.Done():
		c.reject(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// ListTools fetches the provider's capability list, cached for the
// connection's lifetime.
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolDef, error) {
	c.mu.Lock()
	if c.toolCache != nil {
		defs := c.toolCache
		c.mu.Unlock()
		return defs, nil
	}
	c.mu.Unlock()

	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decode tool list")
	}

	defs := make([]protocol.ToolDef, 0, len(result.Tools))
	for _, t := range result.Tools {
		defs = append(defs, protocol.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	c.mu.Lock()
	c.toolCache = defs
	c.mu.Unlock()
	return defs, nil
}

// CallTool invokes one remote tool and concatenates the returned text segments.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	raw, err := c.Call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", false, err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, errors.Wrap(err, "decode tool result")
	}

	var sb strings.Builder
	for _, seg := range result.Content {
		if seg.Type == "text" {
			sb.WriteString(seg.Text)
		}
	}
	return sb.String(), result.IsError, nil
}

// Disconnect terminates the child and rejects every pending call. Safe to call
// repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Client) teardownLocked() {
	c.pendingMu.Lock()
	stdin := c.stdin
	c.stdin = nil
	c.pendingMu.Unlock()
	if stdin != nil {
		stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd = nil
	c.connected = false
	c.toolCache = nil
	c.rejectAll(errors.ErrConnectionClosed)
}

// markDisconnected handles an unexpected child exit: reject every in-flight
// call first so nothing rides out its timer, then drop the connection state so
// Connected turns false and the next Connect respawns instead of returning
// early. Pending rejection must come before taking c.mu, since Connect holds
// c.mu while it waits on the handshake call.
func (c *Client) markDisconnected() {
	c.rejectAll(errors.ErrConnectionClosed)

	c.mu.Lock()
	c.cmd = nil
	c.connected = false
	c.toolCache = nil
	c.mu.Unlock()
}

func (c *Client) locateProvider() (string, error) {
	candidates := make([]string, 0, 4)
	if c.providerPath != "" {
		candidates = append(candidates, c.providerPath)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".genji", "bin", providerBinaryName))
	}
	candidates = append(candidates, filepath.Join("/usr/local/bin", providerBinaryName))
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, "bin", providerBinaryName))
	}

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", errors.ProviderNotFound(fmt.Sprintf("no provider executable in %v", candidates))
}

func (c *Client) startReader(r io.Reader) {
	concurrency.SafeGo(func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 8<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "{") {
				// Providers print diagnostics on stdout; only JSON frames count.
				continue
			}
			var resp Response
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				slog.Debug("Discarding malformed provider frame", "error", err)
				continue
			}
			c.dispatch(resp)
		}
		c.markDisconnected()
	}, nil)
}

func (c *Client) dispatch(resp Response) {
	c.pendingMu.Lock()
	pc, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		// Late reply for a call that already timed out.
		return
	}
	pc.timer.Stop()

	if resp.Error != nil {
		pc.done <- callOutcome{err: fmt.Errorf("provider error %d: %s: %w", resp.Error.Code, resp.Error.Message, errors.ErrRpcFailed)}
		return
	}
	pc.done <- callOutcome{result: resp.Result}
}

func (c *Client) reject(id int64, err error) {
	c.pendingMu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	pc.timer.Stop()
	pc.done <- callOutcome{err: err}
}

func (c *Client) rejectAll(err error) {
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return
	}
	c.closed = true
	stale := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.pendingMu.Unlock()

	for _, pc := range stale {
		pc.timer.Stop()
		pc.done <- callOutcome{err: err}
	}
}

// PendingCount reports the number of in-flight calls, for health reporting.
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}
