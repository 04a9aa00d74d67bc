package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/genji/internal/errors"
	"github.com/harunnryd/genji/internal/protocol"
)

// newTestClient wires a client to in-memory pipes instead of a child process.
// The returned reader carries the client's outbound frames; writing to the
// returned writer feeds the client's response loop.
func newTestClient(t *testing.T, callTimeout time.Duration) (*Client, *io.PipeReader, *io.PipeWriter) {
	t.Helper()
	c := New(WithTimeouts(time.Second, callTimeout))
	reqReader, reqWriter := io.Pipe()
	respReader, respWriter := io.Pipe()
	c.pendingMu.Lock()
	c.stdin = reqWriter
	c.pendingMu.Unlock()
	c.startReader(respReader)
	t.Cleanup(func() {
		reqWriter.Close()
		respWriter.Close()
	})
	return c, reqReader, respWriter
}

func respond(w io.Writer, id int64, result string) {
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, result)
}

func TestCall_ResolvesOutOfOrderResponses(t *testing.T) {
	c, reqReader, respWriter := newTestClient(t, 5*time.Second)

	const n = 3
	ids := make(chan int64, n)
	go func() {
		scanner := bufio.NewScanner(reqReader)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			ids <- req.ID
		}
	}()

	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := c.Call(context.Background(), "ping", map[string]int{"seq": i})
			require.NoError(t, err)
			results[i] = string(raw)
		}(i)
	}

	seen := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		seen = append(seen, <-ids)
	}
	// Answer in reverse arrival order.
	for i := n - 1; i >= 0; i-- {
		respond(respWriter, seen[i], fmt.Sprintf(`{"echo":%d}`, seen[i]))
	}

	wg.Wait()
	for i := 0; i < n; i++ {
		assert.Contains(t, results[i], "echo")
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCall_TimeoutRemovesPendingEntry(t *testing.T) {
	c, reqReader, _ := newTestClient(t, 50*time.Millisecond)
	go io.Copy(io.Discard, reqReader)

	_, err := c.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRpcTimeout)
	assert.Equal(t, 0, c.PendingCount())
}

func TestReader_IgnoresNonJSONLines(t *testing.T) {
	c, reqReader, respWriter := newTestClient(t, 5*time.Second)

	idCh := make(chan int64, 1)
	go func() {
		scanner := bufio.NewScanner(reqReader)
		for scanner.Scan() {
			var req Request
			if json.Unmarshal(scanner.Bytes(), &req) == nil {
				idCh <- req.ID
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		raw, err := c.Call(context.Background(), "ping", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(raw))
	}()

	id := <-idCh
	fmt.Fprintln(respWriter, "provider booting...")
	fmt.Fprintln(respWriter, "[debug] cache warmed")
	respond(respWriter, id, `{"ok":true}`)
	<-done
}

func TestCall_ErrorPayloadMapsToRpcFailed(t *testing.T) {
	c, reqReader, respWriter := newTestClient(t, 5*time.Second)

	idCh := make(chan int64, 1)
	go func() {
		scanner := bufio.NewScanner(reqReader)
		for scanner.Scan() {
			var req Request
			if json.Unmarshal(scanner.Bytes(), &req) == nil {
				idCh <- req.ID
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "tools/call", nil)
		errCh <- err
	}()

	id := <-idCh
	fmt.Fprintf(respWriter, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"no such method"}}`+"\n", id)

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRpcFailed)
	assert.Contains(t, err.Error(), "no such method")
}

func TestRejectAll_FailsEveryPendingCall(t *testing.T) {
	c, reqReader, respWriter := newTestClient(t, 5*time.Second)
	go io.Copy(io.Discard, reqReader)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Call(context.Background(), "ping", nil)
			errCh <- err
		}()
	}

	for c.PendingCount() < 2 {
		time.Sleep(time.Millisecond)
	}
	// Closing the response pipe simulates the child exiting mid-call.
	respWriter.Close()

	for i := 0; i < 2; i++ {
		err := <-errCh
		assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCall_AfterCloseFailsFast(t *testing.T) {
	c, reqReader, respWriter := newTestClient(t, 5*time.Second)
	go io.Copy(io.Discard, reqReader)
	respWriter.Close()

	for {
		c.pendingMu.Lock()
		closed := c.closed
		c.pendingMu.Unlock()
		if closed {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err := c.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
}

func TestProviderExit_ResetsConnectionState(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	c, reqReader, respWriter := newTestClient(t, 5*time.Second)
	go io.Copy(io.Discard, reqReader)

	c.mu.Lock()
	c.connected = true
	c.toolCache = []protocol.ToolDef{{Name: "remote_grep"}}
	c.mu.Unlock()
	c.providerPath = "/nonexistent/genji-tools"

	// Closing the response pipe simulates the child dying unannounced.
	respWriter.Close()

	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, time.Millisecond,
		"connection state must drop when the provider dies")

	c.mu.Lock()
	cached := c.toolCache
	c.mu.Unlock()
	assert.Nil(t, cached, "stale tool list must not outlive the connection")

	// A fresh Connect must attempt a respawn rather than short-circuit on the
	// dead connection; with no executable present that surfaces as not-found.
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProviderNotFound)
}

func TestConnect_MissingExecutableFailsFast(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	c := New(WithProviderPath("/nonexistent/genji-tools"))

	start := time.Now()
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProviderNotFound)
	assert.Less(t, time.Since(start), time.Second, "must fail without spawning or waiting")
	assert.False(t, c.Connected())
}

func TestListTools_CachesResult(t *testing.T) {
	c, reqReader, respWriter := newTestClient(t, 5*time.Second)

	var listCalls int
	go func() {
		scanner := bufio.NewScanner(reqReader)
		for scanner.Scan() {
			var req Request
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				continue
			}
			if req.Method == "tools/list" {
				listCalls++
				respond(respWriter, req.ID, `{"tools":[{"name":"remote_grep","description":"search","inputSchema":{"type":"object"}}]}`)
			}
		}
	}()

	defs, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "remote_grep", defs[0].Name)

	again, err := c.ListTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defs, again)
	assert.Equal(t, 1, listCalls)
}
