package task

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/harunnryd/genji/internal/concurrency"
	"github.com/harunnryd/genji/internal/errors"
)

// Task is one tracked process with bounded output capture.
type Task struct {
	ID         string
	Name       string
	Command    string
	PID        int
	Background bool
	StartedAt  time.Time

	mu          sync.Mutex
	Status      Status
	ExitCode    int
	CompletedAt time.Time
	stdout      []byte
	stderr      []byte

	cmd       *exec.Cmd
	maxBuffer int
	done      chan struct{}
}

// StatusSnapshot reads the current status under the task's lock.
func (t *Task) StatusSnapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// Stdout returns a copy of the captured standard output.
func (t *Task) Stdout() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.stdout))
	copy(out, t.stdout)
	return out
}

// Stderr returns a copy of the captured standard error.
func (t *Task) Stderr() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.stderr))
	copy(out, t.stderr)
	return out
}

// Tail returns the last n bytes of stdout and stderr combined, stderr last.
func (t *Task) Tail(n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	combined := make([]byte, 0, len(t.stdout)+len(t.stderr))
	combined = append(combined, t.stdout...)
	combined = append(combined, t.stderr...)
	if len(combined) > n {
		combined = combined[len(combined)-n:]
	}
	return combined
}

// Wait blocks until the process exits or the context is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the process if it is still running.
func (t *Task) Kill() error {
	t.mu.Lock()
	cmd := t.cmd
	running := !t.Status.Terminal()
	t.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (t *Task) appendOutput(dst *[]byte, chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*dst = append(*dst, chunk...)
	if len(*dst) > t.maxBuffer {
		drop := len(*dst) - t.maxBuffer
		*dst = (*dst)[drop:]
	}
}

// RunSpec describes one process to spawn.
type RunSpec struct {
	Name       string
	Command    string
	Dir        string
	Env        []string
	Timeout    time.Duration
	Background bool
	OnStdout   func([]byte)
	OnStderr   func([]byte)
}

// Run spawns the process and registers it. Foreground runs block until exit,
// timeout, or context cancellation; background runs return after a short grace
// period so immediate launch failures still surface.
func (r *Registry) Run(ctx context.Context, spec RunSpec) (*Task, error) {
	argv, err := shlex.Split(spec.Command)
	if err != nil {
		return nil, errors.InvalidInput("parse command: " + err.Error())
	}
	if len(argv) == 0 {
		return nil, errors.InvalidInput("empty command")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start task")
	}

	name := spec.Name
	if name == "" {
		name = argv[0]
	}
	t := &Task{
		ID:         newTaskID(),
		Name:       name,
		Command:    spec.Command,
		PID:        cmd.Process.Pid,
		Background: spec.Background,
		StartedAt:  time.Now(),
		Status:     StatusRunning,
		cmd:        cmd,
		maxBuffer:  r.maxBufferBytes,
		done:       make(chan struct{}),
	}
	r.register(t)

	var captures sync.WaitGroup
	captures.Add(2)
	concurrency.SafeGo(func() {
		defer captures.Done()
		t.capture(stdout, &t.stdout, spec.OnStdout)
	}, nil)
	concurrency.SafeGo(func() {
		defer captures.Done()
		t.capture(stderr, &t.stderr, spec.OnStderr)
	}, nil)

	killTimer := time.AfterFunc(timeout, func() {
		slog.Warn("Task timed out, killing", "task_id", t.ID, "name", t.Name, "timeout", timeout)
		t.markKilled()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})

	concurrency.SafeGo(func() {
		captures.Wait()
		err := cmd.Wait()
		killTimer.Stop()
		t.finish(err)
	}, nil)

	if spec.Background {
		select {
		case <-t.done:
		case <-time.After(r.bgGrace):
		}
		return t, nil
	}

	select {
	case <-t.done:
		return t, nil
	case <-ctx.Done():
		t.Kill()
		<-t.done
		return t, ctx.Err()
	}
}

func (t *Task) capture(r io.Reader, dst *[]byte, onChunk func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.appendOutput(dst, buf[:n])
			if onChunk != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *Task) markKilled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Status.Terminal() {
		t.Status = StatusKilled
	}
}

func (t *Task) finish(waitErr error) {
	t.mu.Lock()
	if !t.Status.Terminal() {
		if waitErr != nil {
			t.Status = StatusFailed
		} else {
			t.Status = StatusCompleted
		}
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		t.ExitCode = exitErr.ExitCode()
	}
	t.CompletedAt = time.Now()
	t.mu.Unlock()
	close(t.done)
}
