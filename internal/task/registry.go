package task

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/harunnryd/genji/internal/config"
)

// Status of a tracked process.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// Registry is the process table for spawned local tasks. Entries outlive the
// conversation turn that spawned them; finished entries are swept after a TTL.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	completedTTL   time.Duration
	maxBufferBytes int
	tailBytes      int
	defaultTimeout time.Duration
	killGrace      time.Duration
	bgGrace        time.Duration

	cron *cron.Cron
}

// NewRegistry builds the table and schedules the sweep job.
func NewRegistry(cfg config.TasksConfig) (*Registry, error) {
	gcInterval, err := config.DurationOrDefault(cfg.GCInterval, config.DefaultTasksGCInterval)
	if err != nil {
		return nil, fmt.Errorf("parse gc interval: %w", err)
	}
	completedTTL, err := config.DurationOrDefault(cfg.CompletedTTL, config.DefaultTasksCompletedTTL)
	if err != nil {
		return nil, fmt.Errorf("parse completed ttl: %w", err)
	}
	bgGrace, err := config.DurationOrDefault(cfg.BackgroundGrace, config.DefaultTasksBackgroundGrace)
	if err != nil {
		return nil, fmt.Errorf("parse background grace: %w", err)
	}
	defaultTimeout, err := config.DurationOrDefault(cfg.DefaultTimeout, config.DefaultTasksDefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse default timeout: %w", err)
	}
	killGrace, err := config.DurationOrDefault(cfg.TerminationGrace, config.DefaultTasksTerminationGrace)
	if err != nil {
		return nil, fmt.Errorf("parse termination grace: %w", err)
	}

	maxBuffer := cfg.MaxBufferBytes
	if maxBuffer <= 0 {
		maxBuffer = config.DefaultTasksMaxBufferBytes
	}
	tailBytes := cfg.HealthTailBytes
	if tailBytes <= 0 {
		tailBytes = config.DefaultTasksHealthTailBytes
	}

	r := &Registry{
		tasks:          make(map[string]*Task),
		completedTTL:   completedTTL,
		maxBufferBytes: maxBuffer,
		tailBytes:      tailBytes,
		defaultTimeout: defaultTimeout,
		killGrace:      killGrace,
		bgGrace:        bgGrace,
		cron:           cron.New(),
	}

	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", gcInterval), func() {
		if n := r.Sweep(); n > 0 {
			slog.Debug("Swept finished tasks", "count", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule task sweep: %w", err)
	}
	r.cron.Start()

	return r, nil
}

// Close stops the sweep schedule. Running processes are left alone.
func (r *Registry) Close() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

func (r *Registry) register(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// Get returns the task with the given id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// GetByPID returns the task owning the given process id.
func (r *Registry) GetByPID(pid int) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if t.PID == pid {
			return t, true
		}
	}
	return nil, false
}

// GetByName returns every task registered under the given name.
func (r *Registry) GetByName(name string) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

// GetRunning returns every task that has not reached a terminal status.
func (r *Registry) GetRunning() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if !t.StatusSnapshot().Terminal() {
			out = append(out, t)
		}
	}
	return out
}

// Remove drops a task from the table without touching its process.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Sweep removes entries that finished longer than the TTL ago.
func (r *Registry) Sweep() int {
	cutoff := time.Now().Add(-r.completedTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		t.mu.Lock()
		expired := t.Status.Terminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

func newTaskID() string {
	return "task_" + ulid.Make().String()
}
