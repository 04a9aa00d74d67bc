package task

import (
	"fmt"
	"regexp"
	"syscall"
)

// HealthIssue is one structured finding from a health check.
type HealthIssue struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Health reports process liveness and output health as separate signals.
type Health struct {
	TaskID     string        `json:"task_id"`
	Status     Status        `json:"status"`
	Alive      bool          `json:"alive"`
	Responding bool          `json:"responding"`
	Issues     []HealthIssue `json:"issues,omitempty"`
}

var defaultErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)panic:`),
	regexp.MustCompile(`(?i)fatal( error)?:`),
	regexp.MustCompile(`(?i)segmentation fault`),
	regexp.MustCompile(`(?i)out of memory`),
}

// HealthCheck probes one task. Alive means the process answers a zero-signal
// probe; responding means the recent output tail carries no error pattern.
func (r *Registry) HealthCheck(id string) (*Health, error) {
	t, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}

	h := &Health{
		TaskID:     t.ID,
		Status:     t.StatusSnapshot(),
		Alive:      false,
		Responding: true,
	}

	if !h.Status.Terminal() {
		t.mu.Lock()
		proc := t.cmd.Process
		t.mu.Unlock()
		if proc != nil && proc.Signal(syscall.Signal(0)) == nil {
			h.Alive = true
		} else {
			h.Issues = append(h.Issues, HealthIssue{
				Kind:   "not_alive",
				Detail: fmt.Sprintf("pid %d does not answer signal probe", t.PID),
			})
		}
	} else {
		h.Issues = append(h.Issues, HealthIssue{
			Kind:   "exited",
			Detail: fmt.Sprintf("task finished with status %s, exit code %d", h.Status, t.ExitCode),
		})
	}

	tail := t.Tail(r.tailBytes)
	for _, re := range defaultErrorPatterns {
		if loc := re.Find(tail); loc != nil {
			h.Responding = false
			h.Issues = append(h.Issues, HealthIssue{
				Kind:   "error_output",
				Detail: fmt.Sprintf("recent output matches %q", re.String()),
			})
			break
		}
	}

	return h, nil
}
