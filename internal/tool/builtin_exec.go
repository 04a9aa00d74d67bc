package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harunnryd/genji/internal/task"
)

// ExecCommandTool runs a shell command through the task registry, so spawned
// processes stay tracked past the turn that started them.
type ExecCommandTool struct {
	tasks *task.Registry
}

func NewExecCommandTool(tasks *task.Registry) *ExecCommandTool {
	return &ExecCommandTool{tasks: tasks}
}

func (*ExecCommandTool) Name() string { return "exec_command" }

func (*ExecCommandTool) Description() string {
	return "Execute a shell command. Set background=true for long-running processes; they keep running and can be checked with task_status."
}

func (*ExecCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The command line to run.",
			},
			"dir": map[string]interface{}{
				"type":        "string",
				"description": "Working directory.",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Kill the process after this many seconds.",
			},
			"background": map[string]interface{}{
				"type":        "boolean",
				"description": "Return immediately and leave the process running.",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecCommandTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Command        string `json:"command"`
		Dir            string `json:"dir"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Background     bool   `json:"background"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if params.Command == "" {
		return &Result{
			Success:   false,
			Error:     "command is required",
			ErrorKind: ErrorKindRecoverable,
		}, nil
	}

	spec := task.RunSpec{
		Name:       "exec_command",
		Command:    params.Command,
		Dir:        params.Dir,
		Background: params.Background,
	}
	if params.TimeoutSeconds > 0 {
		spec.Timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	tk, err := t.tasks.Run(ctx, spec)
	if err != nil {
		return &Result{Success: false, Error: err.Error(), ErrorKind: ErrorKindRecoverable}, nil
	}

	data := map[string]interface{}{
		"task_id": tk.ID,
		"pid":     tk.PID,
		"status":  string(tk.StatusSnapshot()),
	}

	if params.Background {
		return &Result{
			Success: true,
			Content: fmt.Sprintf("started %s in background (task %s, pid %d)", params.Command, tk.ID, tk.PID),
			Data:    data,
		}, nil
	}

	status := tk.StatusSnapshot()
	data["exit_code"] = tk.ExitCode
	data["stdout"] = string(tk.Stdout())
	data["stderr"] = string(tk.Stderr())

	if status != task.StatusCompleted {
		return &Result{
			Success:   false,
			Error:     fmt.Sprintf("command %s: exit code %d", status, tk.ExitCode),
			ErrorKind: ErrorKindRecoverable,
			Content:   string(tk.Stdout()) + string(tk.Stderr()),
			Data:      data,
		}, nil
	}

	return &Result{Success: true, Content: string(tk.Stdout()), Data: data}, nil
}
