package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harunnryd/genji/internal/task"
)

// TaskStatusTool reports health for tracked background processes.
type TaskStatusTool struct {
	tasks *task.Registry
}

func NewTaskStatusTool(tasks *task.Registry) *TaskStatusTool {
	return &TaskStatusTool{tasks: tasks}
}

func (*TaskStatusTool) Name() string { return "task_status" }

func (*TaskStatusTool) Description() string {
	return "Check a background task by id, or list all running tasks when no id is given."
}

func (*TaskStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task id returned by exec_command.",
			},
		},
	}
}

func (t *TaskStatusTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		TaskID string `json:"task_id"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}

	if params.TaskID == "" {
		running := t.tasks.GetRunning()
		list := make([]map[string]interface{}, 0, len(running))
		for _, tk := range running {
			list = append(list, map[string]interface{}{
				"task_id": tk.ID,
				"name":    tk.Name,
				"pid":     tk.PID,
				"status":  string(tk.StatusSnapshot()),
			})
		}
		return &Result{
			Success: true,
			Content: fmt.Sprintf("%d running task(s)", len(list)),
			Data:    map[string]interface{}{"tasks": list},
		}, nil
	}

	health, err := t.tasks.HealthCheck(params.TaskID)
	if err != nil {
		return &Result{Success: false, Error: err.Error(), ErrorKind: ErrorKindRecoverable}, nil
	}

	issues := make([]map[string]interface{}, 0, len(health.Issues))
	for _, issue := range health.Issues {
		issues = append(issues, map[string]interface{}{
			"kind":   issue.Kind,
			"detail": issue.Detail,
		})
	}

	return &Result{
		Success: true,
		Content: fmt.Sprintf("task %s: status=%s alive=%t responding=%t", health.TaskID, health.Status, health.Alive, health.Responding),
		Data: map[string]interface{}{
			"status":     string(health.Status),
			"alive":      health.Alive,
			"responding": health.Responding,
			"issues":     issues,
		},
	}, nil
}
