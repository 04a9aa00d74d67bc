package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TimeTool reports the current time, optionally in a named zone.
type TimeTool struct{}

func (TimeTool) Name() string        { return "time" }
func (TimeTool) Description() string { return "Get the current date and time." }

func (TimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone name, e.g. Asia/Jakarta. Defaults to local time.",
			},
		},
	}
}

func (TimeTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}

	now := time.Now()
	if params.Timezone != "" {
		loc, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return &Result{
				Success:   false,
				Error:     fmt.Sprintf("unknown timezone %q", params.Timezone),
				ErrorKind: ErrorKindRecoverable,
			}, nil
		}
		now = now.In(loc)
	}

	return &Result{
		Success: true,
		Content: now.Format(time.RFC3339),
		Data: map[string]interface{}{
			"unix": now.Unix(),
			"zone": now.Location().String(),
		},
	}, nil
}
