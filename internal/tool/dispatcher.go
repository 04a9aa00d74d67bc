package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	genjiErrors "github.com/harunnryd/genji/internal/errors"
	"github.com/harunnryd/genji/internal/logger"
	"github.com/harunnryd/genji/internal/telemetry"
)

// Dispatcher wraps tool execution with timing, audit, and telemetry. Execute
// always returns a Result; handler panics and errors are converted, never
// propagated, so one bad tool cannot end the conversation.
type Dispatcher struct {
	registry *Registry
	audit    telemetry.AuditLogger
	recorder *telemetry.Recorder
}

func NewDispatcher(registry *Registry, audit telemetry.AuditLogger, recorder *telemetry.Recorder) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		audit:    audit,
		recorder: recorder,
	}
}

// Registry exposes the underlying registry for routing decisions.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// ExecuteOptions carries per-call context for audit and telemetry records.
type ExecuteOptions struct {
	ConversationID string
	BatchID        string
}

// Execute resolves a name and runs the handler. Exactly one audit record and
// one telemetry record are emitted per call, whatever the outcome.
func (d *Dispatcher) Execute(ctx context.Context, name string, params json.RawMessage, opts ExecuteOptions) *Result {
	start := time.Now()
	traceID := logger.GetTraceID(ctx)

	result := d.run(ctx, name, params)

	duration := time.Since(start)
	status := "success"
	var errText string
	if !result.Success {
		status = "error"
		errText = result.Error
		slog.Warn("Tool execution failed", "tool", name, "error", result.Error, "kind", result.ErrorKind, "duration", duration, "trace_id", traceID)
	} else {
		slog.Info("Tool execution success", "tool", name, "duration", duration, "trace_id", traceID)
	}

	if d.audit != nil {
		entry := &telemetry.AuditEntry{
			ToolName:       name,
			ConversationID: opts.ConversationID,
			BatchID:        opts.BatchID,
			Status:         status,
			DurationMs:     duration.Milliseconds(),
			Params:         string(params),
			Error:          errText,
		}
		if err := d.audit.Log(ctx, entry); err != nil {
			slog.Warn("Audit write failed", "tool", name, "error", err)
		}
	}
	if d.recorder != nil {
		d.recorder.Record(telemetry.Record{
			ToolName:       name,
			ConversationID: opts.ConversationID,
			BatchID:        opts.BatchID,
			Success:        result.Success,
			ErrorCategory:  result.ErrorKind,
			DurationMs:     duration.Milliseconds(),
		})
	}

	return result
}

func (d *Dispatcher) run(ctx context.Context, name string, params json.RawMessage) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result = &Result{
				Success:   false,
				Error:     fmt.Sprintf("tool %s panicked: %v", name, r),
				ErrorKind: ErrorKindFatal,
			}
		}
	}()

	t, ok := d.registry.Resolve(name)
	if !ok {
		known := strings.Join(d.registry.KnownNames(), ", ")
		return &Result{
			Success:   false,
			Error:     genjiErrors.UnknownTool(fmt.Sprintf("no tool named %q; known tools: %s", name, known)).Error(),
			ErrorKind: ErrorKindRecoverable,
		}
	}

	res, err := t.Execute(ctx, params)
	if err != nil {
		kind := ErrorKindRecoverable
		if genjiErrors.IsCategory(err, genjiErrors.ErrInternal) {
			kind = ErrorKindFatal
		}
		return &Result{Success: false, Error: err.Error(), ErrorKind: kind}
	}
	if res == nil {
		return &Result{Success: true}
	}
	return res
}
