package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/harunnryd/genji/internal/logger"
)

// AuditEntry is one dispatch record: who asked for which tool, what happened,
// and how long it took.
type AuditEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	TraceID        string    `json:"trace_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ToolName       string    `json:"tool_name"`
	BatchID        string    `json:"batch_id,omitempty"`
	Status         string    `json:"status"`
	DurationMs     int64     `json:"duration_ms"`
	Params         string    `json:"params,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// AuditLogger records tool dispatches. Implementations must never block tool
// execution on downstream failures.
type AuditLogger interface {
	Log(ctx context.Context, entry *AuditEntry) error
}

// FileAuditLogger appends JSONL entries to a single audit file, redacting
// configured patterns before anything touches disk.
type FileAuditLogger struct {
	mu      sync.Mutex
	logPath string
	enabled bool
	redact  []*regexp.Regexp
}

// NewFileAuditLogger creates the audit directory and compiles the redact
// patterns. A disabled logger accepts entries and discards them.
func NewFileAuditLogger(dir string, enabled bool, redactPatterns []string) (*FileAuditLogger, error) {
	if !enabled || dir == "" {
		return &FileAuditLogger{enabled: false}, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	compiled := make([]*regexp.Regexp, 0, len(redactPatterns))
	for _, p := range redactPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	return &FileAuditLogger{
		logPath: filepath.Join(dir, "audit.log"),
		enabled: true,
		redact:  compiled,
	}, nil
}

func (al *FileAuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	if !al.enabled {
		return nil
	}
	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.TraceID == "" {
		entry.TraceID = logger.GetTraceID(ctx)
	}
	if entry.ConversationID == "" {
		entry.ConversationID = logger.GetConversationID(ctx)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	redacted := *entry
	redacted.Params = al.applyRedact(redacted.Params)
	redacted.Error = al.applyRedact(redacted.Error)

	entryJSON, err := json.Marshal(&redacted)
	if err != nil {
		slog.Error("Failed to marshal audit entry", "error", err)
		return err
	}

	f, err := os.OpenFile(al.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(entryJSON, '\n')); err != nil {
		slog.Error("Failed to write audit entry", "error", err)
		return err
	}

	slog.Debug("Audit entry logged", "trace_id", redacted.TraceID, "tool", redacted.ToolName, "status", redacted.Status)
	return nil
}

// Query reads back entries matching the tool name; empty name matches all.
func (al *FileAuditLogger) Query(toolName string) ([]*AuditEntry, error) {
	al.mu.Lock()
	defer al.mu.Unlock()

	file, err := os.Open(al.logPath)
	if os.IsNotExist(err) {
		return []*AuditEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []*AuditEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if toolName != "" && entry.ToolName != toolName {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func (al *FileAuditLogger) applyRedact(s string) string {
	if s == "" {
		return s
	}
	for _, re := range al.redact {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
