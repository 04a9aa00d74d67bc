package contextmgr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/genji/internal/config"
	"github.com/harunnryd/genji/internal/protocol"
)

// Manager applies the context budget to outbound history. Every method works
// on copies; canonical in-memory history is never touched, so later turns can
// still read the untruncated originals.
type Manager struct {
	cfg   config.ContextConfig
	store *OverflowStore

	preserve      map[string]bool
	truncateInput map[string]bool
}

// New builds a manager from the configured budget. store may be nil, in which
// case oversized preserve-tool outputs fall back to hard truncation.
func New(cfg config.ContextConfig, store *OverflowStore) *Manager {
	m := &Manager{
		cfg:           cfg,
		store:         store,
		preserve:      make(map[string]bool, len(cfg.PreserveTools)),
		truncateInput: make(map[string]bool, len(cfg.TruncateInputTools)),
	}
	for _, name := range cfg.PreserveTools {
		m.preserve[strings.ToLower(name)] = true
	}
	for _, name := range cfg.TruncateInputTools {
		m.truncateInput[strings.ToLower(name)] = true
	}
	return m
}

// TruncateToolInput replaces oversized top-level string fields on configured
// tools with a short placeholder. Pure, no disk access.
func (m *Manager) TruncateToolInput(toolName string, input json.RawMessage) json.RawMessage {
	if len(input) == 0 || !m.truncateInput[strings.ToLower(toolName)] {
		return input
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(input, &fields); err != nil {
		return input
	}

	changed := false
	for key, value := range fields {
		s, ok := value.(string)
		if !ok {
			continue
		}
		n := len([]rune(s))
		if n <= m.cfg.MaxToolInputChars {
			continue
		}
		lines := strings.Count(s, "\n") + 1
		fields[key] = fmt.Sprintf("{%d chars, %d lines, truncated}", n, lines)
		changed = true
	}
	if !changed {
		return input
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return input
	}
	return out
}

// TruncateToolResult bounds one tool result for outbound use. Preserve-set
// tools keep content verbatim up to the hard cap and overflow to disk beyond
// it; everything else is truncated to the inline cap, with a compact summary
// when the payload is a structured result.
func (m *Manager) TruncateToolResult(toolName string, content string) string {
	runes := []rune(content)
	n := len(runes)

	if m.preserve[strings.ToLower(toolName)] {
		if n <= m.cfg.MaxToolOutputChars {
			return content
		}
		return m.offload(toolName, content, runes, n)
	}

	if n <= m.cfg.MaxInlineChars {
		return content
	}
	if summary, ok := m.summarizeStructured(content, n); ok {
		return summary
	}

	marker := fmt.Sprintf("\n[truncated, original %d chars]", n)
	body := m.cfg.MaxInlineChars - len([]rune(marker))
	if body < 0 {
		body = 0
	}
	return string(runes[:body]) + marker
}

func (m *Manager) offload(toolName, content string, runes []rune, n int) string {
	// A preview budget above the output cap would otherwise slice past the end.
	cut := m.cfg.PreviewChars
	if cut > len(runes) {
		cut = len(runes)
	}
	preview := string(runes[:cut])

	if m.store != nil {
		path, err := m.store.Put(toolName, content)
		if err == nil {
			return preview + fmt.Sprintf("\n\n[truncated: full output was %d chars, saved to %s]", n, path)
		}
		slog.Warn("Overflow write failed, truncating inline", "tool", toolName, "error", err)
	}
	return preview + fmt.Sprintf("\n\n[truncated: full output was %d chars]", n)
}

// summarizeStructured collapses a JSON payload carrying a success field down
// to its essentials. Already-summarized payloads pass through unchanged.
func (m *Manager) summarizeStructured(content string, originalLen int) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return "", false
	}
	success, hasSuccess := fields["success"]
	if !hasSuccess {
		return "", false
	}
	if truncated, ok := fields["truncated"].(bool); ok && truncated {
		return content, true
	}

	summary := map[string]interface{}{
		"success":         success,
		"truncated":       true,
		"original_length": originalLen,
	}
	for _, key := range []string{"summary", "message", "error"} {
		if s, ok := fields[key].(string); ok && s != "" {
			if r := []rune(s); len(r) > 1000 {
				s = string(r[:1000])
			}
			summary[key] = s
			break
		}
	}

	out, err := json.Marshal(summary)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// ApplyToHistory returns an outbound copy of history with every tool_use input
// and tool_result content run through the budget.
func (m *Manager) ApplyToHistory(messages []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, len(messages))
	toolNames := make(map[string]string)

	for i, msg := range messages {
		out[i] = msg
		if len(msg.Blocks) == 0 {
			continue
		}
		blocks := make([]protocol.Block, len(msg.Blocks))
		copy(blocks, msg.Blocks)
		for j, block := range blocks {
			switch block.Type {
			case protocol.BlockToolUse:
				toolNames[block.ID] = block.Name
				blocks[j].Input = m.TruncateToolInput(block.Name, block.Input)
			case protocol.BlockToolResult:
				name := toolNames[block.ToolUseID]
				blocks[j].Content = m.TruncateToolResult(name, block.Content)
			}
		}
		out[i].Blocks = blocks
	}
	return out
}

// ServerSidePolicy returns the declarative policy asking the upstream to clear
// old tool exchanges on its own once input tokens pass the trigger.
func (m *Manager) ServerSidePolicy() *protocol.ContextPolicy {
	return &protocol.ContextPolicy{
		TriggerInputTokens: m.cfg.TriggerInputTokens,
		KeepRecentToolUses: m.cfg.KeepRecentToolUses,
		ExcludeTools:       m.cfg.AlwaysKeepTools,
	}
}
