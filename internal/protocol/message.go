package protocol

import "encoding/json"

// Message is one entry of conversation history. Content holds plain text;
// Blocks, when non-empty, carries a tagged block list and wins over Content.
type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content,omitempty"`
	Blocks  []Block `json:"blocks,omitempty"`
}

// Block is one tagged unit inside a message: text the model produced, a
// tool_use request it issued, or a tool_result the client supplied.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolDef is the provider-neutral tool schema; losslessly convertible to every
// supported upstream's native shape.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatRequest is the normalized request the gateway accepts and the loop sends.
type ChatRequest struct {
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
	System        string         `json:"system,omitempty"`
	Messages      []Message      `json:"messages"`
	Tools         []ToolDef      `json:"tools,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	ContextPolicy *ContextPolicy `json:"context_policy,omitempty"`
	WorkingDir    string         `json:"working_dir,omitempty"`
	Platform      string         `json:"platform,omitempty"`
}

// ContextPolicy asks the upstream to autonomously clear old tool_use/tool_result
// pairs once cumulative input tokens pass a threshold. A safety net on top of
// client-side truncation: the client cannot always predict upstream token
// accounting exactly.
type ContextPolicy struct {
	TriggerInputTokens int      `json:"trigger_input_tokens"`
	KeepRecentToolUses int      `json:"keep_recent_tool_uses"`
	ExcludeTools       []string `json:"exclude_tools,omitempty"`
}
