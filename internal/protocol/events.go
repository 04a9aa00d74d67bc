package protocol

import "encoding/json"

// Event kinds of the unified stream vocabulary. Every upstream provider is
// normalized into this set; the client never sees a provider-native chunk.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// Stop reasons carried on the final message_delta.
const (
	StopEndTurn  = "end_turn"
	StopToolUse  = "tool_use"
	StopMaxTurns = "max_turns"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// StreamEvent is one frame of the unified stream.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Message      *MessageStart `json:"message,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Error        *StreamError  `json:"error,omitempty"`
}

type MessageStart struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
	Role  string `json:"role,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

type StreamError struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// TextDelta builds a content_block_delta carrying text.
func TextDelta(index int, text string) StreamEvent {
	return StreamEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: &Delta{Type: "text_delta", Text: text},
	}
}

// ToolUseStart builds a content_block_start announcing a tool call.
func ToolUseStart(index int, id, name string) StreamEvent {
	return StreamEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: &ContentBlock{Type: BlockToolUse, ID: id, Name: name},
	}
}

// InputDelta builds a content_block_delta carrying a fragment of tool input JSON.
func InputDelta(index int, partial string) StreamEvent {
	return StreamEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: &Delta{Type: "input_json_delta", PartialJSON: partial},
	}
}

// Encode marshals an event for the wire.
func (e StreamEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}
