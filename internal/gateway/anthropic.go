package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/harunnryd/genji/internal/protocol"
)

const (
	anthropicVersion     = "2023-06-01"
	anthropicContextBeta = "context-management-2025-06-27"
	defaultMaxTokens     = 8192
)

// AnthropicUpstream speaks the messages API. Its event stream already matches
// the unified vocabulary, so the response body is forwarded byte-for-byte.
type AnthropicUpstream struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewAnthropicUpstream(apiKey, baseURL string) *AnthropicUpstream {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicUpstream{
		apiKey:  apiKey,
		baseURL: baseURL,
		// No global timeout: the stream stays open for the whole turn. The
		// header timeout bounds time-to-first-byte instead.
		client: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
	}
}

func (u *AnthropicUpstream) Name() string { return "anthropic" }

// Stream satisfies Upstream for callers that want decoded events.
func (u *AnthropicUpstream) Stream(ctx context.Context, req *protocol.ChatRequest, emit func(protocol.StreamEvent) error) error {
	body, err := u.open(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()
	return protocol.ScanEvents(body, emit)
}

// StreamRaw copies the upstream body directly to w, flushing as bytes arrive.
func (u *AnthropicUpstream) StreamRaw(ctx context.Context, req *protocol.ChatRequest, w io.Writer) error {
	body, err := u.open(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
}

func (u *AnthropicUpstream) open(ctx context.Context, req *protocol.ChatRequest) (io.ReadCloser, error) {
	payload, err := u.buildRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", u.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if req.ContextPolicy != nil {
		httpReq.Header.Set("anthropic-beta", anthropicContextBeta)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &UpstreamHTTPError{Provider: "anthropic", Status: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}

// buildRequest maps the normalized request onto the SDK's param types, then
// adds the streaming flag and context-management edits the SDK params do not
// model.
func (u *AnthropicUpstream) buildRequest(req *protocol.ChatRequest) ([]byte, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		blocks := messageBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		default:
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	var tools []anthropic.ToolUnionParam
	for _, t := range dedupTools(req.Tools) {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: map[string]interface{}{}},
		}
		if t.Parameters != nil {
			if props, ok := t.Parameters["properties"].(map[string]interface{}); ok {
				tool.InputSchema.Properties = props
			}
			if required := stringList(t.Parameters["required"]); len(required) > 0 {
				tool.InputSchema.Required = required
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     tools,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	fields["stream"] = true
	if req.ContextPolicy != nil {
		fields["context_management"] = contextManagementEdits(req.ContextPolicy)
	}
	return json.Marshal(fields)
}

// stringList accepts both []string from in-process callers and []interface{}
// from JSON-decoded requests.
func stringList(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func messageBlocks(m protocol.Message) []anthropic.ContentBlockParamUnion {
	if len(m.Blocks) == 0 {
		if m.Content == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
	}

	out := make([]anthropic.ContentBlockParamUnion, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case protocol.BlockText:
			if b.Text != "" {
				out = append(out, anthropic.NewTextBlock(b.Text))
			}
		case protocol.BlockToolUse:
			var input interface{} = map[string]interface{}{}
			if len(b.Input) > 0 {
				input = json.RawMessage(b.Input)
			}
			out = append(out, anthropic.NewToolUseBlock(b.ID, input, b.Name))
		case protocol.BlockToolResult:
			out = append(out, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		}
	}
	return out
}

func contextManagementEdits(policy *protocol.ContextPolicy) map[string]interface{} {
	edit := map[string]interface{}{
		"type":    "clear_tool_uses_20250919",
		"trigger": map[string]interface{}{"type": "input_tokens", "value": policy.TriggerInputTokens},
		"keep":    map[string]interface{}{"type": "tool_uses", "value": policy.KeepRecentToolUses},
	}
	if len(policy.ExcludeTools) > 0 {
		edit["exclude_tools"] = policy.ExcludeTools
	}
	return map[string]interface{}{
		"edits": []interface{}{edit},
	}
}
