package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/genji/internal/protocol"
)

// OpenAIUpstream speaks the chat-completions API and re-emits its chunk
// stream as unified events, one block index per content unit.
type OpenAIUpstream struct {
	client *openai.Client
	name   string
}

// NewOpenAIUpstream also serves OpenAI-compatible backends via baseURL.
func NewOpenAIUpstream(name, apiKey, baseURL string) *OpenAIUpstream {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIUpstream{client: openai.NewClientWithConfig(cfg), name: name}
}

func (u *OpenAIUpstream) Name() string { return u.name }

func (u *OpenAIUpstream) Stream(ctx context.Context, req *protocol.ChatRequest, emit func(protocol.StreamEvent) error) error {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: buildOpenAIMessages(req),
		Stream:   true,
	}
	for _, t := range dedupTools(req.Tools) {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	stream, err := u.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return &UpstreamHTTPError{Provider: u.name, Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		return fmt.Errorf("openai request: %w", err)
	}
	defer stream.Close()

	tr := newTransform(emit)
	if err := tr.begin(req.Model); err != nil {
		return err
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if err := tr.text(choice.Delta.Content); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if err := tr.toolCall(idx, tc.ID, tc.Function.Name, tc.Function.Arguments); err != nil {
				return err
			}
		}
		if choice.FinishReason != "" {
			stop := protocol.StopEndTurn
			if choice.FinishReason == openai.FinishReasonToolCalls {
				stop = protocol.StopToolUse
			}
			if err := tr.finish(stop); err != nil {
				return err
			}
			return nil
		}
	}
	return tr.finish(protocol.StopEndTurn)
}

func buildOpenAIMessages(req *protocol.ChatRequest) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, m := range req.Messages {
		if len(m.Blocks) == 0 {
			messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}

		msg := openai.ChatCompletionMessage{Role: m.Role, Content: flattenContent(m)}
		for _, b := range m.Blocks {
			switch b.Type {
			case protocol.BlockToolUse:
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   b.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.Name,
						Arguments: string(b.Input),
					},
				})
			case protocol.BlockToolResult:
				// Each tool result is its own message on this wire.
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.Content,
					ToolCallID: b.ToolUseID,
				})
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			messages = append(messages, msg)
		}
	}
	return messages
}
