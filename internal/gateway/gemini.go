package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/harunnryd/genji/internal/protocol"
)

// GeminiUpstream speaks the generative-language API and re-emits its chunk
// stream as unified events.
type GeminiUpstream struct {
	client *genai.Client
}

func NewGeminiUpstream(ctx context.Context, apiKey string) (*GeminiUpstream, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiUpstream{client: client}, nil
}

func (u *GeminiUpstream) Name() string { return "gemini" }

func (u *GeminiUpstream) Stream(ctx context.Context, req *protocol.ChatRequest, emit func(protocol.StreamEvent) error) error {
	contents := buildGeminiContents(req)

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if tools := dedupTools(req.Tools); len(tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range tools {
			var schema genai.Schema
			if t.Parameters != nil {
				b, _ := json.Marshal(t.Parameters)
				_ = json.Unmarshal(b, &schema)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  &schema,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	tr := newTransform(emit)
	if err := tr.begin(req.Model); err != nil {
		return err
	}

	sawToolCall := false
	toolSlot := 0
	for resp, err := range u.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			var apiErr genai.APIError
			if errors.As(err, &apiErr) {
				return &UpstreamHTTPError{Provider: "gemini", Status: apiErr.Code, Body: apiErr.Message}
			}
			return fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				if err := tr.text(part.Text); err != nil {
					return err
				}
			}
			if part.FunctionCall != nil {
				sawToolCall = true
				args, _ := json.Marshal(part.FunctionCall.Args)
				if err := tr.toolCall(toolSlot, part.FunctionCall.ID, part.FunctionCall.Name, string(args)); err != nil {
					return err
				}
				toolSlot++
			}
		}
	}

	stop := protocol.StopEndTurn
	if sawToolCall {
		stop = protocol.StopToolUse
	}
	return tr.finish(stop)
}

func buildGeminiContents(req *protocol.ChatRequest) []*genai.Content {
	var contents []*genai.Content
	// The API wants the function's name on each response; results only carry
	// the call id, so map ids to names from the preceding call blocks.
	toolNames := make(map[string]string)
	for _, m := range req.Messages {
		if len(m.Blocks) == 0 {
			role := genai.RoleUser
			if m.Role == "assistant" {
				role = genai.RoleModel
			}
			contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
			continue
		}

		for _, b := range m.Blocks {
			switch b.Type {
			case protocol.BlockText:
				role := genai.RoleUser
				if m.Role == "assistant" {
					role = genai.RoleModel
				}
				contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: b.Text}}})
			case protocol.BlockToolUse:
				toolNames[b.ID] = b.Name
				var args map[string]any
				_ = json.Unmarshal(b.Input, &args)
				contents = append(contents, &genai.Content{
					Role:  genai.RoleModel,
					Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{ID: b.ID, Name: b.Name, Args: args}}},
				})
			case protocol.BlockToolResult:
				name, ok := toolNames[b.ToolUseID]
				if !ok {
					name = b.ToolUseID
				}
				contents = append(contents, &genai.Content{
					Role: genai.RoleUser,
					Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
						ID:       b.ToolUseID,
						Name:     name,
						Response: map[string]any{"output": b.Content},
					}}},
				})
			}
		}
	}
	return contents
}
