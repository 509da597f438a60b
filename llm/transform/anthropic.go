package transform

import (
	"encoding/json"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/samber/lo"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// ToAnthropicMessages converts canonical messages to Anthropic message params.
// System messages are dropped (see SystemPrompt). Consecutive tool results are
// grouped into a single user turn of tool_result blocks.
func ToAnthropicMessages(msgs []llm.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleTool:
			if msg.Metadata.ToolUse == nil {
				continue
			}
			block := anthropic.NewToolResultBlock(msg.Metadata.ToolUse.ID, msg.Content, msg.Metadata.ToolUse.IsError)
			if n := len(result); n > 0 && isToolResultTurn(result[n-1]) {
				result[n-1].Content = append(result[n-1].Content, block)
				continue
			}
			result = append(result, anthropic.NewUserMessage(block))
		case llm.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.Metadata.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.Metadata.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, cloneArgs(call.Arguments), call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result, nil
}

func isToolResultTurn(p anthropic.MessageParam) bool {
	if p.Role != anthropic.MessageParamRoleUser || len(p.Content) == 0 {
		return false
	}
	return lo.EveryBy(p.Content, func(b anthropic.ContentBlockParamUnion) bool { return b.OfToolResult != nil })
}

// FromAnthropicMessages converts Anthropic message params back to canonical
// messages. Each tool_result block becomes its own tool message.
func FromAnthropicMessages(params []anthropic.MessageParam) ([]llm.Message, error) {
	names := make(map[string]string)
	result := make([]llm.Message, 0, len(params))
	for _, p := range params {
		var text []string
		var calls []llm.ToolCall
		for _, block := range p.Content {
			switch {
			case block.OfText != nil:
				text = append(text, block.OfText.Text)
			case block.OfToolUse != nil:
				names[block.OfToolUse.ID] = block.OfToolUse.Name
				calls = append(calls, llm.ToolCall{
					ID:        block.OfToolUse.ID,
					Name:      block.OfToolUse.Name,
					Arguments: anyToArgs(block.OfToolUse.Input),
				})
			case block.OfToolResult != nil:
				tr := block.OfToolResult
				var content strings.Builder
				for _, c := range tr.Content {
					if c.OfText != nil {
						content.WriteString(c.OfText.Text)
					}
				}
				result = append(result, llm.NewToolResultMessage(tr.ToolUseID, names[tr.ToolUseID], content.String(), tr.IsError.Value))
			}
		}

		switch p.Role {
		case anthropic.MessageParamRoleAssistant:
			result = append(result, llm.NewAssistantMessage(strings.Join(text, ""), calls...))
		default:
			if len(text) > 0 {
				result = append(result, llm.NewUserMessage(strings.Join(text, "")))
			}
		}
	}
	return result, nil
}

// ToAnthropicTools converts tool specs to Anthropic tool params.
func ToAnthropicTools(specs []llm.ToolSpec) []anthropic.ToolUnionParam {
	return lo.Map(specs, func(spec llm.ToolSpec, _ int) anthropic.ToolUnionParam {
		toolParam := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:        "object",
				Properties:  spec.Schema.Properties,
				Required:    spec.Schema.Required,
				ExtraFields: spec.Schema.ExtraFields,
			},
		}
		return anthropic.ToolUnionParam{OfTool: &toolParam}
	})
}

// FromAnthropicResponse converts a complete Anthropic message.
func FromAnthropicResponse(msg *anthropic.Message) *llm.CompletionResult {
	result := &llm.CompletionResult{StopReason: string(msg.StopReason)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: llm.DecodeArguments(string(block.Input)),
			})
		}
	}
	result.Content = text.String()
	result.Usage = &llm.Usage{
		InputTokens:              msg.Usage.InputTokens,
		OutputTokens:             msg.Usage.OutputTokens,
		CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
	}
	return result
}

// anyToArgs converts a decoded tool input of unknown shape to an argument map.
func anyToArgs(v any) map[string]any {
	switch in := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return cloneArgs(in)
	case json.RawMessage:
		return llm.DecodeArguments(string(in))
	case string:
		return llm.DecodeArguments(in)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	return llm.DecodeArguments(string(b))
}
