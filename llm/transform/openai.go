package transform

import (
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// ToOpenAIMessages converts canonical messages to OpenAI chat messages, used
// for OpenAI and DeepSeek. System messages in msgs are skipped; a non-empty
// system is prepended as the only system message.
func ToOpenAIMessages(msgs []llm.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range msgs {
		if msg.Role == llm.RoleSystem {
			continue
		}
		m, err := ToOpenAIMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to convert message %s: %w", msg.ID, err)
		}
		result = append(result, m)
	}
	return result, nil
}

// ToOpenAIMessage converts a single canonical message.
func ToOpenAIMessage(msg llm.Message) (openai.ChatCompletionMessage, error) {
	switch msg.Role {
	case llm.RoleSystem:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content}, nil
	case llm.RoleAssistant:
		out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
		for _, call := range msg.Metadata.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.ArgumentsJSON(),
				},
			})
		}
		return out, nil
	case llm.RoleTool:
		if msg.Metadata.ToolUse == nil {
			return openai.ChatCompletionMessage{}, fmt.Errorf("tool message without tool use reference")
		}
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    msg.Content,
			Name:       msg.Metadata.ToolUse.Name,
			ToolCallID: msg.Metadata.ToolUse.ID,
		}, nil
	default:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content}, nil
	}
}

// FromOpenAIMessages converts OpenAI chat messages back to canonical messages.
func FromOpenAIMessages(msgs []openai.ChatCompletionMessage) []llm.Message {
	result := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			result = append(result, llm.NewSystemMessage(m.Content))
		case openai.ChatMessageRoleAssistant:
			result = append(result, llm.NewAssistantMessage(m.Content, fromOpenAIToolCalls(m.ToolCalls)...))
		case openai.ChatMessageRoleTool:
			// Errors are not distinguishable once sent as tool content.
			result = append(result, llm.NewToolResultMessage(m.ToolCallID, m.Name, m.Content, false))
		default:
			result = append(result, llm.NewUserMessage(m.Content))
		}
	}
	return result
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, llm.ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: llm.DecodeArguments(c.Function.Arguments),
		})
	}
	return out
}

// ToOpenAITools converts tool specs to OpenAI function tools.
func ToOpenAITools(specs []llm.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Schema.Map(),
			},
		})
	}
	return result
}

// FromOpenAIResponse converts the first choice of a chat completion.
func FromOpenAIResponse(resp *openai.ChatCompletionResponse) (*llm.CompletionResult, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := resp.Choices[0]
	return &llm.CompletionResult{
		Content:    choice.Message.Content,
		ToolCalls:  fromOpenAIToolCalls(choice.Message.ToolCalls),
		Usage:      OpenAIUsage(resp.Usage),
		StopReason: OpenAIStopReason(choice.FinishReason),
	}, nil
}

// OpenAIUsage converts token usage, including cached prompt tokens.
func OpenAIUsage(u openai.Usage) *llm.Usage {
	usage := &llm.Usage{
		InputTokens:  int64(u.PromptTokens),
		OutputTokens: int64(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadInputTokens = int64(u.PromptTokensDetails.CachedTokens)
	}
	return usage
}

// OpenAIStopReason maps a finish reason to the canonical stop reason.
func OpenAIStopReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool_use"
	case openai.FinishReasonContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}
