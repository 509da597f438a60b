package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// ToOllamaMessages converts canonical messages to Ollama chat messages. System
// messages in msgs are skipped; a non-empty system is prepended instead.
func ToOllamaMessages(msgs []llm.Message, system string) ([]api.Message, error) {
	result := make([]api.Message, 0, len(msgs)+1)
	if system != "" {
		result = append(result, api.Message{Role: "system", Content: system})
	}
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleTool:
			if msg.Metadata.ToolUse == nil {
				return nil, fmt.Errorf("tool message %s without tool use reference", msg.ID)
			}
			result = append(result, api.Message{Role: "tool", Content: msg.Content, ToolName: msg.Metadata.ToolUse.Name})
		case llm.RoleAssistant:
			out := api.Message{Role: "assistant", Content: msg.Content}
			for _, call := range msg.Metadata.ToolCalls {
				args := make(api.ToolCallFunctionArguments)
				for k, v := range call.Arguments {
					args[k] = v
				}
				out.ToolCalls = append(out.ToolCalls, api.ToolCall{
					Function: api.ToolCallFunction{Name: call.Name, Arguments: args},
				})
			}
			result = append(result, out)
		case llm.RoleSystem:
			continue
		default:
			result = append(result, api.Message{Role: "user", Content: msg.Content})
		}
	}
	return result, nil
}

// FromOllamaMessages converts Ollama chat messages back to canonical messages.
// Ollama tool calls carry no IDs, so IDs are generated and tool results are
// linked to the earliest unanswered call with the same name.
func FromOllamaMessages(msgs []api.Message) []llm.Message {
	result := make([]llm.Message, 0, len(msgs))
	var pending []llm.ToolCall
	for _, m := range msgs {
		switch m.Role {
		case "system":
			result = append(result, llm.NewSystemMessage(m.Content))
		case "assistant":
			calls := FromOllamaToolCalls(m.ToolCalls)
			pending = append(pending[:0:0], calls...)
			result = append(result, llm.NewAssistantMessage(m.Content, calls...))
		case "tool":
			id := ""
			for i, c := range pending {
				if c.Name == m.ToolName {
					id = c.ID
					pending = append(pending[:i:i], pending[i+1:]...)
					break
				}
			}
			result = append(result, llm.NewToolResultMessage(id, m.ToolName, m.Content, false))
		default:
			result = append(result, llm.NewUserMessage(m.Content))
		}
	}
	return result
}

// FromOllamaToolCalls converts tool calls, generating an ID for each.
func FromOllamaToolCalls(calls []api.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for _, c := range calls {
		args := make(map[string]any, len(c.Function.Arguments))
		for k, v := range c.Function.Arguments {
			args[k] = v
		}
		out = append(out, llm.ToolCall{ID: "call_" + uuid.NewString(), Name: c.Function.Name, Arguments: args})
	}
	return out
}

// ToOllamaTools converts tool specs to Ollama function tools.
func ToOllamaTools(specs []llm.ToolSpec) []api.Tool {
	result := make([]api.Tool, 0, len(specs))
	for _, spec := range specs {
		properties := make(map[string]api.ToolProperty, len(spec.Schema.Properties))
		for k, v := range spec.Schema.Properties {
			prop := api.ToolProperty{Type: []string{propertyType(v)}}
			if m, ok := v.(map[string]any); ok {
				if desc, ok := m["description"].(string); ok {
					prop.Description = desc
				}
			}
			properties[k] = prop
		}
		typ := spec.Schema.Type
		if typ == "" {
			typ = "object"
		}
		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       typ,
					Properties: properties,
					Required:   spec.Schema.Required,
				},
			},
		})
	}
	return result
}

// FromOllamaResponse converts a final chat response.
func FromOllamaResponse(resp *api.ChatResponse) *llm.CompletionResult {
	calls := FromOllamaToolCalls(resp.Message.ToolCalls)
	return &llm.CompletionResult{
		Content:    resp.Message.Content,
		ToolCalls:  calls,
		Usage:      &llm.Usage{InputTokens: int64(resp.PromptEvalCount), OutputTokens: int64(resp.EvalCount)},
		StopReason: OllamaStopReason(resp.DoneReason, len(calls) > 0),
	}
}

// OllamaStopReason maps a done reason to the canonical stop reason.
func OllamaStopReason(reason string, calledTools bool) string {
	if reason == "length" {
		return "max_tokens"
	}
	if calledTools {
		return "tool_use"
	}
	return "end_turn"
}

// CoerceArguments checks required parameters and converts argument values to
// the types declared in schema. Local models often send numbers and booleans
// as strings.
func CoerceArguments(toolName string, args map[string]any, schema llm.ToolSchema) (map[string]any, error) {
	for _, req := range schema.Required {
		val, ok := args[req]
		if !ok {
			return nil, fmt.Errorf("missing required parameter '%s' for tool '%s'", req, toolName)
		}
		if isEmptyValue(val) {
			return nil, fmt.Errorf("required parameter '%s' for tool '%s' cannot be empty", req, toolName)
		}
	}

	result := make(map[string]any, len(args))
	for k, v := range args {
		propSchema, ok := schema.Properties[k]
		if !ok {
			result[k] = v
			continue
		}
		converted, err := convertValueToType(v, propertyType(propSchema), k)
		if err != nil {
			return nil, fmt.Errorf("tool '%s': %w", toolName, err)
		}
		result[k] = converted
	}
	return result, nil
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func propertyType(propSchema any) string {
	if m, ok := propSchema.(map[string]any); ok {
		if t, ok := m["type"].(string); ok {
			return t
		}
	}
	return "string"
}

func convertValueToType(v any, targetType, param string) (any, error) {
	switch targetType {
	case "integer":
		switch val := v.(type) {
		case int, int64:
			return val, nil
		case float64:
			return int64(val), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter '%s': cannot convert '%s' to integer", param, val)
			}
			return i, nil
		}
		return nil, fmt.Errorf("parameter '%s': cannot convert %T to integer", param, v)
	case "number":
		switch val := v.(type) {
		case float64:
			return val, nil
		case int:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return nil, fmt.Errorf("parameter '%s': cannot convert '%s' to number", param, val)
			}
			return f, nil
		}
		return nil, fmt.Errorf("parameter '%s': cannot convert %T to number", param, v)
	case "boolean":
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			switch strings.ToLower(val) {
			case "true", "1", "yes", "on":
				return true, nil
			case "false", "0", "no", "off":
				return false, nil
			}
			return nil, fmt.Errorf("parameter '%s': cannot convert '%s' to boolean", param, val)
		}
		return nil, fmt.Errorf("parameter '%s': cannot convert %T to boolean", param, v)
	case "string":
		if v == nil {
			return "", nil
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	}
	return v, nil
}
