package transform

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// ToGeminiContents converts canonical messages to Gemini contents. System
// messages are dropped (see SystemPrompt); tool results become
// functionResponse parts, grouped into one user turn when consecutive.
func ToGeminiContents(msgs []llm.Message) ([]*genai.Content, error) {
	result := make([]*genai.Content, 0, len(msgs))
	lastToolTurn := false
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleTool:
			if msg.Metadata.ToolUse == nil {
				continue
			}
			part := &genai.Part{FunctionResponse: geminiFunctionResponse(msg)}
			if lastToolTurn {
				last := result[len(result)-1]
				last.Parts = append(last.Parts, part)
				continue
			}
			result = append(result, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
			lastToolTurn = true
			continue
		case llm.RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(msg.Metadata.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.Metadata.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: cloneArgs(call.Arguments),
				}})
			}
			if len(parts) > 0 {
				result = append(result, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		default:
			result = append(result, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
		lastToolTurn = false
	}
	return result, nil
}

func geminiFunctionResponse(msg llm.Message) *genai.FunctionResponse {
	use := msg.Metadata.ToolUse
	key := "output"
	if use.IsError {
		key = "error"
	}
	var value any = msg.Content
	var decoded any
	if err := json.Unmarshal([]byte(msg.Content), &decoded); err == nil {
		if _, isObject := decoded.(map[string]any); isObject {
			value = decoded
		}
	}
	return &genai.FunctionResponse{
		ID:       use.ID,
		Name:     use.Name,
		Response: map[string]any{key: value},
	}
}

// FromGeminiContents converts Gemini contents back to canonical messages.
func FromGeminiContents(contents []*genai.Content) []llm.Message {
	result := make([]llm.Message, 0, len(contents))
	for _, c := range contents {
		if c == nil {
			continue
		}
		var text strings.Builder
		var calls []llm.ToolCall
		for _, p := range c.Parts {
			switch {
			case p.FunctionResponse != nil:
				result = append(result, fromGeminiFunctionResponse(p.FunctionResponse))
			case p.FunctionCall != nil:
				calls = append(calls, GeminiToolCall(p.FunctionCall))
			case p.Text != "" && !p.Thought:
				text.WriteString(p.Text)
			}
		}
		if c.Role == genai.RoleModel {
			result = append(result, llm.NewAssistantMessage(text.String(), calls...))
		} else if text.Len() > 0 {
			result = append(result, llm.NewUserMessage(text.String()))
		}
	}
	return result
}

func fromGeminiFunctionResponse(fr *genai.FunctionResponse) llm.Message {
	value, isError := fr.Response["error"]
	if !isError {
		value = fr.Response["output"]
	}
	var content string
	switch v := value.(type) {
	case string:
		content = v
	case nil:
	default:
		b, _ := json.Marshal(v)
		content = string(b)
	}
	return llm.NewToolResultMessage(fr.ID, fr.Name, content, isError)
}

// GeminiToolCall converts a function call. Gemini often omits call IDs, so
// one is generated.
func GeminiToolCall(fc *genai.FunctionCall) llm.ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return llm.ToolCall{ID: id, Name: fc.Name, Arguments: cloneArgs(fc.Args)}
}

// ToGeminiTools converts tool specs to a single Gemini tool of function declarations.
func ToGeminiTools(specs []llm.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 spec.Name,
			Description:          spec.Description,
			ParametersJsonSchema: spec.Schema.Map(),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// FromGeminiResponse converts the first candidate of a response.
func FromGeminiResponse(resp *genai.GenerateContentResponse) *llm.CompletionResult {
	result := &llm.CompletionResult{StopReason: "end_turn"}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		var text strings.Builder
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					result.ToolCalls = append(result.ToolCalls, GeminiToolCall(p.FunctionCall))
				case p.Text != "" && !p.Thought:
					text.WriteString(p.Text)
				}
			}
		}
		result.Content = text.String()
		result.StopReason = GeminiStopReason(cand.FinishReason, len(result.ToolCalls) > 0)
	}
	result.Usage = GeminiUsage(resp.UsageMetadata)
	return result
}

// GeminiStopReason maps a finish reason to the canonical stop reason.
func GeminiStopReason(reason genai.FinishReason, calledTools bool) string {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent, genai.FinishReasonSPII, genai.FinishReasonRecitation:
		return "refusal"
	}
	if calledTools {
		return "tool_use"
	}
	return "end_turn"
}

// GeminiUsage converts usage metadata; nil yields nil.
func GeminiUsage(md *genai.GenerateContentResponseUsageMetadata) *llm.Usage {
	if md == nil {
		return nil
	}
	return &llm.Usage{
		InputTokens:          int64(md.PromptTokenCount),
		OutputTokens:         int64(md.CandidatesTokenCount),
		CacheReadInputTokens: int64(md.CachedContentTokenCount),
	}
}
