// Package transform converts canonical messages to and from each vendor's
// wire types. Conversions never modify their input.
package transform

import (
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// ProviderMessages is a conversation in one vendor's request format. Exactly
// one of the typed slices is set, selected by Vendor.
type ProviderMessages struct {
	Vendor llm.Vendor
	// System is the joined content of all system messages. Vendors that take
	// the system prompt out of band read it from here.
	System string

	Anthropic []anthropic.MessageParam
	OpenAI    []openai.ChatCompletionMessage
	Gemini    []*genai.Content
	Ollama    []api.Message
}

// ProviderResponse is a non-streamed reply in one vendor's response format.
type ProviderResponse struct {
	Anthropic *anthropic.Message
	OpenAI    *openai.ChatCompletionResponse
	Gemini    *genai.GenerateContentResponse
	Ollama    *api.ChatResponse
}

// VendorForModel resolves the vendor serving modelID.
func VendorForModel(modelID string) (llm.Vendor, error) {
	return llm.VendorForModel(modelID)
}

// ToProviderFormat converts msgs into the format of the vendor serving modelID.
// System messages never appear in the vendor slice; their joined text is in
// System.
func ToProviderFormat(msgs []llm.Message, modelID string) (*ProviderMessages, error) {
	vendor, err := VendorForModel(modelID)
	if err != nil {
		return nil, err
	}
	out := &ProviderMessages{Vendor: vendor, System: SystemPrompt(msgs)}
	switch vendor {
	case llm.VendorAnthropic:
		out.Anthropic, err = ToAnthropicMessages(msgs)
	case llm.VendorOpenAI, llm.VendorDeepSeek:
		out.OpenAI, err = ToOpenAIMessages(msgs, "")
	case llm.VendorGemini:
		out.Gemini, err = ToGeminiContents(msgs)
	case llm.VendorOllama:
		out.Ollama, err = ToOllamaMessages(msgs, "")
	default:
		err = fmt.Errorf("no transformer for vendor %s", vendor)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FromProviderResponse converts a vendor reply into one canonical assistant
// message. The vendor is taken from modelID and must match the set field.
func FromProviderResponse(resp *ProviderResponse, modelID string) (llm.Message, error) {
	vendor, err := VendorForModel(modelID)
	if err != nil {
		return llm.Message{}, err
	}
	if resp == nil {
		return llm.Message{}, fmt.Errorf("nil %s response", vendor)
	}

	var result *llm.CompletionResult
	switch vendor {
	case llm.VendorAnthropic:
		if resp.Anthropic == nil {
			return llm.Message{}, fmt.Errorf("missing anthropic response")
		}
		result = FromAnthropicResponse(resp.Anthropic)
	case llm.VendorOpenAI, llm.VendorDeepSeek:
		if resp.OpenAI == nil {
			return llm.Message{}, fmt.Errorf("missing %s response", vendor)
		}
		result, err = FromOpenAIResponse(resp.OpenAI)
	case llm.VendorGemini:
		if resp.Gemini == nil {
			return llm.Message{}, fmt.Errorf("missing gemini response")
		}
		result = FromGeminiResponse(resp.Gemini)
	case llm.VendorOllama:
		if resp.Ollama == nil {
			return llm.Message{}, fmt.Errorf("missing ollama response")
		}
		result = FromOllamaResponse(resp.Ollama)
	}
	if err != nil {
		return llm.Message{}, err
	}
	return CompletionMessage(result, vendor, llm.ModelName(modelID)), nil
}

// CompletionMessage wraps a completion as a canonical assistant message.
func CompletionMessage(result *llm.CompletionResult, vendor llm.Vendor, model string) llm.Message {
	msg := llm.NewAssistantMessage(result.Content, result.ToolCalls...)
	msg.Metadata.Tokens = result.Usage
	msg.Metadata.Provider = string(vendor)
	msg.Metadata.Model = model
	return msg
}

// SystemPrompt joins the content of every system message.
func SystemPrompt(msgs []llm.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == llm.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// WithSystem returns system followed by the system prompt found in msgs.
func WithSystem(system string, msgs []llm.Message) string {
	inline := SystemPrompt(msgs)
	switch {
	case system == "":
		return inline
	case inline == "":
		return system
	}
	return system + "\n\n" + inline
}

// ConsecutiveRoles returns the indexes of messages that share a role with the
// message before them. System messages are ignored; tool results are
// expected to follow each other.
func ConsecutiveRoles(msgs []llm.Message) []int {
	var out []int
	prev := llm.Role("")
	for i, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		if m.Role == prev && m.Role != llm.RoleTool {
			out = append(out, i)
		}
		prev = m.Role
	}
	return out
}

func toolNames(msgs []llm.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range msgs {
		for _, c := range m.Metadata.ToolCalls {
			names[c.ID] = c.Name
		}
	}
	return names
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
