package transform

import (
	"encoding/json"
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

var ignoreIdentity = cmpopts.IgnoreFields(llm.Message{}, "ID", "Timestamp")

func conversation() []llm.Message {
	return []llm.Message{
		llm.NewSystemMessage("You are a market analyst."),
		llm.NewUserMessage("Quote IBM and MSFT"),
		llm.NewAssistantMessage("Let me check.",
			llm.ToolCall{ID: "call-1", Name: "GLOBAL_QUOTE", Arguments: map[string]any{"symbol": "IBM"}},
			llm.ToolCall{ID: "call-2", Name: "GLOBAL_QUOTE", Arguments: map[string]any{"symbol": "MSFT"}},
		),
		llm.NewToolResultMessage("call-1", "GLOBAL_QUOTE", `{"price":"190.10"}`, false),
		llm.NewToolResultMessage("call-2", "GLOBAL_QUOTE", `{"price":"410.00"}`, false),
		llm.NewAssistantMessage("IBM trades at 190.10 and MSFT at 410.00."),
	}
}

func snapshot(t *testing.T, msgs []llm.Message) string {
	t.Helper()
	b, err := json.Marshal(msgs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestAnthropicRoundTrip(t *testing.T) {
	msgs := conversation()
	before := snapshot(t, msgs)

	out, err := ToProviderFormat(msgs, "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("ToProviderFormat failed: %v", err)
	}
	if out.Vendor != llm.VendorAnthropic || out.System != "You are a market analyst." {
		t.Errorf("Unexpected vendor or system: %s %q", out.Vendor, out.System)
	}
	if len(out.Anthropic) != 4 {
		t.Fatalf("Expected 4 Anthropic turns (tool results grouped), got %d", len(out.Anthropic))
	}
	results := out.Anthropic[2]
	if results.Role != anthropic.MessageParamRoleUser || len(results.Content) != 2 || results.Content[0].OfToolResult == nil {
		t.Errorf("Expected one user turn with two tool_result blocks, got %+v", results)
	}

	back, err := FromAnthropicMessages(out.Anthropic)
	if err != nil {
		t.Fatalf("FromAnthropicMessages failed: %v", err)
	}
	if diff := cmp.Diff(msgs[1:], back, ignoreIdentity); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if snapshot(t, msgs) != before {
		t.Error("Input messages were modified")
	}
}

func TestOpenAIRoundTrip(t *testing.T) {
	for _, model := range []string{"gpt-4o-mini", "deepseek-chat"} {
		t.Run(model, func(t *testing.T) {
			msgs := conversation()
			before := snapshot(t, msgs)

			out, err := ToProviderFormat(msgs, model)
			if err != nil {
				t.Fatalf("ToProviderFormat failed: %v", err)
			}
			if len(out.OpenAI) != len(msgs)-1 {
				t.Fatalf("Expected %d messages, got %d", len(msgs)-1, len(out.OpenAI))
			}
			tool := out.OpenAI[2]
			if tool.Role != openai.ChatMessageRoleTool || tool.ToolCallID != "call-1" {
				t.Errorf("Expected tool role message answering call-1, got %+v", tool)
			}
			if got := out.OpenAI[1].ToolCalls[1].Function.Arguments; got != `{"symbol":"MSFT"}` {
				t.Errorf("Unexpected arguments %s", got)
			}

			back := FromOpenAIMessages(out.OpenAI)
			if diff := cmp.Diff(msgs[1:], back, ignoreIdentity); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
			if snapshot(t, msgs) != before {
				t.Error("Input messages were modified")
			}
		})
	}
}

func TestGeminiRoundTrip(t *testing.T) {
	msgs := conversation()
	before := snapshot(t, msgs)

	out, err := ToProviderFormat(msgs, "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("ToProviderFormat failed: %v", err)
	}
	if len(out.Gemini) != 4 {
		t.Fatalf("Expected 4 contents, got %d", len(out.Gemini))
	}
	if out.Gemini[1].Role != genai.RoleModel || out.Gemini[1].Parts[1].FunctionCall == nil {
		t.Errorf("Expected model turn with function calls, got %+v", out.Gemini[1])
	}
	fr := out.Gemini[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "GLOBAL_QUOTE" {
		t.Fatalf("Expected functionResponse part, got %+v", out.Gemini[2].Parts[0])
	}
	if diff := cmp.Diff(map[string]any{"output": map[string]any{"price": "190.10"}}, fr.Response); diff != "" {
		t.Errorf("functionResponse mismatch (-want +got):\n%s", diff)
	}

	back := FromGeminiContents(out.Gemini)
	if diff := cmp.Diff(msgs[1:], back, ignoreIdentity); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if snapshot(t, msgs) != before {
		t.Error("Input messages were modified")
	}
}

func TestOllamaRoundTrip(t *testing.T) {
	msgs := conversation()
	before := snapshot(t, msgs)

	out, err := ToProviderFormat(msgs, "llama3.1:8b")
	if err != nil {
		t.Fatalf("ToProviderFormat failed: %v", err)
	}
	if out.Ollama[2].Role != "tool" || out.Ollama[2].ToolName != "GLOBAL_QUOTE" {
		t.Errorf("Expected tool role message, got %+v", out.Ollama[2])
	}

	back := FromOllamaMessages(out.Ollama)
	ignoreIDs := cmp.Options{
		ignoreIdentity,
		cmpopts.IgnoreFields(llm.ToolCall{}, "ID"),
		cmpopts.IgnoreFields(llm.ToolUse{}, "ID"),
	}
	if diff := cmp.Diff(msgs[1:], back, ignoreIDs); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	calls := back[1].Metadata.ToolCalls
	if back[2].Metadata.ToolUse.ID != calls[0].ID || back[3].Metadata.ToolUse.ID != calls[1].ID {
		t.Error("Expected tool results to be linked to generated call IDs in order")
	}
	if snapshot(t, msgs) != before {
		t.Error("Input messages were modified")
	}
}

func TestToProviderFormatStripsSystem(t *testing.T) {
	msgs := []llm.Message{llm.NewSystemMessage("SYS"), llm.NewUserMessage("hi")}
	for _, model := range []string{"claude-sonnet-4-20250514", "gpt-4o", "deepseek-chat", "gemini-2.5-flash", "llama3:8b"} {
		t.Run(model, func(t *testing.T) {
			out, err := ToProviderFormat(msgs, model)
			if err != nil {
				t.Fatalf("ToProviderFormat failed: %v", err)
			}
			if out.System != "SYS" {
				t.Errorf("Expected system %q, got %q", "SYS", out.System)
			}
			var entries, inline int
			switch {
			case out.Anthropic != nil:
				entries = len(out.Anthropic)
			case out.OpenAI != nil:
				entries = len(out.OpenAI)
				for _, m := range out.OpenAI {
					if m.Role == openai.ChatMessageRoleSystem {
						inline++
					}
				}
			case out.Gemini != nil:
				entries = len(out.Gemini)
			case out.Ollama != nil:
				entries = len(out.Ollama)
				for _, m := range out.Ollama {
					if m.Role == "system" {
						inline++
					}
				}
			}
			if entries != 1 || inline != 0 {
				t.Errorf("Expected 1 entry and no inline system, got %d entries and %d system", entries, inline)
			}
		})
	}
}

func TestToOpenAIMessagesPrependsSystemOnce(t *testing.T) {
	msgs := []llm.Message{llm.NewUserMessage("hi"), llm.NewSystemMessage("inline")}
	out, err := ToOpenAIMessages(msgs, WithSystem("base", msgs))
	if err != nil {
		t.Fatalf("ToOpenAIMessages failed: %v", err)
	}
	if len(out) != 2 || out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "base\n\ninline" {
		t.Errorf("Expected one leading combined system message, got %+v", out)
	}
}

func TestToProviderFormatUnknownModel(t *testing.T) {
	if _, err := ToProviderFormat(conversation(), "mystery"); err == nil {
		t.Error("Expected error for unknown model")
	}
}

func TestFromProviderResponse(t *testing.T) {
	wantCall := llm.ToolCall{Name: "GLOBAL_QUOTE", Arguments: map[string]any{"symbol": "IBM"}}
	tests := []struct {
		name  string
		model string
		resp  *ProviderResponse
		stop  string
	}{
		{
			name:  "anthropic",
			model: "claude-3-5-haiku-latest",
			resp: &ProviderResponse{Anthropic: &anthropic.Message{
				Content: []anthropic.ContentBlockUnion{
					{Type: "text", Text: "Checking"},
					{Type: "tool_use", ID: "toolu_1", Name: "GLOBAL_QUOTE", Input: json.RawMessage(`{"symbol":"IBM"}`)},
				},
				StopReason: anthropic.StopReasonToolUse,
				Usage:      anthropic.Usage{InputTokens: 10, OutputTokens: 5},
			}},
			stop: "tool_use",
		},
		{
			name:  "openai",
			model: "gpt-4o",
			resp: &ProviderResponse{OpenAI: &openai.ChatCompletionResponse{
				Choices: []openai.ChatCompletionChoice{{
					Message: openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleAssistant,
						Content: "Checking",
						ToolCalls: []openai.ToolCall{{
							ID:       "call_1",
							Type:     openai.ToolTypeFunction,
							Function: openai.FunctionCall{Name: "GLOBAL_QUOTE", Arguments: `{"symbol":"IBM"}`},
						}},
					},
					FinishReason: openai.FinishReasonToolCalls,
				}},
				Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5},
			}},
			stop: "tool_use",
		},
		{
			name:  "gemini",
			model: "gemini-2.0-flash",
			resp: &ProviderResponse{Gemini: &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{{
					Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
						{Text: "Checking"},
						{FunctionCall: &genai.FunctionCall{Name: "GLOBAL_QUOTE", Args: map[string]any{"symbol": "IBM"}}},
					}},
					FinishReason: genai.FinishReasonStop,
				}},
				UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
			}},
			stop: "tool_use",
		},
		{
			name:  "ollama",
			model: "qwen2.5:7b",
			resp: &ProviderResponse{Ollama: &api.ChatResponse{
				Message: api.Message{
					Role:    "assistant",
					Content: "Checking",
					ToolCalls: []api.ToolCall{{Function: api.ToolCallFunction{
						Name:      "GLOBAL_QUOTE",
						Arguments: api.ToolCallFunctionArguments{"symbol": "IBM"},
					}}},
				},
				Done:       true,
				DoneReason: "stop",
				Metrics:    api.Metrics{PromptEvalCount: 10, EvalCount: 5},
			}},
			stop: "tool_use",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := FromProviderResponse(tt.resp, tt.model)
			if err != nil {
				t.Fatalf("FromProviderResponse failed: %v", err)
			}
			if msg.Role != llm.RoleAssistant || msg.Content != "Checking" {
				t.Errorf("Unexpected message %+v", msg)
			}
			if len(msg.Metadata.ToolCalls) != 1 {
				t.Fatalf("Expected 1 tool call, got %d", len(msg.Metadata.ToolCalls))
			}
			call := msg.Metadata.ToolCalls[0]
			if call.ID == "" {
				t.Error("Expected a tool call ID")
			}
			if diff := cmp.Diff(wantCall, call, cmpopts.IgnoreFields(llm.ToolCall{}, "ID")); diff != "" {
				t.Errorf("tool call mismatch (-want +got):\n%s", diff)
			}
			if msg.Metadata.Tokens.Total() != 15 {
				t.Errorf("Expected 15 tokens, got %+v", msg.Metadata.Tokens)
			}
			if msg.Metadata.Provider != tt.name || msg.Metadata.Model != tt.model {
				t.Errorf("Unexpected provider/model %s/%s", msg.Metadata.Provider, msg.Metadata.Model)
			}
		})
	}

	if _, err := FromProviderResponse(&ProviderResponse{}, "gpt-4o"); err == nil {
		t.Error("Expected error when the vendor response is missing")
	}
}

func TestTrimToBudget(t *testing.T) {
	long := strings.Repeat("x", 400) // 104 tokens
	msgs := []llm.Message{
		llm.NewSystemMessage(strings.Repeat("s", 40)), // 14 tokens
		llm.NewUserMessage(long),
		llm.NewAssistantMessage(long),
		llm.NewUserMessage(long),
		llm.NewAssistantMessage(long),
	}

	got := TrimToBudget(msgs, 14+2*104)
	want := []llm.Message{msgs[0], msgs[3], msgs[4]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TrimToBudget mismatch (-want +got):\n%s", diff)
	}

	if got := TrimToBudget(msgs, 10); len(got) != 1 || got[0].Role != llm.RoleSystem {
		t.Errorf("Expected only the system message when over budget, got %d messages", len(got))
	}
	if got := TrimToBudget(msgs, 10000); len(got) != len(msgs) {
		t.Errorf("Expected all messages within budget, got %d", len(got))
	}
}

func TestTrimToBudgetDropsOrphanedToolResults(t *testing.T) {
	msgs := conversation()
	// Room for the last two tool results and the final answer only.
	budget := EstimateTokens(msgs[0]) + EstimateTokens(msgs[3]) + EstimateTokens(msgs[4]) + EstimateTokens(msgs[5])
	got := TrimToBudget(msgs, budget)
	for _, m := range got {
		if m.Role == llm.RoleTool {
			t.Errorf("Expected tool result %s to be dropped with its call", m.Metadata.ToolUse.ID)
		}
	}
	if len(got) != 2 {
		t.Errorf("Expected system and final answer, got %d messages", len(got))
	}
}

func TestConsecutiveRoles(t *testing.T) {
	msgs := []llm.Message{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("a"),
		llm.NewUserMessage("b"),
		llm.NewAssistantMessage("c"),
		llm.NewToolResultMessage("1", "T", "r1", false),
		llm.NewToolResultMessage("2", "T", "r2", false),
		llm.NewAssistantMessage("d"),
		llm.NewAssistantMessage("e"),
	}
	if diff := cmp.Diff([]int{2, 7}, ConsecutiveRoles(msgs)); diff != "" {
		t.Errorf("ConsecutiveRoles mismatch (-want +got):\n%s", diff)
	}
}

func TestCoerceArguments(t *testing.T) {
	schema := llm.ToolSchema{
		Properties: map[string]any{
			"symbol":    map[string]any{"type": "string"},
			"limit":     map[string]any{"type": "integer"},
			"threshold": map[string]any{"type": "number"},
			"adjusted":  map[string]any{"type": "boolean"},
		},
		Required: []string{"symbol"},
	}
	got, err := CoerceArguments("TIME_SERIES_DAILY", map[string]any{
		"symbol": "IBM", "limit": "5", "threshold": "1.5", "adjusted": "true", "extra": 1,
	}, schema)
	if err != nil {
		t.Fatalf("CoerceArguments failed: %v", err)
	}
	want := map[string]any{"symbol": "IBM", "limit": int64(5), "threshold": 1.5, "adjusted": true, "extra": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CoerceArguments mismatch (-want +got):\n%s", diff)
	}

	if _, err := CoerceArguments("T", map[string]any{"limit": 1.0}, schema); err == nil {
		t.Error("Expected missing required parameter error")
	}
	if _, err := CoerceArguments("T", map[string]any{"symbol": "IBM", "limit": "many"}, schema); err == nil {
		t.Error("Expected conversion error")
	}
}

func TestToolConversions(t *testing.T) {
	specs := []llm.ToolSpec{{
		Name:        "GLOBAL_QUOTE",
		Description: "Latest price",
		Schema: llm.ToolSchema{
			Type:       "object",
			Properties: map[string]any{"symbol": map[string]any{"type": "string", "description": "Ticker"}},
			Required:   []string{"symbol"},
		},
	}}

	if got := ToAnthropicTools(specs); len(got) != 1 || got[0].OfTool.Name != "GLOBAL_QUOTE" {
		t.Errorf("Unexpected Anthropic tools %+v", got)
	}
	oa := ToOpenAITools(specs)
	if params, ok := oa[0].Function.Parameters.(map[string]any); !ok || params["type"] != "object" {
		t.Errorf("Unexpected OpenAI parameters %+v", oa[0].Function.Parameters)
	}
	gm := ToGeminiTools(specs)
	if len(gm) != 1 || len(gm[0].FunctionDeclarations) != 1 {
		t.Errorf("Expected one Gemini tool with one declaration, got %+v", gm)
	}
	if ToGeminiTools(nil) != nil {
		t.Error("Expected no Gemini tools for no specs")
	}
	ol := ToOllamaTools(specs)
	if prop := ol[0].Function.Parameters.Properties["symbol"]; prop.Description != "Ticker" {
		t.Errorf("Unexpected Ollama property %+v", prop)
	}
}
