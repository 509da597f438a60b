package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewProvider(srv.URL, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return p
}

func quoteOptions() *llm.Options {
	return &llm.Options{
		Model:    "llama3.1:8b",
		System:   "You are a market analyst.",
		Messages: []llm.Message{llm.NewUserMessage("Daily series for IBM")},
		Tools: []llm.ToolSpec{{
			Name: "TIME_SERIES_DAILY",
			Schema: llm.ToolSchema{
				Type: "object",
				Properties: map[string]any{
					"symbol":     map[string]any{"type": "string"},
					"outputsize": map[string]any{"type": "integer"},
				},
				Required: []string{"symbol"},
			},
		}},
	}
}

func writeChunks(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, c := range chunks {
		fmt.Fprintln(w, c)
	}
}

func TestParseHost(t *testing.T) {
	tests := map[string]string{
		"localhost:11434":        "http://localhost:11434",
		"https://ollama.example": "https://ollama.example",
	}
	for in, want := range tests {
		u, err := parseHost(in)
		if err != nil {
			t.Fatalf("parseHost(%q) failed: %v", in, err)
		}
		if u.String() != want {
			t.Errorf("parseHost(%q) = %s, expected %s", in, u, want)
		}
	}
}

func TestCreateStream(t *testing.T) {
	var body string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		writeChunks(w,
			`{"model":"llama3.1:8b","message":{"role":"assistant","content":"Fetching "},"done":false}`,
			`{"model":"llama3.1:8b","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"TIME_SERIES_DAILY","arguments":{"symbol":"IBM","outputsize":"30"}}}]},"done":false}`,
			`{"model":"llama3.1:8b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":40,"eval_count":12}`,
		)
	})

	stream, err := p.CreateStream(context.Background(), quoteOptions())
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	result, err := llm.Collect(stream)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	want := &llm.CompletionResult{
		Content:    "Fetching ",
		ToolCalls:  []llm.ToolCall{{Name: "TIME_SERIES_DAILY", Arguments: map[string]any{"symbol": "IBM", "outputsize": int64(30)}}},
		Usage:      &llm.Usage{InputTokens: 40, OutputTokens: 12},
		StopReason: "tool_use",
	}
	if diff := cmp.Diff(want, result, cmpopts.IgnoreFields(llm.ToolCall{}, "ID")); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	if !gjson.Get(body, "stream").Bool() {
		t.Error("Expected stream=true in request")
	}
	if got := gjson.Get(body, "messages.0.role").String(); got != "system" {
		t.Errorf("Expected leading system message, got %q", got)
	}
	if got := gjson.Get(body, "options.num_predict").Int(); got != llm.DefaultMaxTokens {
		t.Errorf("Expected num_predict, got %d", got)
	}
}

func TestCreateStreamBreakEarly(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		chunks := make([]string, 0, 50)
		for i := 0; i < 50; i++ {
			chunks = append(chunks, fmt.Sprintf(`{"message":{"role":"assistant","content":"w%d "},"done":false}`, i))
		}
		writeChunks(w, chunks...)
	})

	stream, err := p.CreateStream(context.Background(), quoteOptions())
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	seen := 0
	for ev, err := range llm.Events(stream) {
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if ev.Type == llm.EventTextDelta {
			seen++
		}
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Errorf("Expected to stop after 3 deltas, got %d", seen)
	}
	if stream.Next() {
		t.Error("Expected no events after the consumer stopped")
	}
}

func TestCreateCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(b, "stream").Bool() {
			t.Error("Expected stream=false for completions")
		}
		writeChunks(w, `{"message":{"role":"assistant","content":"IBM closed at 190.10"},"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":6}`)
	})

	result, err := p.CreateCompletion(context.Background(), quoteOptions())
	if err != nil {
		t.Fatalf("CreateCompletion failed: %v", err)
	}
	if result.Content != "IBM closed at 190.10" || result.StopReason != "end_turn" || result.Usage.Total() != 15 {
		t.Errorf("Unexpected result %+v", result)
	}
}

func TestModelNotFound(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": `model "llama3.1:8b" not found, try pulling it first`})
	})

	stream, err := p.CreateStream(context.Background(), quoteOptions())
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	_, err = llm.Collect(stream)
	if llm.ErrorTypeOf(err) != llm.ErrorTypeInvalidRequest {
		t.Errorf("Expected invalid_request, got %v", err)
	}
}

func TestMapError(t *testing.T) {
	err := mapError(api.StatusError{StatusCode: 500, Status: "500 Internal Server Error", ErrorMessage: "llama runner process has terminated"})
	if llm.ErrorTypeOf(err) != llm.ErrorTypeProvider || !llm.IsRetryableError(err) {
		t.Errorf("Expected retryable provider error, got %v", err)
	}
}

func TestNormalizerKeepsArgumentsOnCoercionFailure(t *testing.T) {
	n := newNormalizer(zerolog.Nop(), toolSchemas(quoteOptions().Tools))
	n.Reset()
	events := n.Normalize(api.ChatResponse{Message: api.Message{
		Role: "assistant",
		ToolCalls: []api.ToolCall{{Function: api.ToolCallFunction{
			Name:      "TIME_SERIES_DAILY",
			Arguments: api.ToolCallFunctionArguments{"outputsize": "full"},
		}}},
	}})
	if len(events) != 3 {
		t.Fatalf("Expected start, delta and end, got %d", len(events))
	}
	if events[2].Input["outputsize"] != "full" {
		t.Errorf("Expected raw arguments passed through, got %+v", events[2].Input)
	}
}
