package anthropic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewProvider("test-key", zerolog.Nop(), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return p
}

func sse(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		typ := gjson.Get(ev, "type").String()
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", typ, ev)
	}
	return b.String()
}

func quoteOptions() *llm.Options {
	return &llm.Options{
		Model:    "anthropic/claude-sonnet-4-5",
		System:   "You are a market analyst.",
		Messages: []llm.Message{llm.NewUserMessage("Quote IBM")},
		Tools: []llm.ToolSpec{{
			Name:   "GLOBAL_QUOTE",
			Schema: llm.ToolSchema{Type: "object", Properties: map[string]any{"symbol": map[string]any{"type": "string"}}},
		}},
	}
}

func TestNewProviderRequiresKey(t *testing.T) {
	if _, err := NewProvider("", zerolog.Nop()); err == nil {
		t.Error("Expected error for empty API key")
	}
}

func TestCreateCompletion(t *testing.T) {
	var body string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5",
			"content":[{"type":"text","text":"IBM is at 190.10"}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":7,"cache_read_input_tokens":3}}`)
	})

	result, err := p.CreateCompletion(context.Background(), quoteOptions())
	if err != nil {
		t.Fatalf("CreateCompletion failed: %v", err)
	}
	if result.Content != "IBM is at 190.10" || result.StopReason != "end_turn" {
		t.Errorf("Unexpected result %+v", result)
	}
	if result.Usage.InputTokens != 12 || result.Usage.OutputTokens != 7 || result.Usage.CacheReadInputTokens != 3 {
		t.Errorf("Unexpected usage %+v", result.Usage)
	}

	if got := gjson.Get(body, "model").String(); got != "claude-sonnet-4-5" {
		t.Errorf("Expected vendor prefix stripped from model, got %q", got)
	}
	if got := gjson.Get(body, "system.0.text").String(); got != "You are a market analyst." {
		t.Errorf("Expected system block, got %q", got)
	}
	if got := gjson.Get(body, "system.0.cache_control.type").String(); got != "ephemeral" {
		t.Errorf("Expected ephemeral cache control, got %q", got)
	}
	if got := gjson.Get(body, "tools.0.name").String(); got != "GLOBAL_QUOTE" {
		t.Errorf("Expected tool in request, got %q", got)
	}
	if got := gjson.Get(body, "max_tokens").Int(); got != llm.DefaultMaxTokens {
		t.Errorf("Expected default max tokens, got %d", got)
	}
}

func TestCreateCompletionErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  llm.ErrorType
		retryable bool
	}{
		{"rate limit", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"Number of request tokens has exceeded your per-minute rate limit"}}`, llm.ErrorTypeRateLimit, true},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, llm.ErrorTypeProvider, true},
		{"too long", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens > 200000 maximum"}}`, llm.ErrorTypeRequestTooLarge, false},
		{"auth", 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, llm.ErrorTypeAuthentication, false},
		{"billing", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"Your credit balance is too low to access the API"}}`, llm.ErrorTypeQuotaExceeded, false},
		{"bad model", 404, `{"type":"error","error":{"type":"not_found_error","message":"model: claude-nope"}}`, llm.ErrorTypeInvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := p.CreateCompletion(context.Background(), quoteOptions())
			if err == nil {
				t.Fatal("Expected error")
			}
			if got := llm.ErrorTypeOf(err); got != tt.wantType {
				t.Errorf("Expected %s, got %s (%v)", tt.wantType, got, err)
			}
			if llm.IsRetryableError(err) != tt.retryable {
				t.Errorf("Expected retryable=%v", tt.retryable)
			}
		})
	}
}

func TestCreateStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse(
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"IBM"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"GLOBAL_QUOTE","input":{}}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"symbol\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"IBM\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
			`{"type":"message_stop"}`,
		))
	})

	stream, err := p.CreateStream(context.Background(), quoteOptions())
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}

	var types []llm.EventType
	var final *llm.CompletionResult
	result := &llm.CompletionResult{}
	for ev, err := range llm.Events(stream) {
		if err != nil {
			t.Fatalf("Unexpected stream error: %v", err)
		}
		types = append(types, ev.Type)
		switch ev.Type {
		case llm.EventTextDelta:
			result.Content += ev.Text
		case llm.EventToolUseEnd:
			result.ToolCalls = append(result.ToolCalls, llm.ToolCall{ID: ev.ToolUseID, Name: ev.ToolName, Arguments: ev.Input})
		case llm.EventMessageEnd:
			result.Usage = ev.Usage
			result.StopReason = ev.StopReason
			final = result
		}
	}

	wantTypes := []llm.EventType{
		llm.EventTextDelta, llm.EventTextDelta,
		llm.EventToolUseStart, llm.EventToolUseDelta, llm.EventToolUseDelta, llm.EventToolUseEnd,
		llm.EventMessageEnd,
	}
	if diff := cmp.Diff(wantTypes, types); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}
	if final == nil {
		t.Fatal("Expected message_end")
	}
	want := &llm.CompletionResult{
		Content:    "Checking IBM",
		ToolCalls:  []llm.ToolCall{{ID: "toolu_1", Name: "GLOBAL_QUOTE", Arguments: map[string]any{"symbol": "IBM"}}},
		Usage:      &llm.Usage{InputTokens: 12, OutputTokens: 20},
		StopReason: "tool_use",
	}
	if diff := cmp.Diff(want, final); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateStreamErrorEvent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sse(
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`,
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		))
	})

	stream, err := p.CreateStream(context.Background(), quoteOptions())
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	_, err = llm.Collect(stream)
	if err == nil {
		t.Fatal("Expected stream error")
	}
	if llm.ErrorTypeOf(err) != llm.ErrorTypeProvider || !llm.IsRetryableError(err) {
		t.Errorf("Expected retryable provider error, got %v", err)
	}
}
