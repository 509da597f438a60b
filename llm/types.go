package llm

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a conversation turn in canonical form.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// Metadata carries the optional parts of a message.
type Metadata struct {
	// ToolUse is set on tool-result messages.
	ToolUse *ToolUse `json:"tool_use,omitempty"`
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Tokens    *Usage     `json:"tokens,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	Model     string     `json:"model,omitempty"`
}

// ToolUse links a tool result to the call that produced it.
type ToolUse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the arguments as a JSON object string.
func (c ToolCall) ArgumentsJSON() string {
	if len(c.Arguments) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schema      ToolSchema `json:"input_schema"`
}

// ToolSchema is a JSON Schema object describing tool arguments.
type ToolSchema struct {
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	Required    []string       `json:"required,omitempty"`
	ExtraFields map[string]any `json:"-"`
}

// Map renders the schema as a plain JSON Schema map, merging ExtraFields.
func (s ToolSchema) Map() map[string]any {
	typ := s.Type
	if typ == "" {
		typ = "object"
	}
	out := map[string]any{
		"type":       typ,
		"properties": s.Properties,
	}
	if out["properties"] == nil {
		out["properties"] = map[string]any{}
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	for k, v := range s.ExtraFields {
		out[k] = v
	}
	return out
}

// Usage reports token consumption.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// Options is a chat request.
type Options struct {
	// Model selects the vendor; see VendorForModel.
	Model       string
	Messages    []Message
	System      string
	Tools       []ToolSpec
	MaxTokens   int64
	Temperature *float64
}

// DefaultMaxTokens is used when Options.MaxTokens is zero.
const DefaultMaxTokens = 4096

// MaxTokensOrDefault returns MaxTokens or DefaultMaxTokens.
func (o *Options) MaxTokensOrDefault() int64 {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return DefaultMaxTokens
}

// CompletionResult is a non-streamed assistant reply.
type CompletionResult struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      *Usage
	StopReason string
}

// EventType discriminates StreamEvent.
type EventType string

const (
	EventTextDelta    EventType = "text_delta"
	EventToolUseStart EventType = "tool_use_start"
	EventToolUseDelta EventType = "tool_use_delta"
	EventToolUseEnd   EventType = "tool_use_end"
	EventMessageEnd   EventType = "message_end"
	EventError        EventType = "error"
)

// StreamEvent is one normalized streaming event. Which fields are set depends
// on Type.
type StreamEvent struct {
	Type EventType `json:"type"`

	// text_delta
	Text string `json:"text,omitempty"`

	// tool_use_start, tool_use_delta, tool_use_end
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	PartialJSON string         `json:"partial_json,omitempty"`
	Input       map[string]any `json:"input,omitempty"`

	// message_end
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	// error
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// NewMessage returns a message with a fresh ID and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewUserMessage returns a user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewSystemMessage returns a system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewAssistantMessage returns an assistant message, optionally carrying tool calls.
func NewAssistantMessage(content string, calls ...ToolCall) Message {
	msg := NewMessage(RoleAssistant, content)
	if len(calls) > 0 {
		msg.Metadata.ToolCalls = calls
	}
	return msg
}

// NewToolResultMessage returns the result of the tool call identified by id.
func NewToolResultMessage(id, name, content string, isError bool) Message {
	msg := NewMessage(RoleTool, content)
	msg.Metadata.ToolUse = &ToolUse{ID: id, Name: name, IsError: isError}
	return msg
}

// DecodeArguments parses a JSON object of tool arguments. Empty or malformed
// input yields an empty map.
func DecodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
