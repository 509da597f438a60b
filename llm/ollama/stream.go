package ollama

import (
	"encoding/json"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/transform"
)

// normalizer converts Ollama chat chunks into llm.StreamEvents. Ollama sends
// incremental text and whole tool calls; the final chunk has Done set and
// carries the eval counts.
type normalizer struct {
	logger      zerolog.Logger
	schemas     map[string]llm.ToolSchema
	usage       *llm.Usage
	doneReason  string
	calledTools bool
}

func newNormalizer(logger zerolog.Logger, schemas map[string]llm.ToolSchema) *normalizer {
	return &normalizer{logger: logger, schemas: schemas}
}

func (n *normalizer) Reset() {
	n.usage = nil
	n.doneReason = ""
	n.calledTools = false
}

func (n *normalizer) Normalize(resp api.ChatResponse) []llm.StreamEvent {
	var events []llm.StreamEvent
	if resp.Message.Content != "" {
		events = append(events, llm.StreamEvent{Type: llm.EventTextDelta, Text: resp.Message.Content})
	}

	for _, call := range transform.FromOllamaToolCalls(resp.Message.ToolCalls) {
		n.calledTools = true
		args := coerce(n.logger, n.schemas, call)
		raw, _ := json.Marshal(args)
		events = append(events,
			llm.StreamEvent{Type: llm.EventToolUseStart, ToolUseID: call.ID, ToolName: call.Name},
			llm.StreamEvent{Type: llm.EventToolUseDelta, ToolUseID: call.ID, ToolName: call.Name, PartialJSON: string(raw)},
			llm.StreamEvent{Type: llm.EventToolUseEnd, ToolUseID: call.ID, ToolName: call.Name, Input: args},
		)
	}

	if resp.Done {
		n.doneReason = resp.DoneReason
		n.usage = &llm.Usage{
			InputTokens:  int64(resp.PromptEvalCount),
			OutputTokens: int64(resp.EvalCount),
		}
	}
	return events
}

func (n *normalizer) Finish() []llm.StreamEvent {
	return []llm.StreamEvent{{
		Type:       llm.EventMessageEnd,
		Usage:      n.usage,
		StopReason: transform.OllamaStopReason(n.doneReason, n.calledTools),
	}}
}
