package gemini

import (
	"encoding/json"

	"google.golang.org/genai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/transform"
)

// normalizer converts streamed Gemini responses into llm.StreamEvents.
// Gemini sends each function call whole, so start, delta and end are
// emitted together.
type normalizer struct {
	usage       *llm.Usage
	finish      genai.FinishReason
	calledTools bool
}

func newNormalizer() *normalizer {
	return &normalizer{}
}

func (n *normalizer) Reset() {
	n.usage = nil
	n.finish = ""
	n.calledTools = false
}

func (n *normalizer) Normalize(resp *genai.GenerateContentResponse) []llm.StreamEvent {
	if resp == nil {
		return nil
	}
	if resp.UsageMetadata != nil {
		n.usage = transform.GeminiUsage(resp.UsageMetadata)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}

	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		n.finish = cand.FinishReason
	}
	if cand.Content == nil {
		return nil
	}

	var events []llm.StreamEvent
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			n.calledTools = true
			call := transform.GeminiToolCall(part.FunctionCall)
			args, _ := json.Marshal(call.Arguments)
			events = append(events,
				llm.StreamEvent{Type: llm.EventToolUseStart, ToolUseID: call.ID, ToolName: call.Name},
				llm.StreamEvent{Type: llm.EventToolUseDelta, ToolUseID: call.ID, ToolName: call.Name, PartialJSON: string(args)},
				llm.StreamEvent{Type: llm.EventToolUseEnd, ToolUseID: call.ID, ToolName: call.Name, Input: call.Arguments},
			)
		case part.Text != "" && !part.Thought:
			events = append(events, llm.StreamEvent{Type: llm.EventTextDelta, Text: part.Text})
		}
	}
	return events
}

func (n *normalizer) Finish() []llm.StreamEvent {
	return []llm.StreamEvent{{
		Type:       llm.EventMessageEnd,
		Usage:      n.usage,
		StopReason: transform.GeminiStopReason(n.finish, n.calledTools),
	}}
}
