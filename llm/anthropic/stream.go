package anthropic

import (
	"slices"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/kkeelor/tradeclarity/gateway/llm"
)

// normalizer converts Anthropic stream events into llm.StreamEvents. Tool
// input arrives as partial JSON per content block index and is parsed when
// the block stops.
type normalizer struct {
	logger     zerolog.Logger
	tools      map[int64]*toolBlock
	usage      llm.Usage
	stopReason string
	ended      bool
}

type toolBlock struct {
	id    string
	name  string
	input strings.Builder
}

func newNormalizer(logger zerolog.Logger) *normalizer {
	return &normalizer{logger: logger}
}

func (n *normalizer) Reset() {
	n.tools = make(map[int64]*toolBlock)
	n.usage = llm.Usage{}
	n.stopReason = ""
	n.ended = false
}

func (n *normalizer) Normalize(event anthropic.MessageStreamEventUnion) []llm.StreamEvent {
	switch event.Type {
	case "message_start":
		u := event.Message.Usage
		n.usage = llm.Usage{
			InputTokens:              u.InputTokens,
			OutputTokens:             u.OutputTokens,
			CacheCreationInputTokens: u.CacheCreationInputTokens,
			CacheReadInputTokens:     u.CacheReadInputTokens,
		}

	case "content_block_start":
		block := event.ContentBlock
		if block.Type != "tool_use" {
			return nil
		}
		n.tools[event.Index] = &toolBlock{id: block.ID, name: block.Name}
		return []llm.StreamEvent{{Type: llm.EventToolUseStart, ToolUseID: block.ID, ToolName: block.Name}}

	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				return []llm.StreamEvent{{Type: llm.EventTextDelta, Text: event.Delta.Text}}
			}
		case "input_json_delta":
			tb, ok := n.tools[event.Index]
			if !ok || event.Delta.PartialJSON == "" {
				return nil
			}
			tb.input.WriteString(event.Delta.PartialJSON)
			return []llm.StreamEvent{{Type: llm.EventToolUseDelta, ToolUseID: tb.id, ToolName: tb.name, PartialJSON: event.Delta.PartialJSON}}
		}

	case "content_block_stop":
		tb, ok := n.tools[event.Index]
		if !ok {
			return nil
		}
		delete(n.tools, event.Index)
		return []llm.StreamEvent{toolUseEnd(tb)}

	case "message_delta":
		if event.Delta.StopReason != "" {
			n.stopReason = string(event.Delta.StopReason)
		}
		// Counts in message_delta are cumulative.
		u := event.Usage
		n.usage.InputTokens = max(n.usage.InputTokens, u.InputTokens)
		n.usage.OutputTokens = max(n.usage.OutputTokens, u.OutputTokens)
		n.usage.CacheCreationInputTokens = max(n.usage.CacheCreationInputTokens, u.CacheCreationInputTokens)
		n.usage.CacheReadInputTokens = max(n.usage.CacheReadInputTokens, u.CacheReadInputTokens)

	case "message_stop":
		return n.end()
	}
	return nil
}

// Finish ends a stream that closed without message_stop.
func (n *normalizer) Finish() []llm.StreamEvent {
	if n.ended {
		return nil
	}
	return n.end()
}

func (n *normalizer) end() []llm.StreamEvent {
	n.ended = true

	var events []llm.StreamEvent
	pending := lo.Keys(n.tools)
	slices.Sort(pending)
	for _, idx := range pending {
		events = append(events, toolUseEnd(n.tools[idx]))
	}
	clear(n.tools)

	usage := n.usage
	logCacheStats(n.logger, &usage, "Prompt cache stats (stream)")

	stop := n.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	return append(events, llm.StreamEvent{Type: llm.EventMessageEnd, Usage: &usage, StopReason: stop})
}

func toolUseEnd(tb *toolBlock) llm.StreamEvent {
	return llm.StreamEvent{
		Type:      llm.EventToolUseEnd,
		ToolUseID: tb.id,
		ToolName:  tb.name,
		Input:     llm.DecodeArguments(tb.input.String()),
	}
}
