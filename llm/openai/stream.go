package openai

import (
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/transform"
)

// chunkReceiver is the receiving side of *openai.ChatCompletionStream.
type chunkReceiver interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// recvSource adapts a Recv-style stream to llm.ChunkSource. io.EOF ends the
// stream cleanly.
type recvSource struct {
	stream chunkReceiver
	cur    openai.ChatCompletionStreamResponse
	err    error
	done   bool
}

func newRecvSource(stream chunkReceiver) *recvSource {
	return &recvSource{stream: stream}
}

func (s *recvSource) Next() bool {
	if s.done {
		return false
	}
	resp, err := s.stream.Recv()
	if err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	s.cur = resp
	return true
}

func (s *recvSource) Current() openai.ChatCompletionStreamResponse { return s.cur }
func (s *recvSource) Err() error                                   { return s.err }
func (s *recvSource) Close() error                                 { return s.stream.Close() }

// normalizer converts chat completion chunks into llm.StreamEvents. Tool call
// arguments arrive as fragments keyed by index; each call ends when the
// choice reports a finish reason. Usage arrives in a trailing chunk with no
// choices, so message_end is emitted from Finish.
type normalizer struct {
	calls      map[int]*toolCall
	order      []int
	usage      *llm.Usage
	stopReason string
}

type toolCall struct {
	id   string
	name string
	args strings.Builder
}

func newNormalizer() *normalizer {
	return &normalizer{}
}

func (n *normalizer) Reset() {
	n.calls = make(map[int]*toolCall)
	n.order = nil
	n.usage = nil
	n.stopReason = ""
}

func (n *normalizer) Normalize(chunk openai.ChatCompletionStreamResponse) []llm.StreamEvent {
	if chunk.Usage != nil {
		n.usage = transform.OpenAIUsage(*chunk.Usage)
	}

	var events []llm.StreamEvent
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			events = append(events, llm.StreamEvent{Type: llm.EventTextDelta, Text: choice.Delta.Content})
		}

		for _, delta := range choice.Delta.ToolCalls {
			idx := 0
			if delta.Index != nil {
				idx = *delta.Index
			}
			call, ok := n.calls[idx]
			if !ok {
				call = &toolCall{id: delta.ID, name: delta.Function.Name}
				if call.id == "" {
					call.id = "call_" + uuid.NewString()
				}
				n.calls[idx] = call
				n.order = append(n.order, idx)
				events = append(events, llm.StreamEvent{Type: llm.EventToolUseStart, ToolUseID: call.id, ToolName: call.name})
			} else if call.name == "" {
				call.name = delta.Function.Name
			}
			if delta.Function.Arguments != "" {
				call.args.WriteString(delta.Function.Arguments)
				events = append(events, llm.StreamEvent{
					Type:        llm.EventToolUseDelta,
					ToolUseID:   call.id,
					ToolName:    call.name,
					PartialJSON: delta.Function.Arguments,
				})
			}
		}

		if choice.FinishReason != "" {
			n.stopReason = transform.OpenAIStopReason(choice.FinishReason)
			events = append(events, n.flushCalls()...)
		}
	}
	return events
}

func (n *normalizer) Finish() []llm.StreamEvent {
	events := n.flushCalls()
	stop := n.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	return append(events, llm.StreamEvent{Type: llm.EventMessageEnd, Usage: n.usage, StopReason: stop})
}

func (n *normalizer) flushCalls() []llm.StreamEvent {
	events := make([]llm.StreamEvent, 0, len(n.order))
	for _, idx := range n.order {
		call := n.calls[idx]
		events = append(events, llm.StreamEvent{
			Type:      llm.EventToolUseEnd,
			ToolUseID: call.id,
			ToolName:  call.name,
			Input:     llm.DecodeArguments(call.args.String()),
		})
	}
	clear(n.calls)
	n.order = n.order[:0]
	return events
}
