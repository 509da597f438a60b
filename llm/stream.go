package llm

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
)

// ChunkSource iterates a vendor's raw stream. It matches the shape of the
// vendor SDK stream types so most can be used directly.
type ChunkSource[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// ChunkNormalizer turns raw vendor chunks into StreamEvents. Normalize may
// return no events for chunks that carry nothing; Finish is called once at
// the end of a source that ended without error.
type ChunkNormalizer[T any] interface {
	Reset()
	Normalize(chunk T) []StreamEvent
	Finish() []StreamEvent
}

// ErrorMapper converts a vendor error into an *Error.
type ErrorMapper func(error) error

// ChunkStream adapts a ChunkSource and ChunkNormalizer to Stream. It is
// the shared base of every vendor stream.
type ChunkStream[T any] struct {
	source     ChunkSource[T]
	normalizer ChunkNormalizer[T]
	mapErr     ErrorMapper
	cancel     context.CancelFunc

	pending []StreamEvent
	current *StreamEvent
	err     error
	done    bool
	closed  atomic.Bool
}

// NewChunkStream creates a stream over source. cancel, if non-nil, is called
// on Close to abort the upstream request.
func NewChunkStream[T any](cancel context.CancelFunc, source ChunkSource[T], normalizer ChunkNormalizer[T], mapErr ErrorMapper) *ChunkStream[T] {
	if mapErr == nil {
		mapErr = func(err error) error { return err }
	}
	normalizer.Reset()
	return &ChunkStream[T]{
		source:     source,
		normalizer: normalizer,
		mapErr:     mapErr,
		cancel:     cancel,
	}
}

// Next advances to the next event.
func (s *ChunkStream[T]) Next() bool {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.current = &ev
			return true
		}
		if s.done || s.closed.Load() {
			s.current = nil
			return false
		}
		if s.source.Next() {
			s.pending = append(s.pending, s.normalizer.Normalize(s.source.Current())...)
			continue
		}

		s.done = true
		if err := s.source.Err(); err != nil {
			if s.closed.Load() && errors.Is(err, context.Canceled) {
				continue
			}
			s.err = s.mapErr(err)
			s.pending = append(s.pending, ErrorEvent(s.err))
			continue
		}
		s.pending = append(s.pending, s.normalizer.Finish()...)
	}
}

// Event returns the current event.
func (s *ChunkStream[T]) Event() *StreamEvent {
	return s.current
}

// Err returns the mapped upstream error, if any.
func (s *ChunkStream[T]) Err() error {
	return s.err
}

// Close cancels the upstream request and releases the source.
func (s *ChunkStream[T]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	return s.source.Close()
}

// PullSource adapts a push iterator to ChunkSource. The first error ends the
// source; Close stops the iterator.
type PullSource[T any] struct {
	next func() (T, error, bool)
	stop func()
	cur  T
	err  error
	done bool
}

// NewPullSource returns a ChunkSource pulling from seq.
func NewPullSource[T any](seq iter.Seq2[T, error]) *PullSource[T] {
	next, stop := iter.Pull2(seq)
	return &PullSource[T]{next: next, stop: stop}
}

// Next advances to the next chunk.
func (s *PullSource[T]) Next() bool {
	if s.done {
		return false
	}
	chunk, err, ok := s.next()
	if !ok || err != nil {
		s.done = true
		s.err = err
		s.stop()
		return false
	}
	s.cur = chunk
	return true
}

// Current returns the current chunk.
func (s *PullSource[T]) Current() T { return s.cur }

// Err returns the error that ended the source, if any.
func (s *PullSource[T]) Err() error { return s.err }

// Close stops the underlying iterator.
func (s *PullSource[T]) Close() error {
	s.done = true
	s.stop()
	return nil
}

// Events adapts a Stream to a range-over-func iterator. Breaking out of the
// loop closes the stream. The error event, if any, is yielded with the
// stream's error.
func Events(stream Stream) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		defer stream.Close()
		sawError := false
		for stream.Next() {
			ev := stream.Event()
			if ev == nil {
				continue
			}
			var err error
			if ev.Type == EventError {
				sawError = true
				if err = stream.Err(); err == nil {
					err = &Error{Type: ErrorType(ev.ErrorCode), Message: ev.ErrorMessage}
				}
			}
			if !yield(*ev, err) {
				return
			}
		}
		if err := stream.Err(); err != nil && !sawError {
			yield(ErrorEvent(err), err)
		}
	}
}

// Collect drains a stream into a CompletionResult. The stream is closed.
func Collect(stream Stream) (*CompletionResult, error) {
	result := &CompletionResult{}
	var text []byte
	for ev, err := range Events(stream) {
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case EventTextDelta:
			text = append(text, ev.Text...)
		case EventToolUseEnd:
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: ev.ToolUseID, Name: ev.ToolName, Arguments: ev.Input})
		case EventMessageEnd:
			result.Usage = ev.Usage
			result.StopReason = ev.StopReason
		}
	}
	result.Content = string(text)
	return result, nil
}
