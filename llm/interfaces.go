package llm

import (
	"context"
)

// Provider is one upstream LLM vendor behind the canonical message model.
// Implementations translate Options into the vendor request and normalize
// the vendor's stream into StreamEvents.
type Provider interface {
	// Name returns the vendor name, one of the Vendor constants.
	Name() string

	// CreateStream starts a streamed completion. The caller must Close the
	// returned stream; closing early cancels the upstream request.
	CreateStream(ctx context.Context, opts *Options) (Stream, error)

	// CreateCompletion runs a non-streamed completion.
	CreateCompletion(ctx context.Context, opts *Options) (*CompletionResult, error)
}

// Stream represents a streaming response from an LLM.
type Stream interface {
	// Next advances to the next event in the stream.
	// Returns false when the stream is complete or an error occurs.
	Next() bool

	// Event returns the current event.
	// Should only be called after Next() returns true.
	Event() *StreamEvent

	// Err returns any error that occurred during streaming.
	Err() error

	// Close closes the stream and releases resources.
	Close() error
}

// Middleware provides hooks for decorating Provider calls.
type Middleware interface {
	// BeforeRequest is called before making an API request.
	// It can modify the options or return an error to abort the request.
	BeforeRequest(ctx context.Context, opts *Options) (*Options, error)

	// AfterResponse is called after receiving a completion.
	AfterResponse(ctx context.Context, opts *Options, resp *CompletionResult) (*CompletionResult, error)

	// OnError is called when an error occurs.
	// Returning nil leaves the original error in place.
	OnError(ctx context.Context, opts *Options, err error) error
}

// StreamMiddleware provides hooks for decorating streaming calls.
type StreamMiddleware interface {
	// BeforeStream is called before starting a stream.
	BeforeStream(ctx context.Context, opts *Options) (*Options, error)

	// OnStreamEvent is called for each stream event.
	// It can modify the event or return an error to abort the stream.
	OnStreamEvent(ctx context.Context, opts *Options, event *StreamEvent) (*StreamEvent, error)

	// OnStreamError is called when a stream error occurs.
	OnStreamError(ctx context.Context, opts *Options, err error) error
}

// MiddlewareFunc is a function type that implements Middleware.
type MiddlewareFunc struct {
	BeforeRequestFunc func(ctx context.Context, opts *Options) (*Options, error)
	AfterResponseFunc func(ctx context.Context, opts *Options, resp *CompletionResult) (*CompletionResult, error)
	OnErrorFunc       func(ctx context.Context, opts *Options, err error) error
}

// BeforeRequest calls the BeforeRequestFunc if set.
func (f MiddlewareFunc) BeforeRequest(ctx context.Context, opts *Options) (*Options, error) {
	if f.BeforeRequestFunc != nil {
		return f.BeforeRequestFunc(ctx, opts)
	}
	return opts, nil
}

// AfterResponse calls the AfterResponseFunc if set.
func (f MiddlewareFunc) AfterResponse(ctx context.Context, opts *Options, resp *CompletionResult) (*CompletionResult, error) {
	if f.AfterResponseFunc != nil {
		return f.AfterResponseFunc(ctx, opts, resp)
	}
	return resp, nil
}

// OnError calls the OnErrorFunc if set.
func (f MiddlewareFunc) OnError(ctx context.Context, opts *Options, err error) error {
	if f.OnErrorFunc != nil {
		return f.OnErrorFunc(ctx, opts, err)
	}
	return err
}

// StreamMiddlewareFunc is a function type that implements StreamMiddleware.
type StreamMiddlewareFunc struct {
	MiddlewareFunc
	BeforeStreamFunc  func(ctx context.Context, opts *Options) (*Options, error)
	OnStreamEventFunc func(ctx context.Context, opts *Options, event *StreamEvent) (*StreamEvent, error)
	OnStreamErrorFunc func(ctx context.Context, opts *Options, err error) error
}

// BeforeStream calls the BeforeStreamFunc if set.
func (f StreamMiddlewareFunc) BeforeStream(ctx context.Context, opts *Options) (*Options, error) {
	if f.BeforeStreamFunc != nil {
		return f.BeforeStreamFunc(ctx, opts)
	}
	return opts, nil
}

// OnStreamEvent calls the OnStreamEventFunc if set.
func (f StreamMiddlewareFunc) OnStreamEvent(ctx context.Context, opts *Options, event *StreamEvent) (*StreamEvent, error) {
	if f.OnStreamEventFunc != nil {
		return f.OnStreamEventFunc(ctx, opts, event)
	}
	return event, nil
}

// OnStreamError calls the OnStreamErrorFunc if set.
func (f StreamMiddlewareFunc) OnStreamError(ctx context.Context, opts *Options, err error) error {
	if f.OnStreamErrorFunc != nil {
		return f.OnStreamErrorFunc(ctx, opts, err)
	}
	return err
}

// WrapWithMiddleware wraps a Provider with middleware and returns a new Provider.
// Middleware that also implements StreamMiddleware sees streaming calls.
func WrapWithMiddleware(provider Provider, middleware ...Middleware) Provider {
	if len(middleware) == 0 {
		return provider
	}
	return &providerWithMiddleware{
		provider:   provider,
		middleware: middleware,
	}
}

type providerWithMiddleware struct {
	provider   Provider
	middleware []Middleware
}

func (p *providerWithMiddleware) Name() string {
	return p.provider.Name()
}

// CreateCompletion implements Provider.CreateCompletion with middleware support.
func (p *providerWithMiddleware) CreateCompletion(ctx context.Context, opts *Options) (*CompletionResult, error) {
	for _, mw := range p.middleware {
		var err error
		opts, err = mw.BeforeRequest(ctx, opts)
		if err != nil {
			return nil, err
		}
	}

	resp, err := p.provider.CreateCompletion(ctx, opts)
	if err != nil {
		for _, mw := range p.middleware {
			if handled := mw.OnError(ctx, opts, err); handled != nil {
				err = handled
			}
		}
		return nil, err
	}

	for i := len(p.middleware) - 1; i >= 0; i-- {
		resp, err = p.middleware[i].AfterResponse(ctx, opts, resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// CreateStream implements Provider.CreateStream with middleware support.
func (p *providerWithMiddleware) CreateStream(ctx context.Context, opts *Options) (Stream, error) {
	for _, mw := range p.middleware {
		if smw, ok := mw.(StreamMiddleware); ok {
			var err error
			opts, err = smw.BeforeStream(ctx, opts)
			if err != nil {
				return nil, err
			}
		}
	}

	stream, err := p.provider.CreateStream(ctx, opts)
	if err != nil {
		return nil, p.streamError(ctx, opts, err)
	}

	return &streamWithMiddleware{
		stream: stream,
		parent: p,
		opts:   opts,
		ctx:    ctx,
	}, nil
}

func (p *providerWithMiddleware) streamError(ctx context.Context, opts *Options, err error) error {
	for _, mw := range p.middleware {
		if smw, ok := mw.(StreamMiddleware); ok {
			if handled := smw.OnStreamError(ctx, opts, err); handled != nil {
				err = handled
			}
		}
	}
	return err
}

// streamWithMiddleware wraps a Stream with middleware.
type streamWithMiddleware struct {
	stream   Stream
	parent   *providerWithMiddleware
	opts     *Options
	ctx      context.Context
	event    *StreamEvent
	err      error
	reported bool
}

// Next implements Stream.Next with middleware support.
func (s *streamWithMiddleware) Next() bool {
	if s.err != nil || !s.stream.Next() {
		return false
	}

	event := s.stream.Event()
	if event == nil {
		return false
	}

	for _, mw := range s.parent.middleware {
		if smw, ok := mw.(StreamMiddleware); ok {
			var err error
			event, err = smw.OnStreamEvent(s.ctx, s.opts, event)
			if err != nil {
				s.err = err
				return false
			}
			if event == nil {
				return false
			}
		}
	}

	s.event = event
	return true
}

// Event implements Stream.Event.
func (s *streamWithMiddleware) Event() *StreamEvent {
	return s.event
}

// Err implements Stream.Err. Stream errors pass through OnStreamError once.
func (s *streamWithMiddleware) Err() error {
	if s.err != nil {
		return s.err
	}
	err := s.stream.Err()
	if err != nil && !s.reported {
		s.reported = true
		s.err = s.parent.streamError(s.ctx, s.opts, err)
		return s.err
	}
	return err
}

// Close implements Stream.Close.
func (s *streamWithMiddleware) Close() error {
	return s.stream.Close()
}

var _ Stream = (*streamWithMiddleware)(nil)

var _ Provider = (*providerWithMiddleware)(nil)
