package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

type event struct {
	usage *UsageRecord
	cache *CacheRecord
	err   *ErrorRecord
}

// Recorder queues records for a Sink. The zero value is not usable; a nil
// *Recorder is, and records nothing.
type Recorder struct {
	sink    Sink
	queue   chan event
	done    chan struct{}
	closed  atomic.Bool
	closeMu sync.RWMutex
	dropped atomic.Int64
	now     func() time.Time
	logger  zerolog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan event, n)
		}
	}
}

// WithClock sets the time source used to stamp records missing At.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder starts the worker goroutine. Call Close to stop it.
func NewRecorder(sink Sink, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	r := &Recorder{
		sink:   sink,
		queue:  make(chan event, defaultQueueSize),
		done:   make(chan struct{}),
		now:    time.Now,
		logger: logger.With().Str("component", "telemetry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// RecordUsage enqueues a usage record.
func (r *Recorder) RecordUsage(rec UsageRecord) {
	if r == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = r.now()
	}
	r.enqueue(event{usage: &rec})
}

// RecordCache enqueues a cache record.
func (r *Recorder) RecordCache(rec CacheRecord) {
	if r == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = r.now()
	}
	r.enqueue(event{cache: &rec})
}

// RecordError enqueues an error record.
func (r *Recorder) RecordError(rec ErrorRecord) {
	if r == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = r.now()
	}
	r.enqueue(event{err: &rec})
}

// Dropped returns how many records were discarded because the queue was full
// or the recorder was closed.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.closeMu.Lock()
	if r.closed.Swap(true) {
		r.closeMu.Unlock()
		return nil
	}
	close(r.queue)
	r.closeMu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telemetry drain: %w", ctx.Err())
	}
}

func (r *Recorder) enqueue(ev event) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		r.logger.Debug().Msg("Telemetry queue full, record dropped")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.write(ev)
	}
}

func (r *Recorder) write(ev event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug().Interface("panic", p).Msg("Telemetry sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	var err error
	switch {
	case ev.usage != nil:
		err = r.sink.WriteUsage(ctx, *ev.usage)
	case ev.cache != nil:
		err = r.sink.WriteCache(ctx, *ev.cache)
	case ev.err != nil:
		err = r.sink.WriteError(ctx, *ev.err)
	}
	if err != nil {
		r.logger.Debug().Err(err).Msg("Failed to write telemetry")
	}
}
