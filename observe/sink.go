package observe

import (
	"context"
	"log/slog"
	"sync"
)

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

// Fanout sends each event to every sink and returns the first error after
// all sinks have seen it.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) Sink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	switch len(kept) {
	case 0:
		return NoopSink{}
	case 1:
		return kept[0]
	}
	return &Fanout{sinks: kept}
}

func (f *Fanout) Emit(ctx context.Context, event Event) error {
	var first error
	for _, sink := range f.sinks {
		if err := sink.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes events through slog at debug level, failures at warn.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, event Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if event.Status == StatusFailed {
		level = slog.LevelWarn
	}
	attrs := []any{"kind", event.Kind, "status", event.Status}
	if event.JobID != "" {
		attrs = append(attrs, "job_id", event.JobID)
	}
	if event.Step != "" {
		attrs = append(attrs, "step", event.Step)
	}
	if event.Endpoint != "" {
		attrs = append(attrs, "endpoint", event.Endpoint)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	msg := event.Message
	if msg == "" {
		msg = string(event.Kind) + " " + string(event.Status)
	}
	logger.Log(ctx, level, msg, attrs...)
	return nil
}

// AsyncSink forwards events to a downstream sink from a single goroutine.
// Events are dropped when the buffer is full.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	done       chan struct{}
	once       sync.Once
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		done:       make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	event.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
	default:
	}
	return nil
}

// Close stops accepting events and waits for queued ones to drain.
func (s *AsyncSink) Close() {
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		_ = s.downstream.Emit(context.Background(), event)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, event Event) error {
	event.Normalize()
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
