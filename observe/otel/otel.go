// Package otel turns observe events into OpenTelemetry spans.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/dao-ai-builder/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/dao-ai-builder/observe"

// Sink implements observe.Sink by emitting one span per event.
type Sink struct {
	tracer trace.Tracer
}

// NewSink uses tp, or a noop provider when tp is nil.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	start := event.Timestamp
	_, span := s.tracer.Start(context.WithoutCancel(ctx), SpanName(event), trace.WithTimestamp(start))

	attrs := []attribute.KeyValue{attribute.String("dao.event.kind", string(event.Kind))}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("dao.job.id", event.JobID)
	add("dao.event.name", event.Name)
	add("dao.step", event.Step)
	add("dao.endpoint", event.Endpoint)
	add("dao.status", string(event.Status))
	if event.Message != "" {
		attrs = append(attrs, attribute.String("dao.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("dao.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("dao.attr."+k, fmt.Sprint(v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(errors.New(event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	end := start
	if event.DurationMs > 0 {
		end = start.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

// SpanName derives the span name from the event kind.
func SpanName(event observe.Event) string {
	switch event.Kind {
	case observe.KindDeployment:
		return "dao.deployment"
	case observe.KindStep:
		if event.Step != "" {
			return "dao.deployment." + event.Step
		}
		return "dao.deployment.step"
	case observe.KindChat:
		return "dao.chat"
	case observe.KindPlatform:
		if event.Name != "" {
			return "dao.platform." + event.Name
		}
		return "dao.platform.call"
	default:
		if event.Name != "" {
			return "dao." + event.Name
		}
		return "dao.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
