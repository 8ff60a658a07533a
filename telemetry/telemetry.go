// Package telemetry defines the logging, metrics, and tracing seams used by
// every pipeline component. Implementations delegate to goa.design/clue and
// OpenTelemetry; the interfaces are intentionally small so tests can provide
// lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names recorded by the pipeline. Counters count occurrences; the
// write-duration histogram is recorded in seconds.
const (
	MetricEventsPersisted    = "turnpipe.events.persisted"
	MetricAsyncWriteFailures = "turnpipe.persist.async.failures"
	MetricAsyncWriteDropped  = "turnpipe.persist.async.dropped"
	MetricWriteDuration      = "turnpipe.persist.write.duration"
	MetricStopReasonFallback = "turnpipe.normalize.stop_reason.fallback"
	MetricOrphansFinalized   = "turnpipe.tools.orphans.finalized"
	MetricUnmatchedResponses = "turnpipe.tools.responses.unmatched"
	MetricDuplicateRequests  = "turnpipe.tools.requests.duplicate"
	MetricTurnAborts         = "turnpipe.turns.aborted"
)

// Logger captures structured logging used throughout the pipeline. Keys and
// values alternate in keyvals; non-string keys are dropped.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for pipeline instrumentation.
// Tags alternate key, value.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// Tracer abstracts span creation so pipeline code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span is an in-flight tracing span.
//
//	ctx, span := tracer.Start(ctx, "turnpipe.process_turn")
//	defer span.End()
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
