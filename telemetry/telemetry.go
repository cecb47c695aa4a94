// Package telemetry provides the logging, metrics, and tracing seams used by
// the conversation engine. Implementations delegate to Clue and OpenTelemetry;
// the interfaces are intentionally small so tests can provide lightweight stubs
// and so the engine carries no hard dependency on a provider being configured.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine. The engine
// only ever logs diagnostics (gap stalls, forced advances, dropped payloads);
// it never logs on the hot path of a clean ordered stream.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and gauge helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code remains agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span is an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Counter names recorded by the engine. All are tagged with "thread" where a
// thread is in scope.
const (
	// MetricMalformed counts payloads dropped by the normalizer.
	MetricMalformed = "threads_events_malformed"
	// MetricOutOfScope counts events dropped by the scope filter.
	MetricOutOfScope = "threads_events_out_of_scope"
	// MetricDuplicate counts events dropped as duplicates (buffer or dedup set).
	MetricDuplicate = "threads_events_duplicate"
	// MetricGapStall counts pushes that left a sequence gap unapplied.
	MetricGapStall = "threads_sequence_gap_stall"
	// MetricForcedAdvance counts stall-recovery jumps.
	MetricForcedAdvance = "threads_sequence_forced_advance"
	// MetricEvicted counts buffered events evicted by buffer bounds.
	MetricEvicted = "threads_events_evicted"
)
