package telemetry

import (
	"encoding/hex"
	"fmt"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// TraceContext mirrors rpctool.TraceContext's shape without importing
// rpctool, keeping this package a leaf dependency.
type TraceContext struct {
	TraceID    string
	SpanID     string
	TraceFlags string
}

// SpanContextFromTraceContext reconstructs a remote SpanContext from a
// propagated trace_context envelope extension.
func SpanContextFromTraceContext(tc TraceContext) (oteltrace.SpanContext, error) {
	traceID, err := oteltrace.TraceIDFromHex(tc.TraceID)
	if err != nil {
		return oteltrace.SpanContext{}, fmt.Errorf("telemetry: invalid trace_id: %w", err)
	}
	spanID, err := oteltrace.SpanIDFromHex(tc.SpanID)
	if err != nil {
		return oteltrace.SpanContext{}, fmt.Errorf("telemetry: invalid span_id: %w", err)
	}

	flags := oteltrace.TraceFlags(0)
	if tc.TraceFlags != "" {
		raw, err := hex.DecodeString(tc.TraceFlags)
		if err == nil && len(raw) == 1 {
			flags = oteltrace.TraceFlags(raw[0])
		}
	}

	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), nil
}

// TraceContextFromSpan extracts the propagatable trace_context extension
// for a span, for embedding in outbound RPC calls.
func TraceContextFromSpan(span oteltrace.Span) TraceContext {
	sc := span.SpanContext()
	return TraceContext{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: hex.EncodeToString([]byte{byte(sc.TraceFlags())}),
	}
}
