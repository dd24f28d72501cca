package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Recorder is an in-memory span exporter for tests: rather than resetting
// the process-global tracer provider between tests, build one recorder,
// install it via SetTracerProvider, and inspect Spans() afterward.
type Recorder struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

// NewRecorder builds a Recorder and a TracerProvider backed by it,
// exporting synchronously so Spans() reflects completed spans
// immediately after they end.
func NewRecorder() (*Recorder, *sdktrace.TracerProvider) {
	r := &Recorder{}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(r),
	)
	return r, tp
}

// ExportSpans implements sdktrace.SpanExporter.
func (r *Recorder) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, spans...)
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (r *Recorder) Shutdown(ctx context.Context) error { return nil }

// Spans returns every span recorded so far.
func (r *Recorder) Spans() []sdktrace.ReadOnlySpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sdktrace.ReadOnlySpan, len(r.spans))
	copy(out, r.spans)
	return out
}
