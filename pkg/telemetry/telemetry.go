// Package telemetry provides the process-global tracer used to continue
// one distributed trace across route.execute's synchronous accept phase
// and its background process phase.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/butlerhq/substrate"

var tracer = oteltrace.Tracer(noop.NewTracerProvider().Tracer(tracerName))

// Init installs a TracerProvider exporting spans to stdout, named
// serviceName. Call once at daemon startup; safe to skip in tests, which
// should call SetTracerProvider with an in-memory recorder instead.
func Init(serviceName string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// ShutdownCloser adapts Init's returned shutdown func to pkg/shutdown's
// zero-arg Closer interface, the same way each daemon wraps its database
// pool's Close. Shutdown may be nil (Init failed, or was never called);
// Close is then a no-op.
type ShutdownCloser struct {
	Shutdown func(ctx context.Context) error
}

func (c ShutdownCloser) Close() {
	if c.Shutdown == nil {
		return
	}
	if err := c.Shutdown(context.Background()); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}

// SetTracerProvider installs tp as the process-global provider. Tests use
// this to inject an in-memory recorder (see NewRecorder).
func SetTracerProvider(tp oteltrace.TracerProvider) {
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(tracerName)
}

// StartAcceptSpan starts the synchronous accept-phase span for requestID.
func StartAcceptSpan(ctx context.Context, name, requestID string) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("request_id", requestID))
	return ctx, span
}

// StartProcessSpan starts the background process-phase span. It belongs
// to the same trace as the accept span (acceptSpanCtx is installed as its
// remote parent) and carries a span-link back to it.
func StartProcessSpan(ctx context.Context, name, requestID string, acceptSpanCtx oteltrace.SpanContext) (context.Context, oteltrace.Span) {
	linked := oteltrace.ContextWithRemoteSpanContext(ctx, acceptSpanCtx)
	spanCtx, span := tracer.Start(linked, name, oteltrace.WithLinks(oteltrace.Link{SpanContext: acceptSpanCtx}))
	span.SetAttributes(attribute.String("request_id", requestID))
	return spanCtx, span
}
