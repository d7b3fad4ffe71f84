package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := NewTracerFromProvider(tp, "test")
	ctx, span := tracer.Start(context.Background(), "session.login", "role", "DOCTOR")
	if GetTraceID(ctx) == "" {
		t.Error("GetTraceID() returned empty for active span")
	}
	End(span, errors.New("invalid credentials"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "session.login" {
		t.Errorf("Name() = %q", got.Name())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("Status() = %v, want error", got.Status())
	}
	if len(got.Attributes()) != 1 || got.Attributes()[0].Value.AsString() != "DOCTOR" {
		t.Errorf("Attributes() = %v", got.Attributes())
	}
}

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(TraceConfig{})
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	_, span := tracer.Start(context.Background(), "noop")
	End(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}

	var nilTracer *Tracer
	_, span = nilTracer.Start(context.Background(), "nil")
	End(span, nil)
}
