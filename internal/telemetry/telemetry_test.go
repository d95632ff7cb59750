package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_EmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := Init("medbot", "test", "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestStartSpanAndRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "retrieval.search", attribute.Int("top_k", 3))
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	s := ended[0]
	if s.Name() != "retrieval.search" {
		t.Errorf("unexpected span name %q", s.Name())
	}
	if s.Status().Code != codes.Error || s.Status().Description != "boom" {
		t.Errorf("unexpected status %+v", s.Status())
	}
	if len(s.Events()) != 1 {
		t.Errorf("expected 1 error event, got %d", len(s.Events()))
	}
	found := false
	for _, a := range s.Attributes() {
		if a.Key == "top_k" && a.Value.AsInt64() == 3 {
			found = true
		}
	}
	if !found {
		t.Error("expected top_k attribute on span")
	}
}
