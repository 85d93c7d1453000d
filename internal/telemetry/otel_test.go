package telemetry

import (
	"context"
	"testing"
)

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", true)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, span := Tracer().Start(context.Background(), "check")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("expected a no-op span without an exporter")
	}
}
