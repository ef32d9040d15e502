package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer(Options{ServiceName: "gateway-test", Stdout: true, Writer: &buf},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "forward WORKSPACE")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "forward WORKSPACE") || !strings.Contains(out, "gateway-test") {
		t.Errorf("exported spans missing name or service: %s", out)
	}
}

func TestInitTracer_NoExporter(t *testing.T) {
	shutdown, err := InitTracer(Options{ServiceName: "gateway-test"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	defer shutdown(context.Background())

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Error("span context should be valid without an exporter")
	}
}
