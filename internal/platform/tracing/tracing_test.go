package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/todo-1m/nowlater/internal/platform/config"
)

func preserveGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func enabled() config.OTel {
	return config.OTel{Enabled: true, Insecure: true, Endpoint: "localhost:4317", SampleRatio: 1}
}

func TestSetupDisabled(t *testing.T) {
	preserveGlobals(t)
	prev := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), config.OTel{}, "todo-api", "dev")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Fatalf("disabled setup replaced the tracer provider")
	}
}

func TestSetupInstallsProvider(t *testing.T) {
	preserveGlobals(t)
	for _, insecure := range []bool{true, false} {
		cfg := enabled()
		cfg.Insecure = insecure
		shutdown, err := Setup(context.Background(), cfg, "todo-api", "dev")
		if err != nil {
			t.Fatalf("insecure=%v: unexpected err: %v", insecure, err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
			t.Fatalf("insecure=%v: expected *sdktrace.TracerProvider", insecure)
		}
		_, span := otel.Tracer("test").Start(context.Background(), "span")
		span.End()
		_ = shutdown(context.Background())
	}
}

func TestSetupUsesConfiguredServiceName(t *testing.T) {
	preserveGlobals(t)
	orig := newServiceResource
	t.Cleanup(func() { newServiceResource = orig })

	var got string
	newServiceResource = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		got = serviceName
		return orig(ctx, serviceName, version)
	}
	cfg := enabled()
	cfg.ServiceName = "nowlater-api"
	shutdown, err := Setup(context.Background(), cfg, "todo-api", "dev")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()
	if got != "nowlater-api" {
		t.Fatalf("service name = %q", got)
	}
}

func TestSetupErrorsLeaveGlobalsIntact(t *testing.T) {
	preserveGlobals(t)
	origExp, origRes := newOTLPExporter, newServiceResource
	t.Cleanup(func() { newOTLPExporter, newServiceResource = origExp, origRes })

	prevTP := otel.GetTracerProvider()

	newOTLPExporter = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("boom-exporter")
	}
	if _, err := Setup(context.Background(), enabled(), "svc", "v0"); err == nil {
		t.Fatalf("expected exporter error")
	}

	newOTLPExporter = origExp
	newServiceResource = func(context.Context, string, string) (*resource.Resource, error) {
		return nil, errors.New("boom-resource")
	}
	if _, err := Setup(context.Background(), enabled(), "svc", "v0"); err == nil {
		t.Fatalf("expected resource error")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
}
