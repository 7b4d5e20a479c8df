package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"cynsta/spendguard/pkg/config"
)

func newRecordingTracer(t *testing.T, ratio float64) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tr := NewWithExporter(&config.TracingConfig{Enabled: true, SampleRatio: ratio}, exp)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr, exp
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tr, err := New(&config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tr.Enabled() {
		t.Error("disabled tracer reports enabled")
	}

	ctx, span := tr.Start(context.Background(), SpanPreflight)
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("noop span has a valid span context")
	}
	if TraceID(ctx) != "" {
		t.Error("noop span produced a trace id")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNew_NilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestNilTracerStartsNoopSpans(t *testing.T) {
	var tr *Tracer
	_, span := tr.Start(context.Background(), SpanSettle)
	span.End()
	if tr.Enabled() {
		t.Error("nil tracer reports enabled")
	}
}

func TestStart_RecordsSpansWithAttributes(t *testing.T) {
	tr, exp := newRecordingTracer(t, 1)

	ctx, parent := tr.Start(context.Background(), SpanPreflight,
		trace.WithAttributes(CallAttrs("agent-1", "openai", "gpt-4o")...))
	if TraceID(ctx) == "" {
		t.Fatal("expected a trace id on the span context")
	}
	_, child := tr.Start(ctx, SpanReserve)
	End(child, nil)
	End(parent, errors.New("insufficient budget"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	reserve, preflight := spans[0], spans[1]
	if reserve.Name != SpanReserve || preflight.Name != SpanPreflight {
		t.Fatalf("unexpected span order: %s, %s", reserve.Name, preflight.Name)
	}
	if reserve.Parent.SpanID() != preflight.SpanContext.SpanID() {
		t.Error("reserve span is not a child of preflight")
	}
	if reserve.Status.Code != codes.Ok {
		t.Errorf("reserve status = %v, want Ok", reserve.Status.Code)
	}
	if preflight.Status.Code != codes.Error {
		t.Errorf("preflight status = %v, want Error", preflight.Status.Code)
	}
	if len(preflight.Events) == 0 {
		t.Error("error was not recorded as a span event")
	}

	attrs := map[string]string{}
	for _, kv := range preflight.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs[string(AttrAgentID)] != "agent-1" || attrs[string(AttrModel)] != "gpt-4o" {
		t.Errorf("missing call attributes: %v", attrs)
	}
}

func TestSampler_ZeroRatioDropsRootSpans(t *testing.T) {
	tr, exp := newRecordingTracer(t, 0)

	_, span := tr.Start(context.Background(), SpanSettle)
	span.End()

	if n := len(exp.GetSpans()); n != 0 {
		t.Errorf("exported %d spans with sample ratio 0", n)
	}
}

func TestNewWithExporter_ServiceNameResource(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tr := NewWithExporter(&config.TracingConfig{Enabled: true, SampleRatio: 1, ServiceName: "spendguard-test"}, exp)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	_, span := tr.Start(context.Background(), SpanPreflight)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	var got string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			got = kv.Value.AsString()
		}
	}
	if got != "spendguard-test" {
		t.Errorf("service.name = %q, want spendguard-test", got)
	}
}
