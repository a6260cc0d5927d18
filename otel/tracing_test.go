package otel_test

import (
	"context"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	petalotel "github.com/petal-labs/petalrun/otel"
	"github.com/petal-labs/petalrun/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func hasAttr(span *tracetest.SpanStub, key, value string) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.Emit() == value {
			return true
		}
	}
	return false
}

func TestTracingHandler_RunAndSteps(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(envelope(runtime.EventRunStarted, "run-1", now, map[string]any{"model": "gpt", "auto_approve": false}))

	if sc := h.ActiveRunSpanContext("run-1"); !sc.IsValid() {
		t.Fatal("expected valid run span context after run.started")
	}

	h.Handle(envelope(runtime.EventStepStarted, "run-1", now, map[string]any{"step": 1}))
	h.Handle(envelope(runtime.EventToolCallsProposed, "run-1", now, map[string]any{"step": 1}))
	h.Handle(envelope(runtime.EventToolResult, "run-1", now, map[string]any{"tool_id": "c1", "name": "echo", "ok": true}))
	h.Handle(envelope(runtime.EventStepStarted, "run-1", now.Add(time.Second), map[string]any{"step": 2}))
	h.Handle(envelope(runtime.EventAssistantFinal, "run-1", now.Add(time.Second), map[string]any{"text": "done", "step": 2}))
	h.Handle(envelope(runtime.EventRunCompleted, "run-1", now.Add(2*time.Second), map[string]any{"steps_used": 2}))

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3 (run + 2 steps)", len(spans))
	}

	run := findSpan(spans, "run:run-1")
	if run == nil {
		t.Fatal("run span not found")
	}
	if !hasAttr(run, "petalrun.run_id", "run-1") || !hasAttr(run, "petalrun.model", "gpt") {
		t.Errorf("run attributes = %v", run.Attributes)
	}
	if !hasAttr(run, "petalrun.status", "completed") {
		t.Errorf("missing status attribute: %v", run.Attributes)
	}
	if run.Status.Code != otelcodes.Ok {
		t.Errorf("run status = %v, want Ok", run.Status.Code)
	}

	step1 := findSpan(spans, "step:1")
	if step1 == nil {
		t.Fatal("step:1 span not found")
	}
	if step1.Parent.SpanID() != run.SpanContext.SpanID() {
		t.Error("step span should be a child of the run span")
	}
	if len(step1.Events) != 2 {
		t.Fatalf("step:1 events = %d, want 2", len(step1.Events))
	}
	if step1.Events[1].Name != "tool.result" {
		t.Errorf("event name = %q, want tool.result", step1.Events[1].Name)
	}

	if step2 := findSpan(spans, "step:2"); step2 == nil || len(step2.Events) != 1 {
		t.Errorf("step:2 span = %+v", step2)
	}

	if sc := h.ActiveRunSpanContext("run-1"); sc.IsValid() {
		t.Error("run span should be gone after the terminal event")
	}
}

func TestTracingHandler_RunErrorSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(envelope(runtime.EventRunStarted, "run-1", now, nil))
	h.Handle(envelope(runtime.EventStepStarted, "run-1", now, map[string]any{"step": float64(1)}))
	h.Handle(envelope(runtime.EventRunError, "run-1", now, map[string]any{"error": "provider down"}))

	run := findSpan(exporter.GetSpans(), "run:run-1")
	if run == nil {
		t.Fatal("run span not found")
	}
	if run.Status.Code != otelcodes.Error || run.Status.Description != "provider down" {
		t.Errorf("status = %v", run.Status)
	}
	if len(run.Events) == 0 || run.Events[len(run.Events)-1].Name != "exception" {
		t.Errorf("expected a recorded error event, got %+v", run.Events)
	}
	if findSpan(exporter.GetSpans(), "step:1") == nil {
		t.Error("open step span should end with the run")
	}
}

func TestTracingHandler_EventsBetweenStepsGoToRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(envelope(runtime.EventRunStarted, "run-1", now, nil))
	h.Handle(envelope(runtime.EventRunCancelled, "run-other", now, nil))
	h.Handle(envelope(runtime.EventRunPaused, "run-1", now, map[string]any{"reason": "awaiting_tool_approval"}))
	h.Handle(envelope(runtime.EventRunCancelled, "run-1", now, nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "run.paused" {
		t.Errorf("events = %+v", spans[0].Events)
	}
	if !hasAttr(&spans[0], "petalrun.status", "cancelled") {
		t.Errorf("attributes = %v", spans[0].Attributes)
	}
}

func TestTracingHandler_UnknownRunIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(envelope(runtime.EventToolResult, "ghost", time.Now(), map[string]any{"name": "echo"}))
	h.Handle(envelope(runtime.EventRunCompleted, "ghost", time.Now(), nil))

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("spans = %d, want 0", n)
	}
}

func TestTracingHandler_RunContext(t *testing.T) {
	_, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	ctx := context.Background()
	if got := h.RunContext(ctx, "run-1"); got != ctx {
		t.Error("RunContext without a span should return ctx unchanged")
	}

	h.Handle(envelope(runtime.EventRunStarted, "run-1", time.Now(), nil))
	sc := trace.SpanContextFromContext(h.RunContext(ctx, "run-1"))
	if !sc.IsValid() || sc.SpanID() != h.ActiveRunSpanContext("run-1").SpanID() {
		t.Error("RunContext should carry the run span")
	}
}
