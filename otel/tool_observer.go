package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/tool"
)

// ToolObserver records tool execution latency and spans around a
// runtime.Executor.
type ToolObserver struct {
	tracer  trace.Tracer
	latency metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter/tracer.
// A nil tracer records metrics only.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	latency, err := meter.Float64Histogram(
		"petalrun.tool.latency",
		metric.WithDescription("Tool execution latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &ToolObserver{tracer: tracer, latency: latency}, nil
}

// Wrap returns an executor that observes every call made through next.
func (o *ToolObserver) Wrap(next runtime.Executor) runtime.Executor {
	if o == nil {
		return next
	}
	return &observedExecutor{observer: o, next: next}
}

type observedExecutor struct {
	observer *ToolObserver
	next     runtime.Executor
}

func (e *observedExecutor) Execute(ctx context.Context, call tool.Call, cwd string) tool.Result {
	if e.observer.tracer == nil {
		return e.observe(ctx, call, cwd)
	}

	ctx, span := e.observer.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("petalrun.tool_name", call.Name),
		attribute.String("petalrun.tool_id", call.ID),
	))
	defer span.End()

	res := e.observe(ctx, call, cwd)
	if res.OK {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Output)
	}
	return res
}

func (e *observedExecutor) observe(ctx context.Context, call tool.Call, cwd string) tool.Result {
	start := time.Now()
	res := e.next.Execute(ctx, call, cwd)
	e.observer.latency.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("tool_name", call.Name),
		attribute.Bool("success", res.OK),
	))
	return res
}
