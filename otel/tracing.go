// Package otel provides OpenTelemetry integration for petalrun run events.
package otel

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalrun/runtime"
)

// TracingHandler translates run envelopes into OpenTelemetry spans.
// Each run gets a root span keyed by its correlation id, each reasoning step
// a child span. Tool and approval events become span events.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	stepSpans map[string]trace.Span      // runID -> current step span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from run envelopes.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		stepSpans: make(map[string]trace.Span),
	}
}

// Handle processes an envelope and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Envelope) {
	switch e.Type {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventStepStarted:
		h.handleStepStarted(e)
	case runtime.EventRunCompleted, runtime.EventRunCancelled, runtime.EventRunError:
		h.handleRunFinished(e)
	default:
		h.addEvent(e)
	}
}

func (h *TracingHandler) handleRunStarted(e runtime.Envelope) {
	runID := e.Meta.CorrelationID
	attrs := []attribute.KeyValue{
		attribute.String("petalrun.run_id", runID),
	}
	if model, ok := e.Data["model"].(string); ok && model != "" {
		attrs = append(attrs, attribute.String("petalrun.model", model))
	}
	if auto, ok := e.Data["auto_approve"].(bool); ok {
		attrs = append(attrs, attribute.Bool("petalrun.auto_approve", auto))
	}

	ctx, span := h.tracer.Start(context.Background(), "run:"+runID,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time()),
	)

	h.mu.Lock()
	h.runSpans[runID] = span
	h.runCtxs[runID] = ctx
	h.mu.Unlock()
}

// handleStepStarted ends the previous step span of the run and starts the next.
func (h *TracingHandler) handleStepStarted(e runtime.Envelope) {
	runID := e.Meta.CorrelationID
	step := intField(e.Data, "step")

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.stepSpans[runID]; ok {
		prev.End(trace.WithTimestamp(e.Time()))
	}

	parentCtx, ok := h.runCtxs[runID]
	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}
	_, span := h.tracer.Start(parentCtx, "step:"+strconv.Itoa(step),
		trace.WithAttributes(
			attribute.String("petalrun.run_id", runID),
			attribute.Int("petalrun.step", step),
		),
		trace.WithTimestamp(e.Time()),
	)
	h.stepSpans[runID] = span
}

// addEvent records a non-lifecycle envelope on the current step span, or on
// the run span between steps.
func (h *TracingHandler) addEvent(e runtime.Envelope) {
	runID := e.Meta.CorrelationID

	h.mu.RLock()
	span, ok := h.stepSpans[runID]
	if !ok {
		span, ok = h.runSpans[runID]
	}
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("petalrun.event_id", e.Meta.ID),
	}
	if name, found := e.Data["name"].(string); found {
		attrs = append(attrs, attribute.String("petalrun.tool_name", name))
	}
	if id, found := e.Data["tool_id"].(string); found {
		attrs = append(attrs, attribute.String("petalrun.tool_id", id))
	}
	if toolOK, found := e.Data["ok"].(bool); found {
		attrs = append(attrs, attribute.Bool("petalrun.tool_ok", toolOK))
	}

	span.AddEvent(e.Type.String(), trace.WithTimestamp(e.Time()), trace.WithAttributes(attrs...))
}

// handleRunFinished ends the open step span and the root run span.
func (h *TracingHandler) handleRunFinished(e runtime.Envelope) {
	runID := e.Meta.CorrelationID

	h.mu.Lock()
	step, hasStep := h.stepSpans[runID]
	span, ok := h.runSpans[runID]
	delete(h.stepSpans, runID)
	delete(h.runSpans, runID)
	delete(h.runCtxs, runID)
	h.mu.Unlock()

	if hasStep {
		step.End(trace.WithTimestamp(e.Time()))
	}
	if !ok {
		return
	}

	status := terminalStatus(e.Type)
	span.SetAttributes(attribute.String("petalrun.status", status))
	if steps, found := e.Data["steps_used"]; found {
		span.SetAttributes(attribute.Int("petalrun.steps_used", toInt(steps)))
	}

	if e.Type == runtime.EventRunError {
		errMsg := "run failed"
		if s, found := e.Data["error"].(string); found && s != "" {
			errMsg = s
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time()))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(e.Time()))
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// RunContext returns a context carrying the active run span, or ctx unchanged
// when the run has no span.
func (h *TracingHandler) RunContext(ctx context.Context, runID string) context.Context {
	h.mu.RLock()
	span, ok := h.stepSpans[runID]
	if !ok {
		span, ok = h.runSpans[runID]
	}
	h.mu.RUnlock()

	if !ok {
		return ctx
	}
	return trace.ContextWithSpan(ctx, span)
}

func intField(data map[string]any, key string) int {
	return toInt(data[key])
}

// toInt accepts the numeric forms a payload can carry in memory or after a
// JSON round trip.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
