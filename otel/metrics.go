package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalrun/runtime"
)

// MetricsHandler translates run envelopes into OpenTelemetry metrics.
// It counts runs, tool calls and human decisions, and records run durations.
type MetricsHandler struct {
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	toolCalls     metric.Int64Counter
	toolDecisions metric.Int64Counter
	runDuration   metric.Float64Histogram

	mu     sync.Mutex
	starts map[string]time.Time // run id -> run.started time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording run metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	runsStarted, err := meter.Int64Counter("petalrun.runs.started",
		metric.WithDescription("Number of runs started"),
	)
	if err != nil {
		return nil, err
	}

	runsFinished, err := meter.Int64Counter("petalrun.runs.finished",
		metric.WithDescription("Number of runs that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter("petalrun.tool.calls",
		metric.WithDescription("Number of executed tool calls"),
	)
	if err != nil {
		return nil, err
	}

	toolDecisions, err := meter.Int64Counter("petalrun.tool.decisions",
		metric.WithDescription("Number of human decisions on proposed tool calls"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("petalrun.run.duration",
		metric.WithDescription("Duration of a run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		runsStarted:   runsStarted,
		runsFinished:  runsFinished,
		toolCalls:     toolCalls,
		toolDecisions: toolDecisions,
		runDuration:   runDur,
		starts:        make(map[string]time.Time),
	}, nil
}

// Handle records the metrics for one envelope.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Envelope) {
	ctx := context.Background()
	switch e.Type {
	case runtime.EventRunStarted:
		h.mu.Lock()
		h.starts[e.Meta.CorrelationID] = e.Time()
		h.mu.Unlock()
		h.runsStarted.Add(ctx, 1)
	case runtime.EventToolResult:
		ok, _ := e.Data["ok"].(bool)
		h.toolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("name", stringField(e.Data, "name")),
			attribute.Bool("ok", ok),
		))
	case runtime.EventToolCallApproved:
		h.toolDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", "approve")))
	case runtime.EventToolCallRejected:
		h.toolDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", "reject")))
	case runtime.EventRunCompleted, runtime.EventRunCancelled, runtime.EventRunError:
		h.handleRunFinished(ctx, e)
	}
}

func (h *MetricsHandler) handleRunFinished(ctx context.Context, e runtime.Envelope) {
	attrs := metric.WithAttributes(attribute.String("status", terminalStatus(e.Type)))
	h.runsFinished.Add(ctx, 1, attrs)

	h.mu.Lock()
	start, ok := h.starts[e.Meta.CorrelationID]
	delete(h.starts, e.Meta.CorrelationID)
	h.mu.Unlock()
	if ok {
		h.runDuration.Record(ctx, e.Time().Sub(start).Seconds(), attrs)
	}
}

// terminalStatus maps a terminal event kind to the run status it records.
func terminalStatus(kind runtime.EventKind) string {
	switch kind {
	case runtime.EventRunCompleted:
		return "completed"
	case runtime.EventRunCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
