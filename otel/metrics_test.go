package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	petalotel "github.com/petal-labs/petalrun/otel"
	"github.com/petal-labs/petalrun/runtime"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue sums the data points of an int64 counter whose attributes
// include every key/value in match.
func counterValue(t *testing.T, rm *metricdata.ResourceMetrics, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		matched := true
		for _, kv := range match {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
				matched = false
				break
			}
		}
		if matched {
			total += dp.Value
		}
	}
	return total
}

// envelope builds a run envelope at ts for the given run id.
func envelope(kind runtime.EventKind, runID string, ts time.Time, data map[string]any) runtime.Envelope {
	return runtime.Envelope{
		Meta: runtime.NewMeta(1, runtime.EventSource, runID, ts.UnixMilli()),
		Type: kind,
		Data: data,
	}
}

func TestMetricsHandler_RunLifecycle(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := petalotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	now := time.Now()
	h.Handle(envelope(runtime.EventRunStarted, "run-1", now, nil))
	h.Handle(envelope(runtime.EventRunStarted, "run-2", now, nil))
	h.Handle(envelope(runtime.EventRunCompleted, "run-1", now.Add(2*time.Second), map[string]any{"steps_used": 1}))
	h.Handle(envelope(runtime.EventRunError, "run-2", now.Add(time.Second), map[string]any{"error": "boom"}))

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "petalrun.runs.started"); got != 2 {
		t.Errorf("runs.started = %d, want 2", got)
	}
	if got := counterValue(t, rm, "petalrun.runs.finished", attribute.String("status", "completed")); got != 1 {
		t.Errorf("runs.finished{completed} = %d, want 1", got)
	}
	if got := counterValue(t, rm, "petalrun.runs.finished", attribute.String("status", "failed")); got != 1 {
		t.Errorf("runs.finished{failed} = %d, want 1", got)
	}

	dur := findMetric(rm, "petalrun.run.duration")
	if dur == nil {
		t.Fatal("petalrun.run.duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", dur.Data)
	}
	var count uint64
	var sum float64
	for _, dp := range hist.DataPoints {
		count += dp.Count
		sum += dp.Sum
	}
	if count != 2 {
		t.Errorf("duration count = %d, want 2", count)
	}
	if sum < 2.9 || sum > 3.1 {
		t.Errorf("duration sum = %v, want ~3s", sum)
	}
}

func TestMetricsHandler_FinishWithoutStartSkipsDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := petalotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}

	h.Handle(envelope(runtime.EventRunCancelled, "run-x", time.Now(), nil))

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "petalrun.runs.finished", attribute.String("status", "cancelled")); got != 1 {
		t.Errorf("runs.finished{cancelled} = %d, want 1", got)
	}
	if dur := findMetric(rm, "petalrun.run.duration"); dur != nil {
		if hist, ok := dur.Data.(metricdata.Histogram[float64]); ok && len(hist.DataPoints) > 0 {
			t.Errorf("unexpected duration points: %d", len(hist.DataPoints))
		}
	}
}

func TestMetricsHandler_ToolCallsAndDecisions(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := petalotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	h.Handle(envelope(runtime.EventToolCallApproved, "run-1", now, map[string]any{"tool_id": "a", "name": "write_file"}))
	h.Handle(envelope(runtime.EventToolResult, "run-1", now, map[string]any{"tool_id": "a", "name": "write_file", "ok": true}))
	h.Handle(envelope(runtime.EventToolResult, "run-1", now, map[string]any{"tool_id": "b", "name": "read_file", "ok": false}))
	h.Handle(envelope(runtime.EventToolCallRejected, "run-1", now, map[string]any{"tool_id": "c", "name": "write_file"}))
	h.Handle(envelope(runtime.EventToolCallRejected, "run-1", now, map[string]any{"tool_id": "d", "name": "write_file"}))

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "petalrun.tool.calls", attribute.String("name", "write_file"), attribute.Bool("ok", true)); got != 1 {
		t.Errorf("tool.calls{write_file,ok} = %d, want 1", got)
	}
	if got := counterValue(t, rm, "petalrun.tool.calls", attribute.Bool("ok", false)); got != 1 {
		t.Errorf("tool.calls{!ok} = %d, want 1", got)
	}
	if got := counterValue(t, rm, "petalrun.tool.decisions", attribute.String("decision", "approve")); got != 1 {
		t.Errorf("decisions{approve} = %d, want 1", got)
	}
	if got := counterValue(t, rm, "petalrun.tool.decisions", attribute.String("decision", "reject")); got != 2 {
		t.Errorf("decisions{reject} = %d, want 2", got)
	}
}
