package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestNew_ServiceDimension(t *testing.T) {
	initOnce.Do(func() {})
	serviceName = "pipeline-server"

	r := New()
	if r.namespace != Namespace {
		t.Errorf("namespace = %s, want %s", r.namespace, Namespace)
	}
	if r.dimensions["ServiceName"] != "pipeline-server" {
		t.Errorf("ServiceName dimension = %s", r.dimensions["ServiceName"])
	}
}

func TestRecorder_FlushOutput(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	serviceName = ""

	rec := New()
	rec.Dimension("Model", "cx")
	rec.Metric("DispatchLatencyMs", 1234.5, UnitMilliseconds)
	rec.Metric("ViewsCompleted", 1, UnitCount)
	rec.Property("sessionId", "abc-123")
	rec.Flush()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, output)
	}

	awsDir, ok := doc["_aws"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsDir["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}

	cwArr, ok := awsDir["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwArr) == 0 {
		t.Fatal("CloudWatchMetrics should be a non-empty array")
	}
	cw := cwArr[0].(map[string]interface{})
	if cw["Namespace"] != Namespace {
		t.Errorf("namespace = %v, want %s", cw["Namespace"], Namespace)
	}

	if doc["Model"] != "cx" {
		t.Errorf("Model = %v, want cx", doc["Model"])
	}
	if doc["DispatchLatencyMs"] != 1234.5 {
		t.Errorf("DispatchLatencyMs = %v", doc["DispatchLatencyMs"])
	}
	if doc["ViewsCompleted"] != float64(1) {
		t.Errorf("ViewsCompleted = %v", doc["ViewsCompleted"])
	}
	if doc["sessionId"] != "abc-123" {
		t.Errorf("sessionId = %v", doc["sessionId"])
	}
}

func TestRecorder_FlushEmpty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	rec := New()
	rec.Flush()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	if buf.Len() != 0 {
		t.Errorf("expected no output for empty recorder, got: %s", buf.String())
	}
}

func TestRecorder_Count(t *testing.T) {
	serviceName = ""
	rec := New()
	rec.Count("Requeues")

	if v, ok := rec.values["Requeues"]; !ok || v != float64(1) {
		t.Errorf("expected Requeues=1, got %v", v)
	}
	if m, ok := rec.metrics["Requeues"]; !ok || m.Unit != UnitCount {
		t.Errorf("expected unit Count, got %v", m.Unit)
	}
}

func TestRecorder_Chaining(t *testing.T) {
	serviceName = ""
	rec := New().
		Dimension("Model", "cx").
		Metric("Duration", 100, UnitMilliseconds).
		Count("Dispatches").
		Property("id", "xyz")

	if rec.dimensions["Model"] != "cx" {
		t.Error("chaining Dimension failed")
	}
	if rec.values["Duration"] != float64(100) {
		t.Error("chaining Metric failed")
	}
	if rec.values["Dispatches"] != float64(1) {
		t.Error("chaining Count failed")
	}
	if rec.properties["id"] != "xyz" {
		t.Error("chaining Property failed")
	}
}
