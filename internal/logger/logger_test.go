package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	buf.Reset()
	return line
}

func TestContextFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "harvest-test"})

	ctx := l.WithContext(context.Background())
	ctx = SetRunID(ctx, "run-1")
	ctx = SetPhase(ctx, "enrich")
	ctx = SetWorker(ctx, 3)

	CtxInfo(ctx, "processed %d items", 7)
	line := decodeLine(t, &buf)
	if line["message"] != "processed 7 items" || line["level"] != "info" {
		t.Errorf("unexpected line: %v", line)
	}
	if line[FieldRunID] != "run-1" || line[FieldPhase] != "enrich" || line[FieldWorker] != float64(3) {
		t.Errorf("context fields missing: %v", line)
	}
	if line["service"] != "harvest-test" {
		t.Errorf("service = %v", line["service"])
	}
	if GetRunID(ctx) != "run-1" || GetPhase(ctx) != "enrich" {
		t.Errorf("getters = %q %q", GetRunID(ctx), GetPhase(ctx))
	}

	With(Fields{FieldSize: 42}).WithCount(2).WithDuration(15).Warn(ctx, "flushed")
	line = decodeLine(t, &buf)
	if line[FieldCount] != float64(2) || line[FieldDurationMs] != float64(15) || line[FieldSize] != float64(42) {
		t.Errorf("metric fields missing: %v", line)
	}
	if line[FieldRunID] != "run-1" {
		t.Errorf("entry lost context fields: %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "warn", Format: "json", Output: &buf, ServiceName: "x"})
	ctx := l.WithContext(context.Background())

	CtxInfo(ctx, "dropped")
	if buf.Len() != 0 {
		t.Errorf("info written at warn level: %s", buf.String())
	}
	CtxError(ctx, "kept")
	if line := decodeLine(t, &buf); line["level"] != "error" {
		t.Errorf("level = %v", line["level"])
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != GetDefault() {
		t.Error("empty context did not return the default logger")
	}
}

func TestComponentSurvivesDetachedContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf, ServiceName: "x"})
	ctx, cancel := context.WithCancel(l.WithContext(context.Background()))
	ctx = SetComponent(ctx, "checkpoint")
	cancel()

	CtxWarn(context.WithoutCancel(ctx), "flush retried %d times", 2)
	line := decodeLine(t, &buf)
	if line["level"] != "warning" || line["message"] != "flush retried 2 times" {
		t.Errorf("unexpected line: %v", line)
	}
	if line[FieldComponent] != "checkpoint" {
		t.Errorf("component = %v, want checkpoint", line[FieldComponent])
	}
}
