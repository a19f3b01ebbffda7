package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSinkLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	sink, err := Init(Options{Format: "text", Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sink.Close()

	sink.Logger("planner").Info("plan computed", "eligible", 1)

	out := buf.String()
	if !strings.Contains(out, "msg=\"plan computed\"") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=planner") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "eligible=1") {
		t.Fatalf("expected eligible field, got: %s", out)
	}
}

func TestSinkRespectsConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	sink, err := Init(Options{Level: "warn", Output: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sink.Close()

	logger := sink.Logger("loader")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestSinkJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	sink, err := Init(Options{Format: "JSON", Output: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sink.Close()

	WithRun(sink.Logger("pipeline"), "run-1", "report.json").Info("run started")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected a JSON record, got %q: %v", buf.String(), err)
	}
	if rec[KeyComponent] != "pipeline" || rec[KeyRunID] != "run-1" || rec[KeyReport] != "report.json" {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestSinkTeesIntoLogFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "autopatch.log")
	sink, err := Init(Options{Output: &buf, File: path})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	sink.Logger("cli").Info("to both")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Fatalf("record missing from file (%q) or output (%q)", data, buf.String())
	}
}

func TestNilSinkIsUsable(t *testing.T) {
	var sink *Sink
	sink.Logger("x").Info("dropped")
	if err := sink.Close(); err != nil {
		t.Fatalf("nil Close returned %v", err)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if FromContext(context.Background(), nil) == nil {
		t.Fatal("FromContext returned nil")
	}

	var buf bytes.Buffer
	sink, err := Init(Options{Output: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sink.Close()

	FromContext(context.Background(), sink.Logger("fallback")).Info("no logger in context")
	if !strings.Contains(buf.String(), "component=fallback") {
		t.Fatalf("expected fallback logger output, got %q", buf.String())
	}

	buf.Reset()
	ctx := NewContext(context.Background(), WithRun(sink.Logger("ctx"), "run-1", "scan.json"))
	FromContext(ctx, sink.Logger("fallback")).Info("from context")
	out := buf.String()
	if !strings.Contains(out, "component=ctx") || !strings.Contains(out, "runId=run-1") {
		t.Fatalf("expected context logger output, got %q", out)
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", " warn ", "warning", "error"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("verbose") {
		t.Fatal("ValidLevel(verbose) = true")
	}
}
