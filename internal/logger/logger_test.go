package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Info("hosts reloaded", KeyCount, 42, KeyPath, "/etc/devices.csv")

	out := buf.String()
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("expected level marker in output, got %q", out)
	}
	if !strings.Contains(out, "hosts reloaded") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "count=42") || !strings.Contains(out, "path=/etc/devices.csv") {
		t.Errorf("expected structured fields in output, got %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("should be suppressed")
	Info("should be suppressed too")
	Warn("visible")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("expected debug/info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("expected warn to pass, got %q", out)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Info("provision complete", KeyBatch, 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "provision complete" {
		t.Errorf("unexpected msg: %v", record["msg"])
	}
	if record[KeyBatch] != float64(3) {
		t.Errorf("unexpected batch field: %v", record[KeyBatch])
	}
}

func TestInvalidLevelIgnored(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	SetLevel("NOISY")

	Info("still info")
	if !strings.Contains(buf.String(), "still info") {
		t.Errorf("invalid level should not change configuration")
	}
}
