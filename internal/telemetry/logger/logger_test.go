package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info("hello", "peer", "10.0.0.2:5380")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "hello" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["peer"] != "10.0.0.2:5380" {
		t.Fatalf("peer = %v", entry["peer"])
	}
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "info", Format: "text", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Debug("quiet")
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("below-level output: %q", buf.String())
	}

	log.Warn("loud")
	if buf.Len() == 0 {
		t.Fatalf("warn suppressed")
	}
}

func TestDynamicLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Debug("quiet")
	if buf.Len() != 0 {
		t.Fatalf("debug leaked at info level")
	}

	SetLevel("debug")
	defer SetLevel("info")
	if got := GetLevel(); got != "debug" {
		t.Fatalf("GetLevel = %q, want debug", got)
	}

	log.Debug("loud")
	if buf.Len() == 0 {
		t.Fatalf("debug suppressed after SetLevel")
	}
}

func TestWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.With("worker", 3).Info("tick")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["worker"] != float64(3) {
		t.Fatalf("worker = %v", entry["worker"])
	}
}
