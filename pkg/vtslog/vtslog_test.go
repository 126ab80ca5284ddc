package vtslog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLogLines(t *testing.T, dir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "vtsaggregator.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("failed to decode log line %q: %v", line, err)
		}
		records = append(records, rec)
	}
	return records
}

func TestWarningRecordShape(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Warning("missed an interval", "backend", "b1")

	records := readLogLines(t, dir)
	if len(records) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(records))
	}
	rec := records[0]
	if rec["type"] != "warning" {
		t.Fatalf("expected type=warning, got %v", rec["type"])
	}
	if rec["msg"] != "missed an interval" {
		t.Fatalf("expected msg field, got %v", rec["msg"])
	}
	if rec["backend"] != "b1" {
		t.Fatalf("expected backend keyval to be carried through, got %v", rec["backend"])
	}
	if _, ok := rec["argv"]; !ok {
		t.Fatalf("expected every record to carry argv")
	}
}

func TestErrorRecordShape(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Error("non-200 status", "url", "http://example/format/json")

	records := readLogLines(t, dir)
	if records[0]["type"] != "error" {
		t.Fatalf("expected type=error, got %v", records[0]["type"])
	}
}

func TestExceptionRecordIncludesStacktrace(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Exception(errors.New("boom"), "unexpected failure")

	records := readLogLines(t, dir)
	rec := records[0]
	if rec["type"] != "exception" {
		t.Fatalf("expected type=exception, got %v", rec["type"])
	}
	if rec["err"] != "boom" {
		t.Fatalf("expected err=boom, got %v", rec["err"])
	}
	if st, ok := rec["stacktrace"].(string); !ok || st == "" {
		t.Fatalf("expected a non-empty stacktrace field")
	}
}

func TestNewWithoutLogDirStillWorks(t *testing.T) {
	l, err := New("")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()
	// Writes only to stderr; just confirm no panic and Close is a no-op.
	l.Warning("no file configured")
}
