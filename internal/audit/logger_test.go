package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var recs []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		recs = append(recs, r)
	}
	return recs
}

func TestLoggerRedactsAndTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	long := strings.Repeat("y", 2000)
	a.Log("internal__execute_command",
		map[string]any{"command": "curl", "api_key": "sk-secret1234567890secret"},
		long, true)
	a.Close()

	recs := readRecords(t, path)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Arguments["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v", rec.Arguments["api_key"])
	}
	if !strings.HasSuffix(rec.ResultSummary, "[truncated, 2000 chars total]") {
		t.Errorf("summary not truncated: %q", rec.ResultSummary[len(rec.ResultSummary)-50:])
	}
	if !rec.Success {
		t.Error("success not recorded")
	}
}

func TestCleanupDropsOldRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	clock := now.Add(-10 * 24 * time.Hour)
	a, err := New(path, WithNow(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.Log("old_tool", nil, "stale", true)
	a.Close()

	b, err := New(path, WithNow(func() time.Time { return now.Add(-time.Hour) }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.Log("fresh_tool", nil, "fresh", true)
	b.Close()

	removed, err := Cleanup(path, 7*24*time.Hour, now)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	recs := readRecords(t, path)
	if len(recs) != 1 || recs[0].ToolName != "fresh_tool" {
		t.Errorf("kept records = %+v", recs)
	}
}

func TestCleanupMissingFile(t *testing.T) {
	removed, err := Cleanup(filepath.Join(t.TempDir(), "nope.jsonl"), time.Hour, time.Now())
	if err != nil || removed != 0 {
		t.Errorf("Cleanup() = (%d, %v), want (0, nil)", removed, err)
	}
}
