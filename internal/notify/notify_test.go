package notify

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type recordingSink struct {
	titles []string
	err    error
}

func (r *recordingSink) Deliver(title, body string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func TestNotifyNamedChannels(t *testing.T) {
	d := NewDispatcher(nil)
	console := &recordingSink{}
	file := &recordingSink{}
	d.Register("console", console)
	d.Register("file", file)

	d.Notify("disk check", "all good", []string{"file"})

	if len(file.titles) != 1 || file.titles[0] != "disk check" {
		t.Errorf("file sink deliveries = %v", file.titles)
	}
	if len(console.titles) != 0 {
		t.Errorf("console sink delivered without being named: %v", console.titles)
	}
}

func TestNotifyBroadcastWhenUnspecified(t *testing.T) {
	d := NewDispatcher(nil)
	a := &recordingSink{}
	b := &recordingSink{}
	d.Register("a", a)
	d.Register("b", b)

	d.Notify("nightly", "done", nil)

	if len(a.titles) != 1 || len(b.titles) != 1 {
		t.Errorf("broadcast deliveries = %v / %v", a.titles, b.titles)
	}
}

func TestNotifyToleratesFailures(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("bad", &recordingSink{err: errors.New("pipe closed")})
	d.Register("good", &recordingSink{})

	// Unknown channel and failing sink must not panic or abort.
	d.Notify("t", "b", []string{"missing", "bad", "good"})
}

func TestConsoleSink(t *testing.T) {
	var buf strings.Builder
	sink := ConsoleSink{Out: &buf}
	if err := sink.Deliver("disk check", "all good"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "=== disk check ===") || !strings.Contains(out, "all good") {
		t.Errorf("output = %q", out)
	}
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.log")
	fixed := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)
	sink := FileSink{Path: path, Now: func() time.Time { return fixed }}

	if err := sink.Deliver("first", "one"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := sink.Deliver("second", "two"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "[2026-08-21T09:00:00Z] first") ||
		!strings.Contains(content, "[2026-08-21T09:00:00Z] second") {
		t.Errorf("log content = %q", content)
	}
	if strings.Index(content, "first") > strings.Index(content, "second") {
		t.Error("entries out of order")
	}
}
