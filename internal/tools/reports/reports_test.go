package reports

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func storeForTest(t *testing.T) (*Store, map[string]func(map[string]any) (string, error)) {
	t.Helper()
	fixed := func() time.Time { return time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC) }
	s := NewStore(t.TempDir(), fixed)
	handlers := map[string]func(map[string]any) (string, error){}
	for _, tool := range s.Tools() {
		h := tool.Handler
		handlers[tool.Name] = func(args map[string]any) (string, error) {
			return h(context.Background(), args)
		}
	}
	return s, handlers
}

func TestMarkdownHeaderOnWrite(t *testing.T) {
	s, h := storeForTest(t)
	if _, err := h["write_report"](map[string]any{
		"name": "daily", "format": "md", "content": "All systems nominal.",
	}); err != nil {
		t.Fatalf("write_report error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, "daily.md"))
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.HasPrefix(got, "# daily\n\nGenerated 2026-08-21 09:00\n\n") {
		t.Errorf("missing generated header:\n%s", got)
	}
	if !strings.Contains(got, "All systems nominal.") {
		t.Errorf("content lost:\n%s", got)
	}
}

func TestMarkdownAppendSkipsHeader(t *testing.T) {
	_, h := storeForTest(t)
	h["write_report"](map[string]any{"name": "daily", "format": "md", "content": "first"})
	if _, err := h["write_report"](map[string]any{
		"name": "daily", "format": "md", "content": "second", "append": true,
	}); err != nil {
		t.Fatalf("append error = %v", err)
	}

	got, err := h["read_report"](map[string]any{"name": "daily", "format": "md"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(got, "# daily") != 1 {
		t.Errorf("append re-added the header:\n%s", got)
	}
	if !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Errorf("append lost content:\n%s", got)
	}
}

func TestJSONLValidation(t *testing.T) {
	_, h := storeForTest(t)
	if _, err := h["write_report"](map[string]any{
		"name": "events", "format": "jsonl",
		"content": `{"ok":true}` + "\n" + `{"ok":false}`,
	}); err != nil {
		t.Fatalf("valid jsonl rejected: %v", err)
	}
	if _, err := h["write_report"](map[string]any{
		"name": "events", "format": "jsonl",
		"content": `{"ok":true}` + "\nnot json",
	}); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("invalid jsonl error = %v", err)
	}
}

func TestCSVValidation(t *testing.T) {
	_, h := storeForTest(t)
	if _, err := h["write_report"](map[string]any{
		"name": "table", "format": "csv", "content": "a,b\n1,2\n",
	}); err != nil {
		t.Fatalf("valid csv rejected: %v", err)
	}
	if _, err := h["write_report"](map[string]any{
		"name": "table", "format": "csv", "content": "a,\"unterminated\n",
	}); err == nil {
		t.Error("broken csv accepted")
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	_, h := storeForTest(t)
	for _, name := range []string{"../escape", "sub/dir", "a\\b", ""} {
		if _, err := h["write_report"](map[string]any{
			"name": name, "format": "md", "content": "x",
		}); err == nil {
			t.Errorf("name %q accepted", name)
		}
	}
	if _, err := h["write_report"](map[string]any{
		"name": "x", "format": "exe", "content": "x",
	}); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestListAndDelete(t *testing.T) {
	_, h := storeForTest(t)
	got, err := h["list_reports"](nil)
	if err != nil || got != "No reports yet." {
		t.Errorf("empty list = %q, %v", got, err)
	}

	h["write_report"](map[string]any{"name": "one", "format": "md", "content": "x"})
	h["write_report"](map[string]any{"name": "two", "format": "csv", "content": "a,b\n"})

	got, err = h["list_reports"](nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "one.md") || !strings.Contains(got, "two.csv") {
		t.Errorf("list = %q", got)
	}

	if _, err := h["delete_report"](map[string]any{"name": "one", "format": "md"}); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if _, err := h["read_report"](map[string]any{"name": "one", "format": "md"}); err == nil {
		t.Error("deleted report still readable")
	}
}
