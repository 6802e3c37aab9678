package files

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func handlerByName(t *testing.T, policy Policy, name string) func(map[string]any) (string, error) {
	t.Helper()
	fixed := func() time.Time {
		return time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)
	}
	for _, tool := range New(policy, fixed) {
		if tool.Name == name {
			h := tool.Handler
			return func(args map[string]any) (string, error) {
				return h(context.Background(), args)
			}
		}
	}
	t.Fatalf("tool %s not registered", name)
	return nil
}

func TestPolicyResolve(t *testing.T) {
	dir := t.TempDir()
	policy := Policy{AllowedPaths: []string{dir}}

	if _, err := policy.Resolve(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("inside path rejected: %v", err)
	}
	if _, err := policy.Resolve("/etc/passwd"); err == nil {
		t.Error("outside path allowed")
	}
	if _, err := policy.Resolve(filepath.Join(dir, "..", "escape.txt")); err == nil {
		t.Error("dot-dot escape allowed")
	}
	if _, err := policy.Resolve(""); err == nil {
		t.Error("empty path allowed")
	}
	// Empty allow list means unrestricted.
	if _, err := (Policy{}).Resolve("/etc/hosts"); err != nil {
		t.Errorf("unrestricted policy rejected a path: %v", err)
	}
}

func TestReadFileLineRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lines.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\nfive"), 0o644); err != nil {
		t.Fatal(err)
	}
	read := handlerByName(t, Policy{AllowedPaths: []string{dir}}, "read_file")

	got, err := read(map[string]any{"path": path, "line_start": 2, "line_end": 4})
	if err != nil {
		t.Fatalf("read_file error = %v", err)
	}
	if got != "two\nthree\nfour" {
		t.Errorf("read_file = %q", got)
	}

	got, err = read(map[string]any{"path": path, "max_lines": 2})
	if err != nil || got != "one\ntwo" {
		t.Errorf("max_lines read = %q, %v", got, err)
	}

	if _, err := read(map[string]any{"path": path, "line_start": 99}); err == nil {
		t.Error("line_start past EOF succeeded")
	}
}

func TestReadFileCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("a", 20*1024)), 0o644); err != nil {
		t.Fatal(err)
	}
	read := handlerByName(t, Policy{AllowedPaths: []string{dir}}, "read_file")

	got, err := read(map[string]any{"path": path})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "[truncated at 15360 bytes]") {
		t.Error("oversized read not truncated")
	}
	if len(got) > readCap+100 {
		t.Errorf("output length %d exceeds cap", len(got))
	}
}

func TestSearchInFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	content := "ok\nERROR: disk full\nok\nERROR: oom\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	search := handlerByName(t, Policy{AllowedPaths: []string{dir}}, "search_in_file")

	got, err := search(map[string]any{"path": path, "pattern": "^ERROR"})
	if err != nil {
		t.Fatalf("search error = %v", err)
	}
	if !strings.Contains(got, "2: ERROR: disk full") || !strings.Contains(got, "4: ERROR: oom") {
		t.Errorf("search = %q", got)
	}

	got, err = search(map[string]any{"path": path, "pattern": "nothing matches this"})
	if err != nil || !strings.Contains(got, "No matches") {
		t.Errorf("no-match search = %q, %v", got, err)
	}

	if _, err := search(map[string]any{"path": path, "pattern": "("}); err == nil {
		t.Error("invalid regexp accepted")
	}
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644)
	list := handlerByName(t, Policy{AllowedPaths: []string{dir}}, "list_directory")

	got, err := list(map[string]any{"path": dir})
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	subIdx := strings.Index(got, "sub/")
	fileIdx := strings.Index(got, "a.txt (2 bytes)")
	if subIdx < 0 || fileIdx < 0 {
		t.Fatalf("list = %q", got)
	}
	if subIdx > fileIdx {
		t.Error("directories should sort before files")
	}
}

func TestClockTools(t *testing.T) {
	today := handlerByName(t, Policy{}, "get_today_date")
	got, err := today(nil)
	if err != nil || got != "2026-08-21 (Friday)" {
		t.Errorf("get_today_date = %q, %v", got, err)
	}

	now := handlerByName(t, Policy{}, "get_current_time")
	got, err = now(nil)
	if err != nil || !strings.HasPrefix(got, "2026-08-21 14:30:00") {
		t.Errorf("get_current_time = %q, %v", got, err)
	}
}
