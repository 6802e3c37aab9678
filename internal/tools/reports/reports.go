// Package reports provides internal tools that manage report
// artifacts (markdown, JSON-lines, CSV, TSV) in a dedicated directory.
package reports

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fredericlepied/aiops/internal/tools"
)

var validFormats = map[string]string{
	"md":    ".md",
	"jsonl": ".jsonl",
	"csv":   ".csv",
	"tsv":   ".tsv",
}

// Store manages report files under one directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore builds a store rooted at dir.
func NewStore(dir string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{dir: dir, now: now}
}

type writeArgs struct {
	Name    string `json:"name" jsonschema:"description=Report name without extension"`
	Format  string `json:"format" jsonschema:"description=One of md jsonl csv tsv"`
	Content string `json:"content" jsonschema:"description=Report content"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

type readArgs struct {
	Name   string `json:"name" jsonschema:"description=Report name without extension"`
	Format string `json:"format" jsonschema:"description=One of md jsonl csv tsv"`
}

// Tools returns the report tool set.
func (s *Store) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Server:      tools.ServerInternal,
			Name:        "write_report",
			Description: "Write or append a report artifact. Formats: md, jsonl, csv, tsv. JSONL content is validated line by line; markdown gets a generated header on first write.",
			InputSchema: tools.MustSchema(&writeArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return s.write(args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "read_report",
			Description: "Read a report artifact.",
			InputSchema: tools.MustSchema(&readArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return s.read(args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "list_reports",
			Description: "List existing report artifacts with sizes.",
			InputSchema: tools.MustSchema(&struct{}{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return s.list()
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "delete_report",
			Description: "Delete a report artifact.",
			InputSchema: tools.MustSchema(&readArgs{}),
			Confirm:     true,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return s.delete(args)
			},
		},
	}
}

func (s *Store) resolve(name, format string) (string, error) {
	ext, ok := validFormats[format]
	if !ok {
		return "", fmt.Errorf("unknown format %q (want md, jsonl, csv, or tsv)", format)
	}
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid report name %q", name)
	}
	return filepath.Join(s.dir, name+ext), nil
}

func (s *Store) write(raw map[string]any) (string, error) {
	var args writeArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	path, err := s.resolve(args.Name, args.Format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}

	content := args.Content
	switch args.Format {
	case "jsonl":
		for i, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !json.Valid([]byte(line)) {
				return "", fmt.Errorf("jsonl line %d is not valid JSON", i+1)
			}
		}
	case "csv", "tsv":
		r := csv.NewReader(strings.NewReader(content))
		if args.Format == "tsv" {
			r.Comma = '\t'
		}
		r.FieldsPerRecord = -1
		if _, err := r.ReadAll(); err != nil {
			return "", fmt.Errorf("invalid %s content: %w", args.Format, err)
		}
	case "md":
		if _, err := os.Stat(path); os.IsNotExist(err) || !args.Append {
			header := fmt.Sprintf("# %s\n\nGenerated %s\n\n", args.Name, s.now().Format("2006-01-02 15:04"))
			content = header + content
		}
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	flags := os.O_CREATE | os.O_WRONLY
	if args.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("open report %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}

	verb := "Wrote"
	if args.Append {
		verb = "Appended to"
	}
	return fmt.Sprintf("%s %s", verb, path), nil
}

func (s *Store) read(raw map[string]any) (string, error) {
	var args readArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	path, err := s.resolve(args.Name, args.Format)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	return string(data), nil
}

func (s *Store) list() (string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return "No reports yet.", nil
	}
	if err != nil {
		return "", fmt.Errorf("list reports: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		names = append(names, fmt.Sprintf("%s (%d bytes)", entry.Name(), info.Size()))
	}
	if len(names) == 0 {
		return "No reports yet.", nil
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (s *Store) delete(raw map[string]any) (string, error) {
	var args readArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	path, err := s.resolve(args.Name, args.Format)
	if err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("delete report: %w", err)
	}
	return fmt.Sprintf("Deleted %s", path), nil
}
