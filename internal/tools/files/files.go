// Package files provides the filesystem-scoped internal tools:
// reading, searching, and listing under an allowed-paths policy.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fredericlepied/aiops/internal/tools"
)

// readCap bounds the total bytes a single read_file call returns.
const readCap = 15 * 1024

// defaultMaxMatches bounds search_in_file output.
const defaultMaxMatches = 50

// Policy restricts which paths the filesystem tools may touch. An
// empty list means unrestricted.
type Policy struct {
	AllowedPaths []string
}

// Resolve cleans the path to absolute form and checks it against the
// allowed list.
func (p Policy) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	if len(p.AllowedPaths) == 0 {
		return abs, nil
	}
	for _, allowed := range p.AllowedPaths {
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if abs == allowedAbs || strings.HasPrefix(abs, allowedAbs+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the allowed paths", abs)
}

type readFileArgs struct {
	Path      string `json:"path" jsonschema:"description=Path of the file to read"`
	LineStart int    `json:"line_start,omitempty" jsonschema:"description=First line to return (1-based)"`
	LineEnd   int    `json:"line_end,omitempty" jsonschema:"description=Last line to return (inclusive)"`
	MaxLines  int    `json:"max_lines,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

type searchArgs struct {
	Path       string `json:"path" jsonschema:"description=Path of the file to search"`
	Pattern    string `json:"pattern" jsonschema:"description=Regular expression to match"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Cap on returned matches (default 50)"`
}

type listArgs struct {
	Path string `json:"path" jsonschema:"description=Directory to list"`
}

type mkdirArgs struct {
	Path string `json:"path" jsonschema:"description=Directory to create (parents included)"`
}

// New builds the filesystem tool set. now is injectable for tests.
func New(policy Policy, now func() time.Time) []tools.Tool {
	if now == nil {
		now = time.Now
	}
	return []tools.Tool{
		{
			Server:      tools.ServerInternal,
			Name:        "read_file",
			Description: "Read a text file, optionally a line range. Output is capped at 15 KB; use line_start/line_end to page through larger files.",
			InputSchema: tools.MustSchema(&readFileArgs{}),
			Handler:     func(ctx context.Context, args map[string]any) (string, error) { return readFile(policy, args) },
		},
		{
			Server:      tools.ServerInternal,
			Name:        "search_in_file",
			Description: "Search a file with a regular expression and return numbered matching lines.",
			InputSchema: tools.MustSchema(&searchArgs{}),
			Handler:     func(ctx context.Context, args map[string]any) (string, error) { return searchInFile(policy, args) },
		},
		{
			Server:      tools.ServerInternal,
			Name:        "list_directory",
			Description: "List a directory's entries with sizes, directories first.",
			InputSchema: tools.MustSchema(&listArgs{}),
			Handler:     func(ctx context.Context, args map[string]any) (string, error) { return listDirectory(policy, args) },
		},
		{
			Server:      tools.ServerInternal,
			Name:        "create_directory",
			Description: "Create a directory, including missing parents.",
			InputSchema: tools.MustSchema(&mkdirArgs{}),
			Confirm:     true,
			Handler:     func(ctx context.Context, args map[string]any) (string, error) { return createDirectory(policy, args) },
		},
		{
			Server:      tools.ServerInternal,
			Name:        "get_today_date",
			Description: "Return today's date in ISO form.",
			InputSchema: tools.MustSchema(&struct{}{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return now().Format("2006-01-02 (Monday)"), nil
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "get_current_time",
			Description: "Return the current local time including timezone.",
			InputSchema: tools.MustSchema(&struct{}{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return now().Format("2006-01-02 15:04:05 MST"), nil
			},
		},
	}
}

func readFile(policy Policy, raw map[string]any) (string, error) {
	var args readFileArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	path, err := policy.Resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	start := 1
	if args.LineStart > 0 {
		start = args.LineStart
	}
	end := len(lines)
	if args.LineEnd > 0 && args.LineEnd < end {
		end = args.LineEnd
	}
	if start > len(lines) {
		return "", fmt.Errorf("line_start %d beyond end of file (%d lines)", start, len(lines))
	}
	selected := lines[start-1 : end]
	if args.MaxLines > 0 && len(selected) > args.MaxLines {
		selected = selected[:args.MaxLines]
	}

	out := strings.Join(selected, "\n")
	if len(out) > readCap {
		out = out[:readCap] + fmt.Sprintf("\n[truncated at %d bytes]", readCap)
	}
	return out, nil
}

func searchInFile(policy Policy, raw map[string]any) (string, error) {
	var args searchArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	path, err := policy.Resolve(args.Path)
	if err != nil {
		return "", err
	}
	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", args.Pattern, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxMatches
	}

	var b strings.Builder
	count := 0
	for i, line := range strings.Split(string(data), "\n") {
		if !re.MatchString(line) {
			continue
		}
		count++
		fmt.Fprintf(&b, "%d: %s\n", i+1, line)
		if count >= maxResults {
			fmt.Fprintf(&b, "[stopped after %d matches]\n", maxResults)
			break
		}
	}
	if count == 0 {
		return fmt.Sprintf("No matches for %q in %s", args.Pattern, path), nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func listDirectory(policy Policy, raw map[string]any) (string, error) {
	var args listArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	path, err := policy.Resolve(args.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", path)
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "  %s/\n", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(&b, "  %s\n", entry.Name())
			continue
		}
		fmt.Fprintf(&b, "  %s (%d bytes)\n", entry.Name(), info.Size())
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func createDirectory(policy Policy, raw map[string]any) (string, error) {
	var args mkdirArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	path, err := policy.Resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return fmt.Sprintf("Created %s", path), nil
}
