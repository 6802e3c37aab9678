// Package audit appends tool invocations to a JSON-lines log with
// secrets redacted.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fredericlepied/aiops/internal/security"
)

// maxResultSummary bounds the result text stored per record.
const maxResultSummary = 1000

// Record is one audited tool call.
type Record struct {
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	ResultSummary string         `json:"result_summary"`
	Success       bool           `json:"success"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Logger writes records through a buffered channel so callers never
// block on disk.
type Logger struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	records chan Record
	done    chan struct{}
	once    sync.Once
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Logger) { a.logger = l.With("component", "audit") }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(a *Logger) { a.now = now }
}

// New opens (creating if needed) the audit log at path and starts the
// write loop.
func New(path string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	a := &Logger{
		path:    path,
		logger:  slog.Default().With("component", "audit"),
		now:     time.Now,
		records: make(chan Record, 256),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.writeLoop()
	return a, nil
}

// Log enqueues a record. Arguments and result text are redacted before
// they reach the queue. Never blocks; drops with a warning when the
// queue is full.
func (a *Logger) Log(toolName string, args map[string]any, result string, success bool) {
	summary := security.RedactText(result)
	if len(summary) > maxResultSummary {
		summary = fmt.Sprintf("%s[truncated, %d chars total]", summary[:maxResultSummary], len(result))
	}
	rec := Record{
		ToolName:      toolName,
		Arguments:     security.RedactArgs(args),
		ResultSummary: summary,
		Success:       success,
		Timestamp:     a.now().UTC(),
	}
	select {
	case a.records <- rec:
	default:
		a.logger.Warn("audit queue full, dropping record", "tool", toolName)
	}
}

// Close drains pending records and stops the write loop.
func (a *Logger) Close() {
	a.once.Do(func() {
		close(a.records)
		<-a.done
	})
}

func (a *Logger) writeLoop() {
	defer close(a.done)
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.logger.Error("open audit log", "path", a.path, "error", err)
		for range a.records {
			// drain so Log never blocks
		}
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for rec := range a.records {
		if err := enc.Encode(rec); err != nil {
			a.logger.Error("write audit record", "error", err)
		}
	}
}
