package runtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/fredericlepied/aiops/internal/agent"
	"github.com/fredericlepied/aiops/internal/config"
	"github.com/fredericlepied/aiops/internal/kg"
	"github.com/fredericlepied/aiops/internal/schedule"
)

// cannedBackend answers every request with the same text.
type cannedBackend struct {
	text  string
	calls int
}

func (b *cannedBackend) Complete(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	b.calls++
	return &agent.Response{
		Message: agent.Message{Role: "assistant", Blocks: []agent.Block{agent.TextBlock(b.text)}},
		Usage:   agent.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (b *cannedBackend) Stream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	return nil, errors.New("streaming not used in tests")
}

func testRuntime(t *testing.T, backend agent.ChatBackend) *Runtime {
	t.Helper()
	t.Setenv("AIOPS_CONFIG_DIR", t.TempDir())
	cfg, err := config.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	cfg.Tools.AllowedPaths = []string{t.TempDir()}

	r, err := New(context.Background(), cfg, WithBackend(backend))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestQueryRecordsConversation(t *testing.T) {
	r := testRuntime(t, &cannedBackend{text: "all clear"})

	answer, err := r.Query(context.Background(), "how are the jobs?")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if answer != "all clear" {
		t.Errorf("answer = %q", answer)
	}

	entities, err := r.Store().SearchKnowledge(context.Background(), kg.TypeConversation, "", nil, 10)
	if err != nil {
		t.Fatalf("SearchKnowledge() error = %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("conversations recorded = %d, want 1", len(entities))
	}
	text, _ := entities[0].Data["text"].(string)
	if !strings.Contains(text, "how are the jobs?") || !strings.Contains(text, "all clear") {
		t.Errorf("conversation text = %q", text)
	}
}

func TestSynthesisUnitRunsDirectly(t *testing.T) {
	backend := &cannedBackend{text: "[]"}
	r := testRuntime(t, backend)

	unit := schedule.Unit{Entry: schedule.Entry{Name: schedule.DefaultSynthesisName}}
	out, err := r.runUnit(context.Background(), unit)
	if err != nil {
		t.Fatalf("runUnit() error = %v", err)
	}
	// No conversations yet, so the pass mines nothing and never calls
	// the backend.
	if !strings.Contains(out, "mined 0") {
		t.Errorf("output = %q", out)
	}
	if backend.calls != 0 {
		t.Errorf("backend calls = %d, want 0", backend.calls)
	}
}

func TestPromptUnitGoesThroughLoop(t *testing.T) {
	backend := &cannedBackend{text: "checked"}
	r := testRuntime(t, backend)

	unit := schedule.Unit{Entry: schedule.Entry{Name: "disk-check", Prompt: "check disk usage"}}
	out, err := r.runUnit(context.Background(), unit)
	if err != nil {
		t.Fatalf("runUnit() error = %v", err)
	}
	if out != "checked" {
		t.Errorf("output = %q", out)
	}
	if backend.calls == 0 {
		t.Error("backend never called")
	}
}

func TestStatus(t *testing.T) {
	r := testRuntime(t, &cannedBackend{text: "x"})
	status := r.Status(context.Background())
	if status["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("status model = %q", status["model"])
	}
	if _, ok := status["kg_entities"]; !ok {
		t.Error("kg entity count missing from status")
	}
}

func TestStartMonitorEnsuresDefaultSchedule(t *testing.T) {
	r := testRuntime(t, &cannedBackend{text: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.StartMonitor(ctx); err != nil {
		t.Fatalf("StartMonitor() error = %v", err)
	}

	file, err := schedule.LoadFile(config.SchedulePath())
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if file.FindEntry(schedule.DefaultSynthesisName) == nil {
		t.Error("default synthesis entry not persisted")
	}
}

func TestClearCache(t *testing.T) {
	r := testRuntime(t, &cannedBackend{text: "x"})

	cachePath := config.SchedulerCachePath()
	if err := os.WriteFile(cachePath, []byte("db"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.ClearCache(context.Background()); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	if _, err := os.Stat(cachePath); !os.IsNotExist(err) {
		t.Error("scheduler cache survived ClearCache")
	}
	// Idempotent when nothing remains.
	if err := r.ClearCache(context.Background()); err != nil {
		t.Errorf("second ClearCache() error = %v", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	t.Setenv("AIOPS_CONFIG_DIR", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg, err := config.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("New() expected a credentials error")
	} else if !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Errorf("error = %v", err)
	}
}
