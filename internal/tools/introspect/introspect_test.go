package introspect

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fredericlepied/aiops/internal/kg"
	"github.com/fredericlepied/aiops/internal/mcp"
	"github.com/fredericlepied/aiops/internal/tools"
)

type stubPrompts struct{}

func (stubPrompts) ServerNames() []string { return []string{"github"} }

func (stubPrompts) Prompts(server string) ([]mcp.Prompt, error) {
	if server != "github" {
		return nil, fmt.Errorf("unknown server %s", server)
	}
	return []mcp.Prompt{{
		Name:        "triage",
		Description: "Triage open issues.",
		Arguments:   []mcp.PromptArgument{{Name: "repo", Required: true, Description: "Repository slug"}},
	}}, nil
}

func (stubPrompts) GetPrompt(ctx context.Context, server, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{Messages: []mcp.PromptMessage{
		{Role: "user", Content: mcp.PromptContent{Type: "text", Text: "Triage " + args["repo"]}},
	}}, nil
}

func (stubPrompts) Tools(server string) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "list_issues", Description: "List open issues in a repository."}}, nil
}

func setup(t *testing.T) (map[string]func(map[string]any) (string, error), *kg.Store, *tools.Registry) {
	t.Helper()
	store, err := kg.Open(filepath.Join(t.TempDir(), "kg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tools.NewRegistry()
	set := New(store, registry, stubPrompts{})
	registry.Register(set...)

	h := map[string]func(map[string]any) (string, error){}
	for _, tool := range set {
		fn := tool.Handler
		h[tool.Name] = func(args map[string]any) (string, error) {
			return fn(context.Background(), args)
		}
	}
	return h, store, registry
}

func TestSearchGraphAndStats(t *testing.T) {
	h, store, _ := setup(t)
	ctx := context.Background()
	if _, err := store.SaveKnowledge(ctx, kg.TypeLessonLearned, "etl-window",
		"ETL must finish before 06:00 or the morning report is stale.", nil, 1); err != nil {
		t.Fatal(err)
	}

	got, err := h["search_knowledge_graph"](map[string]any{"query": "ETL"})
	if err != nil || !strings.Contains(got, "etl-window") {
		t.Errorf("search = %q, %v", got, err)
	}

	got, err = h["get_kg_stats"](nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "lesson_learned: 1") || !strings.Contains(got, "total: 1") {
		t.Errorf("stats = %q", got)
	}

	got, err = h["get_kg_entity"](map[string]any{"id": "lesson_learned:etl-window"})
	if err != nil || !strings.Contains(got, "believed since") {
		t.Errorf("entity = %q, %v", got, err)
	}
}

func TestSearchConversationHistory(t *testing.T) {
	h, store, _ := setup(t)
	if err := kg.RecordConversation(context.Background(), store,
		"Why did the deploy fail?", "The registry was unreachable."); err != nil {
		t.Fatal(err)
	}

	got, err := h["search_conversation_history"](map[string]any{"query": "deploy"})
	if err != nil {
		t.Fatalf("history search error = %v", err)
	}
	if !strings.Contains(got, "registry was unreachable") {
		t.Errorf("history = %q", got)
	}

	got, err = h["search_conversation_history"](map[string]any{"query": "kubernetes"})
	if err != nil || got != "No matching conversations." {
		t.Errorf("empty history = %q, %v", got, err)
	}
}

func TestPromptInspectionAndExecution(t *testing.T) {
	h, _, _ := setup(t)

	got, err := h["inspect_mcp_prompt"](map[string]any{"server": "github", "name": "triage"})
	if err != nil {
		t.Fatalf("inspect error = %v", err)
	}
	if !strings.Contains(got, "Triage open issues.") || !strings.Contains(got, "repo (required)") {
		t.Errorf("inspect = %q", got)
	}

	if _, err := h["inspect_mcp_prompt"](map[string]any{"server": "github", "name": "ghost"}); err == nil {
		t.Error("unknown prompt inspected")
	}

	got, err = h["execute_mcp_prompt"](map[string]any{
		"server": "github", "name": "triage",
		"arguments": map[string]any{"repo": "acme/site"},
	})
	if err != nil || !strings.Contains(got, "[user] Triage acme/site") {
		t.Errorf("execute = %q, %v", got, err)
	}
}

func TestGetToolHelp(t *testing.T) {
	h, _, registry := setup(t)
	registry.Register(tools.Tool{
		Server:      tools.ServerInternal,
		Name:        "read_file",
		Description: "Read a text file. This is the long-form documentation with every detail spelled out.",
	})

	got, err := h["get_tool_help"](map[string]any{"name": "internal__read_file"})
	if err != nil || !strings.Contains(got, "every detail spelled out") {
		t.Errorf("internal help = %q, %v", got, err)
	}

	got, err = h["get_tool_help"](map[string]any{"name": "github__list_issues"})
	if err != nil || !strings.Contains(got, "List open issues") {
		t.Errorf("server help = %q, %v", got, err)
	}

	if _, err := h["get_tool_help"](map[string]any{"name": "nowhere__nothing"}); err == nil {
		t.Error("unknown tool got help")
	}
}
