package agent

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fredericlepied/aiops/internal/kg"
)

func TestKeywords(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{
			"Please tell me about the failing deployment jobs on cluster alpha today",
			[]string{"failing", "deployment", "jobs", "cluster", "alpha"},
		},
		{"deploy deploy deploy", []string{"deploy"}},
		{"is it up?", nil},
		{"", nil},
	}
	for _, tt := range tests {
		if got := Keywords(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Keywords(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func promptStore(t *testing.T) *kg.Store {
	t.Helper()
	store, err := kg.Open(filepath.Join(t.TempDir(), "kg.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuildSystemPromptSections(t *testing.T) {
	inputs := PromptInputs{
		Identity:      "You are the ops sidekick.",
		SkillsSection: "- triage: summarize incidents",
		ServerNames:   []string{"github", "jenkins"},
	}
	prompt := buildSystemPrompt(context.Background(), inputs, nil, "anything", nil)

	for _, want := range []string{
		"You are the ops sidekick.",
		"## Agent Skills",
		"- triage: summarize incidents",
		"## Available Data Sources",
		"- github",
		"- jenkins",
		"introspection__get_tool_help",
		"internal__search_knowledge",
		"Be honest about uncertainty",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "## What You Know") {
		t.Error("learnings section rendered without a store")
	}
}

func TestBuildSystemPromptDefaults(t *testing.T) {
	prompt := buildSystemPrompt(context.Background(), PromptInputs{}, nil, "q", nil)
	if !strings.Contains(prompt, "personal operations assistant") {
		t.Error("default identity missing")
	}
	if !strings.Contains(prompt, "No external tool servers are connected.") {
		t.Error("empty-server note missing")
	}
}

func TestLearningsInjection(t *testing.T) {
	ctx := context.Background()
	store := promptStore(t)

	if _, err := store.SaveKnowledge(ctx, kg.TypeUserPreference, "format", "prefers markdown tables", nil, 0.9); err != nil {
		t.Fatalf("SaveKnowledge() error = %v", err)
	}
	if _, err := store.SaveKnowledge(ctx, kg.TypeUserPreference, "shaky", "unconfirmed hunch about colors", nil, 0.2); err != nil {
		t.Fatalf("SaveKnowledge() error = %v", err)
	}
	if _, err := store.SaveKnowledge(ctx, kg.TypeLessonLearned, "retries", "deployment retries fixed the flake", nil, 0.8); err != nil {
		t.Fatalf("SaveKnowledge() error = %v", err)
	}
	if _, err := store.SaveKnowledge(ctx, kg.TypeLessonLearned, "unrelated", "printer jams on tuesdays", nil, 0.8); err != nil {
		t.Fatalf("SaveKnowledge() error = %v", err)
	}

	prompt := buildSystemPrompt(context.Background(), PromptInputs{}, store, "why is the deployment failing", nil)

	if !strings.Contains(prompt, "## What You Know") {
		t.Fatal("learnings section missing")
	}
	if !strings.Contains(prompt, "prefers markdown tables") {
		t.Error("confident user preference not injected")
	}
	if strings.Contains(prompt, "unconfirmed hunch") {
		t.Error("low-confidence entry injected")
	}
	if !strings.Contains(prompt, "deployment retries fixed the flake") {
		t.Error("keyword-matched lesson not injected")
	}
	if strings.Contains(prompt, "printer jams") {
		t.Error("unrelated lesson injected")
	}
}

func TestLearningsCharCap(t *testing.T) {
	ctx := context.Background()
	store := promptStore(t)

	long := strings.Repeat("x", 400)
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		if _, err := store.SaveKnowledge(ctx, kg.TypeUserPreference, key, long, nil, 0.9); err != nil {
			t.Fatalf("SaveKnowledge() error = %v", err)
		}
	}
	learnings := renderLearnings(ctx, store, nil)
	if len(learnings) > learningsCharCap {
		t.Errorf("learnings length = %d, cap %d", len(learnings), learningsCharCap)
	}
	if learnings == "" {
		t.Error("cap dropped everything")
	}
}

func TestAutoContextInjection(t *testing.T) {
	ctx := context.Background()
	store := promptStore(t)

	now := time.Now().UTC()
	if _, err := store.InsertEntity(ctx, "job", "job:nightly-deploy",
		map[string]any{"name": "nightly deployment", "status": "red"}, now, nil); err != nil {
		t.Fatalf("InsertEntity() error = %v", err)
	}

	prompt := buildSystemPrompt(context.Background(), PromptInputs{}, store, "what broke the deployment", nil)
	if !strings.Contains(prompt, "## Relevant Context") {
		t.Fatal("auto-context section missing")
	}
	if !strings.Contains(prompt, "job:nightly-deploy") {
		t.Error("matching domain entity not injected")
	}
}
