package kg

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSynthesizerRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := RecordConversation(ctx, s, "check disk on db1", "db1 is at 92%, cleaned logs"); err != nil {
		t.Fatalf("RecordConversation() error = %v", err)
	}

	var sawTranscript bool
	summarize := func(ctx context.Context, system, user string) (string, error) {
		sawTranscript = strings.Contains(user, "db1")
		return "Here you go:\n[{\"type\":\"lesson_learned\",\"key\":\"db1-disk\"," +
			"\"content\":\"db1 fills its disk with logs.\",\"confidence\":0.8,\"tags\":[\"db1\"]}]", nil
	}

	syn := NewSynthesizer(s, summarize, nil)
	saved, err := syn.Run(ctx, time.Hour, "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if saved != 1 {
		t.Errorf("saved = %d, want 1", saved)
	}
	if !sawTranscript {
		t.Error("transcript not forwarded to backend")
	}

	e, err := s.GetEntity(ctx, KnowledgeID(TypeLessonLearned, "db1-disk"))
	if err != nil {
		t.Fatalf("mined entity missing: %v", err)
	}
	if e.Data["content"] != "db1 fills its disk with logs." {
		t.Errorf("content = %v", e.Data["content"])
	}
}

func TestSynthesizerSkipsMalformedEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := RecordConversation(ctx, s, "q", "a"); err != nil {
		t.Fatal(err)
	}

	summarize := func(ctx context.Context, system, user string) (string, error) {
		return `[{"type":"bogus_type","key":"x","content":"y"},{"type":"lesson_learned","key":"","content":"y"}]`, nil
	}
	saved, err := NewSynthesizer(s, summarize, nil).Run(ctx, time.Hour, "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if saved != 0 {
		t.Errorf("saved = %d, want 0", saved)
	}
}

func TestRecordToolResultKeepsArgs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	args := map[string]any{"path": "/var/log", "recursive": true}
	if err := RecordToolResult(ctx, s, "list_directory", args, "12 entries"); err != nil {
		t.Fatalf("RecordToolResult() error = %v", err)
	}

	entities, err := s.QueryAsOf(ctx, time.Now().UTC(), Filter{EntityType: TypeToolResult})
	if err != nil {
		t.Fatalf("QueryAsOf() error = %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	e := entities[0]
	if e.Data["tool"] != "list_directory" || e.Data["result"] != "12 entries" {
		t.Errorf("payload = %v", e.Data)
	}
	stored, _ := e.Data["args"].(string)
	if !strings.Contains(stored, `"path":"/var/log"`) {
		t.Errorf("args payload = %q, want canonical arguments", stored)
	}

	// Same tool and args supersede the earlier result.
	if err := RecordToolResult(ctx, s, "list_directory", args, "13 entries"); err != nil {
		t.Fatalf("RecordToolResult() repeat error = %v", err)
	}
	e2, err := s.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if e2.Data["result"] != "13 entries" {
		t.Errorf("result = %v, want superseded value", e2.Data["result"])
	}
}

func TestSynthesizerNothingToDo(t *testing.T) {
	s := openTestStore(t)
	called := false
	summarize := func(ctx context.Context, system, user string) (string, error) {
		called = true
		return "[]", nil
	}
	saved, err := NewSynthesizer(s, summarize, nil).Run(context.Background(), time.Hour, "")
	if err != nil || saved != 0 {
		t.Fatalf("Run() = (%d, %v)", saved, err)
	}
	if called {
		t.Error("backend called with no transcripts")
	}
}
