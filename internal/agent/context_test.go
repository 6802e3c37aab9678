package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMaskingThreshold(t *testing.T) {
	cm := NewContextManager("claude-sonnet-4-20250514", false, 10, nil)

	cm.RecordUsage(Usage{InputTokens: 90_000})
	if cm.ShouldMask() {
		t.Error("masking triggered below half the window")
	}
	cm.RecordUsage(Usage{InputTokens: 110_000})
	if !cm.ShouldMask() {
		t.Error("masking not triggered above half the window")
	}
}

func TestExtendedActivation(t *testing.T) {
	cm := NewContextManager("claude-sonnet-4-20250514", true, 10, nil)

	cm.RecordUsage(Usage{InputTokens: 140_000})
	if cm.ShouldActivateExtended() {
		t.Error("extended activation below 75% of 200k")
	}
	cm.RecordUsage(Usage{InputTokens: 160_000})
	if !cm.ShouldActivateExtended() {
		t.Fatal("extended activation not triggered")
	}
	cm.ActivateExtended()
	if cm.ShouldActivateExtended() {
		t.Error("activation offered twice")
	}
	// With the 1M window active, 160k is no longer maskworthy.
	if cm.ShouldMask() {
		t.Error("masking triggered against the extended window")
	}

	// Opt-out blocks activation regardless of usage.
	cm = NewContextManager("claude-sonnet-4-20250514", false, 10, nil)
	cm.RecordUsage(Usage{InputTokens: 190_000})
	if cm.ShouldActivateExtended() {
		t.Error("extended activation without operator opt-in")
	}

	// Model outside the allow-list never extends.
	cm = NewContextManager("claude-3-haiku-20240307", true, 10, nil)
	cm.RecordUsage(Usage{InputTokens: 190_000})
	if cm.ShouldActivateExtended() {
		t.Error("extended activation on unsupported model")
	}
}

func resultRound(pairs ...string) Message {
	m := Message{Role: "user"}
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Blocks = append(m.Blocks, ToolResultBlock(pairs[i], pairs[i+1], false))
	}
	return m
}

func TestMaskOldObservations(t *testing.T) {
	cm := NewContextManager("claude-sonnet-4-20250514", false, 2, nil)

	messages := []Message{
		UserText("check the logs"),
		{Role: "assistant", Blocks: []Block{{Type: "tool_use", ID: "t1", Name: "internal__read_file"}}},
		resultRound("t1", "first result"),
		{Role: "assistant", Blocks: []Block{{Type: "tool_use", ID: "t2", Name: "internal__read_file"}}},
		resultRound("t2", "second result"),
		{Role: "assistant", Blocks: []Block{{Type: "tool_use", ID: "t3", Name: "internal__read_file"}}},
		resultRound("t3", "third result"),
	}

	masked := cm.MaskOldObservations(messages)
	if masked != 1 {
		t.Fatalf("masked = %d, want 1", masked)
	}
	if messages[2].Blocks[0].Content != maskedPlaceholder {
		t.Errorf("oldest round not masked: %q", messages[2].Blocks[0].Content)
	}
	if messages[2].Blocks[0].ToolUseID != "t1" {
		t.Error("correlation id lost during masking")
	}
	if messages[4].Blocks[0].Content != "second result" || messages[6].Blocks[0].Content != "third result" {
		t.Error("recent rounds were masked")
	}

	// Second pass has nothing new to mask.
	if again := cm.MaskOldObservations(messages); again != 0 {
		t.Errorf("re-mask = %d, want 0", again)
	}
}

func TestTruncateResult(t *testing.T) {
	if got := TruncateResult("short"); got != "short" {
		t.Errorf("TruncateResult(short) = %q", got)
	}
	long := strings.Repeat("x", 25_000)
	got := TruncateResult(long)
	if !strings.Contains(got, "[truncated, 25000 chars total]") {
		t.Error("missing truncation marker")
	}
	if len(got) > toolResultCap+64 {
		t.Errorf("truncated length = %d", len(got))
	}
}

func TestCompactExchanges(t *testing.T) {
	var exchanges []Exchange
	for i := 0; i < 12; i++ {
		exchanges = append(exchanges, Exchange{User: "q", Assistant: "a"})
	}

	summarize := func(ctx context.Context, system, user string) (string, error) {
		return "the summary", nil
	}
	compacted := CompactExchanges(context.Background(), summarize, exchanges, 8, 10, nil)
	if len(compacted) != 11 {
		t.Fatalf("compacted length = %d, want 11", len(compacted))
	}
	if compacted[0].User != "[Conversation summary]" || compacted[0].Assistant != "the summary" {
		t.Errorf("synthetic exchange = %+v", compacted[0])
	}

	// Summarization failure leaves the list unchanged.
	failing := func(ctx context.Context, system, user string) (string, error) {
		return "", errors.New("backend down")
	}
	unchanged := CompactExchanges(context.Background(), failing, exchanges, 8, 10, nil)
	if len(unchanged) != len(exchanges) {
		t.Errorf("failed compaction altered the list: %d", len(unchanged))
	}

	// Below threshold nothing happens.
	few := exchanges[:5]
	if got := CompactExchanges(context.Background(), summarize, few, 8, 10, nil); len(got) != 5 {
		t.Errorf("compaction below threshold: %d", len(got))
	}
}
