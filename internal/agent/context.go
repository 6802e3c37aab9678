package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	standardWindowDefault = 200_000
	extendedWindow        = 1_000_000

	maskThreshold     = 0.50
	extendedThreshold = 0.75 // of the 200k standard window
	warnThreshold     = 0.80

	toolResultCap = 20_000

	maskedPlaceholder = "[Result already retrieved]"
)

// modelWindows maps model families to their standard context window.
var modelWindows = map[string]int{
	"claude-sonnet-4":   200_000,
	"claude-opus-4":     200_000,
	"claude-3-5-sonnet": 200_000,
	"claude-3-5-haiku":  200_000,
	"claude-3-opus":     200_000,
	"claude-3-haiku":    200_000,
}

// extendedContextModels is the allow-list for the 1M window.
var extendedContextModels = []string{"claude-sonnet-4"}

func windowForModel(model string) int {
	for prefix, window := range modelWindows {
		if strings.HasPrefix(model, prefix) {
			return window
		}
	}
	return standardWindowDefault
}

func modelSupportsExtended(model string) bool {
	for _, prefix := range extendedContextModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// ContextManager tracks token usage across turns and decides when to
// mask old observations, widen the window, or warn. Thresholds are
// judged on the last turn's input tokens.
type ContextManager struct {
	logger *slog.Logger
	model  string

	allowExtended  bool
	keepRecent     int
	extendedActive bool

	lastInput int
	total     Usage
	warned    bool
}

// NewContextManager builds a manager for one query.
func NewContextManager(model string, allowExtended bool, keepRecent int, logger *slog.Logger) *ContextManager {
	if keepRecent <= 0 {
		keepRecent = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextManager{
		logger:        logger.With("component", "context"),
		model:         model,
		allowExtended: allowExtended && modelSupportsExtended(model),
		keepRecent:    keepRecent,
	}
}

// RecordUsage folds one turn's reported usage into the running state.
func (c *ContextManager) RecordUsage(u Usage) {
	c.lastInput = u.InputTokens
	c.total.InputTokens += u.InputTokens
	c.total.OutputTokens += u.OutputTokens
	c.total.CacheCreation += u.CacheCreation
	c.total.CacheRead += u.CacheRead

	if !c.warned && float64(c.lastInput) > warnThreshold*float64(c.currentWindow()) {
		c.warned = true
		c.logger.Warn("context budget nearly exhausted",
			"input_tokens", c.lastInput, "window", c.currentWindow())
	}
}

// Total reports cumulative usage for the query.
func (c *ContextManager) Total() Usage { return c.total }

// ExtendedActive reports whether the 1M window is in force.
func (c *ContextManager) ExtendedActive() bool { return c.extendedActive }

func (c *ContextManager) currentWindow() int {
	if c.extendedActive {
		return extendedWindow
	}
	return windowForModel(c.model)
}

// ShouldMask reports whether old observations should be masked before
// the next turn.
func (c *ContextManager) ShouldMask() bool {
	return float64(c.lastInput) > maskThreshold*float64(c.currentWindow())
}

// ShouldActivateExtended reports whether the long-context window
// should be switched on.
func (c *ContextManager) ShouldActivateExtended() bool {
	return c.allowExtended && !c.extendedActive &&
		float64(c.lastInput) > extendedThreshold*float64(standardWindowDefault)
}

// ActivateExtended flips to the 1M window for the rest of the query.
func (c *ContextManager) ActivateExtended() {
	c.extendedActive = true
	c.logger.Info("extended context window activated",
		"input_tokens", c.lastInput, "window", extendedWindow)
}

// MaskOldObservations replaces tool_result content in all but the most
// recent keepRecent result rounds, preserving correlation ids. The
// message list is mutated in place; the count of masked blocks is
// returned.
func (c *ContextManager) MaskOldObservations(messages []Message) int {
	var resultRounds []int
	for i, m := range messages {
		if isToolResultRound(m) {
			resultRounds = append(resultRounds, i)
		}
	}
	if len(resultRounds) <= c.keepRecent {
		return 0
	}

	masked := 0
	for _, idx := range resultRounds[:len(resultRounds)-c.keepRecent] {
		for j := range messages[idx].Blocks {
			b := &messages[idx].Blocks[j]
			if b.Type == "tool_result" && b.Content != maskedPlaceholder {
				b.Content = maskedPlaceholder
				b.IsError = false
				masked++
			}
		}
	}
	if masked > 0 {
		c.logger.Info("masked old observations", "blocks", masked)
	}
	return masked
}

func isToolResultRound(m Message) bool {
	if m.Role != "user" || len(m.Blocks) == 0 {
		return false
	}
	for _, b := range m.Blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return true
}

// TruncateResult hard-caps one tool result, marking the original size.
func TruncateResult(text string) string {
	if len(text) <= toolResultCap {
		return text
	}
	return text[:toolResultCap] + fmt.Sprintf("\n[truncated, %d chars total]", len(text))
}

// Exchange is one completed query/answer pair in an interactive
// session.
type Exchange struct {
	User      string
	Assistant string
}

// SummarizeFunc condenses text between queries; the session wires it
// to a backend call.
type SummarizeFunc func(ctx context.Context, system, user string) (string, error)

// CompactExchanges summarizes the oldest exchanges into one synthetic
// exchange when the session has grown past threshold. On summarization
// failure the original list is returned unchanged.
func CompactExchanges(ctx context.Context, summarize SummarizeFunc, exchanges []Exchange, threshold, keepRecent int, logger *slog.Logger) []Exchange {
	if threshold <= 0 {
		threshold = 8
	}
	if keepRecent <= 0 {
		keepRecent = 10
	}
	if len(exchanges) < threshold || len(exchanges) <= keepRecent || summarize == nil {
		return exchanges
	}

	old := exchanges[:len(exchanges)-keepRecent]
	var b strings.Builder
	for _, e := range old {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", e.User, e.Assistant)
	}
	summary, err := summarize(ctx,
		"Summarize this conversation concisely, preserving decisions, facts, and open items.",
		b.String())
	if err != nil {
		if logger != nil {
			logger.Warn("conversation compaction failed", "error", err)
		}
		return exchanges
	}

	compacted := make([]Exchange, 0, keepRecent+1)
	compacted = append(compacted, Exchange{User: "[Conversation summary]", Assistant: summary})
	compacted = append(compacted, exchanges[len(exchanges)-keepRecent:]...)
	if logger != nil {
		logger.Info("conversation compacted", "before", len(exchanges), "after", len(compacted))
	}
	return compacted
}
