package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/fredericlepied/aiops/internal/kg"
	"github.com/fredericlepied/aiops/internal/security"
)

const (
	maxKeywords        = 5
	minKeywordLen      = 4
	confidenceFloor    = 0.5
	learningsCharCap   = 1500
	perCategoryCap     = 5
	autoContextCap     = 5
	defaultIdentityPar = "You are a personal operations assistant. You help with " +
		"monitoring, reporting, and answering questions about the systems you watch."
)

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "against": true, "because": true,
	"been": true, "before": true, "being": true, "below": true, "between": true,
	"both": true, "could": true, "does": true, "doing": true, "down": true,
	"during": true, "each": true, "from": true, "further": true, "have": true,
	"having": true, "here": true, "into": true, "just": true, "more": true,
	"most": true, "once": true, "only": true, "other": true, "over": true,
	"same": true, "should": true, "show": true, "some": true, "such": true,
	"than": true, "that": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "those": true,
	"through": true, "under": true, "until": true, "very": true, "what": true,
	"when": true, "where": true, "which": true, "while": true, "with": true,
	"will": true, "would": true, "your": true, "please": true, "tell": true,
}

var wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_-]*`)

// Keywords extracts up to five significant lowercase keywords from the
// query text for knowledge retrieval.
func Keywords(text string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, word := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(word) < minKeywordLen || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}

// PromptInputs carries the externally configured pieces of the system
// prompt.
type PromptInputs struct {
	Identity      string
	SkillsSection string
	ServerNames   []string
}

// buildSystemPrompt composes the system prompt for one turn: identity,
// skills, data sources, knowledge pointers, safety directives, and the
// auto-injected learnings and context.
func buildSystemPrompt(ctx context.Context, inputs PromptInputs, store *kg.Store, query string, logger *slog.Logger) string {
	var b strings.Builder

	identity := strings.TrimSpace(inputs.Identity)
	if identity == "" {
		identity = defaultIdentityPar
	}
	b.WriteString(identity)
	b.WriteString("\n")

	if inputs.SkillsSection != "" {
		b.WriteString("\n## Agent Skills\n")
		b.WriteString(inputs.SkillsSection)
		b.WriteString("\n")
	}

	b.WriteString("\n## Available Data Sources\n")
	if len(inputs.ServerNames) == 0 {
		b.WriteString("No external tool servers are connected.\n")
	} else {
		for _, name := range inputs.ServerNames {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	b.WriteString("Call introspection__get_tool_help for full documentation of any tool.\n")

	b.WriteString("\nYou have a persistent knowledge graph: internal__search_knowledge " +
		"finds saved learnings and internal__save_knowledge records new ones.\n")

	b.WriteString("\nBe honest about uncertainty. Cite which tool a factual claim " +
		"came from; if you answer from general knowledge, say so.\n")

	b.WriteString("\n" + security.SystemPromptWarning + "\n")

	if store != nil {
		keywords := Keywords(query)
		if learnings := renderLearnings(ctx, store, keywords); learnings != "" {
			b.WriteString("\n## What You Know\n")
			b.WriteString(learnings)
		}
		if related := renderAutoContext(ctx, store, keywords, logger); related != "" {
			b.WriteString("\n## Relevant Context\n")
			b.WriteString(related)
		}
	}
	return b.String()
}

// renderLearnings selects KG learnings for injection: every confident
// user preference, plus keyword-matched entries from the other
// knowledge categories, newest first, capped at 1500 characters.
func renderLearnings(ctx context.Context, store *kg.Store, keywords []string) string {
	var selected []kg.Entity
	seen := make(map[string]bool)

	prefs, err := store.SearchKnowledge(ctx, kg.TypeUserPreference, "", nil, perCategoryCap*2)
	if err == nil {
		for _, e := range prefs {
			if entityConfidence(e) >= confidenceFloor && !seen[e.ID] {
				seen[e.ID] = true
				selected = append(selected, e)
			}
		}
	}

	for _, entityType := range []string{kg.TypeLessonLearned, kg.TypeProjectContext, kg.TypeDecisionRationale} {
		count := 0
		for _, kw := range keywords {
			entities, err := store.SearchKnowledge(ctx, entityType, kw, nil, perCategoryCap)
			if err != nil {
				continue
			}
			for _, e := range entities {
				if count >= perCategoryCap {
					break
				}
				if entityConfidence(e) < confidenceFloor || seen[e.ID] {
					continue
				}
				seen[e.ID] = true
				selected = append(selected, e)
				count++
			}
		}
	}

	var b strings.Builder
	for _, e := range selected {
		line := "- " + kg.RenderEntity(e) + "\n"
		if b.Len()+len(line) > learningsCharCap {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func entityConfidence(e kg.Entity) float64 {
	if c, ok := e.Data["confidence"].(float64); ok {
		return c
	}
	return 1.0
}

// renderAutoContext injects current-belief domain entities (jobs,
// hosts, tickets) whose data mentions a query keyword.
func renderAutoContext(ctx context.Context, store *kg.Store, keywords []string, logger *slog.Logger) string {
	entities, err := store.FindContext(ctx, keywords, autoContextCap)
	if err != nil {
		if logger != nil {
			logger.Debug("auto-context lookup failed", "error", err)
		}
		return ""
	}
	var b strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&b, "- %s\n", kg.RenderEntity(e))
	}
	return b.String()
}
