// Package knowledge provides the internal tools over the knowledge
// graph: saving and searching learnings plus the bi-temporal query
// tools.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fredericlepied/aiops/internal/kg"
	"github.com/fredericlepied/aiops/internal/tools"
)

// SynthesisRequester receives trigger_synthesis requests. The agent
// implements it by setting a pending flag it honors between queries.
type SynthesisRequester interface {
	RequestSynthesis(focus string)
}

type saveArgs struct {
	Type       string   `json:"type" jsonschema:"description=One of lesson_learned user_preference project_context decision_rationale"`
	Key        string   `json:"key" jsonschema:"description=Stable kebab-case key; re-saving the same key supersedes the old belief"`
	Content    string   `json:"content" jsonschema:"description=The fact to remember"`
	Tags       []string `json:"tags,omitempty" jsonschema:"description=Optional tags for retrieval"`
	Confidence float64  `json:"confidence,omitempty" jsonschema:"description=Confidence 0-1 (default 1)"`
}

type searchArgs struct {
	Type  string   `json:"type,omitempty" jsonschema:"description=Restrict to one knowledge type"`
	Query string   `json:"query,omitempty" jsonschema:"description=Substring to match against content"`
	Tags  []string `json:"tags,omitempty" jsonschema:"description=Match any of these tags"`
	Limit int      `json:"limit,omitempty" jsonschema:"description=Maximum results (default 20)"`
}

type synthesisArgs struct {
	Focus string `json:"focus,omitempty" jsonschema:"description=Optional topic to focus the synthesis pass on"`
}

type changesArgs struct {
	Hours int `json:"hours,omitempty" jsonschema:"description=Window in hours (default 24)"`
}

type lateArgs struct {
	MinDelayHours int `json:"min_delay_hours,omitempty" jsonschema:"description=Minimum discovery delay in hours (default 24)"`
}

type lagArgs struct {
	Type string `json:"type,omitempty" jsonschema:"description=Restrict to one entity type"`
}

type entityArgs struct {
	ID string `json:"id" jsonschema:"description=Entity id"`
}

// New builds the knowledge tool set over store. requester may be nil
// when no agent is attached (scheduler-only runs).
func New(store *kg.Store, requester SynthesisRequester) []tools.Tool {
	return []tools.Tool{
		{
			Server:      tools.ServerInternal,
			Name:        "save_knowledge",
			Description: "Save a durable learning to the knowledge graph. Saving the same type and key again supersedes the previous belief.",
			InputSchema: tools.MustSchema(&saveArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return saveKnowledge(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "search_knowledge",
			Description: "Search saved learnings by type, content substring, and tags.",
			InputSchema: tools.MustSchema(&searchArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return searchKnowledge(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "trigger_synthesis",
			Description: "Request a synthesis pass that mines recent conversations for new learnings. Runs after the current query completes.",
			InputSchema: tools.MustSchema(&synthesisArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				if requester == nil {
					return "", fmt.Errorf("synthesis is not available in this session")
				}
				var a synthesisArgs
				if err := tools.DecodeArgs(args, &a); err != nil {
					return "", err
				}
				requester.RequestSynthesis(a.Focus)
				return "Synthesis scheduled.", nil
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "recent_changes",
			Description: "Show knowledge graph entities discovered or closed recently.",
			InputSchema: tools.MustSchema(&changesArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return recentChanges(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "late_discoveries",
			Description: "Show facts the system learned long after they became true.",
			InputSchema: tools.MustSchema(&lateArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return lateDiscoveries(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "discovery_lag_stats",
			Description: "Summarize how far discovery lags reality across current beliefs.",
			InputSchema: tools.MustSchema(&lagArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return lagStats(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "entity_context",
			Description: "Show one entity with its history and related entities.",
			InputSchema: tools.MustSchema(&entityArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return entityContext(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerInternal,
			Name:        "stats",
			Description: "Show current-belief entity counts by type.",
			InputSchema: tools.MustSchema(&struct{}{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return stats(ctx, store)
			},
		},
	}
}

func saveKnowledge(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args saveArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	valid := false
	for _, t := range kg.KnowledgeTypes {
		if args.Type == t {
			valid = true
		}
	}
	if !valid {
		return "", fmt.Errorf("unknown knowledge type %q (want one of %s)",
			args.Type, strings.Join(kg.KnowledgeTypes, ", "))
	}
	entity, err := store.SaveKnowledge(ctx, args.Type, args.Key, args.Content, args.Tags, args.Confidence)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Saved %s", entity.ID), nil
}

func searchKnowledge(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args searchArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	entities, err := store.SearchKnowledge(ctx, args.Type, args.Query, args.Tags, args.Limit)
	if err != nil {
		return "", err
	}
	if len(entities) == 0 {
		return "No matching knowledge.", nil
	}
	var b strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&b, "- %s\n", kg.RenderEntity(e))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func recentChanges(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args changesArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	hours := args.Hours
	if hours <= 0 {
		hours = 24
	}
	changes, err := store.WhatChangedRecently(ctx, time.Duration(hours)*time.Hour)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Discovered in the last %dh: %d\n", hours, len(changes.Discovered))
	for _, e := range changes.Discovered {
		fmt.Fprintf(&b, "+ %s\n", kg.RenderEntity(e))
	}
	fmt.Fprintf(&b, "Beliefs closed: %d\n", len(changes.Closed))
	for _, e := range changes.Closed {
		fmt.Fprintf(&b, "- %s\n", kg.RenderEntity(e))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func lateDiscoveries(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args lateArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	minDelay := args.MinDelayHours
	if minDelay <= 0 {
		minDelay = 24
	}
	late, err := store.FindLateDiscoveries(ctx, time.Duration(minDelay)*time.Hour)
	if err != nil {
		return "", err
	}
	if len(late) == 0 {
		return fmt.Sprintf("No discoveries delayed more than %dh.", minDelay), nil
	}
	var b strings.Builder
	for _, e := range late {
		lag := e.TxFrom.Sub(e.ValidFrom).Round(time.Minute)
		fmt.Fprintf(&b, "- %s (learned %s late)\n", kg.RenderEntity(e), lag)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func lagStats(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args lagArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	s, err := store.DiscoveryLagStats(ctx, args.Type)
	if err != nil {
		return "", err
	}
	if s.Count == 0 {
		return "No current beliefs to analyze.", nil
	}
	return fmt.Sprintf("entities: %d\nmean lag: %s\nmedian lag: %s\nmax lag: %s",
		s.Count, s.Mean.Round(time.Second), s.Median.Round(time.Second), s.Max.Round(time.Second)), nil
}

func entityContext(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args entityArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	entity, err := store.GetEntity(ctx, args.ID)
	if err != nil {
		return "", err
	}
	data, _ := json.MarshalIndent(entity.Data, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\nvalid from %s, believed since %s\n%s\n",
		entity.ID, entity.Type,
		entity.ValidFrom.Format(time.RFC3339), entity.TxFrom.Format(time.RFC3339), data)

	history, err := store.GetEntityHistory(ctx, args.ID)
	if err == nil && len(history) > 1 {
		fmt.Fprintf(&b, "\nHistory (%d versions):\n", len(history))
		for _, h := range history {
			state := "current"
			if h.TxTo != nil {
				state = "superseded " + h.TxTo.Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "- believed %s (%s)\n", h.TxFrom.Format(time.RFC3339), state)
		}
	}

	related, err := store.GetRelated(ctx, args.ID, "", kg.DirectionBoth)
	if err == nil && len(related) > 0 {
		b.WriteString("\nRelated:\n")
		for _, r := range related {
			fmt.Fprintf(&b, "- %s\n", kg.RenderEntity(r))
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func stats(ctx context.Context, store *kg.Store) (string, error) {
	counts, err := store.Stats(ctx)
	if err != nil {
		return "", err
	}
	if len(counts) == 0 {
		return "Knowledge graph is empty.", nil
	}
	var types []string
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	var b strings.Builder
	for _, t := range types {
		fmt.Fprintf(&b, "%s: %d\n", t, counts[t])
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
