// Package introspect provides the introspection tool set: knowledge
// graph lookups, conversation history search, server prompt inspection
// and execution, and full tool documentation.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fredericlepied/aiops/internal/kg"
	"github.com/fredericlepied/aiops/internal/mcp"
	"github.com/fredericlepied/aiops/internal/tools"
)

// PromptSource exposes server prompt templates. The supervisor
// implements it.
type PromptSource interface {
	ServerNames() []string
	Prompts(server string) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, server, name string, args map[string]string) (*mcp.GetPromptResult, error)
	Tools(server string) ([]mcp.Tool, error)
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Substring to match against entity content"`
	Type  string `json:"type,omitempty" jsonschema:"description=Restrict to one entity type"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results (default 20)"`
}

type entityArgs struct {
	ID string `json:"id" jsonschema:"description=Entity id, e.g. user_preference:report-format"`
}

type historyArgs struct {
	Query string `json:"query" jsonschema:"description=Substring to match against past conversations"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results (default 10)"`
}

type promptArgs struct {
	Server string `json:"server" jsonschema:"description=Server hosting the prompt"`
	Name   string `json:"name" jsonschema:"description=Prompt name"`
}

type execPromptArgs struct {
	Server    string            `json:"server" jsonschema:"description=Server hosting the prompt"`
	Name      string            `json:"name" jsonschema:"description=Prompt name"`
	Arguments map[string]string `json:"arguments,omitempty" jsonschema:"description=Prompt arguments"`
}

type helpArgs struct {
	Name string `json:"name" jsonschema:"description=Qualified tool name, e.g. internal__read_file"`
}

// New builds the introspection tool set. registry must be the registry
// these tools are themselves registered into, so get_tool_help covers
// the whole run. prompts may be nil when no servers are connected.
func New(store *kg.Store, registry *tools.Registry, prompts PromptSource) []tools.Tool {
	return []tools.Tool{
		{
			Server:      tools.ServerIntrospection,
			Name:        "search_knowledge_graph",
			Description: "Search all knowledge graph entities by content substring, optionally restricted to a type.",
			InputSchema: tools.MustSchema(&searchArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return searchGraph(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerIntrospection,
			Name:        "get_kg_entity",
			Description: "Fetch one knowledge graph entity by id with its temporal bounds.",
			InputSchema: tools.MustSchema(&entityArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return getEntity(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerIntrospection,
			Name:        "get_kg_stats",
			Description: "Show current-belief entity counts by type.",
			InputSchema: tools.MustSchema(&struct{}{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return getStats(ctx, store)
			},
		},
		{
			Server:      tools.ServerIntrospection,
			Name:        "search_conversation_history",
			Description: "Search transcripts of past conversations recorded in the knowledge graph.",
			InputSchema: tools.MustSchema(&historyArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return searchHistory(ctx, store, args)
			},
		},
		{
			Server:      tools.ServerIntrospection,
			Name:        "inspect_mcp_prompt",
			Description: "Show a server prompt's description and arguments without executing it.",
			InputSchema: tools.MustSchema(&promptArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return inspectPrompt(prompts, args)
			},
		},
		{
			Server:      tools.ServerIntrospection,
			Name:        "execute_mcp_prompt",
			Description: "Render a server prompt template with arguments and return its messages.",
			InputSchema: tools.MustSchema(&execPromptArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return executePrompt(ctx, prompts, args)
			},
		},
		{
			Server:      tools.ServerIntrospection,
			Name:        "get_tool_help",
			Description: "Return the full, untruncated description and input schema of any tool in this run.",
			InputSchema: tools.MustSchema(&helpArgs{}),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return toolHelp(registry, prompts, args)
			},
		},
	}
}

func searchGraph(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args searchArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	entities, err := store.SearchKnowledge(ctx, args.Type, args.Query, nil, args.Limit)
	if err != nil {
		return "", err
	}
	if len(entities) == 0 {
		return "No matching entities.", nil
	}
	var b strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&b, "- %s\n", kg.RenderEntity(e))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func getEntity(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args entityArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	entity, err := store.GetEntity(ctx, args.ID)
	if err != nil {
		return "", err
	}
	data, _ := json.MarshalIndent(entity.Data, "", "  ")
	return fmt.Sprintf("%s (%s)\nvalid from %s, believed since %s\n%s",
		entity.ID, entity.Type,
		entity.ValidFrom.Format(time.RFC3339), entity.TxFrom.Format(time.RFC3339), data), nil
}

func getStats(ctx context.Context, store *kg.Store) (string, error) {
	counts, err := store.Stats(ctx)
	if err != nil {
		return "", err
	}
	if len(counts) == 0 {
		return "Knowledge graph is empty.", nil
	}
	total := 0
	var b strings.Builder
	for _, t := range sortedKeys(counts) {
		fmt.Fprintf(&b, "%s: %d\n", t, counts[t])
		total += counts[t]
	}
	fmt.Fprintf(&b, "total: %d", total)
	return b.String(), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func searchHistory(ctx context.Context, store *kg.Store, raw map[string]any) (string, error) {
	var args historyArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}
	entities, err := store.SearchKnowledge(ctx, kg.TypeConversation, args.Query, nil, limit)
	if err != nil {
		return "", err
	}
	if len(entities) == 0 {
		return "No matching conversations.", nil
	}
	var b strings.Builder
	for _, e := range entities {
		content, _ := e.Data["text"].(string)
		if len(content) > 500 {
			content = content[:500] + "…"
		}
		fmt.Fprintf(&b, "--- %s (%s)\n%s\n", e.ID, e.TxFrom.Format(time.RFC3339), content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func inspectPrompt(prompts PromptSource, raw map[string]any) (string, error) {
	var args promptArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	if prompts == nil {
		return "", fmt.Errorf("no tool servers are connected")
	}
	available, err := prompts.Prompts(args.Server)
	if err != nil {
		return "", err
	}
	for _, p := range available {
		if p.Name != args.Name {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s/%s", args.Server, p.Name)
		if p.Description != "" {
			fmt.Fprintf(&b, ": %s", p.Description)
		}
		for _, a := range p.Arguments {
			req := "optional"
			if a.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "\n  %s (%s): %s", a.Name, req, a.Description)
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("server %s has no prompt %q", args.Server, args.Name)
}

func executePrompt(ctx context.Context, prompts PromptSource, raw map[string]any) (string, error) {
	var args execPromptArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}
	if prompts == nil {
		return "", fmt.Errorf("no tool servers are connected")
	}
	result, err := prompts.GetPrompt(ctx, args.Server, args.Name, args.Arguments)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range result.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func toolHelp(registry *tools.Registry, prompts PromptSource, raw map[string]any) (string, error) {
	var args helpArgs
	if err := tools.DecodeArgs(raw, &args); err != nil {
		return "", err
	}

	if t, ok := registry.Get(args.Name); ok {
		return renderHelp(args.Name, t.Description, t.InputSchema), nil
	}

	server, name, ok := mcp.SplitToolName(args.Name)
	if ok && prompts != nil {
		serverTools, err := prompts.Tools(server)
		if err == nil {
			for _, t := range serverTools {
				if t.Name == name {
					return renderHelp(args.Name, t.Description, t.InputSchema), nil
				}
			}
		}
	}
	return "", fmt.Errorf("no tool named %q in this run", args.Name)
}

func renderHelp(name, description string, schema json.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s", name, description)
	if len(schema) > 0 {
		var pretty json.RawMessage
		if indented, err := json.MarshalIndent(json.RawMessage(schema), "", "  "); err == nil {
			pretty = indented
		} else {
			pretty = schema
		}
		fmt.Fprintf(&b, "\n\nInput schema:\n%s", pretty)
	}
	return b.String()
}
