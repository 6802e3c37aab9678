package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func echoTool(server, name string) Tool {
	return Tool{
		Server:      server,
		Name:        name,
		Description: "Echoes the text argument back. Useful for diagnostics.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestExecuteDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool(ServerInternal, "echo"))

	got, ok := r.Execute(context.Background(), "internal__echo", map[string]any{"text": "hello"})
	if !ok || got != "hello" {
		t.Errorf("Execute() = %q, %v", got, ok)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	got, ok := r.Execute(context.Background(), "internal__missing", nil)
	if ok || !strings.Contains(got, "unknown tool") {
		t.Errorf("Execute() = %q, %v", got, ok)
	}
}

func TestExecuteValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool(ServerInternal, "echo"))

	cases := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"text": 42}},
		{"empty required string", map[string]any{"text": "   "}},
		{"unknown field", map[string]any{"text": "x", "extra": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := r.Execute(context.Background(), "internal__echo", tc.args)
			if ok || !strings.Contains(got, "Error:") {
				t.Errorf("Execute(%v) = %q, %v, want validation error", tc.args, got, ok)
			}
		})
	}
}

func TestExecuteConfirmation(t *testing.T) {
	danger := echoTool(ServerInternal, "danger")
	danger.Confirm = true

	// No confirmation channel: the call must not run.
	r := NewRegistry()
	r.Register(danger)
	got, ok := r.Execute(context.Background(), "internal__danger", map[string]any{"text": "x"})
	if ok || !strings.Contains(got, "confirmation") {
		t.Errorf("no-channel Execute() = %q, %v", got, ok)
	}

	// Operator declines.
	r = NewRegistry(WithConfirm(func(prompt string) bool { return false }))
	r.Register(danger)
	got, ok = r.Execute(context.Background(), "internal__danger", map[string]any{"text": "x"})
	if ok || !strings.Contains(got, "declined") {
		t.Errorf("declined Execute() = %q, %v", got, ok)
	}

	// Operator approves.
	r = NewRegistry(WithConfirm(func(prompt string) bool { return true }))
	r.Register(danger)
	got, ok = r.Execute(context.Background(), "internal__danger", map[string]any{"text": "x"})
	if !ok || got != "x" {
		t.Errorf("approved Execute() = %q, %v", got, ok)
	}
}

func TestConfirmToolsByConfig(t *testing.T) {
	declined := false
	r := NewRegistry(
		WithConfirm(func(prompt string) bool { declined = true; return false }),
		WithConfirmTools([]string{"echo"}),
	)
	r.Register(echoTool(ServerInternal, "echo"))

	if _, ok := r.Execute(context.Background(), "internal__echo", map[string]any{"text": "x"}); ok {
		t.Error("config-listed tool ran without confirmation")
	}
	if !declined {
		t.Error("confirmation callback never consulted")
	}
}

func TestExecuteHandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{
		Server: ServerInternal,
		Name:   "flaky",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	})
	got, ok := r.Execute(context.Background(), "internal__flaky", nil)
	if ok || got != "Error: disk on fire" {
		t.Errorf("Execute() = %q, %v", got, ok)
	}
}

func TestShortDescription(t *testing.T) {
	tool := Tool{
		Description: "Reads a file from an allowed path. Supports line ranges, " +
			"pagination, and several other things described at great length here.",
	}
	short := tool.ShortDescription()
	if !strings.HasPrefix(short, "Reads a file from an allowed path.") {
		t.Errorf("ShortDescription() = %q", short)
	}
	if !strings.Contains(short, "introspection__get_tool_help") {
		t.Errorf("missing help pointer: %q", short)
	}

	long := Tool{Description: strings.Repeat("x", 400)}
	if got := long.ShortDescription(); len(got) > 200+len(" (full docs: introspection__get_tool_help)") {
		t.Errorf("long description not capped: %d chars", len(got))
	}
}

func TestMustSchemaRequiredFields(t *testing.T) {
	type args struct {
		Path     string `json:"path"`
		MaxLines int    `json:"max_lines,omitempty"`
	}
	schema := MustSchema(&args{})

	var meta struct {
		Required             []string `json:"required"`
		AdditionalProperties bool     `json:"additionalProperties"`
	}
	if err := json.Unmarshal(schema, &meta); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if len(meta.Required) != 1 || meta.Required[0] != "path" {
		t.Errorf("required = %v, want [path]", meta.Required)
	}
	if meta.AdditionalProperties {
		t.Error("additionalProperties should be false")
	}
}
