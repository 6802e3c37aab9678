// Package tools hosts the in-process tool set exposed to the model
// under the reserved server names "internal" and "introspection", and
// the registry that validates and dispatches calls to them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/fredericlepied/aiops/internal/audit"
	"github.com/fredericlepied/aiops/internal/observability"
)

// Reserved server names dispatched in-process, bypassing the
// supervisor.
const (
	ServerInternal      = "internal"
	ServerIntrospection = "introspection"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered in-process tool.
type Tool struct {
	Server      string
	Name        string
	Description string
	// Short overrides the progressive description sent to the model;
	// when empty the first sentence of Description is used.
	Short       string
	InputSchema json.RawMessage
	Handler     Handler
	// Confirm requires the operator confirmation callback before the
	// handler runs.
	Confirm bool
}

// QualifiedName is the server__tool form the model sees.
func (t Tool) QualifiedName() string { return t.Server + "__" + t.Name }

// ConfirmFunc asks the operator to approve an action. Returning false
// aborts the call.
type ConfirmFunc func(prompt string) bool

// Registry holds tools keyed by qualified name and dispatches calls
// through validation, confirmation, audit, and metrics.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	audit        *audit.Logger
	metrics      *observability.Metrics
	confirm      ConfirmFunc
	confirmTools map[string]bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAudit wires the audit sink.
func WithAudit(a *audit.Logger) RegistryOption {
	return func(r *Registry) { r.audit = a }
}

// WithMetrics wires the metric set.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithConfirm sets the operator confirmation callback.
func WithConfirm(f ConfirmFunc) RegistryOption {
	return func(r *Registry) { r.confirm = f }
}

// WithConfirmTools names tools that must confirm before acting even if
// not marked Confirm at registration.
func WithConfirmTools(names []string) RegistryOption {
	return func(r *Registry) {
		for _, n := range names {
			r.confirmTools[n] = true
		}
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:        make(map[string]Tool),
		metrics:      observability.Nop(),
		confirmTools: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tools, replacing same-name entries.
func (r *Registry) Register(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t.QualifiedName()] = t
	}
}

// Get looks a tool up by qualified name.
func (r *Registry) Get(qualified string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[qualified]
	return t, ok
}

// List returns all tools sorted by qualified name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// Execute validates args against the tool's schema and runs it. Policy
// violations and handler failures come back as error-text results with
// ok=false, never as panics; the model is expected to read them.
func (r *Registry) Execute(ctx context.Context, qualified string, args map[string]any) (string, bool) {
	tool, found := r.Get(qualified)
	if !found {
		return fmt.Sprintf("Error: unknown tool %s", qualified), false
	}

	if err := ValidateArgs(tool.InputSchema, args); err != nil {
		r.record(qualified, args, err.Error(), false)
		return fmt.Sprintf("Error: invalid arguments for %s: %v", qualified, err), false
	}

	if tool.Confirm || r.confirmTools[tool.Name] || r.confirmTools[qualified] {
		if r.confirm == nil {
			msg := fmt.Sprintf("Error: %s requires confirmation but no confirmation channel is available", qualified)
			r.record(qualified, args, msg, false)
			return msg, false
		}
		if !r.confirm(fmt.Sprintf("Allow %s with arguments %v?", qualified, args)) {
			msg := fmt.Sprintf("Error: %s was declined by the operator", qualified)
			r.record(qualified, args, msg, false)
			return msg, false
		}
	}

	start := time.Now()
	result, err := tool.Handler(ctx, args)
	r.metrics.ToolCallDuration.WithLabelValues(tool.Server, tool.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.ToolCallCounter.WithLabelValues(tool.Server, tool.Name, "error").Inc()
		msg := fmt.Sprintf("Error: %v", err)
		r.record(qualified, args, msg, false)
		return msg, false
	}
	r.metrics.ToolCallCounter.WithLabelValues(tool.Server, tool.Name, "success").Inc()
	r.record(qualified, args, result, true)
	return result, true
}

func (r *Registry) record(qualified string, args map[string]any, result string, success bool) {
	if r.audit != nil {
		r.audit.Log(qualified, args, result, success)
	}
}

// ShortDescription renders the progressive description: the short
// form (or first sentence, capped at 200 chars) plus the pointer to
// full help.
func (t Tool) ShortDescription() string {
	short := t.Short
	if short == "" {
		short = firstSentence(t.Description)
	}
	if len(short) > 200 {
		short = short[:200]
	}
	return short + " (full docs: introspection__get_tool_help)"
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == '\n' {
			return strings.TrimSpace(s[:i+1])
		}
	}
	return s
}

// MustSchema reflects a JSON schema from an argument struct. Used at
// registration time, so a reflection failure is a programmer error.
func MustSchema(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	return data
}
