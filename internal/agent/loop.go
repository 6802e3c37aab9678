package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fredericlepied/aiops/internal/kg"
	"github.com/fredericlepied/aiops/internal/mcp"
	"github.com/fredericlepied/aiops/internal/observability"
	"github.com/fredericlepied/aiops/internal/security"
	"github.com/fredericlepied/aiops/internal/tools"
)

const (
	wallClockBudget   = 600 * time.Second
	signatureWinSize  = 5
	loopThreshold     = 3
	noProgressLimit   = 10
	streamingMinimum  = 8192
	shortDescCharsMax = 200

	groundingNudge = "Before finalizing, verify any factual claims by calling an " +
		"available tool, or state explicitly that the answer is from general knowledge."
	wrapupNudge = "You are close to the turn limit. Synthesize what you have into a " +
		"final answer now and stop calling tools unless absolutely essential."
)

// ToolServers is the supervisor surface the loop needs. Kept as an
// interface so tests can stub external servers.
type ToolServers interface {
	ServerNames() []string
	Tools(server string) ([]mcp.Tool, error)
	Call(ctx context.Context, server, tool string, args map[string]any) (string, error)
	GetPrompt(ctx context.Context, server, name string, args map[string]string) (*mcp.GetPromptResult, error)
}

// Event is one element of a streaming query.
type Event struct {
	Type     string // text, tool_call, done, error, cancelled
	Text     string
	ToolName string
	ToolArgs json.RawMessage
	Answer   string // set on done
	Err      error  // set on error
}

// Loop drives queries against the chat backend and tool set.
type Loop struct {
	backend  ChatBackend
	registry *tools.Registry
	servers  ToolServers
	store    *kg.Store
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	model         string
	maxTokens     int
	maxTurns      int
	allowExtended bool
	keepRecent    int

	identity func() string
	skills   func() string

	mu               sync.Mutex
	pendingSynthesis bool
	synthesisFocus   string
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithServers attaches external tool servers.
func WithServers(s ToolServers) LoopOption { return func(l *Loop) { l.servers = s } }

// WithStore attaches the knowledge graph.
func WithStore(s *kg.Store) LoopOption { return func(l *Loop) { l.store = s } }

// WithLoopLogger sets the slog logger.
func WithLoopLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = lg.With("component", "agent") }
}

// WithLoopMetrics wires the metric set.
func WithLoopMetrics(m *observability.Metrics) LoopOption { return func(l *Loop) { l.metrics = m } }

// WithMaxTurns overrides the turn budget.
func WithMaxTurns(n int) LoopOption { return func(l *Loop) { l.maxTurns = n } }

// WithExtendedContext opts in to the long-context window.
func WithExtendedContext(allow bool) LoopOption { return func(l *Loop) { l.allowExtended = allow } }

// WithKeepRecent sets how many recent tool-result rounds masking keeps.
func WithKeepRecent(n int) LoopOption { return func(l *Loop) { l.keepRecent = n } }

// WithIdentity supplies the identity paragraph, re-read per query so
// file edits take effect immediately.
func WithIdentity(f func() string) LoopOption { return func(l *Loop) { l.identity = f } }

// WithSkills supplies the rendered skills section.
func WithSkills(f func() string) LoopOption { return func(l *Loop) { l.skills = f } }

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) LoopOption { return func(l *Loop) { l.now = now } }

// NewLoop builds a loop over backend and the in-process registry.
func NewLoop(backend ChatBackend, registry *tools.Registry, model string, maxTokens int, opts ...LoopOption) *Loop {
	l := &Loop{
		backend:   backend,
		registry:  registry,
		logger:    slog.Default().With("component", "agent"),
		metrics:   observability.Nop(),
		now:       time.Now,
		model:     model,
		maxTokens: maxTokens,
		maxTurns:  20,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RequestSynthesis sets the pending-synthesis flag; the session honors
// it between queries.
func (l *Loop) RequestSynthesis(focus string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingSynthesis = true
	l.synthesisFocus = focus
}

// ConsumePendingSynthesis returns and clears the pending flag.
func (l *Loop) ConsumePendingSynthesis() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.pendingSynthesis {
		return "", false
	}
	l.pendingSynthesis = false
	focus := l.synthesisFocus
	l.synthesisFocus = ""
	return focus, true
}

// Query runs one user query to completion and returns the final
// answer.
func (l *Loop) Query(ctx context.Context, text string) (string, error) {
	return l.run(ctx, []Message{UserText(text)}, nil)
}

// QueryStream runs one user query, yielding events as they happen. The
// channel closes after a done, error, or cancelled event.
func (l *Loop) QueryStream(ctx context.Context, text string) <-chan Event {
	return l.runStream(ctx, []Message{UserText(text)})
}

// QueryWithHistory runs one query preceded by earlier exchanges, for
// interactive sessions that carry conversation state between queries.
func (l *Loop) QueryWithHistory(ctx context.Context, history []Exchange, text string) (string, error) {
	messages := make([]Message, 0, 2*len(history)+1)
	for _, ex := range history {
		messages = append(messages,
			UserText(ex.User),
			Message{Role: "assistant", Blocks: []Block{TextBlock(ex.Assistant)}})
	}
	messages = append(messages, UserText(text))
	return l.run(ctx, messages, nil)
}

// RunPrompt resolves an mcp://server/name reference to its rendered
// messages and runs the loop over them; plain text runs as a user
// query.
func (l *Loop) RunPrompt(ctx context.Context, body string, args map[string]string) (string, error) {
	server, name, ok := parsePromptReference(body)
	if !ok {
		return l.Query(ctx, body)
	}
	if l.servers == nil {
		return "", fmt.Errorf("prompt reference %s but no tool servers are connected", body)
	}
	result, err := l.servers.GetPrompt(ctx, server, name, args)
	if err != nil {
		return "", fmt.Errorf("resolve prompt %s: %w", body, err)
	}
	var messages []Message
	for _, m := range result.Messages {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, Message{Role: role, Blocks: []Block{TextBlock(m.Content.Text)}})
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("prompt %s rendered no messages", body)
	}
	return l.run(ctx, messages, nil)
}

func parsePromptReference(body string) (server, name string, ok bool) {
	ref, found := strings.CutPrefix(body, "mcp://")
	if !found {
		return "", "", false
	}
	server, name, ok = strings.Cut(ref, "/")
	if server == "" || name == "" {
		return "", "", false
	}
	return server, name, ok
}

func (l *Loop) runStream(ctx context.Context, messages []Message) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		emit := func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		answer, err := l.run(ctx, messages, emit)
		switch {
		case ctx.Err() != nil:
			emit(Event{Type: "cancelled"})
		case err != nil:
			emit(Event{Type: "error", Err: err})
		default:
			emit(Event{Type: "done", Answer: answer})
		}
	}()
	return events
}

// run is the outer turn loop shared by unary and streaming queries.
func (l *Loop) run(ctx context.Context, messages []Message, emit func(Event)) (string, error) {
	cm := NewContextManager(l.model, l.allowExtended, l.keepRecent, l.logger)
	cache := make(map[string]string)
	window := newSignatureWindow(signatureWinSize)
	specs := l.toolSpecs()
	queryText := firstUserText(messages)
	start := l.now()

	var (
		anyToolsCalled bool
		groundingFired bool
		wrapupFired    bool
		duplicates     int
		noProgress     int
	)

	for turn := 0; turn < l.maxTurns; turn++ {
		if ctx.Err() != nil {
			l.metrics.TurnCounter.WithLabelValues("cancelled").Inc()
			return "", ctx.Err()
		}
		if l.now().Sub(start) > wallClockBudget {
			l.metrics.TurnCounter.WithLabelValues("timeout").Inc()
			return "", fmt.Errorf("query exceeded the %s wall-clock budget", wallClockBudget)
		}
		if cm.ShouldMask() {
			cm.MaskOldObservations(messages)
		}
		if cm.ShouldActivateExtended() {
			cm.ActivateExtended()
		}
		if !wrapupFired && turn >= (l.maxTurns*4)/5 && turn > 0 {
			wrapupFired = true
			messages = append(messages, UserText(wrapupNudge))
		}

		req := &Request{
			Model:           l.model,
			System:          buildSystemPrompt(ctx, l.promptInputs(), l.store, queryText, l.logger),
			Messages:        messages,
			Tools:           specs,
			MaxTokens:       l.maxTokens,
			ExtendedContext: cm.ExtendedActive(),
		}

		resp, err := l.call(ctx, req, emit)
		if err != nil {
			l.metrics.TurnCounter.WithLabelValues("error").Inc()
			return "", fmt.Errorf("chat backend: %w", err)
		}

		cm.RecordUsage(resp.Usage)
		l.metrics.BackendTokens.WithLabelValues(l.model, "input").Add(float64(resp.Usage.InputTokens))
		l.metrics.BackendTokens.WithLabelValues(l.model, "output").Add(float64(resp.Usage.OutputTokens))
		messages = append(messages, resp.Message)

		uses := resp.Message.ToolUses()
		if len(uses) == 0 {
			text := strings.TrimSpace(resp.Message.Text())
			if text == "" {
				noProgress++
				if noProgress >= noProgressLimit {
					l.metrics.TurnCounter.WithLabelValues("no_progress").Inc()
					return "", fmt.Errorf("no progress after %d empty turns", noProgress)
				}
				continue
			}
			if len(specs) > 0 && !anyToolsCalled && !groundingFired {
				groundingFired = true
				messages = append(messages, UserText(groundingNudge))
				continue
			}
			l.metrics.TurnCounter.WithLabelValues("completed").Inc()
			l.logger.Info("query completed", "turns", turn+1,
				"duplicates", duplicates, "tokens_in", cm.Total().InputTokens)
			return text, nil
		}
		noProgress = 0

		var results []Block
		for _, use := range uses {
			if ctx.Err() != nil {
				l.metrics.TurnCounter.WithLabelValues("cancelled").Inc()
				return "", ctx.Err()
			}
			if emit != nil {
				emit(Event{Type: "tool_call", ToolName: use.Name, ToolArgs: use.Input})
			}

			sig := Signature(use.Name, use.Input)
			result, cached := cache[sig]
			if cached {
				duplicates++
				l.metrics.DuplicateCallCounter.Inc()
			} else {
				result = l.dispatch(ctx, use)
				result = TruncateResult(result)
				sanitized, matches := security.SanitizeResult(result)
				if len(matches) > 0 {
					l.logger.Warn("tool result wrapped as untrusted",
						"tool", use.Name, "patterns", matches)
				}
				result = sanitized
				cache[sig] = result
			}

			if window.Push(sig) >= loopThreshold {
				l.metrics.LoopTerminations.Inc()
				l.metrics.TurnCounter.WithLabelValues("loop_detected").Inc()
				return "", fmt.Errorf("Loop detected: %s called repeatedly with identical arguments", use.Name)
			}

			anyToolsCalled = true
			results = append(results, ToolResultBlock(use.ID, result, strings.HasPrefix(result, "Error:")))
		}
		messages = append(messages, Message{Role: "user", Blocks: results})
	}

	l.metrics.TurnCounter.WithLabelValues("max_turns").Inc()
	return "", fmt.Errorf("turn budget of %d exhausted", l.maxTurns)
}

// call picks streaming or unary mode by the configured max_tokens.
func (l *Loop) call(ctx context.Context, req *Request, emit func(Event)) (*Response, error) {
	if l.maxTokens > streamingMinimum {
		events, err := l.backend.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		var onText func(string)
		if emit != nil {
			onText = func(chunk string) { emit(Event{Type: "text", Text: chunk}) }
		}
		return collectStream(events, onText)
	}
	resp, err := l.backend.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if emit != nil {
		if text := resp.Message.Text(); text != "" {
			emit(Event{Type: "text", Text: text})
		}
	}
	return resp, nil
}

// dispatch routes one tool_use to the registry or a tool server.
// Failures come back as error text for the model, never as a loop
// abort.
func (l *Loop) dispatch(ctx context.Context, use Block) string {
	var args map[string]any
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &args); err != nil {
			return fmt.Sprintf("Error: tool arguments are not a JSON object: %v", err)
		}
	}

	server, tool, ok := mcp.SplitToolName(use.Name)
	if !ok {
		return fmt.Sprintf("Error: malformed tool name %q", use.Name)
	}

	if server == tools.ServerInternal || server == tools.ServerIntrospection {
		result, _ := l.registry.Execute(ctx, use.Name, args)
		return result
	}

	if l.servers == nil {
		return fmt.Sprintf("Error: no tool server named %q is connected", server)
	}
	if err := l.validateServerCall(server, tool, args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", use.Name, err)
	}
	result, err := l.servers.Call(ctx, server, tool, args)
	if err != nil {
		l.metrics.ToolCallCounter.WithLabelValues(server, tool, "error").Inc()
		return fmt.Sprintf("Error: %v", err)
	}
	l.metrics.ToolCallCounter.WithLabelValues(server, tool, "success").Inc()
	if l.store != nil && !strings.HasPrefix(result, "Error:") {
		if err := kg.RecordToolResult(ctx, l.store, use.Name, args, result); err != nil {
			l.logger.Debug("tool result not recorded", "tool", use.Name, "error", err)
		}
	}
	return result
}

func (l *Loop) validateServerCall(server, tool string, args map[string]any) error {
	serverTools, err := l.servers.Tools(server)
	if err != nil {
		return err
	}
	for _, t := range serverTools {
		if t.Name == tool {
			return tools.ValidateArgs(t.InputSchema, args)
		}
	}
	return fmt.Errorf("server %s has no tool %q", server, tool)
}

// toolSpecs assembles the progressive tool list: short descriptions
// with a pointer to full help.
func (l *Loop) toolSpecs() []ToolSpec {
	var specs []ToolSpec
	for _, t := range l.registry.List() {
		specs = append(specs, ToolSpec{
			Name:        t.QualifiedName(),
			Description: t.ShortDescription(),
			InputSchema: t.InputSchema,
		})
	}
	if l.servers == nil {
		return specs
	}
	for _, server := range l.servers.ServerNames() {
		serverTools, err := l.servers.Tools(server)
		if err != nil {
			continue
		}
		for _, t := range serverTools {
			specs = append(specs, ToolSpec{
				Name:        server + "__" + t.Name,
				Description: shortServerDescription(t.Description),
				InputSchema: t.InputSchema,
			})
		}
	}
	return specs
}

func shortServerDescription(full string) string {
	short := full
	if idx := strings.IndexAny(short, ".\n"); idx >= 0 {
		short = strings.TrimSpace(short[:idx+1])
	}
	if len(short) > shortDescCharsMax {
		short = short[:shortDescCharsMax]
	}
	return short + " (full docs: introspection__get_tool_help)"
}

func (l *Loop) promptInputs() PromptInputs {
	inputs := PromptInputs{}
	if l.identity != nil {
		inputs.Identity = l.identity()
	}
	if l.skills != nil {
		inputs.SkillsSection = l.skills()
	}
	if l.servers != nil {
		inputs.ServerNames = l.servers.ServerNames()
	}
	return inputs
}

func firstUserText(messages []Message) string {
	for _, m := range messages {
		if m.Role == "user" {
			return m.Text()
		}
	}
	return ""
}
