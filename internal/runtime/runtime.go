// Package runtime assembles the assistant: config, knowledge graph,
// chat backend, tool registry, supervisor, scheduler, and watchers,
// threaded through one handle whose lifetime equals the process.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fredericlepied/aiops/internal/agent"
	"github.com/fredericlepied/aiops/internal/agent/providers"
	"github.com/fredericlepied/aiops/internal/audit"
	"github.com/fredericlepied/aiops/internal/config"
	"github.com/fredericlepied/aiops/internal/identity"
	"github.com/fredericlepied/aiops/internal/kg"
	"github.com/fredericlepied/aiops/internal/mcp"
	"github.com/fredericlepied/aiops/internal/notify"
	"github.com/fredericlepied/aiops/internal/observability"
	"github.com/fredericlepied/aiops/internal/schedule"
	"github.com/fredericlepied/aiops/internal/skills"
	"github.com/fredericlepied/aiops/internal/tools"
	"github.com/fredericlepied/aiops/internal/tools/execx"
	"github.com/fredericlepied/aiops/internal/tools/files"
	"github.com/fredericlepied/aiops/internal/tools/introspect"
	"github.com/fredericlepied/aiops/internal/tools/knowledge"
	"github.com/fredericlepied/aiops/internal/tools/reports"
	"github.com/fredericlepied/aiops/internal/tools/schedtools"
	"github.com/fredericlepied/aiops/internal/watch"
)

// synthesisWindow is how far back the nightly pass looks.
const synthesisWindow = 24 * time.Hour

// Runtime is the assembled assistant.
type Runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	auditLog   *audit.Logger
	store      *kg.Store
	backend    agent.ChatBackend
	registry   *tools.Registry
	supervisor *mcp.Supervisor
	skillSet   *skills.Set
	identity   *identity.Source
	loop       *agent.Loop
	synth      *kg.Synthesizer
	scheduler  *schedule.Scheduler
	schedCache *schedule.Cache
	notifier   *notify.Dispatcher
	watchers   []*watch.Watcher

	confirm tools.ConfirmFunc
}

// Option configures the runtime.
type Option func(*Runtime)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runtime) { r.logger = l } }

// WithMetrics wires a registered metric set; default is no-op metrics.
func WithMetrics(m *observability.Metrics) Option { return func(r *Runtime) { r.metrics = m } }

// WithBackend overrides the chat backend, mainly for tests.
func WithBackend(b agent.ChatBackend) Option { return func(r *Runtime) { r.backend = b } }

// WithConfirm marks the session interactive: tools that need operator
// approval prompt through f instead of refusing.
func WithConfirm(f tools.ConfirmFunc) Option { return func(r *Runtime) { r.confirm = f } }

// New assembles the runtime and connects configured tool servers.
// Close releases everything it opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if _, err := config.EnsureDir(); err != nil {
		return nil, fmt.Errorf("config directory: %w", err)
	}

	r := &Runtime{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.backend == nil {
		backend, err := buildBackend(cfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.backend = backend
	}

	if cfg.Audit.Enabled {
		auditLog, err := audit.New(cfg.Audit.Path, audit.WithLogger(r.logger))
		if err != nil {
			return nil, fmt.Errorf("audit log: %w", err)
		}
		r.auditLog = auditLog
	}

	store, err := kg.Open(config.KGPath(), kg.WithLogger(r.logger))
	if err != nil {
		r.close()
		return nil, fmt.Errorf("knowledge graph: %w", err)
	}
	r.store = store

	r.identity = identity.New(config.IdentityPath(), r.logger)
	r.skillSet = skills.NewSet(config.InstalledSkillsPath(), r.logger)
	r.skillSet.Reload()

	specs, err := mcp.LoadSpecFile(config.ServersPath())
	if err != nil {
		r.logger.Warn("server spec file invalid, starting without tool servers", "error", err)
	}
	r.supervisor = mcp.NewSupervisor(specs, r.logger)
	for server, err := range r.supervisor.ConnectAll(ctx) {
		r.logger.Warn("tool server failed to connect", "server", server, "error", err)
	}

	r.buildRegistry()
	r.loop = agent.NewLoop(r.backend, r.registry, cfg.Model, cfg.MaxTokens,
		agent.WithServers(r.supervisor),
		agent.WithStore(r.store),
		agent.WithLoopLogger(r.logger),
		agent.WithLoopMetrics(r.metrics),
		agent.WithMaxTurns(cfg.MaxTurns),
		agent.WithExtendedContext(cfg.Context.AllowExtendedContext),
		agent.WithKeepRecent(cfg.Context.KeepRecent),
		agent.WithIdentity(r.identity.Text),
		agent.WithSkills(func() string {
			return r.skillSet.PromptSection(cfg.Tools.AllowScriptExecution)
		}),
	)

	// The loop is the synthesis requester and the prompt executor, so
	// the tools that need it register after it exists.
	r.registry.Register(knowledge.New(r.store, r.loop)...)
	r.registry.Register(introspect.New(r.store, r.registry, r.supervisor)...)

	r.synth = kg.NewSynthesizer(r.store, r.summarize, r.logger)

	r.notifier = notify.NewDispatcher(r.logger)
	for _, sink := range cfg.Notify.Sinks {
		switch sink {
		case "console":
			r.notifier.Register("console", notify.ConsoleSink{})
		case "file":
			r.notifier.Register("file", notify.FileSink{Path: cfg.Notify.FilePath})
		default:
			r.logger.Warn("unknown notification sink", "sink", sink)
		}
	}

	schedOpts := []schedule.SchedulerOption{
		schedule.WithLogger(r.logger),
		schedule.WithMetrics(r.metrics),
		schedule.WithNotifier(r.notifier),
	}
	if cache, err := schedule.OpenCache(config.SchedulerCachePath()); err != nil {
		r.logger.Warn("scheduler cache unavailable", "error", err)
	} else {
		r.schedCache = cache
		schedOpts = append(schedOpts, schedule.WithCache(cache))
	}
	r.scheduler = schedule.NewScheduler(r.runUnit, schedOpts...)
	r.registry.Register(schedtools.New(config.SchedulePath(), r.scheduler, time.Now)...)

	return r, nil
}

func buildBackend(cfg *config.Config, logger *slog.Logger) (agent.ChatBackend, error) {
	if cfg.Anthropic.APIKey == "" {
		if cfg.Anthropic.ProjectID != "" {
			return nil, fmt.Errorf("cloud-project credentials need a gateway: set anthropic.base_url and an API key")
		}
		return nil, fmt.Errorf("no chat backend credentials: set ANTHROPIC_API_KEY or anthropic.api_key")
	}
	return providers.NewAnthropic(providers.AnthropicConfig{
		APIKey:  cfg.Anthropic.APIKey,
		BaseURL: cfg.Anthropic.BaseURL,
		Logger:  logger,
	})
}

func (r *Runtime) buildRegistry() {
	regOpts := []tools.RegistryOption{
		tools.WithMetrics(r.metrics),
		tools.WithConfirmTools(r.cfg.Tools.ConfirmTools),
	}
	if r.auditLog != nil {
		regOpts = append(regOpts, tools.WithAudit(r.auditLog))
	}
	if r.confirm != nil {
		regOpts = append(regOpts, tools.WithConfirm(r.confirm))
	}
	r.registry = tools.NewRegistry(regOpts...)

	policy := files.Policy{AllowedPaths: r.cfg.Tools.AllowedPaths}
	r.registry.Register(files.New(policy, time.Now)...)
	r.registry.Register(execx.New(execx.Config{
		AllowedCommands: r.cfg.Tools.AllowedCommands,
		Confirm:         r.confirm,
		Timeout:         r.cfg.Tools.CommandTimeout,
		Policy:          policy,
	}))
	r.registry.Register(reports.NewStore(r.cfg.Tools.ReportsDir, time.Now).Tools()...)
	r.registry.Register(skills.ScriptTool(r.skillSet, r.cfg.Tools.AllowScriptExecution))
}

// Loop exposes the agent loop for embedding callers.
func (r *Runtime) Loop() *agent.Loop { return r.loop }

// Store exposes the knowledge graph.
func (r *Runtime) Store() *kg.Store { return r.store }

// Query runs one query, persists the exchange, and honors any pending
// synthesis request the model raised.
func (r *Runtime) Query(ctx context.Context, text string) (string, error) {
	answer, err := r.loop.Query(ctx, text)
	if err != nil {
		return "", err
	}
	r.afterQuery(ctx, text, answer)
	return answer, nil
}

// QueryWithHistory runs one query with earlier exchanges as context,
// for interactive sessions.
func (r *Runtime) QueryWithHistory(ctx context.Context, history []agent.Exchange, text string) (string, error) {
	answer, err := r.loop.QueryWithHistory(ctx, history, text)
	if err != nil {
		return "", err
	}
	r.afterQuery(ctx, text, answer)
	return answer, nil
}

// QueryStream runs one query as an event stream. The exchange is
// persisted when the stream finishes with an answer.
func (r *Runtime) QueryStream(ctx context.Context, text string) <-chan agent.Event {
	out := make(chan agent.Event)
	go func() {
		defer close(out)
		for ev := range r.loop.QueryStream(ctx, text) {
			if ev.Type == "done" {
				r.afterQuery(ctx, text, ev.Answer)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Runtime) afterQuery(ctx context.Context, query, answer string) {
	if err := kg.RecordConversation(ctx, r.store, query, answer); err != nil {
		r.logger.Warn("conversation not recorded", "error", err)
	}
	if focus, ok := r.loop.ConsumePendingSynthesis(); ok {
		if n, err := r.synth.Run(ctx, synthesisWindow, focus); err != nil {
			r.logger.Warn("requested synthesis failed", "error", err)
		} else {
			r.logger.Info("requested synthesis completed", "mined", n)
		}
	}
}

// Summarize asks the backend for one plain completion; it backs both
// conversation compaction and KG synthesis.
func (r *Runtime) Summarize(ctx context.Context, system, user string) (string, error) {
	return r.summarize(ctx, system, user)
}

func (r *Runtime) summarize(ctx context.Context, system, user string) (string, error) {
	resp, err := r.backend.Complete(ctx, &agent.Request{
		Model:     r.cfg.Model,
		System:    system,
		Messages:  []agent.Message{agent.UserText(user)},
		MaxTokens: 2048,
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Text(), nil
}

// StartMonitor loads the schedule, starts the scheduler and the file
// watchers, and runs audit cleanup. It returns immediately; cancel ctx
// or call Close to stop.
func (r *Runtime) StartMonitor(ctx context.Context) error {
	units, err := r.loadUnits()
	if err != nil {
		return err
	}
	r.scheduler.Start(ctx, units)
	r.startWatchers(ctx)

	if r.cfg.Audit.Enabled {
		if n, err := audit.Cleanup(r.cfg.Audit.Path, r.cfg.Audit.Retention, time.Now()); err != nil {
			r.logger.Warn("audit cleanup failed", "error", err)
		} else if n > 0 {
			r.logger.Info("audit records expired", "dropped", n)
		}
	}
	return nil
}

func (r *Runtime) loadUnits() ([]schedule.Unit, error) {
	file, err := schedule.LoadFile(config.SchedulePath())
	if err != nil {
		return nil, fmt.Errorf("schedule file: %w", err)
	}
	if schedule.EnsureDefaults(file) {
		if err := schedule.SaveFile(config.SchedulePath(), file); err != nil {
			r.logger.Warn("default schedule entry not persisted", "error", err)
		}
	}
	units, errs := file.Units()
	for _, err := range errs {
		r.logger.Warn("schedule entry skipped", "error", err)
	}
	return units, nil
}

func (r *Runtime) startWatchers(ctx context.Context) {
	r.watchers = []*watch.Watcher{
		watch.File(config.ServersPath(), func() {
			specs, err := mcp.LoadSpecFile(config.ServersPath())
			if err != nil {
				r.logger.Warn("server spec reload skipped", "error", err)
				return
			}
			r.supervisor.ReloadFromSpec(context.Background(), specs)
		}, watch.WithLogger(r.logger)),
		watch.File(config.IdentityPath(), r.identity.Reload, watch.WithLogger(r.logger)),
		watch.File(config.InstalledSkillsPath(), r.skillSet.Reload, watch.WithLogger(r.logger)),
		watch.File(config.SchedulePath(), func() {
			units, err := r.loadUnits()
			if err != nil {
				r.logger.Warn("schedule reload skipped, keeping previous units", "error", err)
				return
			}
			r.scheduler.Reload(units)
		}, watch.WithLogger(r.logger)),
	}
	for _, w := range r.watchers {
		w.Start(ctx)
	}
}

// runUnit is the scheduler's Runner. The guaranteed synthesis unit
// runs the mining pass directly; everything else goes through the
// agent loop, resolving mcp:// prompt references.
func (r *Runtime) runUnit(ctx context.Context, unit schedule.Unit) (string, error) {
	if unit.Name == schedule.DefaultSynthesisName {
		n, err := r.synth.Run(ctx, synthesisWindow, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Synthesis mined %d entries", n), nil
	}

	loop := r.loop
	if unit.MaxTurns > 0 {
		loop = r.unitLoop(unit.MaxTurns)
	}
	return loop.RunPrompt(ctx, unit.Prompt, unit.PromptArguments)
}

// unitLoop clones the main loop with a per-unit turn budget.
func (r *Runtime) unitLoop(maxTurns int) *agent.Loop {
	return agent.NewLoop(r.backend, r.registry, r.cfg.Model, r.cfg.MaxTokens,
		agent.WithServers(r.supervisor),
		agent.WithStore(r.store),
		agent.WithLoopLogger(r.logger),
		agent.WithLoopMetrics(r.metrics),
		agent.WithMaxTurns(maxTurns),
		agent.WithExtendedContext(r.cfg.Context.AllowExtendedContext),
		agent.WithKeepRecent(r.cfg.Context.KeepRecent),
		agent.WithIdentity(r.identity.Text),
		agent.WithSkills(func() string {
			return r.skillSet.PromptSection(r.cfg.Tools.AllowScriptExecution)
		}),
	)
}

// Status reports component health for the /status verb.
func (r *Runtime) Status(ctx context.Context) map[string]string {
	status := map[string]string{
		"model": r.cfg.Model,
	}
	for server, state := range r.supervisor.Status() {
		status["server:"+server] = state
	}
	for unit, last := range r.scheduler.Status() {
		status["unit:"+unit] = last
	}
	if stats, err := r.store.Stats(ctx); err == nil {
		total := 0
		for _, n := range stats {
			total += n
		}
		status["kg_entities"] = fmt.Sprintf("%d", total)
	}
	return status
}

// ClearCache removes the scheduler's persistent cache and prunes
// stored tool results from the knowledge graph.
func (r *Runtime) ClearCache(ctx context.Context) error {
	if err := os.Remove(config.SchedulerCachePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove scheduler cache: %w", err)
	}
	n, err := r.store.PruneToolResults(ctx, 0)
	if err != nil {
		return fmt.Errorf("prune tool results: %w", err)
	}
	r.logger.Info("caches cleared", "tool_results_pruned", n)
	return nil
}

// CompactExchanges applies between-query compaction for interactive
// sessions.
func (r *Runtime) CompactExchanges(ctx context.Context, exchanges []agent.Exchange) []agent.Exchange {
	return agent.CompactExchanges(ctx, r.summarize, exchanges,
		r.cfg.Context.CompactionThreshold, r.cfg.Context.KeepRecent, r.logger)
}

// Close shuts everything down: scheduler, watchers, tool servers,
// stores, and the audit log.
func (r *Runtime) Close() {
	r.close()
}

func (r *Runtime) close() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	for _, w := range r.watchers {
		w.Close()
	}
	if r.supervisor != nil {
		r.supervisor.Close()
	}
	if r.schedCache != nil {
		if err := r.schedCache.Close(); err != nil {
			r.logger.Warn("scheduler cache close failed", "error", err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("knowledge graph close failed", "error", err)
		}
	}
	if r.auditLog != nil {
		r.auditLog.Close()
	}
}
